// Package plot draws timing diagrams of pulse trains, one lane per GPIO, as
// SVG and as PNG rasterised from that SVG.
package plot

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"strings"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"

	"github.com/fkcurrie/multipwm/pkg/wave"
)

const (
	marginLeft   = 60
	marginRight  = 20
	marginTop    = 20
	marginBottom = 20
	gridLines    = 10

	// MaxWidth and MaxLaneHeight bound the size of a diagram in pixels.
	MaxWidth      = 4096
	MaxLaneHeight = 512
)

var palette = []string{"#d62728", "#1f77b4", "#2ca02c", "#9467bd", "#ff7f0e", "#17becf", "#8c564b", "#e377c2"}

// Trace is one lane of a diagram: the level of GPIO over one cycle of Train.
type Trace struct {
	Label string
	GPIO  int
	Train wave.Train
}

// Options sizes a diagram.
type Options struct {
	Width      int
	LaneHeight int
}

// DefaultOptions returns the default diagram size.
func DefaultOptions() Options {
	return Options{Width: 800, LaneHeight: 60}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Width <= marginLeft+marginRight {
		o.Width = d.Width
	}
	if o.LaneHeight <= 0 {
		o.LaneHeight = d.LaneHeight
	}
	o.Width = min(o.Width, MaxWidth)
	o.LaneHeight = min(o.LaneHeight, MaxLaneHeight)
	return o
}

// Height returns the height of a diagram with n lanes.
func (o Options) Height(n int) int {
	o = o.withDefaults()
	return marginTop + marginBottom + n*o.LaneHeight
}

// Lanes returns one trace per pin of a merged program.
func Lanes(program wave.Train, pins []int) []Trace {
	traces := make([]Trace, len(pins))
	for ch, pin := range pins {
		traces[ch] = Trace{Label: fmt.Sprintf("ch%d gpio%d", ch, pin), GPIO: pin, Train: program}
	}
	return traces
}

type change struct {
	at   uint64
	high bool
}

// changes returns the offsets at which gpio changes level, starting low.
func changes(t wave.Train, gpio int) []change {
	var (
		out   []change
		at    uint64
		level bool
	)
	for _, e := range t {
		next := level
		if e.Set.Has(gpio) {
			next = true
		}
		if e.Clear.Has(gpio) {
			next = false
		}
		if next != level {
			if n := len(out); n > 0 && out[n-1].at == at {
				out = out[:n-1]
			} else {
				out = append(out, change{at: at, high: next})
			}
			level = next
		}
		at += uint64(e.Delay)
	}
	return out
}

// WriteSVG writes a diagram of traces over period micros.
func WriteSVG(w io.Writer, period uint64, traces []Trace, opts Options) error {
	if period == 0 {
		return fmt.Errorf("plot: zero period")
	}
	opts = opts.withDefaults()
	width, height := opts.Width, opts.Height(len(traces))
	plotW := float64(width - marginLeft - marginRight)
	x := func(at uint64) float64 { return marginLeft + plotW*float64(at)/float64(period) }

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`+"\n", width, height, width, height)
	fmt.Fprintf(&b, `<rect x="0" y="0" width="%d" height="%d" fill="#ffffff"/>`+"\n", width, height)
	for i := 0; i <= gridLines; i++ {
		gx := x(period * uint64(i) / gridLines)
		fmt.Fprintf(&b, `<path d="M%.1f,%d V%d" stroke="#dddddd" stroke-width="1" fill="none"/>`+"\n", gx, marginTop, height-marginBottom)
	}

	for i, tr := range traces {
		top := float64(marginTop + i*opts.LaneHeight)
		yHigh := top + 0.2*float64(opts.LaneHeight)
		yLow := top + 0.8*float64(opts.LaneHeight)

		var d strings.Builder
		fmt.Fprintf(&d, "M%.1f,%.1f", x(0), yLow)
		for _, c := range changes(tr.Train, tr.GPIO) {
			y := yLow
			if c.high {
				y = yHigh
			}
			fmt.Fprintf(&d, " H%.1f V%.1f", x(c.at), y)
		}
		fmt.Fprintf(&d, " H%.1f", x(period))

		fmt.Fprintf(&b, `<text x="4" y="%.1f" font-family="monospace" font-size="11">`, yLow)
		if err := xml.EscapeText(&b, []byte(tr.Label)); err != nil {
			return err
		}
		b.WriteString("</text>\n")
		fmt.Fprintf(&b, `<path d="%s" stroke="%s" stroke-width="2" fill="none"/>`+"\n", d.String(), palette[i%len(palette)])
	}
	b.WriteString("</svg>\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// WritePNG rasterises the diagram WriteSVG would draw.
func WritePNG(w io.Writer, period uint64, traces []Trace, opts Options) error {
	img, err := Render(period, traces, opts)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// Render rasterises the diagram WriteSVG would draw.
func Render(period uint64, traces []Trace, opts Options) (*image.RGBA, error) {
	var svg bytes.Buffer
	if err := WriteSVG(&svg, period, traces, opts); err != nil {
		return nil, err
	}

	icon, err := oksvg.ReadIconStream(&svg, oksvg.IgnoreErrorMode)
	if err != nil {
		return nil, fmt.Errorf("plot: parsing svg: %w", err)
	}
	opts = opts.withDefaults()
	width, height := opts.Width, opts.Height(len(traces))
	icon.SetTarget(0, 0, float64(width), float64(height))

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	scanner := rasterx.NewScannerGV(width, height, img, img.Bounds())
	icon.Draw(rasterx.NewDasher(width, height, scanner), 1)
	return img, nil
}
