package pigpiod

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkcurrie/multipwm/pkg/pwm"
	"github.com/fkcurrie/multipwm/pkg/wave"
)

type request struct {
	Cmd, P1, P2 uint32
	Ext         []byte
}

// fakeDaemon answers pigpiod requests on a local listener.
type fakeDaemon struct {
	ln      net.Listener
	mu      sync.Mutex
	reqs    []request
	handler func(request) int32
	delay   atomic.Int64
}

func newFakeDaemon(t *testing.T, handler func(request) int32) *fakeDaemon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	d := &fakeDaemon{ln: ln, handler: handler}
	t.Cleanup(func() { ln.Close() })
	go d.serve()
	return d
}

func (d *fakeDaemon) addr() string { return d.ln.Addr().String() }

func (d *fakeDaemon) serve() {
	conn, err := d.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		var hdr [headerLen]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		req := request{
			Cmd: binary.LittleEndian.Uint32(hdr[0:]),
			P1:  binary.LittleEndian.Uint32(hdr[4:]),
			P2:  binary.LittleEndian.Uint32(hdr[8:]),
		}
		if n := binary.LittleEndian.Uint32(hdr[12:]); n > 0 {
			req.Ext = make([]byte, n)
			if _, err := io.ReadFull(conn, req.Ext); err != nil {
				return
			}
		}

		d.mu.Lock()
		d.reqs = append(d.reqs, req)
		res := d.handler(req)
		d.mu.Unlock()
		time.Sleep(time.Duration(d.delay.Load()))

		reply := hdr
		binary.LittleEndian.PutUint32(reply[12:], uint32(res))
		if _, err := conn.Write(reply[:]); err != nil {
			return
		}
	}
}

func (d *fakeDaemon) requests() []request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]request(nil), d.reqs...)
}

func dial(t *testing.T, d *fakeDaemon) *Client {
	t.Helper()
	c, err := Dial(context.Background(), d.addr(), WithCommandTimeout(time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEncodePulses(t *testing.T) {
	edges := []wave.Edge{
		{Set: wave.Bit(22), Delay: 500},
		{Clear: wave.Bit(22) | wave.Bit(19), Delay: 70000},
	}
	want := []byte{
		0x00, 0x00, 0x40, 0x00, 0x00, 0x00, 0x00, 0x00, 0xf4, 0x01, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x48, 0x00, 0x70, 0x11, 0x01, 0x00,
	}
	assert.Equal(t, want, EncodePulses(edges))
}

func TestClientCommands(t *testing.T) {
	var active atomic.Int32
	active.Store(noTxWave)
	d := newFakeDaemon(t, func(r request) int32 {
		switch r.Cmd {
		case cmdWVCRE:
			return 7
		case cmdWVTAT:
			return active.Load()
		case cmdPIGPV:
			return 79
		}
		return 0
	})
	c := dial(t, d)

	edges := []wave.Edge{{Clear: wave.Bit(4)}, {Set: wave.Bit(4), Delay: 100}, {Clear: wave.Bit(4), Delay: 900}}

	require.NoError(t, c.SetOutput(4))
	require.NoError(t, c.ClearPending())
	require.NoError(t, c.AddEdges(edges))
	require.NoError(t, c.AddEdges(nil))
	id, err := c.Create()
	require.NoError(t, err)
	assert.Equal(t, pwm.WaveID(7), id)

	got, err := c.Active()
	require.NoError(t, err)
	assert.Equal(t, pwm.NoWave, got)

	require.NoError(t, c.SendRepeat(id))
	require.NoError(t, c.SendRepeatSync(8))
	active.Store(8)
	got, err = c.Active()
	require.NoError(t, err)
	assert.Equal(t, pwm.WaveID(8), got)

	require.NoError(t, c.Delete(7))
	require.NoError(t, c.Halt())
	v, err := c.Version()
	require.NoError(t, err)
	assert.Equal(t, uint32(79), v)

	want := []request{
		{Cmd: cmdMODES, P1: 4, P2: modeOutput},
		{Cmd: cmdWVNEW},
		{Cmd: cmdWVAG, Ext: EncodePulses(edges)},
		{Cmd: cmdWVCRE},
		{Cmd: cmdWVTAT},
		{Cmd: cmdWVTXR, P1: 7},
		{Cmd: cmdWVTXM, P1: 8, P2: waveRepeatSync},
		{Cmd: cmdWVTAT},
		{Cmd: cmdWVDEL, P1: 7},
		{Cmd: cmdWVHLT},
		{Cmd: cmdPIGPV},
	}
	if diff := cmp.Diff(want, d.requests()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

func TestClientActiveWaveNotFound(t *testing.T) {
	d := newFakeDaemon(t, func(request) int32 { return waveNotFound })
	c := dial(t, d)
	got, err := c.Active()
	require.NoError(t, err)
	assert.Equal(t, pwm.NoWave, got)
}

func TestClientDaemonError(t *testing.T) {
	d := newFakeDaemon(t, func(r request) int32 {
		if r.Cmd == cmdWVCRE {
			return -69
		}
		return 0
	})
	c := dial(t, d)

	_, err := c.Create()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyWaveform))
	assert.False(t, errors.Is(err, ErrNoWaveformID))
	assert.False(t, errors.Is(err, pwm.ErrEngineUnavailable))

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "WVCRE", perr.Command)
	assert.Equal(t, "pigpiod WVCRE: attempt to create an empty waveform (-69)", perr.Error())
}

func TestClientDaemonErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		code int32
		call func(c *Client) error
		want *Error
		text string
	}{
		{name: "bad gpio", code: -3, call: func(c *Client) error { return c.SetOutput(99) }, want: ErrBadGPIO, text: "gpio not 0-53"},
		{name: "no write permission", code: -41, call: func(c *Client) error { return c.SetOutput(4) }, want: ErrNotPermitted, text: "no write permission"},
		{name: "bad wave mode", code: -33, call: func(c *Client) error { return c.SendRepeatSync(1) }, want: ErrBadWaveMode, text: "bad wave mode"},
		{name: "too many pulses", code: -36, call: func(c *Client) error { return c.AddEdges([]wave.Edge{{Delay: 1}}) }, want: ErrTooManyPulses, text: "too many pulses"},
		{name: "unknown wave", code: -66, call: func(c *Client) error { return c.Delete(3) }, want: ErrBadWaveID, text: "non existent wave id"},
		{name: "out of control blocks", code: -67, call: func(c *Client) error { _, err := c.Create(); return err }, want: ErrTooManyCBs, text: "control blocks"},
		{name: "out of OOL entries", code: -68, call: func(c *Client) error { _, err := c.Create(); return err }, want: ErrTooManyOOL, text: "OOL"},
		{name: "out of wave ids", code: -70, call: func(c *Client) error { _, err := c.Create(); return err }, want: ErrNoWaveformID, text: "no more waveforms"},
		{name: "unlisted code", code: -999, call: func(c *Client) error { return c.Halt() }, want: &Error{Code: -999}, text: "error -999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDaemon(t, func(request) int32 { return tt.code })
			c := dial(t, d)

			err := tt.call(c)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want))
			assert.False(t, errors.Is(err, pwm.ErrEngineUnavailable))
			assert.Contains(t, err.Error(), tt.text)

			// a daemon error leaves the connection usable
			_, err = c.Version()
			assert.NoError(t, err)
		})
	}
}

func TestClientDropsConnectionAfterTimeout(t *testing.T) {
	d := newFakeDaemon(t, func(r request) int32 {
		if r.Cmd == cmdWVTAT {
			return 2
		}
		return 0
	})
	c, err := Dial(context.Background(), d.addr(), WithCommandTimeout(20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	d.delay.Store(int64(100 * time.Millisecond))
	_, err = c.Active()
	require.Error(t, err)
	assert.True(t, errors.Is(err, pwm.ErrEngineUnavailable))

	// the late reply must not be taken as the answer to a later command
	d.delay.Store(0)
	time.Sleep(150 * time.Millisecond)
	id, err := c.Active()
	assert.True(t, errors.Is(err, pwm.ErrEngineUnavailable), "got id %d err %v", id, err)
	assert.Equal(t, pwm.NoWave, id)
	_, err = c.Version()
	assert.True(t, errors.Is(err, pwm.ErrEngineUnavailable))
	assert.Len(t, d.requests(), 1)
	assert.NoError(t, c.Close())
}

func TestClientDropsConnectionOnMismatchedReply(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })
	go func() {
		var hdr [headerLen]byte
		if _, err := io.ReadFull(server, hdr[:]); err != nil {
			return
		}
		binary.LittleEndian.PutUint32(hdr[0:], cmdPIGPV)
		server.Write(hdr[:])
	}()

	c := NewClient(client, WithCommandTimeout(time.Second))
	_, err := c.Active()
	assert.True(t, errors.Is(err, pwm.ErrEngineUnavailable))
	assert.True(t, errors.Is(c.Halt(), pwm.ErrEngineUnavailable))
}

func TestClientUnavailable(t *testing.T) {
	t.Run("dial", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		ln.Close()

		_, err = Dial(context.Background(), addr)
		assert.True(t, errors.Is(err, pwm.ErrEngineUnavailable))
	})

	t.Run("connection lost", func(t *testing.T) {
		client, server := net.Pipe()
		server.Close()
		c := NewClient(client)
		_, err := c.Active()
		assert.True(t, errors.Is(err, pwm.ErrEngineUnavailable))
	})

	t.Run("closed", func(t *testing.T) {
		d := newFakeDaemon(t, func(request) int32 { return 0 })
		c := dial(t, d)
		require.NoError(t, c.Close())
		require.NoError(t, c.Close())
		assert.True(t, errors.Is(c.Halt(), pwm.ErrEngineUnavailable))
	})
}

func TestClientDrivesGenerator(t *testing.T) {
	var (
		next   int32
		active int32 = noTxWave
		queued int32 = -1
	)
	d := newFakeDaemon(t, func(r request) int32 {
		switch r.Cmd {
		case cmdWVCRE:
			next++
			return next - 1
		case cmdWVTXR:
			active = int32(r.P1)
		case cmdWVTXM:
			queued = int32(r.P1)
		case cmdWVTAT:
			// the queued wave takes over on the query after it was sent
			res := active
			if queued >= 0 {
				active, queued = queued, -1
			}
			return res
		case cmdWVHLT:
			active, queued = noTxWave, -1
		}
		return 0
	})
	c := dial(t, d)

	g, err := pwm.NewGenerator(c, 100, []int{22, 19}, pwm.WithPollInterval(100*time.Microsecond))
	require.NoError(t, err)
	require.NoError(t, g.Configure(0, 0, 5000, 5000, 1))
	first, err := g.Apply(context.Background())
	require.NoError(t, err)
	require.NoError(t, g.Configure(1, 2500, 2500, 2500, 1))
	second, err := g.Apply(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	var deleted []uint32
	for _, r := range d.requests() {
		if r.Cmd == cmdWVDEL {
			deleted = append(deleted, r.P1)
		}
	}
	assert.Equal(t, []uint32{uint32(first)}, deleted)
	require.NoError(t, g.Stop())
}
