// Package pigpiod drives the pigpio daemon's waveform engine over its socket
// interface. Each request is four little-endian uint32 words (command, p1,
// p2, extension length) followed by the extension; each reply echoes the
// first three words and carries the result in the fourth.
package pigpiod

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fkcurrie/multipwm/pkg/pwm"
	"github.com/fkcurrie/multipwm/pkg/wave"
)

// DefaultPort is the TCP port pigpiod listens on.
const DefaultPort = 8888

const (
	cmdMODES = 0
	cmdPIGPV = 26
	cmdWVAG  = 28
	cmdWVHLT = 33
	cmdWVCRE = 49
	cmdWVDEL = 50
	cmdWVTXR = 52
	cmdWVNEW = 53
	cmdWVTXM = 100
	cmdWVTAT = 101

	modeOutput     = 1
	waveRepeatSync = 3

	// reported by WVTAT
	noTxWave     = 9999
	waveNotFound = 9998

	headerLen = 16
	pulseLen  = 12
)

var commandNames = map[uint32]string{
	cmdMODES: "MODES",
	cmdPIGPV: "PIGPV",
	cmdWVHLT: "WVHLT",
	cmdWVCRE: "WVCRE",
	cmdWVDEL: "WVDEL",
	cmdWVTXR: "WVTXR",
	cmdWVNEW: "WVNEW",
	cmdWVAG:  "WVAG",
	cmdWVTXM: "WVTXM",
	cmdWVTAT: "WVTAT",
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCommandTimeout bounds each request/reply exchange.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Client is a pwm.Engine backed by one pigpiod connection. Commands are
// serialised; the daemon answers them in order.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
	logger  *slog.Logger
	closed  bool
}

var _ pwm.Engine = (*Client)(nil)

// Dial connects to a daemon at addr ("host:port"). Failures wrap
// pwm.ErrEngineUnavailable.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to pigpiod at %s: %w: %v", addr, pwm.ErrEngineUnavailable, err)
	}
	c := NewClient(conn, opts...)
	c.logger.Debug("connected to pigpiod", "addr", addr)
	return c, nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		timeout: 5 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close closes the connection. Waves the daemon holds are not touched.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Version returns the daemon's pigpio version.
func (c *Client) Version() (uint32, error) {
	res, err := c.command(cmdPIGPV, 0, 0, nil)
	if err != nil {
		return 0, err
	}
	return uint32(res), nil
}

// SetOutput implements pwm.Engine.
func (c *Client) SetOutput(pin int) error {
	_, err := c.command(cmdMODES, uint32(pin), modeOutput, nil)
	return err
}

// AddEdges implements pwm.Engine. The edges become one generic waveform
// addition, merged by the daemon with what is already pending.
func (c *Client) AddEdges(edges []wave.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	_, err := c.command(cmdWVAG, 0, 0, EncodePulses(edges))
	return err
}

// ClearPending implements pwm.Engine. Existing waves are kept.
func (c *Client) ClearPending() error {
	_, err := c.command(cmdWVNEW, 0, 0, nil)
	return err
}

// Create implements pwm.Engine.
func (c *Client) Create() (pwm.WaveID, error) {
	res, err := c.command(cmdWVCRE, 0, 0, nil)
	if err != nil {
		return pwm.NoWave, err
	}
	return pwm.WaveID(res), nil
}

// SendRepeat implements pwm.Engine.
func (c *Client) SendRepeat(id pwm.WaveID) error {
	_, err := c.command(cmdWVTXR, uint32(id), 0, nil)
	return err
}

// SendRepeatSync implements pwm.Engine.
func (c *Client) SendRepeatSync(id pwm.WaveID) error {
	_, err := c.command(cmdWVTXM, uint32(id), waveRepeatSync, nil)
	return err
}

// Active implements pwm.Engine. pwm.NoWave is returned when nothing is
// transmitting or the transmitting wave is no longer registered.
func (c *Client) Active() (pwm.WaveID, error) {
	res, err := c.command(cmdWVTAT, 0, 0, nil)
	if err != nil {
		return pwm.NoWave, err
	}
	if res == noTxWave || res == waveNotFound {
		return pwm.NoWave, nil
	}
	return pwm.WaveID(res), nil
}

// Delete implements pwm.Engine.
func (c *Client) Delete(id pwm.WaveID) error {
	_, err := c.command(cmdWVDEL, uint32(id), 0, nil)
	return err
}

// Halt implements pwm.Engine.
func (c *Client) Halt() error {
	_, err := c.command(cmdWVHLT, 0, 0, nil)
	return err
}

// EncodePulses packs edges as the daemon's (on, off, delay) pulse records.
func EncodePulses(edges []wave.Edge) []byte {
	buf := make([]byte, 0, len(edges)*pulseLen)
	for _, e := range edges {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(e.Set))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(e.Clear))
		buf = binary.LittleEndian.AppendUint32(buf, e.Delay)
	}
	return buf
}

func (c *Client) command(cmd, p1, p2 uint32, ext []byte) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := commandNames[cmd]
	if c.closed {
		return 0, fmt.Errorf("%s: %w: connection closed", name, pwm.ErrEngineUnavailable)
	}
	if c.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	}

	msg := make([]byte, headerLen, headerLen+len(ext))
	binary.LittleEndian.PutUint32(msg[0:], cmd)
	binary.LittleEndian.PutUint32(msg[4:], p1)
	binary.LittleEndian.PutUint32(msg[8:], p2)
	binary.LittleEndian.PutUint32(msg[12:], uint32(len(ext)))
	msg = append(msg, ext...)
	if _, err := c.conn.Write(msg); err != nil {
		return 0, c.drop(name, err)
	}

	var reply [headerLen]byte
	if _, err := io.ReadFull(c.conn, reply[:]); err != nil {
		return 0, c.drop(name, err)
	}
	if got := binary.LittleEndian.Uint32(reply[0:]); got != cmd {
		return 0, c.drop(name, fmt.Errorf("reply for command %d", got))
	}

	res := int32(binary.LittleEndian.Uint32(reply[12:]))
	if res < 0 && cmd != cmdPIGPV {
		c.logger.Debug("pigpiod command failed", "cmd", name, "p1", p1, "code", res)
		return res, &Error{Command: name, Code: res}
	}
	return res, nil
}

// drop closes a connection whose request/reply stream can no longer be
// trusted. A reply that arrives after a timeout would otherwise be read as
// the answer to the next command. Called with c.mu held.
func (c *Client) drop(name string, cause error) error {
	c.closed = true
	c.conn.Close()
	c.logger.Warn("pigpiod connection dropped", "cmd", name, "error", cause)
	return fmt.Errorf("%s: %w: %v", name, pwm.ErrEngineUnavailable, cause)
}

// Error is a negative status returned by the daemon.
type Error struct {
	Command string
	Code    int32
}

func (e *Error) Error() string {
	if msg, ok := errorText[e.Code]; ok {
		return fmt.Sprintf("pigpiod %s: %s (%d)", e.Command, msg, e.Code)
	}
	return fmt.Sprintf("pigpiod %s: error %d", e.Command, e.Code)
}

// Is matches errors with the same code, so callers can compare against the
// exported codes below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Command == "" || t.Command == e.Command)
}

var (
	ErrBadGPIO       = &Error{Code: -3}
	ErrBadWaveMode   = &Error{Code: -33}
	ErrTooManyPulses = &Error{Code: -36}
	ErrNotPermitted  = &Error{Code: -41}
	ErrBadWaveID     = &Error{Code: -66}
	ErrTooManyCBs    = &Error{Code: -67}
	ErrTooManyOOL    = &Error{Code: -68}
	ErrEmptyWaveform = &Error{Code: -69}
	ErrNoWaveformID  = &Error{Code: -70}
)

var errorText = map[int32]string{
	-3:  "gpio not 0-53",
	-33: "bad wave mode",
	-36: "too many pulses",
	-41: "gpio has no write permission",
	-66: "non existent wave id",
	-67: "no more control blocks",
	-68: "no more OOL entries",
	-69: "attempt to create an empty waveform",
	-70: "no more waveforms",
}
