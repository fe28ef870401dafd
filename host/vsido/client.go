// Package vsido is the command level API for a V-Sido CONNECT board.
//
// A Client validates arguments, builds command payloads, sends them through a
// protocol.HostTransport and parses the replies. All methods are safe for
// concurrent use.
package vsido

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"govsido/host/serial"
	"govsido/protocol"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotConnected     = errors.New("not connected")
	ErrInvalidResponse  = errors.New("invalid response")
)

// DefaultConnectTimeout bounds the version handshake in Connect
const DefaultConnectTimeout = 10 * time.Second

// Options configures a Client
type Options struct {
	// RequestTimeout is the default reply timeout
	RequestTimeout time.Duration

	// ConnectTimeout bounds Handshake
	ConnectTimeout time.Duration

	KeyPolicy protocol.KeyPolicy

	// AwaitAck makes write commands wait for the device acknowledgement
	AwaitAck bool

	// Telemetry receives frames no request was waiting for
	Telemetry protocol.FrameHandler

	// OnSend and OnReceive observe raw traffic
	OnSend    protocol.SendHook
	OnReceive protocol.FrameHandler

	Logger *zerolog.Logger
}

// DefaultOptions returns the options used by Connect when none are set
func DefaultOptions() Options {
	return Options{
		RequestTimeout: protocol.DefaultRequestTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		KeyPolicy:      protocol.KeyQueue,
	}
}

// Config is what Connect needs to reach a board
type Config struct {
	Serial serial.Config
	Options
}

// Client represents a connection to a V-Sido CONNECT board
type Client struct {
	// Transport layer
	transport *protocol.HostTransport

	opts Options
	log  zerolog.Logger

	mu              sync.Mutex
	closed          bool
	firmwareVersion uint8
	versionKnown    bool
	pwmCycle        int // microseconds, 0 until known
}

// Connect opens the serial port, discards stale input and waits until the
// board reports its firmware version
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	port, err := serial.Open(&cfg.Serial)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}
	if err := port.Flush(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to flush serial port: %w", err)
	}

	c := NewClient(port, cfg.Options)
	if err := c.Handshake(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// NewClient starts a transport on an already open port. The client owns the
// port from now on. Call Handshake to wait for the board.
func NewClient(port io.ReadWriteCloser, opts Options) *Client {
	defaults := DefaultOptions()
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaults.RequestTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaults.ConnectTimeout
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	c := &Client{opts: opts}
	c.transport = protocol.NewHostTransport(port, protocol.Options{
		RequestTimeout: opts.RequestTimeout,
		KeyPolicy:      opts.KeyPolicy,
		Telemetry:      opts.Telemetry,
		OnSend:         opts.OnSend,
		OnReceive:      opts.OnReceive,
		Logger:         &logger,
	})
	c.log = logger.With().Str("component", "vsido").Str("conn", c.transport.ID()).Logger()
	return c
}

// Handshake polls the firmware version until the board answers, ctx is done
// or the connect timeout elapses
func (c *Client) Handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		version, err := c.GetVersion(ctx)
		if err == nil {
			c.log.Info().Uint8("firmware", version).Int("attempts", attempt).Msg("board connected")
			return nil
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("vsido: handshake: no version reply within %v: %w", c.opts.ConnectTimeout, protocol.ErrTimeout)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("vsido: handshake: %w", ctx.Err())
		}
		if !errors.Is(err, protocol.ErrTimeout) {
			return fmt.Errorf("vsido: handshake: %w", err)
		}
		c.log.Debug().Int("attempt", attempt).Msg("waiting for board")
	}
}

// Close disconnects from the board and closes the port
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("vsido: close: %w", ErrNotConnected)
	}
	c.closed = true
	c.versionKnown = false
	c.pwmCycle = 0
	c.mu.Unlock()

	return c.transport.Close()
}

// FirmwareVersion returns the version read during Handshake
func (c *Client) FirmwareVersion() (uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firmwareVersion, c.versionKnown
}

// Transport exposes the underlying connection
func (c *Client) Transport() *protocol.HostTransport {
	return c.transport
}

func (c *Client) connected(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("vsido: %s: %w", op, ErrNotConnected)
	}
	return nil
}

// write sends a command that has no reply, optionally waiting for its ack.
// Acks carry no opcode, so an unsolicited ack completes the oldest waiting
// write.
func (c *Client) write(ctx context.Context, name string, op byte, payload []byte) error {
	if err := c.connected(name); err != nil {
		return err
	}
	_, err := c.transport.Send(ctx, protocol.Request{
		Op:           op,
		Payload:      payload,
		ExpectsReply: c.opts.AwaitAck,
		ReplyOp:      protocol.OpAck,
	})
	if err != nil {
		return fmt.Errorf("vsido: %s: %w", name, err)
	}
	return nil
}

// query sends a command and returns the payload of its reply
func (c *Client) query(ctx context.Context, name string, op byte, payload []byte) ([]byte, error) {
	if err := c.connected(name); err != nil {
		return nil, err
	}
	frame, err := c.transport.Send(ctx, protocol.Request{
		Op:           op,
		Payload:      payload,
		ExpectsReply: true,
	})
	if err != nil {
		return nil, fmt.Errorf("vsido: %s: %w", name, err)
	}
	return frame.Payload(), nil
}

func invalidParameter(name, format string, args ...any) error {
	return fmt.Errorf("vsido: %s: %w: %s", name, ErrInvalidParameter, fmt.Sprintf(format, args...))
}

func invalidResponse(name, format string, args ...any) error {
	return fmt.Errorf("vsido: %s: %w: %s", name, ErrInvalidResponse, fmt.Sprintf(format, args...))
}
