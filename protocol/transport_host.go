package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Defaults for HostTransport options
const (
	DefaultRequestTimeout = 1 * time.Second
	DefaultReadBufferSize = 256
)

// FrameHandler receives decoded frames
type FrameHandler func(frame Frame)

// SendHook receives every encoded frame after it was written
type SendHook func(data []byte)

// Options configures a HostTransport
type Options struct {
	// RequestTimeout applies to requests that do not set their own
	RequestTimeout time.Duration

	// KeyPolicy decides what happens to a second request on a busy key
	KeyPolicy KeyPolicy

	// Telemetry receives frames that match no pending request
	Telemetry FrameHandler

	// OnReceive sees every decoded frame before it is dispatched
	OnReceive FrameHandler

	// OnSend sees every frame written to the port
	OnSend SendHook

	// Logger defaults to a disabled logger
	Logger *zerolog.Logger

	// ReadBufferSize is the size of a single port read
	ReadBufferSize int
}

// DefaultOptions returns the options used when none are given
func DefaultOptions() Options {
	return Options{
		RequestTimeout: DefaultRequestTimeout,
		KeyPolicy:      KeyQueue,
		ReadBufferSize: DefaultReadBufferSize,
	}
}

// Request describes one command to send
type Request struct {
	Op      byte
	Payload []byte

	// ExpectsReply makes Send wait for a frame whose opcode is ReplyOp
	ExpectsReply bool

	// ReplyOp defaults to Op. Use OpAck to wait for an acknowledgement.
	ReplyOp byte

	// Timeout defaults to Options.RequestTimeout
	Timeout time.Duration
}

// HostTransport is one connection to a V-Sido board.
// It owns the port: a single background goroutine reads from it, decodes
// frames and resolves pending requests, while any number of goroutines may
// call Send concurrently.
//
// The port's Read must return within a bounded time (0, nil on timeout) so
// the reader can observe Close.
type HostTransport struct {
	// Serial I/O
	port io.ReadWriteCloser

	opts Options
	log  zerolog.Logger
	id   string

	// Receive state, owned by readLoop
	decoder *Decoder

	// Outstanding requests
	pending *pendingSet

	// Serializes frames on the wire
	writeMutex sync.Mutex

	// Shutdown
	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
	closeErr  error

	errMu sync.Mutex
	err   error
}

// NewHostTransport creates a host-side transport on port and starts its
// reader goroutine
func NewHostTransport(port io.ReadWriteCloser, opts Options) *HostTransport {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	t := &HostTransport{
		port:     port,
		opts:     opts,
		id:       uuid.NewString(),
		pending:  newPendingSet(),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	t.log = logger.With().Str("component", "transport").Str("conn", t.id).Logger()
	t.decoder = NewDecoder(t.handleInvalid)

	// Start background reader
	go t.readLoop()

	t.log.Debug().Dur("request_timeout", opts.RequestTimeout).Str("key_policy", opts.KeyPolicy.String()).Msg("transport started")
	return t
}

// ID returns the connection identifier used in logs
func (t *HostTransport) ID() string {
	return t.id
}

// Send writes a command and, if req.ExpectsReply is set, waits for the
// matching reply frame. Fire-and-forget requests return a zero Frame once
// the write succeeded.
func (t *HostTransport) Send(ctx context.Context, req Request) (Frame, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		recordRequest(req.Op, resultFor(err))
		return Frame{}, err
	}

	msg, err := Encode(req.Op, req.Payload)
	if err != nil {
		recordRequest(req.Op, resultTooLarge)
		return Frame{}, err
	}

	if !req.ExpectsReply {
		if err := t.pending.closedErr(); err != nil {
			recordRequest(req.Op, resultClosed)
			return Frame{}, err
		}
		if err := t.writeMessage(req.Op, msg); err != nil {
			recordRequest(req.Op, resultFor(err))
			return Frame{}, err
		}
		recordRequest(req.Op, resultSent)
		return Frame{}, nil
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.opts.RequestTimeout
	}
	deadline := start.Add(timeout)
	key := req.ReplyOp
	if key == 0 {
		key = req.Op
	}

	// Register before writing so a fast reply cannot be missed
	pr, err := t.pending.register(ctx, key, req.Op, timeout, deadline, t.opts.KeyPolicy)
	if err != nil {
		recordRequest(req.Op, resultFor(err))
		return Frame{}, err
	}

	var res result
	if err := t.writeMessage(req.Op, msg); err != nil {
		t.pending.complete(pr, result{err: err})
		res = <-pr.result
	} else {
		res = t.pending.wait(ctx, pr)
	}

	recordRequest(req.Op, resultFor(res.err))
	if res.err != nil {
		t.log.Debug().Err(res.err).Str("op", OpName(req.Op)).Dur("elapsed", time.Since(start)).Msg("request failed")
		return res.frame, res.err
	}
	recordRequestDuration(req.Op, time.Since(start))
	return res.frame, nil
}

// SendCommand is Send with a background context
func (t *HostTransport) SendCommand(op byte, payload []byte, expectsReply bool, timeout time.Duration) (Frame, error) {
	return t.Send(context.Background(), Request{
		Op:           op,
		Payload:      payload,
		ExpectsReply: expectsReply,
		Timeout:      timeout,
	})
}

// writeMessage sends one encoded frame to the serial port
func (t *HostTransport) writeMessage(op byte, msg []byte) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	n, err := t.port.Write(msg)
	if err != nil {
		t.log.Warn().Err(err).Str("op", OpName(op)).Msg("write failed")
		return &WriteError{Op: op, Written: n, Total: len(msg), Err: err}
	}
	if n != len(msg) {
		t.log.Warn().Int("written", n).Int("total", len(msg)).Str("op", OpName(op)).Msg("incomplete write")
		return &WriteError{Op: op, Written: n, Total: len(msg)}
	}

	recordFrame("tx", op)
	if e := t.log.Trace(); e.Enabled() {
		e.Str("data", HexDump(msg)).Msg(">")
	}
	if t.opts.OnSend != nil {
		t.runHook("on_send", func() { t.opts.OnSend(msg) })
	}
	return nil
}

// readLoop continuously reads from the port and dispatches frames
func (t *HostTransport) readLoop() {
	defer close(t.doneChan)

	var cause error
	defer func() { t.shutdown(cause) }()

	buffer := make([]byte, t.opts.ReadBufferSize)

	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		n, err := t.port.Read(buffer)
		if n > 0 {
			t.processBytes(buffer[:n])
		}

		if err != nil {
			select {
			case <-t.stopChan:
				// Close tore the port down under the read
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				t.log.Info().Msg("port reached EOF")
			} else {
				t.log.Error().Err(err).Msg("read failed")
			}
			cause = err
			return
		}
	}
}

// processBytes feeds the decoder and dispatches each complete frame
func (t *HostTransport) processBytes(data []byte) {
	for _, frame := range t.decoder.Feed(data) {
		t.dispatchFrame(frame)
	}
}

// dispatchFrame routes a frame to its pending request or to telemetry
func (t *HostTransport) dispatchFrame(frame Frame) {
	recordFrame("rx", frame.Op())
	if e := t.log.Trace(); e.Enabled() {
		e.Str("data", HexDump(frame.Bytes())).Msg("<")
	}

	if t.opts.OnReceive != nil {
		t.runHook("on_receive", func() { t.opts.OnReceive(frame) })
	}

	if t.pending.resolve(frame) {
		return
	}

	telemetryFramesTotal.WithLabelValues(OpName(frame.Op())).Inc()
	if t.opts.Telemetry != nil {
		t.runHook("telemetry", func() { t.opts.Telemetry(frame) })
	} else {
		t.log.Debug().Str("frame", frame.String()).Msg("unsolicited frame dropped")
	}
}

func (t *HostTransport) handleInvalid(reason error, candidate []byte) {
	invalidFramesTotal.Inc()
	t.log.Debug().Err(reason).Str("data", HexDump(candidate)).Msg("resynchronizing")
}

// runHook calls a user callback, containing panics so the reader survives
func (t *HostTransport) runHook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().Str("hook", name).Interface("panic", r).Msg("callback panicked")
		}
	}()
	fn()
}

// shutdown fails everything still pending once the reader exits
func (t *HostTransport) shutdown(cause error) {
	err := ErrConnectionClosed
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
	}

	t.errMu.Lock()
	t.err = err
	t.errMu.Unlock()

	if n := t.pending.failAll(err); n > 0 {
		t.log.Info().Int("pending", n).Msg("failed pending requests on shutdown")
	}
	t.log.Debug().Uint64("frames", t.decoder.Decoded()).Uint64("invalid", t.decoder.Invalid()).Msg("transport stopped")
}

// Close stops the reader, closes the port and fails every pending request
// with ErrConnectionClosed. It is safe to call more than once.
func (t *HostTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.stopChan)
		if t.port != nil {
			t.closeErr = t.port.Close()
		}
		<-t.doneChan // Wait for read loop to finish
	})
	return t.closeErr
}

// Done is closed when the reader goroutine has exited
func (t *HostTransport) Done() <-chan struct{} {
	return t.doneChan
}

// Err returns why the transport stopped, or nil while it is running
func (t *HostTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Pending returns the number of requests awaiting a reply
func (t *HostTransport) Pending() int {
	return t.pending.len()
}

// Decoder exposes receive statistics
func (t *HostTransport) Decoder() *Decoder {
	return t.decoder
}

func resultFor(err error) string {
	var devErr *DeviceError
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, ErrTimeout):
		return resultTimeout
	case errors.As(err, &devErr):
		return resultDeviceError
	case errors.Is(err, ErrConnectionClosed):
		return resultClosed
	case errors.Is(err, ErrWriteFailure):
		return resultWriteFailure
	case errors.Is(err, ErrBusy):
		return resultBusy
	case errors.Is(err, ErrPayloadTooLarge):
		return resultTooLarge
	default:
		return resultCanceled
	}
}
