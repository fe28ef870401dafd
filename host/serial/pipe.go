package serial

import (
	"errors"
	"io"
	"sync"
	"time"
)

// ErrPortClosed is returned by writes to a closed pipe end
var ErrPortClosed = errors.New("serial: port closed")

// Pipe returns two connected in-memory ports. Bytes written to one end are
// read from the other. Reads honor readTimeout like a real serial port and
// report an expired timeout as (0, nil). Closing either end closes both.
func Pipe(readTimeout time.Duration) (*PipePort, *PipePort) {
	ab := newPipeBuffer()
	ba := newPipeBuffer()
	a := &PipePort{rx: ba, tx: ab, readTimeout: readTimeout}
	b := &PipePort{rx: ab, tx: ba, readTimeout: readTimeout}
	return a, b
}

// PipePort is one end of an in-memory serial link
type PipePort struct {
	rx, tx      *pipeBuffer
	readTimeout time.Duration

	mu        sync.Mutex
	writeErr  error
	writeHook func([]byte) (int, error)
}

// Read reads available bytes, waiting at most the read timeout
func (p *PipePort) Read(b []byte) (int, error) {
	return p.rx.read(b, p.readTimeout)
}

// Write sends bytes to the other end
func (p *PipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	writeErr, hook := p.writeErr, p.writeHook
	p.mu.Unlock()

	if writeErr != nil {
		return 0, writeErr
	}
	if hook != nil {
		return hook(b)
	}
	return p.tx.write(b)
}

// Close closes both directions
func (p *PipePort) Close() error {
	p.rx.close()
	p.tx.close()
	return nil
}

// Flush discards unread input
func (p *PipePort) Flush() error {
	p.rx.reset()
	return nil
}

// FailWrites makes every later Write return err. A nil err restores writes.
func (p *PipePort) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// HookWrites replaces the write path with fn. fn may forward to WriteThrough.
func (p *PipePort) HookWrites(fn func([]byte) (int, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHook = fn
}

// WriteThrough writes to the other end, bypassing any hook
func (p *PipePort) WriteThrough(b []byte) (int, error) {
	return p.tx.write(b)
}

// Buffered returns the number of bytes waiting to be read on this end
func (p *PipePort) Buffered() int {
	return p.rx.len()
}

// pipeBuffer is one direction of a pipe
type pipeBuffer struct {
	mu     sync.Mutex
	data   []byte
	closed bool
	notify chan struct{}
}

func newPipeBuffer() *pipeBuffer {
	return &pipeBuffer{notify: make(chan struct{}, 1)}
}

func (b *pipeBuffer) write(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrPortClosed
	}
	b.data = append(b.data, p...)
	b.mu.Unlock()
	b.signal()
	return len(p), nil
}

func (b *pipeBuffer) read(p []byte, timeout time.Duration) (int, error) {
	var timer *time.Timer
	var expired <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		b.mu.Lock()
		if len(b.data) > 0 {
			n := copy(p, b.data)
			b.data = b.data[n:]
			remaining := len(b.data)
			b.mu.Unlock()
			if remaining > 0 {
				b.signal()
			}
			return n, nil
		}
		if b.closed {
			b.mu.Unlock()
			return 0, io.EOF
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-expired:
			return 0, nil
		}
	}
}

func (b *pipeBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

func (b *pipeBuffer) reset() {
	b.mu.Lock()
	b.data = nil
	b.mu.Unlock()
}

func (b *pipeBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *pipeBuffer) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
