package protocol

import "sync/atomic"

// DecoderCapacity bounds the bytes a Decoder carries between reads.
// A pending candidate never needs more than FrameLengthMax-1 bytes, so two
// frames' worth always leaves room for the next chunk.
const DecoderCapacity = 2 * (FrameLengthMax + 1)

// Decoder holds the not-yet-consumed receive bytes of one connection.
// It is owned by a single reader goroutine; only the counters are safe to
// read concurrently.
type Decoder struct {
	buf       *FifoBuffer
	invalid   uint64 // atomic
	decoded   uint64 // atomic
	onInvalid InvalidFrameHandler
}

// NewDecoder creates a Decoder. onInvalid may be nil.
func NewDecoder(onInvalid InvalidFrameHandler) *Decoder {
	return &Decoder{
		buf:       NewFifoBuffer(DecoderCapacity),
		onInvalid: onInvalid,
	}
}

// Feed appends data to the carried remainder and returns every frame that
// became complete. Inputs of any size are accepted.
func (d *Decoder) Feed(data []byte) []Frame {
	var frames []Frame
	for {
		n := d.buf.Write(data)
		data = data[n:]

		frames = append(frames, d.process()...)

		if len(data) == 0 {
			return frames
		}
	}
}

func (d *Decoder) process() []Frame {
	pending := d.buf.Data()
	frames, rest := decode(pending, d.handleInvalid)

	// Remove consumed bytes from the buffer
	consumed := len(pending) - len(rest)
	if consumed > 0 {
		d.buf.Pop(consumed)
	}
	atomic.AddUint64(&d.decoded, uint64(len(frames)))
	return frames
}

func (d *Decoder) handleInvalid(reason error, candidate []byte) {
	atomic.AddUint64(&d.invalid, 1)
	if d.onInvalid != nil {
		d.onInvalid(reason, candidate)
	}
}

// Buffered returns the number of carried bytes
func (d *Decoder) Buffered() int {
	return d.buf.Available()
}

// Invalid returns the number of rejected candidates so far
func (d *Decoder) Invalid() uint64 {
	return atomic.LoadUint64(&d.invalid)
}

// Decoded returns the number of valid frames so far
func (d *Decoder) Decoded() uint64 {
	return atomic.LoadUint64(&d.decoded)
}

// Reset drops carried bytes
func (d *Decoder) Reset() {
	d.buf.Reset()
}
