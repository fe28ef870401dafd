package protocol

import (
	"bytes"
	"fmt"
)

// Frame is one complete, checksum-validated V-Sido message.
// The zero value is not a valid frame; use NewFrame or Decode.
type Frame struct {
	op      byte
	payload []byte
	valid   bool // set for built or decoded frames
}

// NewFrame builds a frame from an opcode and payload. The payload is copied.
func NewFrame(op byte, payload []byte) (Frame, error) {
	if len(payload) > PayloadMax {
		return Frame{}, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), PayloadMax)
	}
	return Frame{op: op, payload: cloneBytes(payload), valid: true}, nil
}

// Op returns the command identifier
func (f Frame) Op() byte {
	return f.op
}

// Payload returns a copy of the DATA section
func (f Frame) Payload() []byte {
	return cloneBytes(f.payload)
}

// PayloadLen returns the length of the DATA section
func (f Frame) PayloadLen() int {
	return len(f.payload)
}

// Len returns the on-wire length, the value carried in LN
func (f Frame) Len() int {
	return FrameHeaderSize + len(f.payload) + FrameTrailerSize
}

// Checksum returns the SUM byte the frame carries on the wire
func (f Frame) Checksum() byte {
	return Checksum([]byte{MarkerStart, f.op, byte(f.Len())}) ^ Checksum(f.payload)
}

// Bytes returns the encoded frame
func (f Frame) Bytes() []byte {
	out := NewScratchOutput()
	writeFrame(out, f.op, f.payload)
	return cloneBytes(out.Result())
}

// IsZero reports whether f is the zero Frame, as returned by a send that
// expects no reply. A decoded frame is never zero, whatever its opcode.
func (f Frame) IsZero() bool {
	return !f.valid
}

// Equal reports whether two frames carry the same opcode and payload
func (f Frame) Equal(other Frame) bool {
	return f.op == other.op && bytes.Equal(f.payload, other.payload)
}

func (f Frame) String() string {
	return fmt.Sprintf("%s[% x]", OpName(f.op), f.payload)
}

// Encode builds the wire form of a command:
// [ST][OP][LN][DATA...][SUM] where LN counts every byte of the frame and
// SUM is the XOR of all preceding bytes
func Encode(op byte, payload []byte) ([]byte, error) {
	out := NewScratchOutput()
	if err := EncodeTo(out, op, payload); err != nil {
		return nil, err
	}
	return cloneBytes(out.Result()), nil
}

// EncodeTo writes the wire form of a command into output
func EncodeTo(output OutputBuffer, op byte, payload []byte) error {
	if len(payload) > PayloadMax {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), PayloadMax)
	}
	writeFrame(output, op, payload)
	return nil
}

func writeFrame(output OutputBuffer, op byte, payload []byte) {
	cursor := output.CurPosition()

	// Length placeholder is patched once the payload is in place
	output.Output([]byte{MarkerStart, op, 0})
	output.Output(payload)

	msgLen := len(output.DataSince(cursor)) + FrameTrailerSize
	output.Update(cursor+PositionLength, uint8(msgLen))

	output.Output([]byte{Checksum(output.DataSince(cursor))})
}

// Decode scans buf for complete frames.
// It returns every valid frame in order and the unconsumed tail that must be
// prepended to the next read. Candidates with a bad length or checksum are
// skipped one byte at a time so the scan realigns on the next start marker.
func Decode(buf []byte) ([]Frame, []byte) {
	return decode(buf, nil)
}

// InvalidFrameHandler receives the reason and the bytes of a rejected candidate
type InvalidFrameHandler func(reason error, candidate []byte)

func decode(buf []byte, onInvalid InvalidFrameHandler) ([]Frame, []byte) {
	var frames []Frame
	data := buf

	for len(data) > 0 {
		start := bytes.IndexByte(data, MarkerStart)
		if start < 0 {
			// No marker anywhere: nothing here can become a frame
			return frames, nil
		}
		data = data[start:]

		if len(data) < FrameHeaderSize {
			break
		}

		msgLen := int(data[PositionLength])
		if msgLen < FrameLengthMin {
			if onInvalid != nil {
				onInvalid(fmt.Errorf("%w: length %d below minimum %d", ErrInvalidFrame, msgLen, FrameLengthMin), data[:FrameHeaderSize])
			}
			data = data[1:]
			continue
		}

		// Wait for the full declared length
		if len(data) < msgLen {
			break
		}

		candidate := data[:msgLen]
		sum := Checksum(candidate[:msgLen-FrameTrailerSize])
		if sum != candidate[msgLen-FrameTrailerSize] {
			if onInvalid != nil {
				onInvalid(fmt.Errorf("%w: checksum 0x%02x, computed 0x%02x", ErrInvalidFrame, candidate[msgLen-FrameTrailerSize], sum), candidate)
			}
			data = data[1:]
			continue
		}

		frames = append(frames, Frame{
			op:      candidate[PositionOp],
			payload: cloneBytes(candidate[FrameHeaderSize : msgLen-FrameTrailerSize]),
			valid:   true,
		})
		data = data[msgLen:]
	}

	if len(data) == 0 {
		return frames, nil
	}
	return frames, data
}

// HexDump formats bytes the way the trace log prints them
func HexDump(data []byte) string {
	return fmt.Sprintf("% x", data)
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
