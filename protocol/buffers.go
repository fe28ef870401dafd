package protocol

// OutputBuffer is where frames are encoded
type OutputBuffer interface {
	// Output writes data to the buffer
	Output(data []byte)

	// CurPosition returns the current write position
	CurPosition() int

	// Update modifies a byte at a specific position
	Update(pos int, val byte)

	// DataSince returns data from a specific position to current
	DataSince(pos int) []byte
}

// ScratchSize is the capacity of a ScratchOutput. It is larger than a frame so
// that oversized payloads are detected by length rather than silently cut.
const ScratchSize = 2 * (FrameLengthMax + 1)

// ScratchOutput is an OutputBuffer backed by a fixed array. Frames and
// payloads are assembled in it before being copied out.
type ScratchOutput struct {
	buf        [ScratchSize]byte
	pos        int
	overflowed bool
}

func NewScratchOutput() *ScratchOutput {
	return &ScratchOutput{}
}

func (s *ScratchOutput) Output(data []byte) {
	n := copy(s.buf[s.pos:], data)
	s.pos += n
	if n < len(data) {
		s.overflowed = true
	}
}

func (s *ScratchOutput) CurPosition() int {
	return s.pos
}

func (s *ScratchOutput) Update(pos int, val byte) {
	if pos < s.pos {
		s.buf[pos] = val
	}
}

func (s *ScratchOutput) DataSince(pos int) []byte {
	if pos > s.pos {
		return nil
	}
	return s.buf[pos:s.pos]
}

// Result returns the accumulated output data
func (s *ScratchOutput) Result() []byte {
	return s.buf[:s.pos]
}

// Overflowed reports whether any Output call was truncated
func (s *ScratchOutput) Overflowed() bool {
	return s.overflowed
}

// Reset clears the buffer
func (s *ScratchOutput) Reset() {
	s.pos = 0
	s.overflowed = false
}

// FifoBuffer is a ring of received bytes that have not been framed yet
type FifoBuffer struct {
	buf   []byte
	read  int
	count int
}

// NewFifoBuffer creates a FifoBuffer holding at most capacity bytes
func NewFifoBuffer(capacity int) *FifoBuffer {
	return &FifoBuffer{buf: make([]byte, capacity)}
}

// Write appends as much of data as fits and returns the number of bytes taken
func (f *FifoBuffer) Write(data []byte) int {
	n := min(len(data), f.Free())
	tail := (f.read + f.count) % len(f.buf)
	first := copy(f.buf[tail:], data[:n])
	copy(f.buf, data[first:n])
	f.count += n
	return n
}

// Read moves up to len(data) bytes out of the buffer
func (f *FifoBuffer) Read(data []byte) int {
	n := min(len(data), f.count)
	first := copy(data[:n], f.buf[f.read:])
	copy(data[first:n], f.buf)
	f.Pop(n)
	return n
}

// Available returns the number of buffered bytes
func (f *FifoBuffer) Available() int {
	return f.count
}

// Free returns the room left for Write
func (f *FifoBuffer) Free() int {
	return len(f.buf) - f.count
}

// Data returns the buffered bytes in order. The slice aliases the ring when
// the bytes are contiguous and is a copy otherwise.
func (f *FifoBuffer) Data() []byte {
	if f.read+f.count <= len(f.buf) {
		return f.buf[f.read : f.read+f.count]
	}
	out := make([]byte, f.count)
	first := copy(out, f.buf[f.read:])
	copy(out[first:], f.buf)
	return out
}

// Pop drops n bytes from the front
func (f *FifoBuffer) Pop(n int) {
	n = min(n, f.count)
	f.count -= n
	if f.count == 0 {
		f.read = 0
		return
	}
	f.read = (f.read + n) % len(f.buf)
}

// IsEmpty reports whether nothing is buffered
func (f *FifoBuffer) IsEmpty() bool {
	return f.count == 0
}

// Reset drops everything
func (f *FifoBuffer) Reset() {
	f.read = 0
	f.count = 0
}
