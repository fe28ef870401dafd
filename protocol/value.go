package protocol

import "errors"

var (
	ErrValueRange     = errors.New("value out of 2-byte range")
	ErrBufferTooSmall = errors.New("buffer too small for 2-byte value")
)

// Range of values representable by the 2-byte packing
const (
	Int16Min = -8192
	Int16Max = 8191
)

// EncodeInt16 packs a signed value the way the firmware expects angles and
// pulse widths: the high byte is shifted left by one, then the whole
// little-endian word is shifted left by one
func EncodeInt16(v int) ([2]byte, error) {
	if v < Int16Min || v > Int16Max {
		return [2]byte{}, ErrValueRange
	}
	u := uint16(int16(v))
	lo := byte(u)
	hi := byte(u>>8) << 1
	packed := (uint16(hi)<<8 | uint16(lo)) << 1
	return [2]byte{byte(packed), byte(packed >> 8)}, nil
}

// AppendInt16 appends the packed form of v to output
func AppendInt16(output OutputBuffer, v int) error {
	b, err := EncodeInt16(v)
	if err != nil {
		return err
	}
	output.Output(b[:])
	return nil
}

// DecodeInt16 reverses EncodeInt16
func DecodeInt16(b [2]byte) int {
	word := int16(uint16(b[0])|uint16(b[1])<<8) >> 1
	hi := byte(uint16(word) >> 8)
	lo := byte(uint16(word))
	hi = (hi & 0x80) | (hi >> 1)
	return int(int16(uint16(hi)<<8 | uint16(lo)))
}

// ReadInt16 decodes a packed value from the data slice
// The data slice is advanced past the consumed bytes
func ReadInt16(data *[]byte) (int, error) {
	if len(*data) < 2 {
		return 0, ErrBufferTooSmall
	}
	v := DecodeInt16([2]byte{(*data)[0], (*data)[1]})
	*data = (*data)[2:]
	return v, nil
}
