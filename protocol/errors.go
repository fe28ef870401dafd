package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFrame marks a candidate frame that failed length or checksum
	// validation. The decoder recovers from it locally and never returns it
	// to callers of Send.
	ErrInvalidFrame = errors.New("protocol: invalid frame")

	ErrPayloadTooLarge  = errors.New("protocol: payload too large")
	ErrWriteFailure     = errors.New("protocol: write failure")
	ErrTimeout          = errors.New("protocol: response timeout")
	ErrConnectionClosed = errors.New("protocol: connection closed")
	ErrBusy             = errors.New("protocol: request already pending for key")
)

// WriteError reports a transport-level write failure. The connection should
// be considered suspect after one.
type WriteError struct {
	Op      byte
	Written int
	Total   int
	Err     error
}

func (e *WriteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("protocol: write %s: incomplete write: %d/%d bytes", OpName(e.Op), e.Written, e.Total)
	}
	return fmt.Sprintf("protocol: write %s: %v", OpName(e.Op), e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

func (e *WriteError) Is(target error) bool {
	return target == ErrWriteFailure
}

// DeviceError is returned when the device answers a request with a non-zero
// acknowledgement status
type DeviceError struct {
	Op   byte // opcode of the request that was rejected
	Code byte
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("protocol: device rejected %s: status 0x%02x", OpName(e.Op), e.Code)
}
