package bl0942

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFrame reports a frame with the wrong length or header byte.
	ErrInvalidFrame = errors.New("invalid frame or length")
	// ErrChecksumMismatch reports a frame whose trailing checksum byte does
	// not match the computed one.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

func invalidFrame(frame []byte) error {
	if len(frame) == 0 {
		return fmt.Errorf("%w: empty frame", ErrInvalidFrame)
	}
	return fmt.Errorf("%w: header 0x%02X, length %d", ErrInvalidFrame, frame[0], len(frame))
}

// ChecksumError carries both checksum values of a rejected frame.
type ChecksumError struct {
	Computed byte
	Received byte
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum error: cal=%02X, recv=%02X", e.Computed, e.Received)
}

// Is lets errors.Is match ErrChecksumMismatch.
func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}
