package bl0942

import "io"

// ByteSource is a stream of bytes of which Buffered are available without
// blocking. *bufio.Reader satisfies it.
type ByteSource interface {
	io.ByteReader
	Buffered() int
}

// SyncState is the framing state of a Synchronizer.
type SyncState int

const (
	// StateSeeking discards bytes until a frame header arrives.
	StateSeeking SyncState = iota
	// StateFilling accumulates the rest of a frame.
	StateFilling
)

func (s SyncState) String() string {
	switch s {
	case StateSeeking:
		return "seeking"
	case StateFilling:
		return "filling"
	default:
		return "unknown"
	}
}

// Synchronizer assembles fixed size frames out of a byte stream. Once a
// header is seen it trusts the frame length; a 0x55 inside the payload is
// not treated as a new header, so a dropped byte upstream stays misaligned
// until the checksum rejects frames and a header lines up again.
type Synchronizer struct {
	src     ByteSource
	handler FrameHandler
	buf     [FrameSize]byte
	n       int
	skipped uint64
}

// NewSynchronizer returns a Synchronizer draining src into handler.
func NewSynchronizer(src ByteSource, handler FrameHandler) *Synchronizer {
	return &Synchronizer{src: src, handler: handler}
}

// ProcessAvailable consumes every byte the source currently has buffered,
// handing each completed frame to the handler before resetting the buffer.
// It never waits for more input. A read error ends the drain.
func (s *Synchronizer) ProcessAvailable() {
	for s.src.Buffered() > 0 {
		b, err := s.src.ReadByte()
		if err != nil {
			return
		}
		s.step(b)
	}
}

func (s *Synchronizer) step(b byte) {
	if s.n == 0 {
		if b != FrameHeader {
			s.skipped++
			return
		}
		s.buf[0] = b
		s.n = 1
		return
	}

	s.buf[s.n] = b
	s.n++
	if s.n < FrameSize {
		return
	}

	// reset regardless of what the handler makes of the frame
	s.n = 0
	if s.handler != nil {
		s.handler.HandleFrame(s.buf[:])
	}
}

// State reports whether the synchronizer is looking for a header or
// filling a frame.
func (s *Synchronizer) State() SyncState {
	if s.n == 0 {
		return StateSeeking
	}
	return StateFilling
}

// Pending returns the number of bytes of the frame being filled.
func (s *Synchronizer) Pending() int { return s.n }

// Skipped returns the number of bytes discarded while seeking a header.
func (s *Synchronizer) Skipped() uint64 { return s.skipped }

// Reset drops any partial frame.
func (s *Synchronizer) Reset() { s.n = 0 }
