package bl0942

const (
	// FrameSize is the length of a full data frame including header and checksum.
	FrameSize = 23
	// FrameHeader marks the first byte of every data frame.
	FrameHeader byte = 0x55
	// ChecksumSeed is added to the frame sum before complementing. It is the
	// read command byte that precedes every response.
	ChecksumSeed byte = 0x58
)

// PollCommand asks the chip to transmit one full data frame.
var PollCommand = []byte{0x58, 0xAA}

// Checksum computes the checksum of the first FrameSize-1 bytes of frame.
// The 8 bit accumulator wraps by design.
func Checksum(frame []byte) byte {
	sum := ChecksumSeed
	for _, b := range frame[:FrameSize-1] {
		sum += b
	}
	return ^sum
}

// Registers is the raw register view of one data frame.
type Registers struct {
	CurrentRMS     int32
	VoltageRMS     uint32
	FastCurrentRMS uint32
	Power          int32
	CFCount        uint32
	Frequency      uint32
	Status         uint32
}

// uint24 reassembles three little endian bytes starting at off.
func uint24(b []byte, off int) uint32 {
	return uint32(b[off+2])<<16 | uint32(b[off+1])<<8 | uint32(b[off])
}

// int24 reassembles a 24 bit two's complement value. The sign lives in the
// top bit of the most significant byte.
func int24(b []byte, off int) int32 {
	v := int32(uint24(b, off))
	if b[off+2]&0x80 != 0 {
		v -= 1 << 24
	}
	return v
}

func putUint24(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
}

// ParseRegisters extracts the raw registers from a frame. It does not
// validate the header or checksum; use Decoder.Decode for that.
func ParseRegisters(frame []byte) (Registers, error) {
	if len(frame) != FrameSize {
		return Registers{}, invalidFrame(frame)
	}
	return Registers{
		CurrentRMS:     int24(frame, 1),
		VoltageRMS:     uint24(frame, 4),
		FastCurrentRMS: uint24(frame, 7),
		Power:          int24(frame, 10),
		CFCount:        uint24(frame, 13),
		Frequency:      uint24(frame, 16),
		Status:         uint24(frame, 19),
	}, nil
}

// Frame encodes the registers into a complete frame with header and checksum.
// Signed registers are stored as 24 bit two's complement.
func (r Registers) Frame() []byte {
	frame := make([]byte, FrameSize)
	frame[0] = FrameHeader
	putUint24(frame, 1, uint32(r.CurrentRMS)&0xFFFFFF)
	putUint24(frame, 4, r.VoltageRMS&0xFFFFFF)
	putUint24(frame, 7, r.FastCurrentRMS&0xFFFFFF)
	putUint24(frame, 10, uint32(r.Power)&0xFFFFFF)
	putUint24(frame, 13, r.CFCount&0xFFFFFF)
	putUint24(frame, 16, r.Frequency&0xFFFFFF)
	putUint24(frame, 19, r.Status&0xFFFFFF)
	frame[FrameSize-1] = Checksum(frame)
	return frame
}
