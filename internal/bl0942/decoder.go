package bl0942

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/power.report/internal/monitoring"
)

// Reading is one set of decoded quantities.
type Reading struct {
	Voltage     float64 `json:"voltage"`      // volts
	Current     float64 `json:"current"`      // amps
	Power       float64 `json:"power"`        // watts
	PowerFactor float64 `json:"power_factor"` // 0 when current or voltage is 0
}

// GainMode selects the current channel scaling of the board.
type GainMode int

const (
	// GainStandard is the shipped configuration.
	GainStandard GainMode = iota
	// GainAlternate divides current by three and uses the alternate power
	// coefficient. Boards built with a 10 A range use it.
	GainAlternate
)

func (g GainMode) String() string {
	switch g {
	case GainStandard:
		return "standard"
	case GainAlternate:
		return "alternate"
	default:
		return fmt.Sprintf("GainMode(%d)", int(g))
	}
}

// ParseGainMode accepts "standard" or "alternate". The empty string is
// standard.
func ParseGainMode(s string) (GainMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard":
		return GainStandard, nil
	case "alternate", "alt":
		return GainAlternate, nil
	default:
		return 0, fmt.Errorf("unknown gain mode %q: expected standard or alternate", s)
	}
}

const (
	vref            = 1.218
	voltageDivider  = 1950.51
	voltageDivisor  = 37734390
	currentDivisor  = 305978
	powerDivisor    = 1803870
	altPowerDivisor = 511610
)

// FrameHandler receives each complete candidate frame. The slice is only
// valid for the duration of the call.
type FrameHandler interface {
	HandleFrame(frame []byte)
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(frame []byte)

// HandleFrame implements FrameHandler.
func (f FrameHandlerFunc) HandleFrame(frame []byte) { f(frame) }

// Decoder validates frames and publishes the decoded quantities. It keeps
// no state between frames.
type Decoder struct {
	gain         GainMode
	currentScale float64
	powerScale   float64
	sinks        Sinks
	logf         func(format string, v ...interface{})
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithLogger sets the diagnostics logger. A nil logger mutes diagnostics.
func WithLogger(logf func(format string, v ...interface{})) DecoderOption {
	return func(d *Decoder) {
		if logf == nil {
			logf = func(string, ...interface{}) {}
		}
		d.logf = logf
	}
}

// NewDecoder returns a Decoder for the given gain mode. Diagnostics go to
// monitoring.Logf unless WithLogger is passed.
func NewDecoder(gain GainMode, sinks Sinks, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		gain:         gain,
		currentScale: currentDivisor,
		powerScale:   powerDivisor,
		sinks:        sinks,
		logf:         monitoring.Prefixed("bl0942"),
	}
	if gain == GainAlternate {
		d.currentScale = currentDivisor * 3
		d.powerScale = altPowerDivisor
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Gain returns the gain mode the decoder was built with.
func (d *Decoder) Gain() GainMode { return d.gain }

// Decode validates frame and returns the scaled quantities. It fails with
// ErrInvalidFrame or a *ChecksumError.
func (d *Decoder) Decode(frame []byte) (Reading, error) {
	if len(frame) != FrameSize || frame[0] != FrameHeader {
		return Reading{}, invalidFrame(frame)
	}
	if sum := Checksum(frame); sum != frame[FrameSize-1] {
		return Reading{}, &ChecksumError{Computed: sum, Received: frame[FrameSize-1]}
	}

	var r Reading
	r.Current = float64(int24(frame, 1)) * vref / d.currentScale
	r.Voltage = float64(uint24(frame, 4)) * vref * voltageDivider / voltageDivisor
	r.Power = float64(int24(frame, 10)) * vref * vref * voltageDivider / d.powerScale
	if apparent := r.Current * r.Voltage; apparent != 0 {
		r.PowerFactor = r.Power / apparent
	}
	return r, nil
}

// Process decodes frame, reports a rejected frame through the diagnostics
// logger and publishes an accepted one to the sinks.
func (d *Decoder) Process(frame []byte) (Reading, error) {
	r, err := d.Decode(frame)
	if err != nil {
		var ce *ChecksumError
		if errors.As(err, &ce) {
			d.logf("checksum error: cal=%02X, recv=%02X", ce.Computed, ce.Received)
		} else {
			d.logf("dropping frame: %v", err)
		}
		return Reading{}, err
	}
	d.sinks.Publish(r)
	return r, nil
}

// HandleFrame implements FrameHandler. Rejected frames are dropped.
func (d *Decoder) HandleFrame(frame []byte) {
	_, _ = d.Process(frame)
}

// EncodeReading returns the registers that decode to approximately r under
// gain. Power factor is derived on decode and is ignored here. Values are
// rounded to the nearest register step and clamped to the 24 bit range.
func EncodeReading(r Reading, gain GainMode) Registers {
	cur, pow := float64(currentDivisor), float64(powerDivisor)
	if gain == GainAlternate {
		cur, pow = currentDivisor*3, altPowerDivisor
	}
	return Registers{
		CurrentRMS: int32(clamp24(r.Current*cur/vref, true)),
		VoltageRMS: uint32(clamp24(r.Voltage*voltageDivisor/(vref*voltageDivider), false)),
		Power:      int32(clamp24(r.Power*pow/(vref*vref*voltageDivider), true)),
	}
}

func clamp24(v float64, signed bool) int64 {
	lo, hi := 0.0, float64(1<<24-1)
	if signed {
		lo, hi = -(1 << 23), 1<<23-1
	}
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return int64(math.Round(v))
}
