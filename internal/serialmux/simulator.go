package serialmux

import (
	"bytes"
	"math"
	"sync"

	"github.com/banshee-data/power.report/internal/bl0942"
)

// SimulatedPort behaves like a BL0942 on the other end of a UART: every
// poll command written to it is answered with one data frame. It backs
// --dev mode and integration tests.
type SimulatedPort struct {
	*TestableSerialPort

	mu      sync.Mutex
	pending []byte
	frames  int

	// Reading produces the values encoded into the nth reply frame.
	Reading func(n int) bl0942.Reading
	// Gain selects the scaling used to encode Reading.
	Gain bl0942.GainMode
	// CorruptEvery, when positive, flips the checksum of every nth frame.
	CorruptEvery int
	// Noise is sent ahead of every reply, as line noise would be.
	Noise []byte
}

// NewSimulatedPort returns a simulated chip producing a steady mains load.
func NewSimulatedPort() *SimulatedPort {
	sp := &SimulatedPort{
		TestableSerialPort: NewTestableSerialPort(),
		Reading:            MainsReading,
	}
	sp.BlockReads = true
	sp.OnWrite = sp.handleCommand
	return sp
}

// MainsReading is a slowly varying 230 V load drawing roughly 100 W.
func MainsReading(n int) bl0942.Reading {
	phase := float64(n) / 20
	return bl0942.Reading{
		Voltage: 230 + 2*math.Sin(phase),
		Current: 0.5 + 0.05*math.Sin(phase/3),
		Power:   100 + 10*math.Sin(phase/3),
	}
}

// FramesSent returns the number of reply frames produced.
func (sp *SimulatedPort) FramesSent() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.frames
}

func (sp *SimulatedPort) handleCommand(p []byte) {
	sp.mu.Lock()
	sp.pending = append(sp.pending, p...)
	var replies [][]byte
	for {
		i := bytes.Index(sp.pending, bl0942.PollCommand)
		if i < 0 {
			break
		}
		sp.pending = sp.pending[i+len(bl0942.PollCommand):]
		replies = append(replies, sp.nextFrame())
	}
	// keep a possible partial command
	if len(sp.pending) > len(bl0942.PollCommand) {
		sp.pending = sp.pending[len(sp.pending)-len(bl0942.PollCommand)+1:]
	}
	sp.mu.Unlock()

	for _, frame := range replies {
		sp.AddReadData(frame)
	}
}

func (sp *SimulatedPort) nextFrame() []byte {
	n := sp.frames
	sp.frames++

	var r bl0942.Reading
	if sp.Reading != nil {
		r = sp.Reading(n)
	}
	frame := bl0942.EncodeReading(r, sp.Gain).Frame()
	if sp.CorruptEvery > 0 && (n+1)%sp.CorruptEvery == 0 {
		frame[bl0942.FrameSize-1] ^= 0xFF
	}
	return append(append([]byte(nil), sp.Noise...), frame...)
}
