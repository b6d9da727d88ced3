package meter

import (
	"math"
	"sync/atomic"
)

// Gauge holds the most recent value of one quantity. It implements
// bl0942.Sink and is safe for concurrent use.
type Gauge struct {
	bits atomic.Uint64
	set  atomic.Bool
}

// Publish stores v.
func (g *Gauge) Publish(v float64) {
	g.bits.Store(math.Float64bits(v))
	g.set.Store(true)
}

// Value returns the last published value, and false before the first.
func (g *Gauge) Value() (float64, bool) {
	if !g.set.Load() {
		return 0, false
	}
	return math.Float64frombits(g.bits.Load()), true
}
