package bl0942

// Sink receives one decoded quantity.
type Sink interface {
	Publish(value float64)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(value float64)

// Publish implements Sink.
func (f SinkFunc) Publish(value float64) { f(value) }

// Sinks holds the optional destination of each quantity. A nil field skips
// delivery of that quantity only.
type Sinks struct {
	Voltage     Sink
	Current     Sink
	Power       Sink
	PowerFactor Sink
}

// Publish delivers each quantity of r to its sink.
func (s Sinks) Publish(r Reading) {
	if s.Voltage != nil {
		s.Voltage.Publish(r.Voltage)
	}
	if s.Current != nil {
		s.Current.Publish(r.Current)
	}
	if s.Power != nil {
		s.Power.Publish(r.Power)
	}
	if s.PowerFactor != nil {
		s.PowerFactor.Publish(r.PowerFactor)
	}
}
