// Package meter drives a BL0942 over a serial mux: it polls the chip on a
// schedule, reassembles and decodes the replies, and fans the readings out
// to gauges and subscribers.
package meter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/power.report/internal/bl0942"
	"github.com/banshee-data/power.report/internal/monitoring"
	"github.com/banshee-data/power.report/internal/serialmux"
	"github.com/banshee-data/power.report/internal/timeutil"
)

// DefaultPollInterval is used when Options.PollInterval is zero.
const DefaultPollInterval = time.Second

// subscriberBuffer is the per-subscriber channel depth. Readings for a
// subscriber whose buffer is full are dropped.
const subscriberBuffer = 16

// Options configures a Meter.
type Options struct {
	// Gain selects the decoder scaling.
	Gain bl0942.GainMode
	// PollInterval is the period between poll commands. Negative values
	// disable scheduled polling; Poll may still be called.
	PollInterval time.Duration
	// Clock drives the poll schedule and timestamps readings.
	Clock timeutil.Clock
	// Sinks receive every accepted reading in addition to the meter's
	// own gauges.
	Sinks bl0942.Sinks
	// Logf receives diagnostics. Defaults to monitoring.Logf.
	Logf func(format string, v ...interface{})
}

// Sample is one decoded reading with the time it was accepted.
type Sample struct {
	Reading   bl0942.Reading `json:"reading"`
	At        time.Time      `json:"at"`
	SessionID string         `json:"session_id"`
}

// Stats is a snapshot of the meter's counters.
type Stats struct {
	SessionID      string             `json:"session_id"`
	Gain           string             `json:"gain"`
	PollsSent      uint64             `json:"polls_sent"`
	PollErrors     uint64             `json:"poll_errors"`
	FramesDecoded  uint64             `json:"frames_decoded"`
	InvalidFrames  uint64             `json:"invalid_frames"`
	ChecksumErrors uint64             `json:"checksum_errors"`
	BytesSkipped   uint64             `json:"bytes_skipped"`
	SyncState      string             `json:"sync_state"`
	Pending        int                `json:"pending"`
	Subscribers    int                `json:"subscribers"`
	StartedAt      time.Time          `json:"started_at"`
	Transport      serialmux.MuxStats `json:"transport"`
}

// Meter owns the framing and decoding of one BL0942. Run must be called
// by exactly one goroutine; every other method is safe for concurrent use.
type Meter struct {
	mux      serialmux.SerialMuxInterface
	clock    timeutil.Clock
	interval time.Duration
	logf     func(format string, v ...interface{})

	sessionID string
	startedAt time.Time

	decoder *bl0942.Decoder
	framer  *bl0942.Synchronizer

	// framerMu guards the synchronizer state read by Stats.
	framerMu sync.Mutex

	Voltage     *Gauge
	Current     *Gauge
	Power       *Gauge
	PowerFactor *Gauge

	pollsSent      atomic.Uint64
	pollErrors     atomic.Uint64
	framesDecoded  atomic.Uint64
	invalidFrames  atomic.Uint64
	checksumErrors atomic.Uint64

	latestMu   sync.RWMutex
	latest     Sample
	haveLatest bool

	subscriberMu sync.Mutex
	subscribers  map[string]chan Sample
	closed       bool
}

// New returns a Meter reading from mux.
func New(mux serialmux.SerialMuxInterface, opts Options) *Meter {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logf == nil {
		opts.Logf = monitoring.Prefixed("meter")
	}

	m := &Meter{
		mux:         mux,
		clock:       opts.Clock,
		interval:    opts.PollInterval,
		logf:        opts.Logf,
		sessionID:   uuid.NewString(),
		startedAt:   opts.Clock.Now(),
		Voltage:     &Gauge{},
		Current:     &Gauge{},
		Power:       &Gauge{},
		PowerFactor: &Gauge{},
		subscribers: make(map[string]chan Sample),
	}

	sinks := bl0942.Sinks{
		Voltage:     fanout(m.Voltage, opts.Sinks.Voltage),
		Current:     fanout(m.Current, opts.Sinks.Current),
		Power:       fanout(m.Power, opts.Sinks.Power),
		PowerFactor: fanout(m.PowerFactor, opts.Sinks.PowerFactor),
	}
	m.decoder = bl0942.NewDecoder(opts.Gain, sinks, bl0942.WithLogger(opts.Logf))
	m.framer = bl0942.NewSynchronizer(mux.Source(), bl0942.FrameHandlerFunc(m.handleFrame))
	return m
}

func fanout(g *Gauge, extra bl0942.Sink) bl0942.Sink {
	if extra == nil {
		return g
	}
	return bl0942.SinkFunc(func(v float64) {
		g.Publish(v)
		extra.Publish(v)
	})
}

// SessionID identifies this meter instance in stored readings.
func (m *Meter) SessionID() string { return m.sessionID }

// Run polls the meter and processes replies until ctx is done. Subscriber
// channels are closed when it returns.
func (m *Meter) Run(ctx context.Context) error {
	defer m.closeSubscribers()

	var tick <-chan time.Time
	if m.interval > 0 {
		ticker := m.clock.NewTicker(m.interval)
		defer ticker.Stop()
		tick = ticker.C()
	}
	notify := m.mux.Source().Notify()

	m.logf("session %s started, polling every %v (%s gain)", m.sessionID, m.interval, m.decoder.Gain())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			if err := m.Poll(); err != nil {
				m.logf("poll failed: %v", err)
			}
		case <-notify:
			m.processAvailable()
		}
	}
}

func (m *Meter) processAvailable() {
	m.framerMu.Lock()
	defer m.framerMu.Unlock()
	m.framer.ProcessAvailable()
}

// Poll sends one poll command to the meter.
func (m *Meter) Poll() error {
	if err := m.mux.SendCommand(bl0942.PollCommand); err != nil {
		m.pollErrors.Add(1)
		return fmt.Errorf("send poll command: %w", err)
	}
	m.pollsSent.Add(1)
	return nil
}

func (m *Meter) handleFrame(frame []byte) {
	r, err := m.decoder.Process(frame)
	switch {
	case errors.Is(err, bl0942.ErrChecksumMismatch):
		m.checksumErrors.Add(1)
		return
	case err != nil:
		m.invalidFrames.Add(1)
		return
	}
	m.framesDecoded.Add(1)

	s := Sample{Reading: r, At: m.clock.Now(), SessionID: m.sessionID}
	m.latestMu.Lock()
	m.latest = s
	m.haveLatest = true
	m.latestMu.Unlock()

	m.subscriberMu.Lock()
	for _, ch := range m.subscribers {
		select {
		case ch <- s:
		default:
			// slow subscriber, skip so as not to stall framing
		}
	}
	m.subscriberMu.Unlock()
}

// Latest returns the most recent accepted reading, and false if none has
// been decoded yet.
func (m *Meter) Latest() (Sample, bool) {
	m.latestMu.RLock()
	defer m.latestMu.RUnlock()
	return m.latest, m.haveLatest
}

// Subscribe returns an ID and a channel receiving every accepted reading.
// The channel is closed by Unsubscribe or when Run returns.
func (m *Meter) Subscribe() (string, <-chan Sample) {
	id := uuid.NewString()
	ch := make(chan Sample, subscriberBuffer)
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if m.closed {
		close(ch)
		return id, ch
	}
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe closes and removes the subscriber with the given ID.
func (m *Meter) Unsubscribe(id string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

func (m *Meter) closeSubscribers() {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	m.closed = true
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
}

// Stats returns a snapshot of the meter counters.
func (m *Meter) Stats() Stats {
	m.framerMu.Lock()
	state, pending, skipped := m.framer.State(), m.framer.Pending(), m.framer.Skipped()
	m.framerMu.Unlock()

	m.subscriberMu.Lock()
	subs := len(m.subscribers)
	m.subscriberMu.Unlock()

	return Stats{
		SessionID:      m.sessionID,
		Gain:           m.decoder.Gain().String(),
		PollsSent:      m.pollsSent.Load(),
		PollErrors:     m.pollErrors.Load(),
		FramesDecoded:  m.framesDecoded.Load(),
		InvalidFrames:  m.invalidFrames.Load(),
		ChecksumErrors: m.checksumErrors.Load(),
		BytesSkipped:   skipped,
		SyncState:      state.String(),
		Pending:        pending,
		Subscribers:    subs,
		StartedAt:      m.startedAt,
		Transport:      m.mux.Stats(),
	}
}
