package meter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/power.report/internal/bl0942"
	"github.com/banshee-data/power.report/internal/serialmux"
	"github.com/banshee-data/power.report/internal/timeutil"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var steadyLoad = bl0942.Reading{Voltage: 230, Current: 0.5, Power: 100}

func quiet(string, ...interface{}) {}

type meterEnv struct {
	port   *serialmux.SimulatedPort
	mux    *serialmux.SerialMux[*serialmux.SimulatedPort]
	clock  *timeutil.MockClock
	meter  *Meter
	cancel context.CancelFunc
	runErr chan error
}

func startMeter(t *testing.T, opts Options) *meterEnv {
	t.Helper()
	port := serialmux.NewSimulatedPort()
	port.Reading = func(int) bl0942.Reading { return steadyLoad }
	mux := serialmux.NewSerialMux(port)
	clock := timeutil.NewMockClock(epoch)

	opts.Clock = clock
	opts.Logf = quiet
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Second
	}
	m := New(mux, opts)

	ctx, cancel := context.WithCancel(context.Background())
	env := &meterEnv{port: port, mux: mux, clock: clock, meter: m, cancel: cancel, runErr: make(chan error, 1)}
	go mux.Monitor(ctx)
	go func() { env.runErr <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		mux.Close()
	})

	if opts.PollInterval > 0 {
		select {
		case <-clock.TickerCreated():
		case <-time.After(2 * time.Second):
			t.Fatal("meter did not start its poll ticker")
		}
	}
	return env
}

func (e *meterEnv) waitDecoded(t *testing.T, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.meter.Stats().FramesDecoded >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d decoded frames", n)
}

func approx(a, b bl0942.Reading) bool {
	return cmp.Equal(a, b, cmpopts.EquateApprox(0, 0.01))
}

func TestMeter_PollsOnTick(t *testing.T) {
	env := startMeter(t, Options{})

	env.clock.Advance(time.Second)
	env.waitDecoded(t, 1)

	s, ok := env.meter.Latest()
	require.True(t, ok)
	assert.True(t, approx(s.Reading, bl0942.Reading{Voltage: 230, Current: 0.5, Power: 100, PowerFactor: 100.0 / 115}),
		"reading %+v", s.Reading)
	assert.Equal(t, epoch.Add(time.Second), s.At)
	assert.Equal(t, env.meter.SessionID(), s.SessionID)

	st := env.meter.Stats()
	assert.EqualValues(t, 1, st.PollsSent)
	assert.EqualValues(t, 1, st.Transport.CommandsSent)
	assert.Equal(t, "seeking", st.SyncState)
	assert.Equal(t, "standard", st.Gain)
}

func TestMeter_SessionIDIsUUID(t *testing.T) {
	m := New(serialmux.NewDisabledSerialMux(), Options{Logf: quiet})
	_, err := uuid.Parse(m.SessionID())
	assert.NoError(t, err)

	other := New(serialmux.NewDisabledSerialMux(), Options{Logf: quiet})
	assert.NotEqual(t, m.SessionID(), other.SessionID())
}

func TestMeter_GaugesAndExtraSinks(t *testing.T) {
	var powers []float64
	env := startMeter(t, Options{Sinks: bl0942.Sinks{
		Power: bl0942.SinkFunc(func(v float64) { powers = append(powers, v) }),
	}})

	_, ok := env.meter.Voltage.Value()
	assert.False(t, ok, "gauge should be empty before first reading")

	require.NoError(t, env.meter.Poll())
	env.waitDecoded(t, 1)

	v, ok := env.meter.Voltage.Value()
	require.True(t, ok)
	assert.InDelta(t, 230, v, 0.01)
	c, _ := env.meter.Current.Value()
	assert.InDelta(t, 0.5, c, 0.001)
	p, _ := env.meter.Power.Value()
	assert.InDelta(t, 100, p, 0.01)
	pf, _ := env.meter.PowerFactor.Value()
	assert.InDelta(t, 100.0/115, pf, 0.001)

	require.Len(t, powers, 1)
	assert.InDelta(t, 100, powers[0], 0.01)
}

func TestMeter_CountsChecksumErrorsAndNoise(t *testing.T) {
	env := startMeter(t, Options{PollInterval: -1})
	env.port.CorruptEvery = 2
	env.port.Noise = []byte{0x00, 0x13}

	for i := 0; i < 4; i++ {
		require.NoError(t, env.meter.Poll())
	}
	require.Eventually(t, func() bool {
		st := env.meter.Stats()
		return st.FramesDecoded+st.ChecksumErrors == 4
	}, 2*time.Second, 5*time.Millisecond)

	st := env.meter.Stats()
	assert.EqualValues(t, 2, st.FramesDecoded)
	assert.EqualValues(t, 2, st.ChecksumErrors)
	assert.EqualValues(t, 0, st.InvalidFrames)
	assert.EqualValues(t, 8, st.BytesSkipped)
	assert.EqualValues(t, 4, st.PollsSent)
}

func TestMeter_Subscribe(t *testing.T) {
	env := startMeter(t, Options{PollInterval: -1})

	id, ch := env.meter.Subscribe()
	assert.Equal(t, 1, env.meter.Stats().Subscribers)

	require.NoError(t, env.meter.Poll())
	select {
	case s := <-ch:
		assert.True(t, approx(s.Reading, bl0942.Reading{Voltage: 230, Current: 0.5, Power: 100, PowerFactor: 100.0 / 115}))
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive reading")
	}

	env.meter.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open, "channel should be closed after Unsubscribe")
	assert.Equal(t, 0, env.meter.Stats().Subscribers)

	// unknown IDs are ignored
	env.meter.Unsubscribe(id)
}

func TestMeter_SlowSubscriberDoesNotBlock(t *testing.T) {
	env := startMeter(t, Options{PollInterval: -1})
	_, ch := env.meter.Subscribe()

	const polls = subscriberBuffer + 4
	for i := 0; i < polls; i++ {
		require.NoError(t, env.meter.Poll())
	}
	env.waitDecoded(t, polls)
	assert.Len(t, ch, subscriberBuffer)
}

func TestMeter_RunClosesSubscribers(t *testing.T) {
	env := startMeter(t, Options{PollInterval: -1})
	_, ch := env.meter.Subscribe()

	env.cancel()
	select {
	case err := <-env.runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	_, open := <-ch
	assert.False(t, open)

	// late subscribers get a closed channel
	_, late := env.meter.Subscribe()
	_, open = <-late
	assert.False(t, open)
}

func TestMeter_PollError(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	mux := serialmux.NewSerialMux(port)
	m := New(mux, Options{Logf: quiet, PollInterval: -1})

	port.WriteError = errors.New("unplugged")
	err := m.Poll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unplugged")
	assert.EqualValues(t, 1, m.Stats().PollErrors)
	assert.EqualValues(t, 0, m.Stats().PollsSent)
}

func TestMeter_AlternateGain(t *testing.T) {
	env := startMeter(t, Options{Gain: bl0942.GainAlternate, PollInterval: -1})
	env.port.Gain = bl0942.GainAlternate

	require.NoError(t, env.meter.Poll())
	env.waitDecoded(t, 1)
	s, _ := env.meter.Latest()
	assert.InDelta(t, 0.5, s.Reading.Current, 0.001)
	assert.InDelta(t, 100, s.Reading.Power, 0.05)
	assert.Equal(t, "alternate", env.meter.Stats().Gain)
}

func TestGauge(t *testing.T) {
	var g Gauge
	_, ok := g.Value()
	assert.False(t, ok)
	g.Publish(-1.5)
	v, ok := g.Value()
	assert.True(t, ok)
	assert.Equal(t, -1.5, v)
}
