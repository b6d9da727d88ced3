package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/power.report/internal/bl0942"
	"github.com/banshee-data/power.report/internal/db"
	"github.com/banshee-data/power.report/internal/meter"
	"github.com/banshee-data/power.report/internal/testutil"
	"github.com/banshee-data/power.report/internal/version"
)

type fakeMeter struct {
	mu      sync.Mutex
	latest  meter.Sample
	have    bool
	polls   int
	pollErr error
	subs    map[string]chan meter.Sample
}

func newFakeMeter() *fakeMeter {
	return &fakeMeter{subs: make(map[string]chan meter.Sample)}
}

func (f *fakeMeter) Latest() (meter.Sample, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.have
}

func (f *fakeMeter) Stats() meter.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return meter.Stats{SessionID: "fake", PollsSent: uint64(f.polls), Gain: "standard"}
}

func (f *fakeMeter) Poll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return f.pollErr
	}
	f.polls++
	return nil
}

func (f *fakeMeter) Subscribe() (string, <-chan meter.Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan meter.Sample, 4)
	id := "sub"
	f.subs[id] = ch
	return id, ch
}

func (f *fakeMeter) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
}

func (f *fakeMeter) publish(s meter.Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- s
	}
}

func (f *fakeMeter) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

var sample = meter.Sample{
	Reading:   bl0942.Reading{Voltage: 230.5, Current: 0.5, Power: 100, PowerFactor: 0.8676},
	At:        time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	SessionID: "fake",
}

func TestLatestReading(t *testing.T) {
	m := newFakeMeter()
	h := NewServer(m, nil, 0).ServeMux()

	w := testutil.Serve(h, http.MethodGet, "/api/readings/latest", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)

	m.latest, m.have = sample, true
	w = testutil.Serve(h, http.MethodGet, "/api/readings/latest", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	got := testutil.DecodeJSON[meter.Sample](t, w)
	assert.Equal(t, sample.Reading, got.Reading)
	assert.True(t, sample.At.Equal(got.At))
	assert.Contains(t, w.Body.String(), `"power_factor":0.8676`)

	w = testutil.Serve(h, http.MethodPost, "/api/readings/latest", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
}

func seedReadings(t *testing.T, store *db.DB, now time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		r := bl0942.Reading{Voltage: 230 + float64(i), Current: 0.5, Power: 100 + float64(i), PowerFactor: 0.9}
		require.NoError(t, store.RecordReading("s", r, now.Add(-time.Duration(n-i)*time.Minute)))
	}
}

func TestListReadings(t *testing.T) {
	store := openTestDB(t)
	now := time.Now()
	seedReadings(t, store, now, 5)
	h := NewServer(newFakeMeter(), store, 3).ServeMux()

	w := testutil.Serve(h, http.MethodGet, "/api/readings", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	got := testutil.DecodeJSON[[]db.StoredReading](t, w)
	require.Len(t, got, 3, "default limit is capped by the history limit")
	assert.Equal(t, 234.0, got[0].Reading.Voltage, "newest first")

	w = testutil.Serve(h, http.MethodGet, "/api/readings?limit=1", "")
	require.Len(t, testutil.DecodeJSON[[]db.StoredReading](t, w), 1)

	for _, q := range []string{"0", "4", "x"} {
		w = testutil.Serve(h, http.MethodGet, "/api/readings?limit="+q, "")
		testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
	}
}

func TestListReadings_Empty(t *testing.T) {
	h := NewServer(newFakeMeter(), openTestDB(t), 10).ServeMux()
	w := testutil.Serve(h, http.MethodGet, "/api/readings", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestHistoryWithoutDB(t *testing.T) {
	h := NewServer(newFakeMeter(), nil, 0).ServeMux()
	for _, path := range []string{"/api/readings", "/api/readings/stats", "/charts/readings"} {
		w := testutil.Serve(h, http.MethodGet, path, "")
		testutil.AssertStatusCode(t, w.Code, http.StatusServiceUnavailable)
	}
}

func TestReadingStats(t *testing.T) {
	store := openTestDB(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	seedReadings(t, store, now, 4)
	srv := NewServer(newFakeMeter(), store, 0)
	srv.now = func() time.Time { return now }
	h := srv.ServeMux()

	w := testutil.Serve(h, http.MethodGet, "/api/readings/stats?since=2m30s", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	got := testutil.DecodeJSON[db.ReadingSummary](t, w)
	assert.Equal(t, 2, got.Count)
	assert.InDelta(t, 232.5, got.Voltage.Mean, 1e-9)
	assert.InDelta(t, 103, got.Power.Max, 1e-9)

	w = testutil.Serve(h, http.MethodGet, "/api/readings/stats", "")
	assert.Equal(t, 4, testutil.DecodeJSON[db.ReadingSummary](t, w).Count, "default window is one hour")

	for _, q := range []string{"soon", "-5m", "0s"} {
		w = testutil.Serve(h, http.MethodGet, "/api/readings/stats?since="+q, "")
		testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
	}
}

func TestMeterStatsAndPoll(t *testing.T) {
	m := newFakeMeter()
	h := NewServer(m, nil, 0).ServeMux()

	w := testutil.Serve(h, http.MethodPost, "/api/poll", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusAccepted)

	w = testutil.Serve(h, http.MethodGet, "/api/meter/stats", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	st := testutil.DecodeJSON[meter.Stats](t, w)
	assert.EqualValues(t, 1, st.PollsSent)
	assert.Equal(t, "fake", st.SessionID)

	w = testutil.Serve(h, http.MethodGet, "/api/poll", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)

	m.pollErr = errors.New("port gone")
	w = testutil.Serve(h, http.MethodPost, "/api/poll", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusBadGateway)
	assert.Contains(t, w.Body.String(), "port gone")
}

func TestVersion(t *testing.T) {
	h := NewServer(newFakeMeter(), nil, 0).ServeMux()
	w := testutil.Serve(h, http.MethodGet, "/api/version", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	got := testutil.DecodeJSON[map[string]string](t, w)
	assert.Equal(t, version.Version, got["version"])
}

func TestReadingsChart(t *testing.T) {
	store := openTestDB(t)
	seedReadings(t, store, time.Now(), 3)
	h := NewServer(newFakeMeter(), store, 0).ServeMux()

	w := testutil.Serve(h, http.MethodGet, "/charts/readings?since=1h", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	body := w.Body.String()
	for _, want := range []string{"Power readings", "Voltage", "Current", "echarts.min.js", "3 readings"} {
		assert.Contains(t, body, want)
	}

	w = testutil.Serve(h, http.MethodGet, "/charts/readings?since=nope", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
}

func TestTailReadings(t *testing.T) {
	m := newFakeMeter()
	srv := httptest.NewServer(NewServer(m, nil, 0).ServeMux())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/readings/tail", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)

	require.Eventually(t, func() bool { return m.subscribers() == 1 }, time.Second, 5*time.Millisecond)
	m.publish(sample)

	var data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			break
		}
	}
	var got meter.Sample
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, sample.Reading, got.Reading)

	cancel()
	require.Eventually(t, func() bool { return m.subscribers() == 0 }, time.Second, 5*time.Millisecond,
		"handler should unsubscribe when the client goes away")
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := testutil.Serve(h, http.MethodGet, "/api/thing?x=1", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusTeapot)

	out := buf.String()
	assert.Contains(t, out, "418")
	assert.Contains(t, out, "/api/thing?x=1")
	assert.Contains(t, out, "GET")
}

func TestStatusCodeColor(t *testing.T) {
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"304"+colorReset, statusCodeColor(304))
	assert.Equal(t, colorBoldRed+"404"+colorReset, statusCodeColor(404))
	assert.Equal(t, colorBoldRed+"503"+colorReset, statusCodeColor(503))
	assert.Equal(t, "100", statusCodeColor(100))
}
