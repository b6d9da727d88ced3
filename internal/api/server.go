package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/power.report/internal/db"
	"github.com/banshee-data/power.report/internal/meter"
	"github.com/banshee-data/power.report/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const defaultStatsWindow = time.Hour

// Meter is the live meter the server reports on.
type Meter interface {
	Latest() (meter.Sample, bool)
	Stats() meter.Stats
	Poll() error
	Subscribe() (string, <-chan meter.Sample)
	Unsubscribe(id string)
}

type Server struct {
	m            Meter
	db           *db.DB
	historyLimit int
	now          func() time.Time
}

// NewServer returns a server for m. store may be nil when readings are not
// recorded, in which case the history endpoints report 503.
func NewServer(m Meter, store *db.DB, historyLimit int) *Server {
	if historyLimit <= 0 {
		historyLimit = 500
	}
	return &Server{
		m:            m,
		db:           store,
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/readings/latest", s.showLatestReading)
	mux.HandleFunc("/api/readings", s.listReadings)
	mux.HandleFunc("/api/readings/stats", s.showReadingStats)
	mux.HandleFunc("/api/readings/tail", s.tailReadings)
	mux.HandleFunc("/api/meter/stats", s.showMeterStats)
	mux.HandleFunc("/api/poll", s.pollHandler)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/charts/readings", s.readingsChart)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func (s *Server) showLatestReading(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	sample, ok := s.m.Latest()
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "No reading decoded yet")
		return
	}
	s.writeJSON(w, http.StatusOK, sample)
}

func (s *Server) listReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Reading history is not recorded")
		return
	}

	limit := min(100, s.historyLimit)
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > s.historyLimit {
			s.writeJSONError(w, http.StatusBadRequest,
				fmt.Sprintf("Invalid 'limit' parameter: must be between 1 and %d", s.historyLimit))
			return
		}
		limit = parsed
	}

	readings, err := s.db.RecentReadings(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve readings: %v", err))
		return
	}
	if readings == nil {
		readings = []db.StoredReading{}
	}
	s.writeJSON(w, http.StatusOK, readings)
}

// parseSince reads the "since" query parameter as a duration back from now.
func (s *Server) parseSince(r *http.Request) (time.Time, error) {
	window := defaultStatsWindow
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return time.Time{}, fmt.Errorf("invalid 'since' parameter %q: expected a positive duration like 15m", v)
		}
		window = d
	}
	return s.now().Add(-window), nil
}

func (s *Server) showReadingStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Reading history is not recorded")
		return
	}
	since, err := s.parseSince(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.db.ReadingStats(since)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to compute stats: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) showMeterStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.m.Stats())
}

func (s *Server) pollHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := s.m.Poll(); err != nil {
		s.writeJSONError(w, http.StatusBadGateway, fmt.Sprintf("Failed to poll meter: %v", err))
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "poll sent"})
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, version.Current())
}
