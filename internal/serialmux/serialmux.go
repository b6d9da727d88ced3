// Serialmux provides an abstraction over the meter's serial port: a single
// reader goroutine pumps received bytes into a ByteQueue for the frame
// synchronizer, and commands from any goroutine are serialised onto the port.
package serialmux

import (
	"bytes"
	"context"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/power.report/internal/bl0942"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

// ErrClosed is returned by SendCommand after Close.
var ErrClosed = errors.New("serial port closed")

// monitorReadTimeout bounds each blocking read on ports that support it.
const monitorReadTimeout = 250 * time.Millisecond

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// SerialMux owns one serial port. Received bytes are queued for a single
// consumer; commands may be sent concurrently.
type SerialMux[T SerialPorter] struct {
	port      T
	queue     *ByteQueue
	commandMu sync.Mutex
	closing   bool
	closingMu sync.Mutex

	commandsSent atomic.Uint64
	bytesSent    atomic.Uint64
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// SendCommand writes the provided command bytes to the serial port.
	SendCommand([]byte) error
	// Monitor reads from the serial port into the queue returned by Source
	// until the context is done or the port fails.
	Monitor(context.Context) error
	// Source returns the queue of received bytes.
	Source() *ByteQueue
	// Stats returns transport counters.
	Stats() MuxStats
	// Close closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// MuxStats reports transport counters.
type MuxStats struct {
	Queue        QueueStats `json:"queue"`
	CommandsSent uint64     `json:"commands_sent"`
	BytesSent    uint64     `json:"bytes_sent"`
}

// NewSerialMux creates a SerialMux instance around an open port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:  port,
		queue: NewByteQueue(DefaultQueueCapacity),
	}
}

// Source returns the queue the monitor fills.
func (s *SerialMux[T]) Source() *ByteQueue {
	return s.queue
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

// SendCommand writes command to the serial port. Concurrent calls never
// interleave on the wire.
func (s *SerialMux[T]) SendCommand(command []byte) error {
	if s.isClosing() {
		return ErrClosed
	}
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	n, err := s.port.Write(command)
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	s.commandsSent.Add(1)
	s.bytesSent.Add(uint64(n))
	return nil
}

// Stats returns transport counters.
func (s *SerialMux[T]) Stats() MuxStats {
	return MuxStats{
		Queue:        s.queue.Stats(),
		CommandsSent: s.commandsSent.Load(),
		BytesSent:    s.bytesSent.Load(),
	}
}

// Monitor reads the serial port and queues whatever arrives.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	if tp, ok := any(s.port).(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(monitorReadTimeout); err != nil {
			return fmt.Errorf("failed to set read timeout: %w", err)
		}
	}

	readErrChan := make(chan error, 1)

	// the blocking Read runs in its own goroutine so that the outer loop can
	// return as soon as the context is cancelled.
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := s.port.Read(buf)
			if n > 0 {
				s.queue.Write(buf[:n])
			}
			if err != nil {
				readErrChan <- err
				return
			}
			if ctx.Err() != nil || s.isClosing() {
				readErrChan <- nil
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-readErrChan:
		if err == nil || errors.Is(err, io.EOF) || s.isClosing() {
			return nil
		}
		return fmt.Errorf("serial read failed: %w", err)
	}
}

// Close stops the monitor and closes the serial port.
func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	return s.port.Close()
}

// parseCommand accepts hex bytes separated by optional whitespace or
// colons, e.g. "58 AA" or "58:aa".
func parseCommand(input string) ([]byte, error) {
	cleaned := strings.NewReplacer(" ", "", ":", "", "\t", "", "0x", "", "0X", "").Replace(strings.TrimSpace(input))
	if cleaned == "" {
		return nil, fmt.Errorf("empty command")
	}
	b, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex command %q: %w", input, err)
	}
	return b, nil
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command", "send raw bytes to the meter serial port", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		data := struct{ PollCommand string }{PollCommand: strings.ToUpper(hex.EncodeToString(bl0942.PollCommand))}
		if err := sendCommandTemplate.Execute(buf, data); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	// API endpoint to write hex encoded bytes to the serial port
	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command, err := parseCommand(r.FormValue("command"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote % X to serial port", command))
	})

	debug.HandleFunc("serial-stats", "serial transport counters", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Stats()); err != nil {
			http.Error(w, "Failed to encode stats", http.StatusInternalServerError)
		}
	})
}
