package serialmux

import (
	"context"
	"net/http"
	"sync"
)

// DisabledSerialMux is a no-op SerialMux implementation used when the meter
// hardware is absent (for --disable-serial). It lets the server and admin
// routes run without a device. Its queue never receives bytes.
type DisabledSerialMux struct {
	mu      sync.Mutex
	queue   *ByteQueue
	closing bool
	done    chan struct{}
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{
		queue: NewByteQueue(1),
		done:  make(chan struct{}),
	}
}

func (d *DisabledSerialMux) SendCommand([]byte) error { return nil }

func (d *DisabledSerialMux) Source() *ByteQueue { return d.queue }

func (d *DisabledSerialMux) Stats() MuxStats { return MuxStats{Queue: d.queue.Stats()} }

// Monitor blocks until the context is done or Close is called.
func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return nil
	}
}

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	close(d.done)
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/serial-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("serial disabled"))
	})
}
