package serialmux

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter. Bytes queued with
// AddReadData come back from Read; bytes written are kept for
// GetWrittenData. The exported fields inject faults and must be set
// before the port is shared with another goroutine.
type TestableSerialPort struct {
	mu       sync.Mutex
	readCond *sync.Cond
	rx       bytes.Buffer
	tx       bytes.Buffer

	// ReadError and WriteError fail the next Read or Write once.
	ReadError  error
	WriteError error
	// ShortWrite under-reports every write by one byte.
	ShortWrite bool
	// BlockReads makes an empty Read wait for data or Close, as a port
	// with no read timeout would.
	BlockReads bool
	// OnWrite sees a copy of each write, called without the port lock.
	OnWrite func(p []byte)

	// Closed and ReadTimeout record what the mux did to the port.
	Closed      bool
	ReadTimeout time.Duration
}

// NewTestableSerialPort returns an open, empty port.
func NewTestableSerialPort() *TestableSerialPort {
	t := &TestableSerialPort{}
	t.readCond = sync.NewCond(&t.mu)
	return t
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ReadError; err != nil {
		t.ReadError = nil
		return 0, err
	}
	for t.BlockReads && !t.Closed && t.rx.Len() == 0 {
		t.readCond.Wait()
	}
	if t.Closed {
		return 0, errPortClosed
	}
	if t.rx.Len() > 0 {
		return t.rx.Read(p)
	}

	// empty and non-blocking: behave like an expired read timeout
	if t.ReadTimeout > 0 {
		t.mu.Unlock()
		time.Sleep(min(t.ReadTimeout, 5*time.Millisecond))
		t.mu.Lock()
	}
	return 0, nil
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	switch {
	case t.Closed:
		t.mu.Unlock()
		return 0, errPortClosed
	case t.WriteError != nil:
		err := t.WriteError
		t.WriteError = nil
		t.mu.Unlock()
		return 0, err
	}
	t.tx.Write(p)
	n := len(p)
	if t.ShortWrite && n > 0 {
		n--
	}
	hook := t.OnWrite
	t.mu.Unlock()

	if hook != nil {
		hook(bytes.Clone(p))
	}
	return n, nil
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	t.readCond.Broadcast()
	return nil
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = d
	return nil
}

// AddReadData queues bytes as if the device had sent them.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rx.Write(data)
	t.readCond.Broadcast()
}

// GetWrittenData returns a copy of every byte written so far.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.tx.Bytes())
}

// MockOpener is a SerialPortOpener that hands out Port, or fails with
// Error, and remembers how it was called.
type MockOpener struct {
	Port  SerialPorter
	Error error

	mu    sync.Mutex
	calls []MockOpenCall
}

// MockOpenCall is one recorded Open.
type MockOpenCall struct {
	Path    string
	Options PortOptions
}

func (o *MockOpener) Open(path string, opts PortOptions) (SerialPorter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, MockOpenCall{Path: path, Options: opts})
	if o.Error != nil {
		return nil, o.Error
	}
	return o.Port, nil
}

// LastCall returns the most recent Open, or nil before the first.
func (o *MockOpener) LastCall() *MockOpenCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.calls) == 0 {
		return nil
	}
	c := o.calls[len(o.calls)-1]
	return &c
}
