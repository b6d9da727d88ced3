package serialmux

import (
	"io"
	"sync"
)

// DefaultQueueCapacity bounds the bytes held between the port reader and the
// frame synchronizer. It is many frames deep at 4800 baud.
const DefaultQueueCapacity = 4096

// ByteQueue is a bounded FIFO of received bytes. The port reader writes into
// it and a single consumer drains it one byte at a time. When the consumer
// falls behind the oldest bytes are dropped.
type ByteQueue struct {
	mu       sync.Mutex
	buf      []byte
	head     int
	capacity int
	written  uint64
	dropped  uint64
	notify   chan struct{}
}

// NewByteQueue returns an empty queue holding at most capacity bytes.
// A non-positive capacity selects DefaultQueueCapacity.
func NewByteQueue(capacity int) *ByteQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &ByteQueue{
		buf:      make([]byte, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Write appends p and wakes the consumer. It never fails.
func (q *ByteQueue) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	q.mu.Lock()
	q.written += uint64(len(p))
	data := p
	if len(data) > q.capacity {
		q.dropped += uint64(len(data) - q.capacity)
		data = data[len(data)-q.capacity:]
	}
	if over := len(q.buf) - q.head + len(data) - q.capacity; over > 0 {
		q.dropped += uint64(over)
		q.head += over
	}
	if q.head > 0 && len(q.buf)+len(data) > cap(q.buf) {
		n := copy(q.buf, q.buf[q.head:])
		q.buf = q.buf[:n]
		q.head = 0
	}
	q.buf = append(q.buf, data...)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
		// a wakeup is already pending
	}
	return len(p), nil
}

// Buffered returns the number of bytes ready to read.
func (q *ByteQueue) Buffered() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf) - q.head
}

// ReadByte removes and returns the oldest byte, or io.EOF when empty.
func (q *ByteQueue) ReadByte() (byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == len(q.buf) {
		return 0, io.EOF
	}
	b := q.buf[q.head]
	q.head++
	if q.head == len(q.buf) {
		q.buf = q.buf[:0]
		q.head = 0
	}
	return b, nil
}

// Notify returns a channel that receives after bytes are written. Several
// writes may collapse into one wakeup, so the consumer drains everything.
func (q *ByteQueue) Notify() <-chan struct{} {
	return q.notify
}

// Reset discards all buffered bytes.
func (q *ByteQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = q.buf[:0]
	q.head = 0
}

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Buffered int    `json:"buffered"`
	Capacity int    `json:"capacity"`
	Written  uint64 `json:"written"`
	Dropped  uint64 `json:"dropped"`
}

// Stats returns the current counters.
func (q *ByteQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Buffered: len(q.buf) - q.head,
		Capacity: q.capacity,
		Written:  q.written,
		Dropped:  q.dropped,
	}
}
