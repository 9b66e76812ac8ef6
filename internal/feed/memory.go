package feed

import (
	"context"
	"strconv"
	"sync"
)

const defaultMemoryBuffer = 1024

// Memory is an in-process bus with one buffered queue per topic. All
// consumers of a topic share its queue. It implements Producer directly.
type Memory struct {
	mu     sync.RWMutex
	topics map[string]chan Record
	seq    map[string]int64
	buffer int
	closed bool
}

// NewMemory creates a bus whose topic queues hold up to buffer records.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	return &Memory{
		topics: make(map[string]chan Record),
		seq:    make(map[string]int64),
		buffer: buffer,
	}
}

// topic returns the queue for name, creating it on first use. Callers must
// hold m.mu for writing.
func (m *Memory) topic(name string) chan Record {
	ch, ok := m.topics[name]
	if !ok {
		ch = make(chan Record, m.buffer)
		m.topics[name] = ch
	}
	return ch
}

// Produce enqueues rec, blocking while the topic queue is full.
func (m *Memory) Produce(ctx context.Context, rec Record) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	ch := m.topic(rec.Topic)
	m.seq[rec.Topic]++
	rec.ID = strconv.FormatInt(m.seq[rec.Topic], 10)
	m.mu.Unlock()

	// copy so callers may reuse their buffers
	rec.Key = append([]byte(nil), rec.Key...)
	rec.Value = append([]byte(nil), rec.Value...)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case ch <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consumer returns a consumer reading topic.
func (m *Memory) Consumer(topic string) Consumer {
	m.mu.Lock()
	ch := m.topic(topic)
	m.mu.Unlock()
	return &memoryConsumer{ch: ch}
}

// Len reports how many records are queued on topic.
func (m *Memory) Len(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}

// Close closes every topic queue. Queued records can still be fetched;
// after that Fetch returns ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, ch := range m.topics {
		close(ch)
	}
	return nil
}

type memoryConsumer struct {
	ch <-chan Record
}

func (c *memoryConsumer) Fetch(ctx context.Context) (Record, error) {
	select {
	case rec, ok := <-c.ch:
		if !ok {
			return Record{}, ErrClosed
		}
		return rec, nil
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
}

// Close is a no-op; the bus owns the queues.
func (c *memoryConsumer) Close() error { return nil }
