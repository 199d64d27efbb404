package storage

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Backend implementation satisfying the same
// contract as the Redis adapter. It backs unit tests and lets the service
// run with no external dependency, mirroring the teacher's pattern (e.g.
// sessions.manager) of a single sync.RWMutex-guarded map as the source of
// truth for in-memory state.
type Memory struct {
	mu   sync.RWMutex
	kv   map[string]memEntry
	list map[string]memEntry

	subMu sync.Mutex
	subs  map[string]map[*memSub]struct{}
}

type memEntry struct {
	values  [][]byte // len 1 for kv entries
	expires time.Time
}

func (e memEntry) live(now time.Time) bool {
	return e.expires.IsZero() || e.expires.After(now)
}

// NewMemory constructs an empty in-process backend.
func NewMemory() *Memory {
	return &Memory{
		kv:   make(map[string]memEntry),
		list: make(map[string]memEntry),
		subs: make(map[string]map[*memSub]struct{}),
	}
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (m *Memory) KVSet(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = memEntry{values: [][]byte{value}, expires: deadline(ttl)}
	return nil
}

func (m *Memory) KVGet(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok || !e.live(time.Now()) {
		delete(m.kv, key)
		return nil, ErrNotFound
	}
	return e.values[0], nil
}

func (m *Memory) KVDel(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *Memory) KVSetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.kv[key]; ok && e.live(time.Now()) {
		return false, nil
	}
	m.kv[key] = memEntry{values: [][]byte{value}, expires: deadline(ttl)}
	return true, nil
}

func (m *Memory) ListAppend(_ context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.list[key]
	if !ok || !e.live(time.Now()) {
		e = memEntry{}
	}
	e.values = append(e.values, value)
	e.expires = deadline(ttl)
	m.list[key] = e
	return int64(len(e.values)), nil
}

func (m *Memory) ListRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.list[key]
	if !ok || !e.live(time.Now()) {
		return nil, nil
	}
	n := int64(len(e.values))
	if start < 0 {
		start = 0
	}
	if stop < 0 || stop > n {
		stop = n
	}
	if start >= stop {
		return nil, nil
	}
	out := make([][]byte, stop-start)
	copy(out, e.values[start:stop])
	return out, nil
}

func (m *Memory) ListLen(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.list[key]
	if !ok || !e.live(time.Now()) {
		return 0, nil
	}
	return int64(len(e.values)), nil
}

func (m *Memory) ListTrim(_ context.Context, key string, keepLastN int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.list[key]
	if !ok {
		return nil
	}
	if int64(len(e.values)) > keepLastN {
		e.values = e.values[int64(len(e.values))-keepLastN:]
	}
	m.list[key] = e
	return nil
}

func (m *Memory) ListDel(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.list, key)
	return nil
}

type memSub struct {
	ch chan Message
}

func (s *memSub) Channel() <-chan Message { return s.ch }

func (m *Memory) closeSub(topic string, s *memSub) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if set, ok := m.subs[topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(m.subs, topic)
		}
	}
	close(s.ch)
	return nil
}

func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for s := range m.subs[topic] {
		select {
		case s.ch <- Message{Topic: topic, Payload: payload}:
		default:
			// Slow consumer: drop this new message rather than block the
			// publisher. The bus applies its own drop-oldest policy per
			// client one layer up.
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, topic string) (Subscription, error) {
	s := &memSub{ch: make(chan Message, 256)}

	m.subMu.Lock()
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[*memSub]struct{})
	}
	m.subs[topic][s] = struct{}{}
	m.subMu.Unlock()

	return &memSubHandle{m: m, topic: topic, s: s}, nil
}

type memSubHandle struct {
	m     *Memory
	topic string
	s     *memSub
}

func (h *memSubHandle) Channel() <-chan Message { return h.s.ch }
func (h *memSubHandle) Close() error            { return h.m.closeSub(h.topic, h.s) }

func (m *Memory) Close() error { return nil }
