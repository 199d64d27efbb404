// Package storage defines the logical storage contract requestrepo-engine
// needs (spec.md §4.2): per-key TTL, ordered append logs, atomic document
// replace, and topic-based publish/subscribe. Any key-value store with
// expirable entries and pub/sub can satisfy it; this package ships a Redis
// adapter (redis.go) and an in-memory adapter (memory.go) used for tests and
// for running the service without an external dependency.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is surfaced to callers, per spec.md §4.3, when a storage
// operation fails or times out. Capture handlers must treat it as
// non-fatal: the wire response has already been sent.
var ErrUnavailable = errors.New("storage_unavailable")

// ErrNotFound indicates a kv_get/list lookup found nothing live.
var ErrNotFound = errors.New("not_found")

// Message is a single publish/subscribe payload delivered on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription is a live handle returned by Backend.Subscribe. Channel
// yields messages while the subscriber is connected; missed messages during
// a gap are not replayed (the request log provides replay via List).
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Backend is the storage contract every higher-level component (request
// log, zone/response store, session registry) is built against. Nothing
// above this package imports a concrete database client directly.
type Backend interface {
	// KVSet stores bytes under key with the given TTL (0 means no expiry).
	KVSet(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// KVGet returns ErrNotFound if the key is absent or expired.
	KVGet(ctx context.Context, key string) ([]byte, error)
	KVDel(ctx context.Context, key string) error
	// KVSetNX sets key only if absent, reporting whether it set the value.
	KVSetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// ListAppend appends value to the list at key, (re)applying ttl to the
	// whole list, and returns the new length.
	ListAppend(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error)
	// ListRange returns elements [start, stop) in insertion order. A stop
	// of -1 means "through the end".
	ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	ListLen(ctx context.Context, key string) (int64, error)
	// ListTrim keeps only the newest keepLastN elements.
	ListTrim(ctx context.Context, key string, keepLastN int64) error
	ListDel(ctx context.Context, key string) error

	// Publish delivers payload to every live Subscribe(topic) caller. A
	// failed publish must be recorded and ignored by callers (spec.md §4.3).
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Close releases the backend's pooled connection(s).
	Close() error
}
