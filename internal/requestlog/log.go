// Package requestlog implements the per-subdomain request log (spec.md
// §4.3): bounded, ordered append, pagination, lookup, deletion, and share
// tokens. Per-subdomain append ordering is enforced with an in-process
// mutex keyed by subdomain, mirroring the teacher's mutex-guarded
// map idiom (sessions.manager) rather than a single global lock, so
// different subdomains never block each other (spec.md §5).
package requestlog

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/requestrepo/engine/internal/interaction"
	"github.com/requestrepo/engine/internal/storage"
)

// Event is what gets published on a subdomain's topic, mirroring the three
// server→client bus messages spec.md §4.5 defines for log mutations.
type Event struct {
	Cmd       string               `json:"cmd"` // "request" | "deleted" | "cleared"
	Subdomain string               `json:"subdomain"`
	Data      *interaction.Interaction `json:"data,omitempty"`
	DeletedID int64                `json:"deleted_id,omitempty"`
}

// Log is the append-only per-subdomain interaction sequence.
type Log struct {
	backend storage.Backend
	ttl     time.Duration
	cap     int64
	shareTTL time.Duration

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
}

// New builds a Log. cap is max_log_per_subdomain (spec.md §6, default
// 10000), ttl is retention_days, shareTTL is share_ttl_hours.
func New(backend storage.Backend, cap int64, ttl, shareTTL time.Duration) *Log {
	return &Log{backend: backend, ttl: ttl, cap: cap, shareTTL: shareTTL, locks: make(map[string]*sync.Mutex)}
}

func listKey(sub string) string  { return "req:" + sub }
func capKey(sub string) string   { return "req:" + sub + ":cap" }
func topicKey(sub string) string { return "req:" + sub }
func shareKey(tok string) string { return "share:" + tok }

func (l *Log) lockFor(sub string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[sub]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sub] = m
	}
	return m
}

// Append assigns the next monotone ID and date, stores the interaction,
// trims to cap, and publishes a "request" event. A failed append surfaces
// storage.ErrUnavailable and is not retried, per spec.md §4.3 — the
// capture handler must not block the wire on it.
func (l *Log) Append(ctx context.Context, sub string, in *interaction.Interaction) (*interaction.Interaction, error) {
	mu := l.lockFor(sub)
	mu.Lock()
	defer mu.Unlock()

	id, err := l.nextID(ctx, sub)
	if err != nil {
		return nil, storage.ErrUnavailable
	}
	in.ID = id
	in.UID = sub
	in.Date = time.Now().Unix()

	blob, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("requestlog: marshal interaction: %w", err)
	}

	if _, err := l.backend.ListAppend(ctx, listKey(sub), blob, l.ttl); err != nil {
		return nil, storage.ErrUnavailable
	}
	if err := l.backend.ListTrim(ctx, listKey(sub), l.cap); err != nil {
		return nil, storage.ErrUnavailable
	}

	// A failed publish is recorded and ignored (spec.md §4.3): subscribers
	// reconnect and pull via List.
	_ = l.backend.Publish(ctx, topicKey(sub), mustJSON(Event{Cmd: "request", Subdomain: sub, Data: in}))

	return in, nil
}

func (l *Log) nextID(ctx context.Context, sub string) (int64, error) {
	cur, err := l.backend.KVGet(ctx, capKey(sub))
	var n int64
	if err == nil {
		n, _ = strconv.ParseInt(string(cur), 10, 64)
	} else if err != storage.ErrNotFound {
		return 0, err
	}
	n++
	if err := l.backend.KVSet(ctx, capKey(sub), []byte(strconv.FormatInt(n, 10)), l.ttl); err != nil {
		return 0, err
	}
	return n, nil
}

// Page is the result of List: an ordered (oldest-first, per spec.md §9's
// Open Question resolution) page of interactions plus pagination metadata.
type Page struct {
	Items   []*interaction.Interaction
	Total   int64
	HasMore bool
}

// List returns a page of up to limit interactions starting at offset,
// oldest first.
func (l *Log) List(ctx context.Context, sub string, limit, offset int64) (Page, error) {
	total, err := l.backend.ListLen(ctx, listKey(sub))
	if err != nil {
		return Page{}, storage.ErrUnavailable
	}
	if limit <= 0 {
		limit = total
	}

	raws, err := l.backend.ListRange(ctx, listKey(sub), offset, offset+limit)
	if err != nil {
		return Page{}, storage.ErrUnavailable
	}

	items := make([]*interaction.Interaction, 0, len(raws))
	for _, raw := range raws {
		var in interaction.Interaction
		if err := json.Unmarshal(raw, &in); err != nil {
			continue
		}
		items = append(items, &in)
	}

	return Page{
		Items:   items,
		Total:   total,
		HasMore: offset+int64(len(items)) < total,
	}, nil
}

// Get looks up a single interaction by ID.
func (l *Log) Get(ctx context.Context, sub string, id int64) (*interaction.Interaction, error) {
	total, err := l.backend.ListLen(ctx, listKey(sub))
	if err != nil {
		return nil, storage.ErrUnavailable
	}
	raws, err := l.backend.ListRange(ctx, listKey(sub), 0, total)
	if err != nil {
		return nil, storage.ErrUnavailable
	}
	for _, raw := range raws {
		var in interaction.Interaction
		if err := json.Unmarshal(raw, &in); err != nil {
			continue
		}
		if in.ID == id {
			return &in, nil
		}
	}
	return nil, storage.ErrNotFound
}

// Delete removes the interaction with id and publishes a "deleted" event.
func (l *Log) Delete(ctx context.Context, sub string, id int64) error {
	mu := l.lockFor(sub)
	mu.Lock()
	defer mu.Unlock()

	total, err := l.backend.ListLen(ctx, listKey(sub))
	if err != nil {
		return storage.ErrUnavailable
	}
	raws, err := l.backend.ListRange(ctx, listKey(sub), 0, total)
	if err != nil {
		return storage.ErrUnavailable
	}

	kept := make([][]byte, 0, len(raws))
	found := false
	for _, raw := range raws {
		var in interaction.Interaction
		if err := json.Unmarshal(raw, &in); err == nil && in.ID == id {
			found = true
			continue
		}
		kept = append(kept, raw)
	}
	if !found {
		return storage.ErrNotFound
	}

	if err := l.rewrite(ctx, sub, kept); err != nil {
		return err
	}
	_ = l.backend.Publish(ctx, topicKey(sub), mustJSON(Event{Cmd: "deleted", Subdomain: sub, DeletedID: id}))
	return nil
}

// DeleteAll clears the entire log and publishes a "cleared" event.
func (l *Log) DeleteAll(ctx context.Context, sub string) error {
	mu := l.lockFor(sub)
	mu.Lock()
	defer mu.Unlock()

	if err := l.backend.ListDel(ctx, listKey(sub)); err != nil {
		return storage.ErrUnavailable
	}
	_ = l.backend.Publish(ctx, topicKey(sub), mustJSON(Event{Cmd: "cleared", Subdomain: sub}))
	return nil
}

// rewrite replaces the whole list atomically from the caller's point of
// view (caller already holds the per-subdomain lock): delete then re-append
// every kept element in order.
func (l *Log) rewrite(ctx context.Context, sub string, kept [][]byte) error {
	if err := l.backend.ListDel(ctx, listKey(sub)); err != nil {
		return storage.ErrUnavailable
	}
	for _, raw := range kept {
		if _, err := l.backend.ListAppend(ctx, listKey(sub), raw, l.ttl); err != nil {
			return storage.ErrUnavailable
		}
	}
	return nil
}

// Share mints a single-interaction read-only token.
func (l *Log) Share(ctx context.Context, sub string, id int64) (string, error) {
	if _, err := l.Get(ctx, sub, id); err != nil {
		return "", err
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	tok := base64.RawURLEncoding.EncodeToString(buf)

	rec := shareRecord{Subdomain: sub, ID: id}
	blob, _ := json.Marshal(rec)
	if err := l.backend.KVSet(ctx, shareKey(tok), blob, l.shareTTL); err != nil {
		return "", storage.ErrUnavailable
	}
	return tok, nil
}

type shareRecord struct {
	Subdomain string `json:"subdomain"`
	ID        int64  `json:"id"`
}

// GetShared dereferences a share token without requiring a session token.
func (l *Log) GetShared(ctx context.Context, tok string) (*interaction.Interaction, error) {
	blob, err := l.backend.KVGet(ctx, shareKey(tok))
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, storage.ErrUnavailable
	}
	var rec shareRecord
	if err := json.Unmarshal(blob, &rec); err != nil {
		return nil, storage.ErrNotFound
	}
	return l.Get(ctx, rec.Subdomain, rec.ID)
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
