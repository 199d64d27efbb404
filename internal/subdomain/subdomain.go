// Package subdomain implements the session registry (spec.md §4.1's
// subdomain half): minting a fresh, collision-free subdomain label and
// recording its liveness in the storage backend.
package subdomain

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	boom "github.com/tylertreat/BoomFilters"

	"github.com/requestrepo/engine/internal/storage"
)

const (
	labelLength = 6
	alphabet    = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// keyFor returns the storage key recording that a subdomain session exists
// (sess:<subdomain> in spec.md §6's logical key layout).
func keyFor(sub string) string { return "sess:" + sub }

// Registry mints subdomain labels and records/consults their liveness.
// Generation consults a scalable Bloom filter of labels known to be live
// before the authoritative KVSetNX round trip (spec.md §4.13): the
// overwhelmingly common case — "this random label is definitely not
// taken" — never touches storage.
type Registry struct {
	backend storage.Backend
	ttl     time.Duration
	seen    *boom.ScalableBloomFilter
}

// NewRegistry builds a Registry backed by backend, with sessions living for
// ttl (spec.md §6 retention_days).
func NewRegistry(backend storage.Backend, ttl time.Duration) *Registry {
	return &Registry{
		backend: backend,
		ttl:     ttl,
		seen:    boom.NewDefaultScalableBloomFilter(0.01),
	}
}

// Create mints a fresh random label, rejecting collisions with any
// existing live subdomain, and records it as live.
func (r *Registry) Create(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 32; attempt++ {
		label, err := randomLabel()
		if err != nil {
			return "", err
		}

		if r.seen.TestAndAdd([]byte(label)) {
			// Bloom filter says "probably already minted" — a false
			// positive is acceptable here since it only costs us a retry.
			continue
		}

		ok, err := r.backend.KVSetNX(ctx, keyFor(label), []byte(fmt.Sprintf("%d", time.Now().Unix())), r.ttl)
		if err != nil {
			return "", storage.ErrUnavailable
		}
		if ok {
			return label, nil
		}
		// Authoritative store says it's taken after all (bloom false
		// negative is impossible, but another process may have raced us).
	}
	return "", fmt.Errorf("subdomain: exhausted attempts to mint a unique label")
}

// Adopt records admin-supplied label as live, rejecting it if already taken.
func (r *Registry) Adopt(ctx context.Context, label string) (bool, error) {
	ok, err := r.backend.KVSetNX(ctx, keyFor(label), []byte(fmt.Sprintf("%d", time.Now().Unix())), r.ttl)
	if err != nil {
		return false, storage.ErrUnavailable
	}
	if ok {
		r.seen.Add([]byte(label))
	}
	return ok, nil
}

// Touch refreshes the TTL of a subdomain's session entry. The control API
// calls it for every request that presents a valid session token; captured
// interactions appended to the request log do not call it.
func (r *Registry) Touch(ctx context.Context, label string) error {
	v, err := r.backend.KVGet(ctx, keyFor(label))
	if err != nil {
		if err == storage.ErrNotFound {
			v = []byte(fmt.Sprintf("%d", time.Now().Unix()))
		} else {
			return err
		}
	}
	return r.backend.KVSet(ctx, keyFor(label), v, r.ttl)
}

// Exists reports whether label currently names a live subdomain.
func (r *Registry) Exists(ctx context.Context, label string) (bool, error) {
	_, err := r.backend.KVGet(ctx, keyFor(label))
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Valid reports whether label satisfies spec.md §3's subdomain syntax:
// at least 6 lower-case alphanumerics, DNS-legal.
func Valid(label string) bool {
	if len(label) < labelLength {
		return false
	}
	for _, c := range label {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}

func randomLabel() (string, error) {
	buf := make([]byte, labelLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, labelLength)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}
