// Package tcpports tracks which subdomain, if any, currently owns each
// configured raw-TCP capture port (spec.md §4.8). Raw TCP carries no
// virtual-hosting signal on the wire the way an HTTP Host header, a DNS
// query name, or an SMTP RCPT TO address do, so ownership is recorded out
// of band through Assign and consulted per connection — the same
// KVSetNX-guarded, TTL-refreshed shape as the subdomain registry itself
// (internal/subdomain.Registry), scoped to "port -> subdomain" instead of
// "label -> liveness".
package tcpports

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/requestrepo/engine/internal/storage"
)

func keyFor(port int) string { return "tcpport:" + strconv.Itoa(port) }

// Assigner hands out exclusive ownership of a fixed pool of ports to
// subdomains.
type Assigner struct {
	backend storage.Backend
	ttl     time.Duration
	ports   []int
}

// NewAssigner builds an Assigner over the configured port pool.
func NewAssigner(backend storage.Backend, ttl time.Duration, ports []int) *Assigner {
	return &Assigner{backend: backend, ttl: ttl, ports: ports}
}

// Assign claims the first free port in the pool for sub, or returns an
// error if every configured port is currently owned.
func (a *Assigner) Assign(ctx context.Context, sub string) (int, error) {
	for _, port := range a.ports {
		ok, err := a.backend.KVSetNX(ctx, keyFor(port), []byte(sub), a.ttl)
		if err != nil {
			return 0, storage.ErrUnavailable
		}
		if ok {
			return port, nil
		}
	}
	return 0, fmt.Errorf("tcpports: no free port in the configured pool")
}

// Lookup resolves the current owner of port, if any.
func (a *Assigner) Lookup(ctx context.Context, port int) (string, bool, error) {
	v, err := a.backend.KVGet(ctx, keyFor(port))
	if err == storage.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, storage.ErrUnavailable
	}
	return string(v), true, nil
}

// Release frees port, e.g. when its owning subdomain's session ends.
func (a *Assigner) Release(ctx context.Context, port int) error {
	return a.backend.KVDel(ctx, keyFor(port))
}

// Ports returns the configured pool, for listener setup.
func (a *Assigner) Ports() []int { return a.ports }
