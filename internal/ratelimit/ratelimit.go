// Package ratelimit throttles session creation and control-API calls per
// remote IP, backing the rate_limited error kind spec.md §7 reserves as a
// "future hook". It uses go.uber.org/ratelimit, the same pacer the
// teacher's plugins/api collectors (e.g. plugins/api/securitytrails.go) use
// to shape outbound request rates — adapted here from a single global
// pacer into one pacer per remote IP, and from an unconditional blocking
// wait into a bounded-wait admission check: Take() already blocks until a
// slot is free, so Allow caps how long it is willing to let that block run
// and reports the caller denied if the wait would exceed it.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/ratelimit"
)

// defaultWait is how long Allow is willing to let a pending Take() block
// before reporting the request denied. The goroutine that was already
// waiting keeps running in the background and still consumes its slot,
// which is what keeps a flood of rejected retries from reopening the
// bucket early.
const defaultWait = 20 * time.Millisecond

// Limiter admits or denies requests per remote IP at a fixed rate.
type Limiter struct {
	rps  int
	wait time.Duration

	mu       sync.Mutex
	limiters map[string]ratelimit.Limiter
}

// New builds a Limiter admitting up to rps requests per second for any
// single remote IP.
func New(rps int) *Limiter {
	return &Limiter{rps: rps, wait: defaultWait, limiters: make(map[string]ratelimit.Limiter)}
}

// Allow reports whether a request from ip may proceed right now.
func (l *Limiter) Allow(ip string) bool {
	if l.rps <= 0 {
		return true
	}

	lim := l.limiterFor(ip)

	done := make(chan struct{})
	go func() {
		lim.Take()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(l.wait):
		return false
	}
}

func (l *Limiter) limiterFor(ip string) ratelimit.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[ip]
	if !ok {
		lim = ratelimit.New(l.rps, ratelimit.WithoutSlack)
		l.limiters[ip] = lim
	}
	return lim
}
