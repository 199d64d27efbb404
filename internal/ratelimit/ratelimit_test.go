package ratelimit

import (
	"testing"
	"time"
)

func TestAllowPermitsFirstRequest(t *testing.T) {
	l := New(5)
	if !l.Allow("203.0.113.1") {
		t.Fatal("expected the first request from a fresh IP to be allowed")
	}
}

func TestAllowDeniesBurstOverLimit(t *testing.T) {
	l := New(1)
	l.wait = 10 * time.Millisecond

	ip := "203.0.113.2"
	if !l.Allow(ip) {
		t.Fatal("expected the first request to be allowed")
	}

	denied := false
	for i := 0; i < 10; i++ {
		if !l.Allow(ip) {
			denied = true
			break
		}
	}
	if !denied {
		t.Fatal("expected a tight burst against a 1rps limiter to eventually be denied")
	}
}

func TestAllowTracksIPsIndependently(t *testing.T) {
	l := New(1)
	l.wait = 10 * time.Millisecond

	if !l.Allow("203.0.113.3") {
		t.Fatal("expected first request from ip A to be allowed")
	}
	if !l.Allow("203.0.113.4") {
		t.Fatal("a fresh IP should have its own independent bucket")
	}
}

func TestZeroRPSDisablesLimiting(t *testing.T) {
	l := New(0)
	for i := 0; i < 100; i++ {
		if !l.Allow("203.0.113.5") {
			t.Fatal("rps<=0 must mean unlimited")
		}
	}
}
