package tcpports

import (
	"context"
	"testing"
	"time"

	"github.com/requestrepo/engine/internal/storage"
)

func TestAssignLookupRelease(t *testing.T) {
	backend := storage.NewMemory()
	a := NewAssigner(backend, time.Hour, []int{4000, 4001})
	ctx := context.Background()

	port, err := a.Assign(ctx, "abc123")
	if err != nil || port != 4000 {
		t.Fatalf("Assign: %d, %v", port, err)
	}

	sub, ok, err := a.Lookup(ctx, port)
	if err != nil || !ok || sub != "abc123" {
		t.Fatalf("Lookup: %q, %v, %v", sub, ok, err)
	}

	port2, err := a.Assign(ctx, "def456")
	if err != nil || port2 != 4001 {
		t.Fatalf("second Assign should take the next free port: %d, %v", port2, err)
	}

	if _, err := a.Assign(ctx, "ghi789"); err == nil {
		t.Fatal("expected pool exhaustion error")
	}

	if err := a.Release(ctx, 4000); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok, _ := a.Lookup(ctx, 4000); ok {
		t.Fatal("expected port to be free after Release")
	}
}
