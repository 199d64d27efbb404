package requestlog

import (
	"context"
	"testing"
	"time"

	"github.com/requestrepo/engine/internal/interaction"
	"github.com/requestrepo/engine/internal/storage"
)

func httpInteraction(method, path string) *interaction.Interaction {
	return &interaction.Interaction{
		Kind: interaction.KindHTTP,
		HTTP: &interaction.HTTPDetail{Method: method, Path: path},
	}
}

func TestAppendMonotonicity(t *testing.T) {
	backend := storage.NewMemory()
	l := New(backend, 100, time.Hour, time.Hour)
	ctx := context.Background()

	var lastID int64
	var lastDate int64
	for i := 0; i < 5; i++ {
		in, err := l.Append(ctx, "abc123", httpInteraction("GET", "/"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if in.ID <= lastID {
			t.Fatalf("ID did not increase: %d <= %d", in.ID, lastID)
		}
		if in.Date < lastDate {
			t.Fatalf("date went backwards: %d < %d", in.Date, lastDate)
		}
		lastID, lastDate = in.ID, in.Date
	}
}

func TestListOldestFirstAndGet(t *testing.T) {
	backend := storage.NewMemory()
	l := New(backend, 100, time.Hour, time.Hour)
	ctx := context.Background()

	first, _ := l.Append(ctx, "abc123", httpInteraction("GET", "/one"))
	second, _ := l.Append(ctx, "abc123", httpInteraction("GET", "/two"))

	page, err := l.List(ctx, "abc123", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].ID != first.ID || page.Items[1].ID != second.ID {
		t.Fatalf("expected oldest-first [%d,%d], got %+v", first.ID, second.ID, page.Items)
	}

	got, err := l.Get(ctx, "abc123", second.ID)
	if err != nil || got.HTTP.Path != "/two" {
		t.Fatalf("Get: %+v, %v", got, err)
	}

	if _, err := l.Get(ctx, "abc123", 9999); err != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestLogTrim exercises spec.md §8 scenario 3: with max_log_per_subdomain=3,
// appending four interactions keeps only the newest three and the oldest
// becomes unreachable by ID.
func TestLogTrim(t *testing.T) {
	backend := storage.NewMemory()
	l := New(backend, 3, time.Hour, time.Hour)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 4; i++ {
		in, err := l.Append(ctx, "abc123", httpInteraction("GET", "/"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		ids = append(ids, in.ID)
	}

	page, err := l.List(ctx, "abc123", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("expected 3 items after trim, got %d", len(page.Items))
	}
	wantIDs := ids[1:]
	for i, item := range page.Items {
		if item.ID != wantIDs[i] {
			t.Fatalf("item %d has ID %d, want %d", i, item.ID, wantIDs[i])
		}
	}

	if _, err := l.Get(ctx, "abc123", ids[0]); err != storage.ErrNotFound {
		t.Fatalf("oldest trimmed interaction should 404, got %v", err)
	}
}

func TestDeleteAndDeleteAll(t *testing.T) {
	backend := storage.NewMemory()
	l := New(backend, 100, time.Hour, time.Hour)
	ctx := context.Background()

	a, _ := l.Append(ctx, "abc123", httpInteraction("GET", "/a"))
	b, _ := l.Append(ctx, "abc123", httpInteraction("GET", "/b"))

	if err := l.Delete(ctx, "abc123", a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := l.Get(ctx, "abc123", a.ID); err != storage.ErrNotFound {
		t.Fatalf("deleted interaction should 404, got %v", err)
	}
	if _, err := l.Get(ctx, "abc123", b.ID); err != nil {
		t.Fatalf("other interaction should survive: %v", err)
	}

	if err := l.DeleteAll(ctx, "abc123"); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	page, _ := l.List(ctx, "abc123", 0, 0)
	if len(page.Items) != 0 {
		t.Fatalf("expected empty log after DeleteAll, got %d items", len(page.Items))
	}
}

// TestShareTokenLifecycle exercises spec.md §8 scenario 4.
func TestShareTokenLifecycle(t *testing.T) {
	backend := storage.NewMemory()
	l := New(backend, 100, time.Hour, 20*time.Millisecond)
	ctx := context.Background()

	in, _ := l.Append(ctx, "abc123", httpInteraction("GET", "/secret"))

	tok, err := l.Share(ctx, "abc123", in.ID)
	if err != nil {
		t.Fatalf("Share: %v", err)
	}

	got, err := l.GetShared(ctx, tok)
	if err != nil || got.ID != in.ID {
		t.Fatalf("GetShared: %+v, %v", got, err)
	}

	time.Sleep(40 * time.Millisecond)
	if _, err := l.GetShared(ctx, tok); err != storage.ErrNotFound {
		t.Fatalf("expired share token should 404, got %v", err)
	}
}

func TestIsolationAcrossSubdomains(t *testing.T) {
	backend := storage.NewMemory()
	l := New(backend, 100, time.Hour, time.Hour)
	ctx := context.Background()

	a, _ := l.Append(ctx, "subA00", httpInteraction("GET", "/"))
	if _, err := l.Get(ctx, "subB00", a.ID); err != storage.ErrNotFound {
		t.Fatalf("subdomain B should not see subdomain A's interaction, got %v", err)
	}
}

func TestPublishFanoutOnAppend(t *testing.T) {
	backend := storage.NewMemory()
	l := New(backend, 100, time.Hour, time.Hour)
	ctx := context.Background()

	sub, err := backend.Subscribe(ctx, "req:abc123")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := l.Append(ctx, "abc123", httpInteraction("GET", "/")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if len(msg.Payload) == 0 {
			t.Fatal("expected non-empty published payload")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish on append")
	}
}
