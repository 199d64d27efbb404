package capture

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/requestrepo/engine/internal/interaction"
	"github.com/requestrepo/engine/internal/requestlog"
	"github.com/requestrepo/engine/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIngestSubmitAppendsAsynchronously(t *testing.T) {
	backend := storage.NewMemory()
	reqlog := requestlog.New(backend, 100, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := NewIngest(ctx, testLogger(), reqlog)
	in.Submit("abc123", &interaction.Interaction{
		Kind: interaction.KindHTTP,
		HTTP: &interaction.HTTPDetail{Method: "GET", Path: "/"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		page, err := reqlog.List(ctx, "abc123", 0, 0)
		if err == nil && len(page.Items) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for asynchronous append")
}

func TestIngestMultipleJobsPreserveOrder(t *testing.T) {
	backend := storage.NewMemory()
	reqlog := requestlog.New(backend, 100, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := NewIngest(ctx, testLogger(), reqlog)
	for i := 0; i < 10; i++ {
		in.Submit("abc123", &interaction.Interaction{
			Kind: interaction.KindHTTP,
			HTTP: &interaction.HTTPDetail{Method: "GET", Path: "/"},
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		page, err := reqlog.List(ctx, "abc123", 0, 0)
		if err == nil && len(page.Items) == 10 {
			for i, item := range page.Items {
				if item.ID != int64(i+1) {
					t.Fatalf("item %d has ID %d, want strictly increasing order", i, item.ID)
				}
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for all jobs to append")
}
