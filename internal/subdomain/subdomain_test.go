package subdomain

import (
	"context"
	"testing"
	"time"

	"github.com/requestrepo/engine/internal/storage"
)

func TestCreateYieldsValidUniqueLabels(t *testing.T) {
	reg := NewRegistry(storage.NewMemory(), time.Hour)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		label, err := reg.Create(ctx)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if !Valid(label) {
			t.Fatalf("label %q is not valid", label)
		}
		if seen[label] {
			t.Fatalf("label %q minted twice", label)
		}
		seen[label] = true
	}
}

func TestAdoptRejectsCollision(t *testing.T) {
	reg := NewRegistry(storage.NewMemory(), time.Hour)
	ctx := context.Background()

	ok, err := reg.Adopt(ctx, "abc123")
	if err != nil || !ok {
		t.Fatalf("first Adopt should succeed: %v %v", ok, err)
	}
	ok, err = reg.Adopt(ctx, "abc123")
	if err != nil || ok {
		t.Fatalf("second Adopt should fail (already live): %v %v", ok, err)
	}
}

func TestExists(t *testing.T) {
	reg := NewRegistry(storage.NewMemory(), time.Hour)
	ctx := context.Background()

	live, err := reg.Exists(ctx, "nope000")
	if err != nil || live {
		t.Fatalf("unminted subdomain should not exist: %v %v", live, err)
	}

	label, _ := reg.Create(ctx)
	live, err = reg.Exists(ctx, label)
	if err != nil || !live {
		t.Fatalf("minted subdomain should exist: %v %v", live, err)
	}
}

func TestValid(t *testing.T) {
	cases := map[string]bool{
		"abc123": true,
		"abcdef": true,
		"ABC123": false,
		"abc-12": false,
		"abc12":  false, // too short
		"":       false,
	}
	for label, want := range cases {
		if got := Valid(label); got != want {
			t.Errorf("Valid(%q) = %v, want %v", label, got, want)
		}
	}
}
