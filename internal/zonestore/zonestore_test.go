package zonestore

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/requestrepo/engine/internal/interaction"
	"github.com/requestrepo/engine/internal/storage"
)

func TestNormalizePathRules(t *testing.T) {
	cases := map[string]bool{
		"":                 true,
		"folder/sub.ext":   true,
		"/leading/slash":   true,
		"../escape":        false,
		"a/../b":           false,
	}
	for path, wantOK := range cases {
		_, err := NormalizePath(path)
		if (err == nil) != wantOK {
			t.Errorf("NormalizePath(%q): err=%v, want ok=%v", path, err, wantOK)
		}
	}
}

func TestValidateFileEntryRejectsBadStatusAndHeaders(t *testing.T) {
	body := base64.StdEncoding.EncodeToString([]byte("hello"))

	if err := ValidateFileEntry(FileEntry{RawB64: body, StatusCode: 200}, 1024); err != nil {
		t.Fatalf("valid entry should pass: %v", err)
	}
	if err := ValidateFileEntry(FileEntry{RawB64: body, StatusCode: 9999}, 1024); err == nil {
		t.Fatal("status code out of range should fail")
	}
	if err := ValidateFileEntry(FileEntry{RawB64: "not-base64!!", StatusCode: 200}, 1024); err == nil {
		t.Fatal("invalid base64 should fail")
	}
	bad := FileEntry{RawB64: body, StatusCode: 200, Headers: []interaction.Header{{Name: "X-Bad\r\n", Value: "v"}}}
	if err := ValidateFileEntry(bad, 1024); err == nil {
		t.Fatal("header with CRLF in name should fail")
	}
}

func TestValidateDNSRecordTypes(t *testing.T) {
	cases := []struct {
		rec DNSRecord
		ok  bool
	}{
		{DNSRecord{Type: RecordA, Value: "1.2.3.4"}, true},
		{DNSRecord{Type: RecordA, Value: "1.%.3.4"}, true},
		{DNSRecord{Type: RecordA, Value: "not-an-ip"}, false},
		{DNSRecord{Type: RecordAAAA, Value: "::1"}, true},
		{DNSRecord{Type: RecordAAAA, Value: "1.2.3.4"}, false},
		{DNSRecord{Type: RecordCNAME, Value: "example.com"}, true},
		{DNSRecord{Type: RecordCNAME, Value: ""}, false},
		{DNSRecord{Type: RecordTXT, Value: "hello"}, true},
		{DNSRecord{Type: "MX", Value: "x"}, false},
	}
	for _, c := range cases {
		err := ValidateDNSRecord(c.rec)
		if (err == nil) != c.ok {
			t.Errorf("ValidateDNSRecord(%+v): err=%v, want ok=%v", c.rec, err, c.ok)
		}
	}
}

// TestFilesRoundTrip exercises spec.md §8's round-trip invariant:
// put_files(x); get_files() returns x up to canonicalisation.
func TestFilesRoundTrip(t *testing.T) {
	s := New(storage.NewMemory(), time.Hour)
	ctx := context.Background()

	body := base64.StdEncoding.EncodeToString([]byte("<html></html>"))
	in := map[string]FileEntry{
		"":             {RawB64: body, StatusCode: 200, Headers: []interaction.Header{{Name: "Content-Type", Value: "text/html"}}},
		"a/b/c.txt":    {RawB64: body, StatusCode: 404},
		"/leading/dup": {RawB64: body, StatusCode: 204},
	}

	if err := s.PutFiles(ctx, "abc123", in, 1<<20); err != nil {
		t.Fatalf("PutFiles: %v", err)
	}

	out, err := s.GetFiles(ctx, "abc123")
	if err != nil {
		t.Fatalf("GetFiles: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 normalized entries, got %d: %+v", len(out), out)
	}
	if e, ok := out["leading/dup"]; !ok || e.StatusCode != 204 {
		t.Fatalf("leading slash should be normalized away, got %+v", out)
	}
	if e, ok := out[""]; !ok || e.Headers[0].Name != "Content-Type" {
		t.Fatalf("apex entry with headers should round-trip, got %+v", e)
	}
}

func TestDNSRoundTripAndRemove(t *testing.T) {
	s := New(storage.NewMemory(), time.Hour)
	ctx := context.Background()

	if err := s.AppendDNS(ctx, "abc123", DNSRecord{Domain: "*", Type: RecordA, Value: "1.2.3.4", TTL: 60}); err != nil {
		t.Fatalf("AppendDNS: %v", err)
	}
	recs, err := s.GetDNS(ctx, "abc123")
	if err != nil || len(recs) != 1 {
		t.Fatalf("GetDNS: %+v, %v", recs, err)
	}

	if err := s.RemoveDNS(ctx, "abc123", "*", RecordA); err != nil {
		t.Fatalf("RemoveDNS: %v", err)
	}
	recs, _ = s.GetDNS(ctx, "abc123")
	if len(recs) != 0 {
		t.Fatalf("expected empty zone after remove, got %+v", recs)
	}

	if err := s.RemoveDNS(ctx, "abc123", "*", RecordA); err != storage.ErrNotFound {
		t.Fatalf("removing again should 404, got %v", err)
	}
}

func TestDeleteFileNotFound(t *testing.T) {
	s := New(storage.NewMemory(), time.Hour)
	ctx := context.Background()

	if err := s.DeleteFile(ctx, "abc123", "missing"); err != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
