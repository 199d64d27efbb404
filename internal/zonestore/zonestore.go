// Package zonestore implements the response/zone store (spec.md §4.4):
// per-subdomain file tree (path → {body, status, headers}) and DNS record
// set, with CRUD and validation.
package zonestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/requestrepo/engine/internal/interaction"
	"github.com/requestrepo/engine/internal/storage"
)

// FileEntry is a single response/path mapping (spec.md §3).
type FileEntry struct {
	RawB64     string               `json:"raw"` // base64 on the wire
	StatusCode int                  `json:"status_code"`
	Headers    []interaction.Header `json:"headers"`
}

// RecordType enumerates the DNS record types the responder understands
// (spec.md §4.7: A, AAAA, CNAME, TXT only).
type RecordType string

const (
	RecordA     RecordType = "A"
	RecordAAAA  RecordType = "AAAA"
	RecordCNAME RecordType = "CNAME"
	RecordTXT   RecordType = "TXT"
)

// DNSRecord is a single zone entry (spec.md §3).
type DNSRecord struct {
	Domain string     `json:"domain"` // relative to the subdomain root; "" = apex, "*" = wildcard
	Type   RecordType `json:"type"`
	Value  string     `json:"value"`
	TTL    int        `json:"ttl"`
}

const maxPathLen = 255

func filesKey(sub string) string { return "files:" + sub }
func dnsKey(sub string) string   { return "dns:" + sub }

// Store is the per-subdomain file tree + DNS zone store.
type Store struct {
	backend storage.Backend
	ttl     time.Duration
}

// New builds a Store whose documents are retained for ttl (spec.md §6
// retention_days).
func New(backend storage.Backend, ttl time.Duration) *Store {
	return &Store{backend: backend, ttl: ttl}
}

// NormalizePath implements spec.md §4.4's path validation: strip a leading
// "/", reject "..", require valid UTF-8, and cap length at 255.
func NormalizePath(path string) (string, error) {
	if !utf8.ValidString(path) {
		return "", fmt.Errorf("validation_error: path is not valid UTF-8")
	}
	path = strings.TrimPrefix(path, "/")
	if len(path) > maxPathLen {
		return "", fmt.Errorf("validation_error: path exceeds %d bytes", maxPathLen)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return "", fmt.Errorf("validation_error: path must not contain \"..\"")
		}
	}
	return path, nil
}

// ValidateFileEntry checks a single file entry against spec.md §4.4's write
// rules (status code range, header token-safety, body decodability/cap).
func ValidateFileEntry(e FileEntry, bodyCapBytes int) error {
	var errs *multierror.Error

	if e.StatusCode < 100 || e.StatusCode > 599 {
		errs = multierror.Append(errs, fmt.Errorf("validation_error: status_code %d out of range [100,599]", e.StatusCode))
	}

	raw, err := base64.StdEncoding.DecodeString(e.RawB64)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("validation_error: body is not valid base64"))
	} else if len(raw) > bodyCapBytes {
		errs = multierror.Append(errs, fmt.Errorf("validation_error: body exceeds body_cap_bytes"))
	}

	for _, h := range e.Headers {
		if err := validateHeader(h); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}

func validateHeader(h interaction.Header) error {
	if h.Name == "" {
		return fmt.Errorf("validation_error: header name must not be empty")
	}
	for _, c := range h.Name {
		if c <= ' ' || c == ':' || c > '~' {
			return fmt.Errorf("validation_error: header name %q contains non-token characters", h.Name)
		}
	}
	for _, c := range h.Value {
		if c == '\r' || c == '\n' {
			return fmt.Errorf("validation_error: header value must not contain CR or LF")
		}
	}
	return nil
}

// ValidateDNSRecord checks a single record against spec.md §4.4's write
// rules: A/AAAA must parse as an address (or carry "%" placeholders
// between dots for A), CNAME a DNS name, TXT ≤255 bytes per string.
func ValidateDNSRecord(r DNSRecord) error {
	switch r.Type {
	case RecordA:
		if strings.Contains(r.Value, "%") {
			return validatePlaceholderIPv4(r.Value)
		}
		if ip := net.ParseIP(r.Value); ip == nil || ip.To4() == nil {
			return fmt.Errorf("validation_error: %q is not a valid IPv4 address", r.Value)
		}
	case RecordAAAA:
		if ip := net.ParseIP(r.Value); ip == nil || ip.To4() != nil {
			return fmt.Errorf("validation_error: %q is not a valid IPv6 address", r.Value)
		}
	case RecordCNAME:
		if !isDNSName(r.Value) {
			return fmt.Errorf("validation_error: %q is not a valid DNS name", r.Value)
		}
	case RecordTXT:
		if len(r.Value) > 255 {
			// Longer values are chunked on the wire by the responder, not
			// rejected here.
			return nil
		}
	default:
		return fmt.Errorf("validation_error: unsupported record type %q", r.Type)
	}
	return nil
}

func validatePlaceholderIPv4(value string) error {
	octets := strings.Split(value, ".")
	if len(octets) != 4 {
		return fmt.Errorf("validation_error: %q is not a dotted-quad placeholder value", value)
	}
	for _, o := range octets {
		if o == "%" {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(o, "%d", &n); err != nil || n < 0 || n > 255 {
			return fmt.Errorf("validation_error: %q is not a valid IPv4 octet or placeholder", o)
		}
	}
	return nil
}

func isDNSName(name string) bool {
	if name == "" || len(name) > 253 {
		return false
	}
	for _, label := range strings.Split(strings.TrimSuffix(name, "."), ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
	}
	return true
}

// GetFiles returns the full file tree for a subdomain.
func (s *Store) GetFiles(ctx context.Context, sub string) (map[string]FileEntry, error) {
	blob, err := s.backend.KVGet(ctx, filesKey(sub))
	if err == storage.ErrNotFound {
		return map[string]FileEntry{}, nil
	}
	if err != nil {
		return nil, storage.ErrUnavailable
	}
	var tree map[string]FileEntry
	if err := json.Unmarshal(blob, &tree); err != nil {
		return nil, fmt.Errorf("zonestore: corrupt file tree: %w", err)
	}
	return tree, nil
}

// PutFiles validates and replaces the whole file tree.
func (s *Store) PutFiles(ctx context.Context, sub string, tree map[string]FileEntry, bodyCapBytes int) error {
	var errs *multierror.Error
	normalized := make(map[string]FileEntry, len(tree))
	for path, entry := range tree {
		np, err := NormalizePath(path)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := ValidateFileEntry(entry, bodyCapBytes); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		normalized[np] = entry
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	blob, err := json.Marshal(normalized)
	if err != nil {
		return err
	}
	if err := s.backend.KVSet(ctx, filesKey(sub), blob, s.ttl); err != nil {
		return storage.ErrUnavailable
	}
	return nil
}

// DeleteFile removes a single path from the tree.
func (s *Store) DeleteFile(ctx context.Context, sub, path string) error {
	tree, err := s.GetFiles(ctx, sub)
	if err != nil {
		return err
	}
	np, err := NormalizePath(path)
	if err != nil {
		return err
	}
	if _, ok := tree[np]; !ok {
		return storage.ErrNotFound
	}
	delete(tree, np)

	blob, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	if err := s.backend.KVSet(ctx, filesKey(sub), blob, s.ttl); err != nil {
		return storage.ErrUnavailable
	}
	return nil
}

// GetDNS returns the full record set for a subdomain.
func (s *Store) GetDNS(ctx context.Context, sub string) ([]DNSRecord, error) {
	blob, err := s.backend.KVGet(ctx, dnsKey(sub))
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, storage.ErrUnavailable
	}
	var records []DNSRecord
	if err := json.Unmarshal(blob, &records); err != nil {
		return nil, fmt.Errorf("zonestore: corrupt zone: %w", err)
	}
	return records, nil
}

// PutDNS validates and replaces the whole record set.
func (s *Store) PutDNS(ctx context.Context, sub string, records []DNSRecord) error {
	var errs *multierror.Error
	for _, r := range records {
		if err := ValidateDNSRecord(r); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	blob, err := json.Marshal(records)
	if err != nil {
		return err
	}
	if err := s.backend.KVSet(ctx, dnsKey(sub), blob, s.ttl); err != nil {
		return storage.ErrUnavailable
	}
	return nil
}

// AppendDNS adds a single record to the existing set after validation.
func (s *Store) AppendDNS(ctx context.Context, sub string, r DNSRecord) error {
	if err := ValidateDNSRecord(r); err != nil {
		return err
	}
	records, err := s.GetDNS(ctx, sub)
	if err != nil {
		return err
	}
	records = append(records, r)
	return s.PutDNS(ctx, sub, records)
}

// RemoveDNS deletes every record matching (domain, type).
func (s *Store) RemoveDNS(ctx context.Context, sub, domain string, t RecordType) error {
	records, err := s.GetDNS(ctx, sub)
	if err != nil {
		return err
	}
	kept := records[:0:0]
	removed := false
	for _, r := range records {
		if r.Domain == domain && r.Type == t {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	if !removed {
		return storage.ErrNotFound
	}
	return s.PutDNS(ctx, sub, kept)
}
