package capture

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/requestrepo/engine/internal/geoip"
	"github.com/requestrepo/engine/internal/requestlog"
	"github.com/requestrepo/engine/internal/storage"
	"github.com/requestrepo/engine/internal/zonestore"
)

type fakeResponseWriter struct {
	dns.ResponseWriter
	written *dns.Msg
}

func (f *fakeResponseWriter) WriteMsg(m *dns.Msg) error {
	f.written = m
	return nil
}

func (f *fakeResponseWriter) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 5353}
}

func newTestDNSServer(t *testing.T) (*DNSServer, *requestlog.Log) {
	t.Helper()
	backend := storage.NewMemory()
	reqlog := requestlog.New(backend, 100, time.Hour, time.Hour)
	zones := zonestore.New(backend, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ingest := NewIngest(ctx, testLogger(), reqlog)

	return NewDNSServer(testLogger(), "example.test", zones, ingest, geoip.NoOp{}), reqlog
}

func TestDNSExactMatchAnswersA(t *testing.T) {
	s, reqlog := newTestDNSServer(t)
	ctx := context.Background()

	s.zones.AppendDNS(ctx, "abc123", zonestore.DNSRecord{Domain: "", Type: zonestore.RecordA, Value: "1.2.3.4", TTL: 60})

	req := new(dns.Msg)
	req.SetQuestion("abc123.example.test.", dns.TypeA)

	w := &fakeResponseWriter{}
	s.handleQuery(w, req)

	if w.written == nil || len(w.written.Answer) != 1 {
		t.Fatalf("expected one answer, got %+v", w.written)
	}
	a, ok := w.written.Answer[0].(*dns.A)
	if !ok || a.A.String() != "1.2.3.4" {
		t.Fatalf("unexpected answer record: %+v", w.written.Answer[0])
	}

	page := waitForLog(t, reqlog, "abc123", 1)
	got := page.Items[0]
	if got.DNS == nil || got.DNS.Domain != "abc123.example.test" || got.DNS.Reply != "1.2.3.4" {
		t.Fatalf("unexpected recorded DNS interaction: %+v", got.DNS)
	}
}

func TestDNSNoMatchReturnsNXDOMAIN(t *testing.T) {
	s, _ := newTestDNSServer(t)

	req := new(dns.Msg)
	req.SetQuestion("nosuch.example.test.", dns.TypeA)

	w := &fakeResponseWriter{}
	s.handleQuery(w, req)

	if w.written == nil || w.written.Rcode != dns.RcodeNameError {
		t.Fatalf("expected NXDOMAIN, got %+v", w.written)
	}
}

func TestDNSMultiQuestionFORMERR(t *testing.T) {
	s, _ := newTestDNSServer(t)

	req := new(dns.Msg)
	req.Question = []dns.Question{
		{Name: "a.example.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
		{Name: "b.example.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
	}

	w := &fakeResponseWriter{}
	s.handleQuery(w, req)

	if w.written == nil || w.written.Rcode != dns.RcodeFormatError {
		t.Fatalf("expected FORMERR, got %+v", w.written)
	}
}

func TestDNSWildcardMatch(t *testing.T) {
	s, _ := newTestDNSServer(t)
	ctx := context.Background()

	s.zones.AppendDNS(ctx, "abc123", zonestore.DNSRecord{Domain: "*", Type: zonestore.RecordA, Value: "9.9.9.9", TTL: 60})

	req := new(dns.Msg)
	req.SetQuestion("anything.abc123.example.test.", dns.TypeA)

	w := &fakeResponseWriter{}
	s.handleQuery(w, req)

	if w.written == nil || len(w.written.Answer) != 1 {
		t.Fatalf("expected wildcard match, got %+v", w.written)
	}
}

func TestDNSRootAnswersNS(t *testing.T) {
	s, _ := newTestDNSServer(t)

	req := new(dns.Msg)
	req.SetQuestion("example.test.", dns.TypeNS)

	w := &fakeResponseWriter{}
	s.handleQuery(w, req)

	if w.written == nil || len(w.written.Answer) != 1 {
		t.Fatalf("expected NS answer at root, got %+v", w.written)
	}
	if _, ok := w.written.Answer[0].(*dns.NS); !ok {
		t.Fatalf("expected NS record, got %+v", w.written.Answer[0])
	}
}
