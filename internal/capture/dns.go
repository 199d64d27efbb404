package capture

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math/big"
	"net"
	"strings"

	"github.com/miekg/dns"

	"github.com/requestrepo/engine/internal/geoip"
	"github.com/requestrepo/engine/internal/interaction"
	"github.com/requestrepo/engine/internal/zonestore"
)

const defaultDNSTTL = 60

// DNSServer implements spec.md §4.7: UDP+TCP responder over the per-
// subdomain zone, wired through dns.Server the way the rest of this corpus
// wires miekg/dns as a resolver client — here as a server, since
// responding (not resolving) is what the capture domain needs.
type DNSServer struct {
	log    *slog.Logger
	domain string
	zones  *zonestore.Store
	ingest *Ingest
	geo    geoip.Lookup
	ttl    uint32
}

// NewDNSServer builds a DNS capture responder.
func NewDNSServer(log *slog.Logger, domain string, zones *zonestore.Store, ingest *Ingest, geo geoip.Lookup) *DNSServer {
	return &DNSServer{log: log, domain: domain, zones: zones, ingest: ingest, geo: geo, ttl: defaultDNSTTL}
}

// Handlers returns UDP and TCP dns.Server instances bound to addr, sharing
// this responder's handler.
func (s *DNSServer) Handlers(addr string) (udp, tcp *dns.Server) {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleQuery)

	udp = &dns.Server{Addr: addr, Net: "udp", Handler: mux}
	tcp = &dns.Server{Addr: addr, Net: "tcp", Handler: mux}
	return udp, tcp
}

func (s *DNSServer) handleQuery(w dns.ResponseWriter, req *dns.Msg) {
	reply := new(dns.Msg)
	reply.SetReply(req)
	reply.Authoritative = true

	if len(req.Question) != 1 {
		reply.Rcode = dns.RcodeFormatError
		w.WriteMsg(reply)
		return
	}
	q := req.Question[0]

	if q.Qclass != dns.ClassINET {
		reply.Rcode = dns.RcodeNotImplemented
		w.WriteMsg(reply)
		return
	}

	name := strings.TrimSuffix(strings.ToLower(q.Name), ".")
	sub, label := s.splitName(name)

	if sub == "" {
		s.answerRoot(reply)
		w.WriteMsg(reply)
		return
	}

	typeName := dns.TypeToString[q.Qtype]
	record, found := s.lookup(sub, label, typeName)
	if !found {
		reply.Rcode = dns.RcodeNameError
	} else {
		if rr := s.buildRR(q.Name, record); rr != nil {
			reply.Answer = append(reply.Answer, rr)
		}
	}

	w.WriteMsg(reply)

	s.recordInteraction(w, sub, name, typeName, reply)
}

// splitName determines the capture subdomain and the record label relative
// to it (spec.md §4.7 step 2): the label immediately left of the service
// domain. "" subdomain means the query hit the service domain's own root.
func (s *DNSServer) splitName(name string) (subdomain, label string) {
	suffix := "." + strings.ToLower(s.domain)
	if name == strings.ToLower(s.domain) {
		return "", ""
	}
	if !strings.HasSuffix(name, suffix) {
		return "", ""
	}
	rest := strings.TrimSuffix(name, suffix)
	idx := strings.LastIndexByte(rest, '.')
	if idx == -1 {
		return rest, ""
	}
	return rest[idx+1:], rest[:idx]
}

func (s *DNSServer) answerRoot(reply *dns.Msg) {
	ns := &dns.NS{
		Hdr: dns.RR_Header{Name: reply.Question[0].Name, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: defaultDNSTTL},
		Ns:  "ns1." + s.domain + ".",
	}
	reply.Answer = append(reply.Answer, ns)
}

// lookup implements matching with wildcard and "%" value-expansion support
// (spec.md §4.7 step 3).
func (s *DNSServer) lookup(sub, label, typeName string) (zonestore.DNSRecord, bool) {
	records, err := s.zones.GetDNS(context.Background(), sub)
	if err != nil || len(records) == 0 {
		return zonestore.DNSRecord{}, false
	}

	var exact, wildcard []zonestore.DNSRecord
	for _, r := range records {
		if string(r.Type) != typeName {
			continue
		}
		if r.Domain == label {
			exact = append(exact, r)
		} else if r.Domain == "*" {
			wildcard = append(wildcard, r)
		}
	}

	pool := exact
	if len(pool) == 0 {
		pool = wildcard
	}
	if len(pool) == 0 {
		return zonestore.DNSRecord{}, false
	}

	chosen := pool[0]
	if strings.Contains(chosen.Value, "%") {
		chosen.Value = s.expandPlaceholder(chosen, records)
	}
	return chosen, true
}

// expandPlaceholder replaces a "%" token with a randomly chosen alternative
// drawn from other records in the zone sharing type (spec.md §4.7 step 3).
func (s *DNSServer) expandPlaceholder(chosen zonestore.DNSRecord, zone []zonestore.DNSRecord) string {
	var candidates []string
	for _, r := range zone {
		if r.Type == chosen.Type && !strings.Contains(r.Value, "%") {
			candidates = append(candidates, r.Value)
		}
	}
	if len(candidates) == 0 {
		return chosen.Value
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(candidates))))
	if err != nil {
		return candidates[0]
	}
	return candidates[n.Int64()]
}

func (s *DNSServer) buildRR(name string, r zonestore.DNSRecord) dns.RR {
	ttl := uint32(r.TTL)
	if ttl == 0 {
		ttl = defaultDNSTTL
	}
	hdr := dns.RR_Header{Name: name, Class: dns.ClassINET, Ttl: ttl}

	switch r.Type {
	case zonestore.RecordA:
		hdr.Rrtype = dns.TypeA
		ip := net.ParseIP(r.Value)
		if ip == nil {
			return nil
		}
		return &dns.A{Hdr: hdr, A: ip.To4()}
	case zonestore.RecordAAAA:
		hdr.Rrtype = dns.TypeAAAA
		ip := net.ParseIP(r.Value)
		if ip == nil {
			return nil
		}
		return &dns.AAAA{Hdr: hdr, AAAA: ip}
	case zonestore.RecordCNAME:
		hdr.Rrtype = dns.TypeCNAME
		return &dns.CNAME{Hdr: hdr, Target: dns.Fqdn(r.Value)}
	case zonestore.RecordTXT:
		hdr.Rrtype = dns.TypeTXT
		return &dns.TXT{Hdr: hdr, Txt: chunkTXT(r.Value)}
	}
	return nil
}

// chunkTXT splits a TXT value into ≤255-byte strings, the wire-level
// chunking spec.md §4.4 defers from validation time to the responder.
func chunkTXT(v string) []string {
	const max = 255
	if len(v) <= max {
		return []string{v}
	}
	var out []string
	for len(v) > max {
		out = append(out, v[:max])
		v = v[max:]
	}
	return append(out, v)
}

func (s *DNSServer) recordInteraction(w dns.ResponseWriter, sub, domain, typeName string, reply *dns.Msg) {
	if sub == "" {
		return
	}

	ip, port := "", 0
	if addr, ok := w.RemoteAddr().(*net.UDPAddr); ok {
		ip, port = addr.IP.String(), addr.Port
	} else if addr, ok := w.RemoteAddr().(*net.TCPAddr); ok {
		ip, port = addr.IP.String(), addr.Port
	}

	country := ""
	if s.geo != nil {
		if parsed := net.ParseIP(ip); parsed != nil {
			country = s.geo.CountryCode(parsed)
		}
	}

	raw, _ := reply.Pack()

	in := &interaction.Interaction{
		Kind:        interaction.KindDNS,
		CompactRaw:  reply.String(),
		PeerIP:      ip,
		PeerPort:    port,
		CountryCode: country,
		DNS: &interaction.DNSDetail{
			Domain:    domain,
			QueryType: typeName,
			Reply:     answerValue(reply),
		},
	}
	_ = raw // raw wire bytes are folded into CompactRaw via reply.String(); kept for parity with other capture kinds
	s.ingest.Submit(sub, in)
}

// answerValue reports the served record's value (e.g. "1.2.3.4" for an A
// record), matching spec.md §8 scenario 2's expectation that the logged DNS
// interaction's reply is the answered value rather than the response code.
// A query with no answer (NXDOMAIN, NOTIMP) falls back to the rcode name.
func answerValue(reply *dns.Msg) string {
	if len(reply.Answer) == 0 {
		return dns.RcodeToString[reply.Rcode]
	}
	switch rr := reply.Answer[0].(type) {
	case *dns.A:
		return rr.A.String()
	case *dns.AAAA:
		return rr.AAAA.String()
	case *dns.CNAME:
		return strings.TrimSuffix(rr.Target, ".")
	case *dns.NS:
		return strings.TrimSuffix(rr.Ns, ".")
	case *dns.TXT:
		return strings.Join(rr.Txt, "")
	default:
		return reply.Answer[0].String()
	}
}
