package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/http/httputil"
	"path/filepath"
	"sort"
	"strings"

	"github.com/requestrepo/engine/internal/geoip"
	"github.com/requestrepo/engine/internal/interaction"
	"github.com/requestrepo/engine/internal/zonestore"
)

const requestPlaceholder = "{{request}}"

var defaultContentTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".js":   "application/javascript",
	".css":  "text/css; charset=utf-8",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".txt":  "text/plain; charset=utf-8",
}

// HTTPServer implements spec.md §4.6: one listener answering both capture
// subdomains and, on the bare service domain, handing off to the control
// API.
type HTTPServer struct {
	log         *slog.Logger
	domain      string
	zones       *zonestore.Store
	ingest      *Ingest
	geo         geoip.Lookup
	bodyCap     int
	controlMux  http.Handler
}

// NewHTTPServer builds the capture+control HTTP handler. controlMux serves
// everything that is not a recognized capture subdomain (spec.md §4.9).
func NewHTTPServer(log *slog.Logger, domain string, zones *zonestore.Store, ingest *Ingest, geo geoip.Lookup, bodyCap int, controlMux http.Handler) *HTTPServer {
	return &HTTPServer{log: log, domain: domain, zones: zones, ingest: ingest, geo: geo, bodyCap: bodyCap, controlMux: controlMux}
}

func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub := s.subdomainOf(r.Host)
	if sub == "" {
		s.controlMux.ServeHTTP(w, r)
		return
	}

	if r.Header.Get("Upgrade") != "" || r.Method == http.MethodConnect {
		s.captureAndRespond(w, r, sub, 501, nil, nil)
		return
	}

	// net/http rejects a request with an unparsable start line or header
	// block before this handler ever runs, so the malformed path below
	// only triggers on a body read failure (client reset mid-upload);
	// that is the closest approximation available on top of net/http to
	// spec.md §4.6's "malformed requests answered 400" rule.
	body, truncated, err := readCappedBody(r.Body, s.bodyCap)
	if err != nil {
		s.respondMalformed(w, r, sub)
		return
	}

	in := s.buildInteraction(r, sub, body, truncated)

	status, hdrs, respBody := s.resolve(r.Context(), sub, r.URL.Path, in.CompactRaw)

	for _, h := range hdrs {
		w.Header().Add(h.Name, h.Value)
	}
	w.WriteHeader(status)
	w.Write(respBody)

	in.HTTP.StatusSent = status
	s.ingest.Submit(sub, in)
}

// subdomainOf extracts the left-most label relative to the configured
// service domain. Bare domain or "www" routes to the control API.
func (s *HTTPServer) subdomainOf(host string) string {
	h := host
	if idx := strings.IndexByte(h, ':'); idx != -1 {
		h = h[:idx]
	}
	h = strings.ToLower(h)

	suffix := "." + s.domain
	if !strings.HasSuffix(h, suffix) {
		return ""
	}
	label := strings.TrimSuffix(h, suffix)
	if label == "" || label == "www" || strings.Contains(label, ".") {
		return ""
	}
	return label
}

// headersOf reconstructs the ordered header multimap net/http gives us as an
// unordered map[string][]string. net/http also promotes the Host header out
// of r.Header into r.Host, so it never appears in the iteration below; it is
// merged back in here as the first entry to match what was actually sent on
// the wire. Go's http.Header offers no way to recover the original wire
// order once parsed, so the remaining headers are sorted by name for
// deterministic output rather than left at map-iteration's mercy.
func headersOf(r *http.Request) []interaction.Header {
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	hdrs := make([]interaction.Header, 0, len(r.Header)+1)
	if r.Host != "" {
		hdrs = append(hdrs, interaction.Header{Name: "Host", Value: r.Host})
	}
	for _, name := range names {
		for _, v := range r.Header[name] {
			hdrs = append(hdrs, interaction.Header{Name: name, Value: v})
		}
	}
	return hdrs
}

func (s *HTTPServer) buildInteraction(r *http.Request, sub string, body []byte, truncated bool) *interaction.Interaction {
	hdrs := headersOf(r)

	ip, port := splitHostPort(r.RemoteAddr)
	country := ""
	if s.geo != nil {
		if parsed := net.ParseIP(ip); parsed != nil {
			country = s.geo.CountryCode(parsed)
		}
	}

	raw, _ := httputil.DumpRequest(r, false)
	compact := string(raw) + string(body)

	return &interaction.Interaction{
		Kind:        interaction.KindHTTP,
		CompactRaw:  compact,
		PeerIP:      ip,
		PeerPort:    port,
		CountryCode: country,
		HTTP: &interaction.HTTPDetail{
			Method:    r.Method,
			Path:      r.URL.RequestURI(),
			Protocol:  r.Proto,
			Headers:   hdrs,
			Body:      body,
			Truncated: truncated,
		},
	}
}

func (s *HTTPServer) respondMalformed(w http.ResponseWriter, r *http.Request, sub string) {
	w.WriteHeader(http.StatusBadRequest)
	in := &interaction.Interaction{
		Kind: interaction.KindHTTP,
		HTTP: &interaction.HTTPDetail{Method: "", Path: "", StatusSent: http.StatusBadRequest},
	}
	s.ingest.Submit(sub, in)
}

func (s *HTTPServer) captureAndRespond(w http.ResponseWriter, r *http.Request, sub string, status int, hdrs []interaction.Header, body []byte) {
	for _, h := range hdrs {
		w.Header().Add(h.Name, h.Value)
	}
	w.WriteHeader(status)
	w.Write(body)

	in := s.buildInteraction(r, sub, nil, false)
	in.HTTP.StatusSent = status
	s.ingest.Submit(sub, in)
}

// resolve implements spec.md §4.6 step 3-4: look up the per-subdomain file
// tree and answer with the matching entry, falling back to a default 404.
func (s *HTTPServer) resolve(ctx context.Context, sub, path, rawRequest string) (int, []interaction.Header, []byte) {
	normPath, err := zonestore.NormalizePath(path)
	if err != nil {
		normPath = ""
	}

	tree, err := s.zones.GetFiles(ctx, sub)
	if err != nil {
		return http.StatusNotFound, nil, []byte("not found")
	}

	entry, ok := tree[normPath]
	if !ok && normPath == "" {
		entry, ok = tree[""]
	}
	if !ok {
		return http.StatusNotFound, nil, []byte("not found")
	}

	body, err := base64.StdEncoding.DecodeString(entry.RawB64)
	if err != nil {
		return http.StatusInternalServerError, nil, []byte("corrupt stored response")
	}
	body = bytes.ReplaceAll(body, []byte(requestPlaceholder), []byte(rawRequest))

	hdrs := entry.Headers
	if !hasContentType(hdrs) {
		if ct := contentTypeFor(normPath); ct != "" {
			hdrs = append(append([]interaction.Header{}, hdrs...), interaction.Header{Name: "Content-Type", Value: ct})
		}
	}

	return entry.StatusCode, hdrs, body
}

func hasContentType(hdrs []interaction.Header) bool {
	for _, h := range hdrs {
		if strings.EqualFold(h.Name, "Content-Type") {
			return true
		}
	}
	return false
}

func contentTypeFor(path string) string {
	ext := filepath.Ext(path)
	if ct, ok := defaultContentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return ""
}

func readCappedBody(r io.Reader, cap int) ([]byte, bool, error) {
	limited := io.LimitReader(r, int64(cap)+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, false, err
	}
	return interaction.TruncateBody(body, cap)
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
