// Package api implements the control API (spec.md §4.9): the JSON+
// WebSocket surface the SPA consumes to create sessions, manage a
// subdomain's files and DNS zone, and browse/delete/share its request log.
// Routing follows the teacher's habit of a single mux with small per-
// resource handler methods (cmd/amass_engine/main.go's http.ServeMux
// wiring), adapted from GraphQL-over-a-single-endpoint to plain REST
// since spec.md fixes the transport to "HTTP+JSON ... any stable REST
// shape satisfies the contract" rather than GraphQL.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/requestrepo/engine/internal/bus"
	"github.com/requestrepo/engine/internal/ratelimit"
	"github.com/requestrepo/engine/internal/requestlog"
	"github.com/requestrepo/engine/internal/storage"
	"github.com/requestrepo/engine/internal/subdomain"
	"github.com/requestrepo/engine/internal/token"
	"github.com/requestrepo/engine/internal/zonestore"
)

// Server wires the session registry, token service, request log, zone
// store, and subscription bus into a single HTTP handler.
type Server struct {
	log         *slog.Logger
	mux         *http.ServeMux
	registry    *subdomain.Registry
	tokens      *token.Service
	reqlog      *requestlog.Log
	zones       *zonestore.Store
	hub         *bus.Hub
	upgrader    websocket.Upgrader
	adminSecret string
	bodyCap     int
	limiter     *ratelimit.Limiter
}

// Config bundles Server's dependencies.
type Config struct {
	Log             *slog.Logger
	Registry        *subdomain.Registry
	Tokens          *token.Service
	RequestLog      *requestlog.Log
	Zones           *zonestore.Store
	Hub             *bus.Hub
	AdminSecret     string
	BodyCapByte     int
	RateLimitPerSec int // requests/sec per remote IP; 0 disables limiting
}

// New builds a Server and registers its routes.
func New(cfg Config) *Server {
	s := &Server{
		log:         cfg.Log,
		mux:         http.NewServeMux(),
		registry:    cfg.Registry,
		tokens:      cfg.Tokens,
		reqlog:      cfg.RequestLog,
		zones:       cfg.Zones,
		hub:         cfg.Hub,
		adminSecret: cfg.AdminSecret,
		bodyCap:     cfg.BodyCapByte,
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		limiter:     ratelimit.New(cfg.RateLimitPerSec),
	}

	s.mux.HandleFunc("/sessions", s.withRateLimit(s.handleSessions))
	s.mux.HandleFunc("/dns", s.withRateLimit(s.withToken(s.handleDNS)))
	s.mux.HandleFunc("/files", s.withRateLimit(s.withToken(s.handleFiles)))
	s.mux.HandleFunc("/requests", s.withRateLimit(s.withToken(s.handleRequestsCollection)))
	s.mux.HandleFunc("/requests/", s.withRateLimit(s.handleRequestsItem))
	s.mux.HandleFunc("/ws", s.handleWS)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// withRateLimit rejects a request with the rate_limited error kind
// (spec.md §7) once its remote IP exceeds the configured per-second rate.
func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)
		if !s.limiter.Allow(ip) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests from this address")
			return
		}
		next(w, r)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// tokenFrom extracts the session token from either a query parameter or a
// header, both being accepted per spec.md §4.9.
func tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return r.Header.Get("X-Session-Token")
}

type ctxKey int

const subdomainCtxKey ctxKey = 1

// withToken verifies the request's session token and injects its subdomain
// into the request context before calling next.
func (s *Server) withToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := s.verify(r)
		if err != nil {
			writeTokenError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), subdomainCtxKey, sub)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) verify(r *http.Request) (string, error) {
	tok := tokenFrom(r)
	if tok == "" {
		return "", token.ErrMalformed
	}
	sub, _, err := s.tokens.Verify(tok)
	if err != nil {
		return "", err
	}
	if ok, _ := s.registry.Exists(r.Context(), sub); !ok {
		return "", token.ErrMalformed
	}
	s.registry.Touch(r.Context(), sub)
	return sub, nil
}

func writeTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, token.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, "invalid_signature", "token signature did not verify")
	case errors.Is(err, token.ErrUnknownKey):
		writeError(w, http.StatusUnauthorized, "unknown_key", "token references an unknown signing key")
	default:
		writeError(w, http.StatusUnauthorized, "malformed", "missing or malformed token")
	}
}

func subFromCtx(r *http.Request) string {
	sub, _ := r.Context().Value(subdomainCtxKey).(string)
	return sub
}

// --- /sessions ---

type sessionRequest struct {
	AdminToken string `json:"admin_token"`
	Subdomain  string `json:"subdomain,omitempty"`
}

type sessionResponse struct {
	Subdomain string `json:"subdomain"`
	Token     string `json:"token"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return
	}

	var req sessionRequest
	suppliedPresent := false
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			suppliedPresent = req.AdminToken != ""
		}
	}
	if c, err := r.Cookie("admin_token"); err == nil && c.Value != "" {
		req.AdminToken = c.Value
		suppliedPresent = true
	}

	switch token.CheckAdminGate(s.adminSecret, req.AdminToken, suppliedPresent) {
	case token.AdminGateRequired:
		writeError(w, http.StatusUnauthorized, "admin_required", "an admin token is required to create a session")
		return
	case token.AdminGateInvalid:
		writeError(w, http.StatusForbidden, "invalid_admin_token", "the supplied admin token did not match")
		return
	}

	var (
		label string
		err   error
	)
	if req.Subdomain != "" {
		if !subdomain.Valid(req.Subdomain) {
			writeError(w, http.StatusBadRequest, "validation_error", "subdomain does not meet the naming rules")
			return
		}
		ok, aerr := s.registry.Adopt(r.Context(), req.Subdomain)
		if aerr != nil {
			writeError(w, http.StatusServiceUnavailable, "storage_unavailable", aerr.Error())
			return
		}
		if !ok {
			writeError(w, http.StatusConflict, "subdomain_taken", "that subdomain is already in use")
			return
		}
		label = req.Subdomain
	} else {
		label, err = s.registry.Create(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
			return
		}
	}

	tok, err := s.tokens.Issue(label)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "could not issue session token")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Subdomain: label, Token: tok})
}

// --- /dns ---

func (s *Server) handleDNS(w http.ResponseWriter, r *http.Request) {
	sub := subFromCtx(r)
	switch r.Method {
	case http.MethodGet:
		records, err := s.zones.GetDNS(r.Context(), sub)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, records)
	case http.MethodPut:
		var records []zonestore.DNSRecord
		if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "body is not a JSON array of records")
			return
		}
		if err := s.zones.PutDNS(r.Context(), sub, records); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET or PUT only")
	}
}

// --- /files ---

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	sub := subFromCtx(r)
	switch r.Method {
	case http.MethodGet:
		tree, err := s.zones.GetFiles(r.Context(), sub)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, tree)
	case http.MethodPut:
		var tree map[string]zonestore.FileEntry
		if err := json.NewDecoder(r.Body).Decode(&tree); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "body is not a JSON object of file entries")
			return
		}
		if err := s.zones.PutFiles(r.Context(), sub, tree, s.bodyCap); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET or PUT only")
	}
}

// --- /requests, /requests/{id}, /requests/{id}/share, /requests/shared/{token} ---

func (s *Server) handleRequestsCollection(w http.ResponseWriter, r *http.Request) {
	sub := subFromCtx(r)
	switch r.Method {
	case http.MethodGet:
		limit, offset := parsePaging(r)
		page, err := s.reqlog.List(r.Context(), sub, limit, offset)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"items": page.Items, "total": page.Total, "has_more": page.HasMore,
		})
	case http.MethodDelete:
		if err := s.reqlog.DeleteAll(r.Context(), sub); err != nil {
			writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET or DELETE only")
	}
}

func parsePaging(r *http.Request) (limit, offset int64) {
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, _ = strconv.ParseInt(v, 10, 64)
	}
	return
}

// handleRequestsItem dispatches the three sub-paths under /requests/ that
// don't share a single auth rule: /requests/shared/{token} needs none,
// /requests/{id} and /requests/{id}/share need a session token.
func (s *Server) handleRequestsItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/requests/")

	if strings.HasPrefix(rest, "shared/") {
		s.handleSharedRequest(w, r, strings.TrimPrefix(rest, "shared/"))
		return
	}

	s.withToken(func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/requests/")
		sub := subFromCtx(r)

		if strings.HasSuffix(rest, "/share") {
			idStr := strings.TrimSuffix(rest, "/share")
			s.handleShareRequest(w, r, sub, idStr)
			return
		}

		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "invalid interaction id")
			return
		}

		switch r.Method {
		case http.MethodGet:
			in, err := s.reqlog.Get(r.Context(), sub, id)
			if err != nil {
				writeNotFoundOrUnavailable(w, err)
				return
			}
			writeJSON(w, http.StatusOK, in)
		case http.MethodDelete:
			if err := s.reqlog.Delete(r.Context(), sub, id); err != nil {
				writeNotFoundOrUnavailable(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET or DELETE only")
		}
	})(w, r)
}

func (s *Server) handleShareRequest(w http.ResponseWriter, r *http.Request, sub, idStr string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid interaction id")
		return
	}
	tok, err := s.reqlog.Share(r.Context(), sub, id)
	if err != nil {
		writeNotFoundOrUnavailable(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"share_token": tok})
}

func (s *Server) handleSharedRequest(w http.ResponseWriter, r *http.Request, shareTok string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
		return
	}
	in, err := s.reqlog.GetShared(r.Context(), shareTok)
	if err != nil {
		writeNotFoundOrUnavailable(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func writeNotFoundOrUnavailable(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no such interaction")
		return
	}
	writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
}

// --- /ws ---

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: websocket upgrade failed", "err", err)
		return
	}
	s.hub.ServeConn(conn)
}
