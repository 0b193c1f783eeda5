// Package admin serves read-only inspection endpoints for the token issuer:
// the effective configuration, the claims a default token would carry, and
// the per-client rate limiter state. Every endpoint requires GET from an
// address in admin.allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/dskow/devtoken/internal/apierror"
	"github.com/dskow/devtoken/internal/claims"
	"github.com/dskow/devtoken/internal/config"
	"github.com/dskow/devtoken/internal/ratelimit"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// ConfigProvider returns the configuration currently in effect.
// *config.Reloader satisfies it.
type ConfigProvider interface {
	Current() *config.Config
}

// Handler serves /admin/*.
type Handler struct {
	configs  ConfigProvider
	limiter  *ratelimit.Limiter
	prefixes []netip.Prefix
	now      func() time.Time
	logger   *slog.Logger
}

// New returns a Handler. Entries in allowlist that are not valid CIDRs are
// skipped; config validation rejects them before this point.
func New(configs ConfigProvider, limiter *ratelimit.Limiter, allowlist []string, logger *slog.Logger) *Handler {
	h := &Handler{
		configs: configs,
		limiter: limiter,
		now:     time.Now,
		logger:  logger,
	}
	for _, cidr := range allowlist {
		if p, err := netip.ParsePrefix(cidr); err == nil {
			h.prefixes = append(h.prefixes, p.Masked())
		}
	}
	return h
}

// RegisterRoutes mounts the admin endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/admin/config", h.restrict(h.serveConfig))
	mux.Handle("/admin/claims", h.restrict(h.serveClaims))
	mux.Handle("/admin/limiters", h.restrict(h.serveLimiters))
}

func (h *Handler) restrict(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch addr, ok := peerAddr(r.RemoteAddr); {
		case r.Method != http.MethodGet:
			w.Header().Set("Allow", http.MethodGet)
			apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "admin endpoints are read-only")
		case !ok || !h.permits(addr):
			h.logger.Warn("admin access denied", "client_ip", r.RemoteAddr, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden, "client address is not in admin.allowlist")
		default:
			fn(w, r)
		}
	})
}

func (h *Handler) permits(addr netip.Addr) bool {
	for _, p := range h.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// peerAddr parses the host part of a RemoteAddr, unmapping IPv4-in-IPv6.
func peerAddr(remoteAddr string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// configView is the /admin/config body. The signing secret is never part
// of it; only whether one is set and its length.
type configView struct {
	Config      *config.Config `json:"config"`
	SecretSet   bool           `json:"secret_set"`
	SecretBytes int            `json:"secret_bytes"`
	Warnings    []string       `json:"warnings,omitempty"`
}

func (h *Handler) serveConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.configs.Current()
	writeJSON(w, configView{
		Config:      cfg,
		SecretSet:   cfg.Signing.Secret != "",
		SecretBytes: len(cfg.Signing.Secret),
		Warnings:    cfg.Warnings,
	})
}

// serveClaims shows the payload a bodyless POST /token would sign right now.
// Nothing is signed.
func (h *Handler) serveClaims(w http.ResponseWriter, r *http.Request) {
	cfg := h.configs.Current()
	writeJSON(w, map[string]any{
		"algorithm": cfg.Signing.Algorithm,
		"claims":    claims.Build(cfg.Claims.Profile(), h.now()),
	})
}

func (h *Handler) serveLimiters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := queryInt(q.Get("page"), 0, 0, int(^uint(0)>>1))
	size := queryInt(q.Get("page_size"), defaultPageSize, 1, maxPageSize)

	entries := h.limiter.Snapshot()
	writeJSON(w, map[string]any{
		"entries": pageOf(entries, page, size),
		"total":   len(entries),
		"page":    page,
	})
}

// queryInt parses v, falling back to def when v is missing, malformed, or
// outside [lo, hi].
func queryInt(v string, def, lo, hi int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return def
	}
	return n
}

// pageOf returns the page-th window of size entries. Pages past the end are
// empty; page*size is never computed when it could overflow.
func pageOf[T any](entries []T, page, size int) []T {
	if page > len(entries)/size {
		return []T{}
	}
	start := page * size
	end := min(start+size, len(entries))
	return entries[start:end]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
