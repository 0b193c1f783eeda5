// Package health provides the /health liveness and /ready readiness
// handlers for the token issuer.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

var livenessBody = []byte(`{"status":"ok"}` + "\n")

// A passing check is reused for readyTTL; a failing one only for
// notReadyTTL so a fixed secret is picked up quickly.
const (
	readyTTL    = 5 * time.Second
	notReadyTTL = time.Second
)

// Check reports why the service cannot issue tokens, or nil when it can.
type Check func() error

type verdict struct {
	status  int
	body    []byte
	expires time.Time
}

// Handler serves /health and /ready.
type Handler struct {
	check  Check
	logger *slog.Logger
	now    func() time.Time
	cached atomic.Pointer[verdict]
}

// New creates a Handler. A nil check always reports ready.
func New(check Check, logger *slog.Logger) *Handler {
	return &Handler{check: check, logger: logger, now: time.Now}
}

// RegisterRoutes adds /health and /ready to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

// Invalidate drops the cached readiness verdict, e.g. after the signing key
// is swapped.
func (h *Handler) Invalidate() {
	h.cached.Store(nil)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	writeBody(w, http.StatusOK, livenessBody)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	v := h.cached.Load()
	if v == nil || !now.Before(v.expires) {
		v = h.evaluate(now)
		h.cached.Store(v)
	}
	writeBody(w, v.status, v.body)
}

func (h *Handler) evaluate(now time.Time) *verdict {
	var err error
	if h.check != nil {
		err = h.check()
	}
	if err == nil {
		return &verdict{status: http.StatusOK, body: marshalLine(map[string]string{"status": "ready"}), expires: now.Add(readyTTL)}
	}
	h.logger.Warn("readiness check failed", "error", err)
	return &verdict{
		status:  http.StatusServiceUnavailable,
		body:    marshalLine(map[string]string{"status": "not ready", "reason": err.Error()}),
		expires: now.Add(notReadyTTL),
	}
}

func marshalLine(v map[string]string) []byte {
	body, _ := json.Marshal(v)
	return append(body, '\n')
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body) //nolint:errcheck
}
