// Package issuer serves development tokens over HTTP. POST /token signs the
// configured claims profile, optionally overridden by the request body.
package issuer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/devtoken/internal/apierror"
	"github.com/dskow/devtoken/internal/claims"
	"github.com/dskow/devtoken/internal/metrics"
	"github.com/dskow/devtoken/internal/middleware"
	"github.com/dskow/devtoken/internal/token"
)

// TokenPath is the route tokens are issued on.
const TokenPath = "/token"

// maxTTLSeconds is the largest ttl_seconds that fits in a time.Duration.
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

// Request is the optional JSON body of POST /token. Zero fields fall back to
// the server's profile.
type Request struct {
	Subject    string         `json:"sub"`
	Email      string         `json:"email"`
	Role       string         `json:"role"`
	Audience   string         `json:"aud"`
	Issuer     string         `json:"iss"`
	TTLSeconds int64          `json:"ttl_seconds"`
	Claims     map[string]any `json:"claims"`
}

// Response is the body of a successful POST /token.
type Response struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// Server issues tokens. Encoder and profile can be swapped at runtime with
// Update; in-flight requests keep the pair they started with.
type Server struct {
	mu      sync.RWMutex
	encoder *token.Encoder
	profile claims.Profile

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the time source used for iat and exp.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New returns a Server signing with enc and issuing profile by default.
func New(enc *token.Encoder, profile claims.Profile, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		encoder: enc,
		profile: profile,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update replaces the encoder and default profile, e.g. after a config reload.
func (s *Server) Update(enc *token.Encoder, profile claims.Profile) {
	s.mu.Lock()
	s.encoder = enc
	s.profile = profile
	s.mu.Unlock()
}

func (s *Server) snapshot() (*token.Encoder, claims.Profile) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encoder, s.profile
}

// RegisterRoutes adds the token route to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(TokenPath, s.handleToken)
}

// Ready signs a throwaway claim set with the current key and reports any
// failure. It backs /ready.
func (s *Server) Ready() error {
	enc, _ := s.snapshot()
	if enc == nil {
		return errors.New("no signing key configured")
	}
	if _, err := enc.Encode(token.Claims{"ready": true}); err != nil {
		return fmt.Errorf("readiness signing failed: %w", err)
	}
	return nil
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "use POST to request a token")
		return
	}

	req, err := decodeRequest(r.Body)
	if err != nil {
		if middleware.IsBodyTooLarge(err) {
			middleware.WriteBodyLimitError(w, r)
			return
		}
		metrics.EncodeFailures.WithLabelValues("invalid_request").Inc()
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidClaims, err.Error())
		return
	}

	enc, base := s.snapshot()
	profile := claims.Merge(base, req.profile())
	now := s.now()

	requestID := middleware.GetRequestID(r.Context())
	tok, err := enc.Encode(claims.Build(profile, now))
	if err != nil {
		reason := token.FailureReason(err)
		metrics.EncodeFailures.WithLabelValues(reason).Inc()

		// Unencodable claims are the caller's fault; anything else is ours.
		status, code, msg, level := http.StatusInternalServerError, apierror.SigningFailed, "token could not be signed", slog.LevelError
		if reason == "serialization" {
			status, code, msg, level = http.StatusBadRequest, apierror.InvalidClaims, "claims are not JSON-encodable", slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "token signing failed",
			"reason", reason,
			"sub", profile.Subject,
			"request_id", requestID,
		)
		apierror.WriteJSON(w, r, status, code, msg)
		return
	}

	metrics.TokensIssued.WithLabelValues("http").Inc()
	s.logger.Debug("token issued",
		"sub", profile.Subject,
		"aud", profile.Audience,
		"request_id", requestID,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(Response{ //nolint:errcheck
		Token:     tok,
		ExpiresAt: claims.ExpiresAt(profile, now).Unix(),
	})
}

// decodeRequest reads an optional Request. An empty body is the zero Request.
func decodeRequest(body io.Reader) (Request, error) {
	var req Request
	if body == nil {
		return req, nil
	}

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return Request{}, nil
		}
		if middleware.IsBodyTooLarge(err) {
			return req, err
		}
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return req, errors.New("invalid request body: trailing data after JSON object")
	}
	if req.TTLSeconds < 0 {
		return req, errors.New("ttl_seconds must not be negative")
	}
	if req.TTLSeconds > maxTTLSeconds {
		return req, fmt.Errorf("ttl_seconds must be at most %d", maxTTLSeconds)
	}
	return req, nil
}

func (req Request) profile() claims.Profile {
	return claims.Profile{
		Subject:  req.Subject,
		Email:    req.Email,
		Role:     req.Role,
		Audience: req.Audience,
		Issuer:   req.Issuer,
		TTL:      time.Duration(req.TTLSeconds) * time.Second,
		Extra:    req.Claims,
	}
}
