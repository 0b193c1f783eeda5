// Package main is the devtoken command. By default it prints one signed
// development token to stdout. "devtoken serve" runs the HTTP issuer with
// the middleware stack, hot reload, and graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dskow/devtoken/internal/admin"
	"github.com/dskow/devtoken/internal/claims"
	"github.com/dskow/devtoken/internal/config"
	"github.com/dskow/devtoken/internal/health"
	"github.com/dskow/devtoken/internal/issuer"
	"github.com/dskow/devtoken/internal/logging"
	"github.com/dskow/devtoken/internal/metrics"
	"github.com/dskow/devtoken/internal/middleware"
	"github.com/dskow/devtoken/internal/ratelimit"
	"github.com/dskow/devtoken/internal/token"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, time.Now))
}

// run dispatches to mint or serve and returns the process exit code.
func run(args []string, stdout, stderr io.Writer, now func() time.Time) int {
	if len(args) > 0 && args[0] == "serve" {
		return serve(args[1:], stderr)
	}
	return mint(args, stdout, stderr, now)
}

// mint loads the config, applies flag overrides, and writes one token
// followed by a newline to stdout. Logs go to stderr only.
func mint(args []string, stdout, stderr io.Writer, now func() time.Time) int {
	fs := flag.NewFlagSet("devtoken", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to configuration file (default: built-in profile, secret from "+config.SecretEnvVar+")")
	sub := fs.String("sub", "", "subject claim")
	email := fs.String("email", "", "email claim")
	role := fs.String("role", "", "role claim")
	aud := fs.String("aud", "", "audience claim")
	iss := fs.String("iss", "", "issuer claim")
	ttl := fs.Duration("ttl", 0, "token lifetime (default from config, 1h)")
	jti := fs.Bool("jti", false, "include a random jti claim")
	envFile := fs.String("env-file", ".env", "dotenv file to load before reading DEVTOKEN_* variables")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	logger := logging.NewWithWriter(stderr, "info")

	if err := config.LoadDotEnv(*envFile); err != nil {
		logger.Error("failed to load env file", "error", err)
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	logger = logging.NewWithWriter(stderr, cfg.Logging.Level)
	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	if *ttl < 0 {
		logger.Error("invalid flag", "error", "-ttl must not be negative")
		return 1
	}

	enc, err := token.NewEncoder([]byte(cfg.Signing.Secret), cfg.Signing.Algorithm)
	if err != nil {
		logger.Error("failed to create encoder", "error", err)
		return 1
	}

	profile := claims.Merge(cfg.Claims.Profile(), claims.Profile{
		Subject:    *sub,
		Email:      *email,
		Role:       *role,
		Audience:   *aud,
		Issuer:     *iss,
		TTL:        *ttl,
		IncludeJTI: *jti,
	})

	tok, err := enc.Encode(claims.Build(profile, now()))
	if err != nil {
		logger.Error("failed to encode token", "reason", token.FailureReason(err), "error", err)
		return 1
	}
	metrics.TokensIssued.WithLabelValues("cli").Inc()
	logger.Debug("token issued", "sub", profile.Subject, "aud", profile.Audience, "ttl", profile.TTL)

	if _, err := fmt.Fprintln(stdout, tok); err != nil {
		logger.Error("failed to write token", "error", err)
		return 1
	}
	return 0
}

// serve runs the HTTP issuer until SIGINT or SIGTERM.
func serve(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("devtoken serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to configuration file (default: built-in profile, secret from "+config.SecretEnvVar+")")
	envFile := fs.String("env-file", ".env", "dotenv file to load before reading DEVTOKEN_* variables")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	bootLogger := logging.NewWithWriter(stderr, "info")

	if err := config.LoadDotEnv(*envFile); err != nil {
		bootLogger.Error("failed to load env file", "error", err)
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		return 1
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		bootLogger.Error("failed to open log output", "error", err)
		return 1
	}
	defer closer.Close()

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"algorithm", cfg.Signing.Algorithm,
		"sub", cfg.Claims.Subject,
		"aud", cfg.Claims.Audience,
		"ttl", cfg.Claims.TTL,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"metrics_path", cfg.Metrics.Path,
		"trusted_proxies", len(cfg.Server.TrustedProxies),
		"max_body_bytes", cfg.Server.MaxBodyBytes,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	enc, err := token.NewEncoder([]byte(cfg.Signing.Secret), cfg.Signing.Algorithm)
	if err != nil {
		logger.Error("failed to create encoder", "error", err)
		return 1
	}
	tokens := issuer.New(enc, cfg.Claims.Profile(), logger)

	limiter := ratelimit.New(cfg.RateLimit, cfg.Server.TrustedProxies, logger)
	defer limiter.Stop()

	healthHandler := health.New(tokens.Ready, logger)

	// The reloader also serves as the admin config provider, so it exists
	// even without a file to watch.
	reloader := config.NewReloader(*configPath, cfg, logger)
	if *configPath != "" {
		reloader.OnReload(func(newCfg *config.Config, ch config.Change) {
			if ch.RateLimit {
				limiter.UpdateConfig(newCfg.RateLimit)
			}
			if !ch.Reissue() {
				return
			}
			newEnc, err := token.NewEncoder([]byte(newCfg.Signing.Secret), newCfg.Signing.Algorithm)
			if err != nil {
				logger.Error("reloaded signing config rejected, keeping current", "error", err)
				return
			}
			tokens.Update(newEnc, newCfg.Claims.Profile())
			healthHandler.Invalidate()
		})
		if err := reloader.Start(); err != nil {
			logger.Warn("config reload disabled", "error", err)
		}
		defer reloader.Stop()
	}

	var adminHandler *admin.Handler
	if cfg.Admin.Enabled {
		adminHandler = admin.New(reloader, limiter, cfg.Admin.Allowlist, logger)
		logger.Info("admin endpoints enabled", "allowlist", cfg.Admin.Allowlist)
	}

	handler := buildHandler(cfg, tokens, limiter, healthHandler, adminHandler, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting token issuer", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
		return 1
	}

	logger.Info("token issuer stopped gracefully")
	return 0
}

// buildHandler assembles the issuer's middleware stack:
// Recovery → RequestID → SecurityHeaders → Logging → Metrics → BodyLimit → RateLimit → issuer.
// Health, metrics, and admin endpoints bypass the stack. ah may be nil.
func buildHandler(cfg *config.Config, tokens *issuer.Server, limiter *ratelimit.Limiter, hh *health.Handler, ah *admin.Handler, logger *slog.Logger) http.Handler {
	tokenMux := http.NewServeMux()
	tokens.RegisterRoutes(tokenMux)

	var handler http.Handler = tokenMux
	handler = limiter.Middleware()(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	if cfg.Metrics.IsEnabled() {
		handler = middleware.Metrics(issuer.TokenPath)(handler)
	}
	handler = middleware.Logging(logger, middleware.LoggingOptions{
		BodyLogging:     cfg.Logging.BodyLogging,
		MaxBodyLogBytes: cfg.Logging.MaxBodyLogBytes,
	})(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	mux := http.NewServeMux()
	hh.RegisterRoutes(mux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	if ah != nil {
		ah.RegisterRoutes(mux)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") ||
			strings.HasPrefix(r.URL.Path, "/ready") ||
			(ah != nil && strings.HasPrefix(r.URL.Path, "/admin/")) ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			mux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
