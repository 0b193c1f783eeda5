package config

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/dskow/devtoken/internal/metrics"
	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events editors emit on save.
const reloadDebounce = 300 * time.Millisecond

// Trigger names what caused a reload attempt.
type Trigger string

const (
	TriggerFile   Trigger = "file"
	TriggerSignal Trigger = "signal"
	TriggerManual Trigger = "manual"
)

// Change describes how a freshly loaded config differs from the one it
// replaces. Subscribers use it to skip work that a reload did not touch.
type Change struct {
	Trigger   Trigger
	Signing   bool // secret or algorithm
	Claims    bool // default claims profile
	RateLimit bool

	// Restart lists keys whose new values only apply after a restart.
	Restart []string
}

// Reissue reports whether the issuer needs a new encoder or profile.
func (c Change) Reissue() bool { return c.Signing || c.Claims }

func diffConfigs(old, next *Config) Change {
	ch := Change{
		Signing:   old.Signing != next.Signing,
		Claims:    !reflect.DeepEqual(old.Claims, next.Claims),
		RateLimit: old.RateLimit != next.RateLimit,
	}
	restart := []struct {
		key     string
		changed bool
	}{
		{"server.port", old.Server.Port != next.Server.Port},
		{"server.read_timeout", old.Server.ReadTimeout != next.Server.ReadTimeout},
		{"server.write_timeout", old.Server.WriteTimeout != next.Server.WriteTimeout},
		{"server.max_body_bytes", old.Server.MaxBodyBytes != next.Server.MaxBodyBytes},
		{"logging", old.Logging != next.Logging},
		{"metrics", old.Metrics.IsEnabled() != next.Metrics.IsEnabled() || old.Metrics.Path != next.Metrics.Path},
		{"admin", !reflect.DeepEqual(old.Admin, next.Admin)},
	}
	for _, r := range restart {
		if r.changed {
			ch.Restart = append(ch.Restart, r.key)
		}
	}
	return ch
}

// Reloader holds the active Config for a file-backed issuer and swaps in a
// new one when the file is saved or the process gets a reload signal
// (SIGHUP outside Windows). A file that fails to load or validate leaves
// the current config in place.
type Reloader struct {
	mu       sync.RWMutex
	current  *Config
	path     string
	logger   *slog.Logger
	handlers []func(*Config, Change)

	stop     chan struct{}
	stopOnce sync.Once
}

// NewReloader returns a Reloader seeded with initial. It does nothing in the
// background until Start is called.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	return &Reloader{
		current: initial,
		path:    path,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Current returns the active configuration.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload registers fn to run after every successful reload, in
// registration order, with the new config and what changed.
func (r *Reloader) OnReload(fn func(*Config, Change)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, fn)
}

// Start watches the config file's directory, so editors that save by
// renaming a temp file over the original are still seen, and subscribes to
// the platform's reload signals.
func (r *Reloader) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", r.path, err)
	}

	var sigs chan os.Signal
	if len(reloadSignals) > 0 {
		sigs = make(chan os.Signal, 1)
		signal.Notify(sigs, reloadSignals...)
	}

	r.logger.Info("config reload enabled", "path", r.path, "signals", fmt.Sprint(reloadSignals))
	go r.loop(w, sigs)
	return nil
}

// Stop ends the watch loop. Safe to call more than once, or without Start.
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Reload re-reads the file now. It reports whether the new config was
// applied.
func (r *Reloader) Reload() bool {
	return r.reload(TriggerManual)
}

func (r *Reloader) reload(trigger Trigger) bool {
	next, err := Load(r.path)
	if err != nil {
		r.logger.Error("config reload failed, keeping current config",
			"trigger", trigger, "path", r.path, "error", err)
		metrics.ConfigReloads.WithLabelValues(string(trigger), "error").Inc()
		return false
	}

	r.mu.Lock()
	old := r.current
	r.current = next
	handlers := append(([]func(*Config, Change))(nil), r.handlers...)
	r.mu.Unlock()

	ch := diffConfigs(old, next)
	ch.Trigger = trigger
	r.logChange(old, next, ch)

	for _, fn := range handlers {
		fn(next, ch)
	}

	metrics.ConfigReloads.WithLabelValues(string(trigger), "ok").Inc()
	return true
}

func (r *Reloader) loop(w *fsnotify.Watcher, sigs chan os.Signal) {
	defer w.Close()
	if sigs != nil {
		defer signal.Stop(sigs)
	}

	target := filepath.Clean(r.path)
	var debounce <-chan time.Time
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == target && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				debounce = time.After(reloadDebounce)
			}
		case <-debounce:
			debounce = nil
			r.reload(TriggerFile)
		case s := <-sigs:
			r.logger.Info("reload signal received", "signal", s.String())
			r.reload(TriggerSignal)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Error("config watcher error", "error", err)
		case <-r.stop:
			return
		}
	}
}

// logChange records what a reload did. The secret is reported only as
// changed, never by value.
func (r *Reloader) logChange(old, next *Config, ch Change) {
	if old.Signing.Secret != next.Signing.Secret {
		r.logger.Info("signing secret changed", "secret_bytes", len(next.Signing.Secret))
	}
	if ch.Claims {
		r.logger.Info("claims profile changed",
			"sub", next.Claims.Subject,
			"aud", next.Claims.Audience,
			"ttl", next.Claims.TTL.String(),
		)
	}
	if ch.RateLimit {
		r.logger.Info("rate limit config changed",
			"rps", next.RateLimit.RequestsPerSecond,
			"burst", next.RateLimit.BurstSize,
		)
	}
	if len(ch.Restart) > 0 {
		r.logger.Warn("restart required for changed settings", "keys", ch.Restart)
	}
	r.logger.Info("configuration reloaded", "trigger", ch.Trigger, "reissue", ch.Reissue())
}
