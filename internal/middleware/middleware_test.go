package middleware

import (
	"bytes"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLogging_OutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Logging(logger, LoggingOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/token", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	output := buf.String()
	for _, want := range []string{`"method":"POST"`, `"path":"/token"`, `"status":200`, `"latency_ms"`} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %s in log output: %s", want, output)
		}
	}
}

func TestLogging_ServerErrorsLoggedAtError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Logging(logger, LoggingOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/token", nil))

	if !strings.Contains(buf.String(), `"level":"ERROR"`) || !strings.Contains(buf.String(), `"status":500`) {
		t.Errorf("expected ERROR level with status 500, got: %s", buf.String())
	}
}

func TestLogging_BodyLoggingRedactsTokens(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var seenBody string
	handler := Logging(logger, LoggingOptions{BodyLogging: true, MaxBodyLogBytes: 1024})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			seenBody = string(b)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"token":"eyJhbGciOiJIUzI1NiJ9.e30.sig","expires_at":1}`))
		}),
	)

	req := httptest.NewRequest("POST", "/token", strings.NewReader(`{"sub":"alice","secret":"hunter2"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seenBody != `{"sub":"alice","secret":"hunter2"}` {
		t.Errorf("downstream handler saw modified body: %q", seenBody)
	}
	if !strings.Contains(rec.Body.String(), "eyJhbGciOiJIUzI1NiJ9.e30.sig") {
		t.Error("client response must not be redacted")
	}

	output := buf.String()
	if strings.Contains(output, "hunter2") || strings.Contains(output, "e30.sig") {
		t.Errorf("sensitive values leaked into log: %s", output)
	}
	if !strings.Contains(output, "alice") {
		t.Errorf("expected non-sensitive request fields in log: %s", output)
	}
}

func TestLogging_TruncatesLargeBodies(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Logging(logger, LoggingOptions{BodyLogging: true, MaxBodyLogBytes: 10})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest("POST", "/token", strings.NewReader(strings.Repeat("x", 50)))
	req.Header.Set("Content-Type", "text/plain")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !strings.Contains(buf.String(), "[truncated]") {
		t.Errorf("expected truncated marker in log: %s", buf.String())
	}
}

func TestRedactSensitive(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"token":"abc"}`, `{"token":"***"}`},
		{`{"Secret" : "s3"}`, `{"Secret" : "***"}`},
		{`{"sub":"alice","password":"p"}`, `{"sub":"alice","password":"***"}`},
		{`{"sub":"alice"}`, `{"sub":"alice"}`},
	}
	for _, tt := range tests {
		if got := redactSensitive(tt.in); got != tt.want {
			t.Errorf("redactSensitive(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestMetrics_RecordsStatus(t *testing.T) {
	handler := Metrics("/token")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/unknown/path", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("expected status to pass through, got %d", rec.Code)
	}
}

func TestRecovery_PanicRecovery(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	req := httptest.NewRequest("GET", "/panic", nil)
	rec := httptest.NewRecorder()

	// Should not panic
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}

	if !strings.Contains(buf.String(), "handler panic") {
		t.Error("expected panic to be logged")
	}
	if !strings.Contains(buf.String(), "test panic") {
		t.Error("expected panic message in log")
	}
	if !strings.Contains(rec.Body.String(), "DEVTOKEN_INTERNAL_ERROR") {
		t.Errorf("expected internal error code in body, got %s", rec.Body.String())
	}
}

func TestRecovery_AfterResponseStarted(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"token":"`)) //nolint:errcheck
		panic("mid-write")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/token", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status already sent should stay 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "DEVTOKEN_INTERNAL_ERROR") {
		t.Errorf("error body must not be appended to a started response: %s", rec.Body.String())
	}
	if !strings.Contains(buf.String(), `"response_started":true`) {
		t.Errorf("expected response_started in log, got %s", buf.String())
	}
}

func TestRecovery_ReraisesAbortHandler(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	handler := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if v := recover(); v != http.ErrAbortHandler {
			t.Errorf("expected http.ErrAbortHandler to propagate, got %v", v)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/token", nil))
	t.Error("expected panic to propagate")
}

func TestRecovery_NoPanic(t *testing.T) {
	logger := slog.Default()

	handler := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/ok", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

// --- BodyLimit tests ---

// tokenBody is a /token request body of n bytes.
func tokenBody(n int) string {
	const prefix, suffix = `{"sub":"`, `"}`
	return prefix + strings.Repeat("a", n-len(prefix)-len(suffix)) + suffix
}

func TestBodyLimit(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		size    int
		chunked bool
		want    int
	}{
		{"under limit", "POST", 50, false, http.StatusOK},
		{"exactly at limit", "POST", 100, false, http.StatusOK},
		{"content-length over limit", "POST", 200, false, http.StatusRequestEntityTooLarge},
		{"chunked over limit", "POST", 200, true, http.StatusRequestEntityTooLarge},
		{"empty body", "POST", 0, false, http.StatusOK},
		{"get without body", "GET", 0, false, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Mirrors the /token handler: read the body, map overruns to 413.
			handler := BodyLimit(100)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if _, err := io.ReadAll(r.Body); IsBodyTooLarge(err) {
					WriteBodyLimitError(w, r)
					return
				}
				w.WriteHeader(http.StatusOK)
			}))

			var body io.Reader
			if tt.size > 0 {
				body = strings.NewReader(tokenBody(tt.size))
			}
			req := httptest.NewRequest(tt.method, "/token", body)
			if tt.chunked {
				req.ContentLength = -1
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if tt.want == http.StatusRequestEntityTooLarge && !strings.Contains(rec.Body.String(), "DEVTOKEN_BODY_TOO_LARGE") {
				t.Errorf("expected DEVTOKEN_BODY_TOO_LARGE code, got %s", rec.Body.String())
			}
		})
	}
}

// --- SecurityHeaders tests ---

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name     string
		tls      bool
		proto    string
		wantHSTS bool
	}{
		{"plain http", false, "", false},
		{"direct tls", true, "", true},
		{"https proxy", false, "https", true},
		{"http proxy", false, "http", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := SecurityHeaders()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest("POST", "/token", nil)
			if tt.tls {
				req.TLS = &tls.ConnectionState{}
			}
			if tt.proto != "" {
				req.Header.Set("X-Forwarded-Proto", tt.proto)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			// Token responses must never be cached.
			for header, want := range map[string]string{
				"X-Content-Type-Options": "nosniff",
				"X-Frame-Options":        "DENY",
				"Cache-Control":          "no-store",
				"Pragma":                 "no-cache",
			} {
				if got := rec.Header().Get(header); got != want {
					t.Errorf("%s = %q, want %q", header, got, want)
				}
			}
			hsts := rec.Header().Get("Strict-Transport-Security")
			if (hsts != "") != tt.wantHSTS {
				t.Errorf("HSTS = %q, want present=%v", hsts, tt.wantHSTS)
			}
		})
	}
}
