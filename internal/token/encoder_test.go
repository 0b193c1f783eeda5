package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-hmac-256"

func devClaims() Claims {
	return Claims{
		"sub":   "test-user-123",
		"email": "test@example.com",
		"role":  "authenticated",
		"aud":   "authenticated",
		"iat":   int64(1700000000),
		"exp":   int64(1700003600),
	}
}

func mustEncode(t *testing.T, claims Claims, secret string) string {
	t.Helper()
	tok, err := Encode(claims, []byte(secret), AlgorithmHS256)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return tok
}

func decodeSegment(t *testing.T, seg string) []byte {
	t.Helper()
	b, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		t.Fatalf("decoding segment %q: %v", seg, err)
	}
	return b
}

func TestEncode_ThreeSegments(t *testing.T) {
	tests := []struct {
		name   string
		claims Claims
	}{
		{"empty", Claims{}},
		{"dev payload", devClaims()},
		{"nested", Claims{"meta": map[string]any{"tags": []any{"a", "b"}, "n": nil}, "ok": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := mustEncode(t, tt.claims, testSecret)

			if n := strings.Count(tok, "."); n != 2 {
				t.Fatalf("expected 2 dots, got %d in %q", n, tok)
			}
			for i, seg := range strings.Split(tok, ".") {
				if seg == "" {
					t.Errorf("segment %d is empty", i)
				}
			}
			for _, r := range tok {
				urlSafe := r == '.' || r == '-' || r == '_' ||
					(r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
				if !urlSafe {
					t.Fatalf("token contains non URL-safe rune %q", r)
				}
			}
		})
	}
}

func TestEncode_HeaderIsExact(t *testing.T) {
	tok := mustEncode(t, Claims{"sub": "test-user-123", "role": "authenticated"}, "mysecret")

	header := decodeSegment(t, strings.Split(tok, ".")[0])
	if string(header) != `{"alg":"HS256","typ":"JWT"}` {
		t.Errorf("header = %s", header)
	}
}

func TestEncode_ClaimsRoundTrip(t *testing.T) {
	claims := Claims{
		"sub":    "test-user-123",
		"admin":  false,
		"scopes": []any{"read", "write"},
		"meta":   map[string]any{"tier": "gold"},
		"none":   nil,
		"exp":    float64(1700003600),
	}
	tok := mustEncode(t, claims, testSecret)

	var got map[string]any
	if err := json.Unmarshal(decodeSegment(t, strings.Split(tok, ".")[1]), &got); err != nil {
		t.Fatalf("unmarshal claims: %v", err)
	}
	if !reflect.DeepEqual(map[string]any(claims), got) {
		t.Errorf("claims mismatch:\n got  %v\n want %v", got, claims)
	}
}

func TestEncode_Deterministic(t *testing.T) {
	a := mustEncode(t, devClaims(), testSecret)
	b := mustEncode(t, devClaims(), testSecret)
	if a != b {
		t.Errorf("expected identical tokens:\n%s\n%s", a, b)
	}
}

func TestEncode_SignatureRecomputes(t *testing.T) {
	tok := mustEncode(t, devClaims(), testSecret)
	parts := strings.Split(tok, ".")

	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(parts[0] + "." + parts[1]))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	if parts[2] != want {
		t.Errorf("signature = %s, want %s", parts[2], want)
	}
}

func TestEncode_SecretChangeOnlyAffectsSignature(t *testing.T) {
	a := strings.Split(mustEncode(t, devClaims(), testSecret), ".")

	flipped := []byte(testSecret)
	flipped[0] ^= 0x01
	b := strings.Split(mustEncode(t, devClaims(), string(flipped)), ".")

	if a[0] != b[0] || a[1] != b[1] {
		t.Error("header or claims segment changed with the secret")
	}
	if a[2] == b[2] {
		t.Error("signature did not change with the secret")
	}
}

func TestEncode_VerifiesWithGolangJWT(t *testing.T) {
	tok := mustEncode(t, devClaims(), testSecret)

	parsed, err := jwt.Parse(tok, func(*jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		// exp is a fixed past timestamp; only the signature matters here.
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		t.Fatalf("jwt.Parse: %v", err)
	}
	mc := parsed.Claims.(jwt.MapClaims)
	if mc["sub"] != "test-user-123" {
		t.Errorf("sub = %v", mc["sub"])
	}
	if mc["email"] != "test@example.com" {
		t.Errorf("email = %v", mc["email"])
	}
}

func TestEncode_Errors(t *testing.T) {
	tests := []struct {
		name      string
		claims    Claims
		secret    []byte
		algorithm string
		want      error
	}{
		{"empty secret", Claims{}, []byte(""), AlgorithmHS256, ErrInvalidKey},
		{"nil secret", Claims{"a": 1}, nil, AlgorithmHS256, ErrInvalidKey},
		{"RS256", Claims{"a": 1}, []byte("secret"), "RS256", ErrUnsupportedAlgorithm},
		{"HS384", Claims{"a": 1}, []byte("secret"), "HS384", ErrUnsupportedAlgorithm},
		{"none", Claims{"a": 1}, []byte("secret"), "none", ErrUnsupportedAlgorithm},
		{"lowercase", Claims{"a": 1}, []byte("secret"), "hs256", ErrUnsupportedAlgorithm},
		{"empty algorithm", Claims{"a": 1}, []byte("secret"), "", ErrUnsupportedAlgorithm},
		{"nil claims", nil, []byte("secret"), AlgorithmHS256, ErrSerialization},
		{"channel value", Claims{"c": make(chan int)}, []byte("secret"), AlgorithmHS256, ErrSerialization},
		{"func value", Claims{"f": func() {}}, []byte("secret"), AlgorithmHS256, ErrSerialization},
		{"NaN value", Claims{"n": math.NaN()}, []byte("secret"), AlgorithmHS256, ErrSerialization},
		{"nested Inf", Claims{"m": map[string]any{"x": math.Inf(1)}}, []byte("secret"), AlgorithmHS256, ErrSerialization},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := Encode(tt.claims, tt.secret, tt.algorithm)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if tok != "" {
				t.Errorf("expected empty token on error, got %q", tok)
			}
		})
	}
}

func TestNewEncoder_Validates(t *testing.T) {
	if _, err := NewEncoder(nil, AlgorithmHS256); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := NewEncoder([]byte("secret"), "ES256"); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
}

func TestEncoder_MatchesEncode(t *testing.T) {
	enc, err := NewEncoder([]byte(testSecret), AlgorithmHS256)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if enc.Algorithm() != "HS256" {
		t.Errorf("Algorithm() = %q", enc.Algorithm())
	}

	got, err := enc.Encode(devClaims())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if want := mustEncode(t, devClaims(), testSecret); got != want {
		t.Errorf("encoder token differs from Encode:\n%s\n%s", got, want)
	}
}

func TestEncoder_CopiesSecret(t *testing.T) {
	secret := []byte(testSecret)
	enc, err := NewEncoder(secret, AlgorithmHS256)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	before, _ := enc.Encode(devClaims())

	secret[0] = 'X'
	after, _ := enc.Encode(devClaims())

	if before != after {
		t.Error("mutating the caller's secret changed the encoder output")
	}
}

func TestEncoder_Concurrent(t *testing.T) {
	enc, err := NewEncoder([]byte(testSecret), AlgorithmHS256)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	want := mustEncode(t, devClaims(), testSecret)

	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := enc.Encode(devClaims())
			if err != nil || got != want {
				errs <- got
			}
		}()
	}
	wg.Wait()
	close(errs)

	for got := range errs {
		t.Errorf("concurrent encode mismatch: %q", got)
	}
}

func TestFailureReason(t *testing.T) {
	_, keyErr := Encode(Claims{}, nil, AlgorithmHS256)
	_, algErr := Encode(Claims{}, []byte("s"), "RS256")
	_, serErr := Encode(Claims{"c": make(chan int)}, []byte("s"), AlgorithmHS256)

	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{keyErr, "invalid_key"},
		{algErr, "unsupported_algorithm"},
		{serErr, "serialization"},
		{errors.New("boom"), "unknown"},
	}
	for _, tt := range tests {
		if got := FailureReason(tt.err); got != tt.want {
			t.Errorf("FailureReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
