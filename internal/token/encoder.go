// Package token encodes claim sets into compact HS256-signed JSON Web Tokens.
//
// Encoding is a pure function of its inputs: the header is always
// {"alg":"HS256","typ":"JWT"}, claims are serialized with encoding/json
// (map keys sorted), and the signature is HMAC-SHA256 over the signing input.
// Nothing here reads the clock or logs the secret.
package token

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// AlgorithmHS256 is the only algorithm the encoder produces.
const AlgorithmHS256 = "HS256"

// Claims is the token payload. Values must be JSON-encodable.
type Claims map[string]any

var (
	// ErrInvalidKey is returned when the secret is nil or empty.
	ErrInvalidKey = errors.New("token: invalid signing key")

	// ErrUnsupportedAlgorithm is returned for any algorithm other than HS256.
	ErrUnsupportedAlgorithm = errors.New("token: unsupported algorithm")

	// ErrSerialization is returned when the claims cannot be encoded as JSON.
	ErrSerialization = errors.New("token: claims serialization failed")
)

// Encode signs claims with secret and returns base64url(header) + "." +
// base64url(claims) + "." + base64url(signature), without padding.
func Encode(claims Claims, secret []byte, algorithm string) (string, error) {
	method, err := signingMethod(algorithm)
	if err != nil {
		return "", err
	}
	if len(secret) == 0 {
		return "", ErrInvalidKey
	}
	return encode(method, claims, secret)
}

// Encoder is bound to one secret and algorithm, both validated up front.
// It holds no mutable state and is safe for concurrent use.
type Encoder struct {
	method *jwt.SigningMethodHMAC
	secret []byte
}

// NewEncoder validates the algorithm and secret and returns an Encoder. The
// secret is copied so later changes to the caller's slice have no effect.
func NewEncoder(secret []byte, algorithm string) (*Encoder, error) {
	method, err := signingMethod(algorithm)
	if err != nil {
		return nil, err
	}
	if len(secret) == 0 {
		return nil, ErrInvalidKey
	}
	return &Encoder{
		method: method,
		secret: append([]byte(nil), secret...),
	}, nil
}

// Encode signs claims with the encoder's secret.
func (e *Encoder) Encode(claims Claims) (string, error) {
	return encode(e.method, claims, e.secret)
}

// Algorithm returns the JOSE algorithm name written into every header.
func (e *Encoder) Algorithm() string {
	return e.method.Alg()
}

func encode(method *jwt.SigningMethodHMAC, claims Claims, secret []byte) (string, error) {
	if claims == nil {
		return "", fmt.Errorf("%w: claims must not be nil", ErrSerialization)
	}

	t := jwt.NewWithClaims(method, jwt.MapClaims(claims))

	// SigningString marshals the header and claims and joins their
	// base64url encodings; only the claims can fail to marshal.
	signingInput, err := t.SigningString()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSerialization, err)
	}

	sig, err := method.Sign(signingInput, secret)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	return signingInput + "." + t.EncodeSegment(sig), nil
}

func signingMethod(algorithm string) (*jwt.SigningMethodHMAC, error) {
	if algorithm != AlgorithmHS256 {
		if jwt.GetSigningMethod(algorithm) != nil {
			return nil, fmt.Errorf("%w: %s is recognized but not enabled", ErrUnsupportedAlgorithm, algorithm)
		}
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
	return jwt.SigningMethodHS256, nil
}

// FailureReason maps an encoding error to a short label for metrics and logs.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, ErrUnsupportedAlgorithm):
		return "unsupported_algorithm"
	case errors.Is(err, ErrSerialization):
		return "serialization"
	default:
		return "unknown"
	}
}
