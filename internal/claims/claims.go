// Package claims builds the conventional development payload (sub, email,
// role, aud, iat, exp) from a Profile and a caller-supplied time.
package claims

import (
	"time"

	"github.com/dskow/devtoken/internal/token"
	"github.com/google/uuid"
)

// DefaultTTL is the lifetime applied when a profile has no TTL.
const DefaultTTL = time.Hour

// Profile describes who a development token is issued for.
type Profile struct {
	Subject    string
	Email      string
	Role       string
	Audience   string
	Issuer     string
	TTL        time.Duration
	IncludeJTI bool

	// Extra holds additional claims. Non-empty standard fields take
	// precedence over extras with the same key.
	Extra map[string]any
}

// Default returns the profile of the stock test user.
func Default() Profile {
	return Profile{
		Subject:  "test-user-123",
		Email:    "test@example.com",
		Role:     "authenticated",
		Audience: "authenticated",
		TTL:      DefaultTTL,
	}
}

// Merge overlays the non-zero fields of override on base. Extra maps are
// merged key by key, override winning.
func Merge(base, override Profile) Profile {
	out := base
	if override.Subject != "" {
		out.Subject = override.Subject
	}
	if override.Email != "" {
		out.Email = override.Email
	}
	if override.Role != "" {
		out.Role = override.Role
	}
	if override.Audience != "" {
		out.Audience = override.Audience
	}
	if override.Issuer != "" {
		out.Issuer = override.Issuer
	}
	if override.TTL > 0 {
		out.TTL = override.TTL
	}
	if override.IncludeJTI {
		out.IncludeJTI = true
	}

	if len(base.Extra) > 0 || len(override.Extra) > 0 {
		out.Extra = make(map[string]any, len(base.Extra)+len(override.Extra))
		for k, v := range base.Extra {
			out.Extra[k] = v
		}
		for k, v := range override.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Build returns the claim set for p issued at now. iat and exp are Unix
// seconds; exp is now plus the profile TTL (DefaultTTL when unset).
func Build(p Profile, now time.Time) token.Claims {
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c := make(token.Claims, len(p.Extra)+8)
	for k, v := range p.Extra {
		c[k] = v
	}

	setString(c, "sub", p.Subject)
	setString(c, "email", p.Email)
	setString(c, "role", p.Role)
	setString(c, "aud", p.Audience)
	setString(c, "iss", p.Issuer)

	c["iat"] = now.Unix()
	c["exp"] = now.Add(ttl).Unix()

	if p.IncludeJTI {
		c["jti"] = uuid.NewString()
	}
	return c
}

// ExpiresAt returns the exp value Build would produce for p at now.
func ExpiresAt(p Profile, now time.Time) time.Time {
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return time.Unix(now.Add(ttl).Unix(), 0)
}

func setString(c token.Claims, key, value string) {
	if value != "" {
		c[key] = value
	}
}
