// Package auth resolves an inbound Authorization header to a domain.User.
// The bearer-token parsing is lifted directly from
// internal/proxy/gateway.go's extractClientAPIKey/parseBearerToken — this
// package generalizes that SHA-256 cache-partitioning hash into the real
// lookup key used to find the caller's credit account, instead of only
// using it as an opaque cache-bucket ID.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/nulpointcorp/inference-gateway/internal/domain"
)

// ErrMissingBearerToken is returned when the Authorization header is absent
// or malformed.
var ErrMissingBearerToken = errors.New("auth: missing or malformed bearer token")

// UserLookup resolves a hashed API key ID to a domain.User. Implemented by
// internal/store/sql.Store.LookupUser in production.
type UserLookup func(ctx context.Context, apiKeyID string) (domain.User, error)

// Authenticator turns a raw Authorization header value into a domain.User.
type Authenticator struct {
	lookup UserLookup
}

// New creates an Authenticator backed by lookup.
func New(lookup UserLookup) *Authenticator {
	return &Authenticator{lookup: lookup}
}

// Authenticate parses the Authorization header and resolves the resulting
// key ID to a User. The raw token itself is never persisted or logged —
// only its SHA-256 hash ever leaves this function.
func (a *Authenticator) Authenticate(ctx context.Context, authorizationHeader string) (domain.User, error) {
	token := ParseBearerToken(authorizationHeader)
	if token == "" {
		return domain.User{}, ErrMissingBearerToken
	}
	keyID := HashAPIKey(token)
	return a.lookup(ctx, keyID)
}

// HashAPIKey returns the deterministic SHA-256 hex digest of a raw API key,
// the value stored in users.api_key_id and used to partition per-key
// caches/rate limits without ever persisting the raw secret.
func HashAPIKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ParseBearerToken extracts the token from a raw "Authorization: Bearer
// <token>" header value, matching internal/proxy/gateway.go's
// parseBearerToken exactly.
func ParseBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
