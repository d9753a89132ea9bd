// Package tenant defines the tenant identifier value type shared by every
// component of the toolkit.
//
// TENANT IDENTITY CONTRACT:
// An ID is the logical tenant identifier carried on the wire in the
// X-Tenant-Id header, NOT a database-specific artifact (schema name,
// connection string, shard key). Stores key their rows by this value;
// future per-tenant database routing must treat it as the source of truth.
package tenant

import (
	"context"
	"errors"
	"strings"
)

// CanonicalHeader is the HTTP header carrying the tenant identifier.
const CanonicalHeader = "X-Tenant-Id"

const (
	minLen = 3
	maxLen = 63
)

var (
	ErrEmpty    = errors.New("tenant id is empty")
	ErrTooShort = errors.New("tenant id shorter than 3 characters")
	ErrTooLong  = errors.New("tenant id longer than 63 characters")
	ErrSyntax   = errors.New("tenant id must match [a-z0-9]([a-z0-9-]*[a-z0-9])? without '--'")
)

// ID is a validated, normalized tenant identifier.
// The zero value is invalid; construct via Parse.
type ID struct {
	s string
}

// Parse validates and normalizes a raw tenant identifier.
// Accepted shape: lowercase ASCII letters, digits and single hyphens,
// 3-63 characters, starting and ending with an alphanumeric. Uppercase
// input is rejected, not folded: the wire value is the canonical value.
func Parse(raw string) (ID, error) {
	if raw == "" {
		return ID{}, ErrEmpty
	}
	if len(raw) < minLen {
		return ID{}, ErrTooShort
	}
	if len(raw) > maxLen {
		return ID{}, ErrTooLong
	}
	if raw[0] == '-' || raw[len(raw)-1] == '-' {
		return ID{}, ErrSyntax
	}
	if strings.Contains(raw, "--") {
		return ID{}, ErrSyntax
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return ID{}, ErrSyntax
		}
	}
	return ID{s: raw}, nil
}

// MustParse is Parse for trusted literals (tests, fixtures). Panics on error.
func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic("tenant: " + err.Error())
	}
	return id
}

// String returns the canonical identifier. Empty for the zero value.
func (id ID) String() string { return id.s }

// IsZero reports whether the ID is the invalid zero value.
func (id ID) IsZero() bool { return id.s == "" }

type ctxKey struct{}

// WithContext stores the resolved tenant in the request context.
func WithContext(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the resolved tenant from the context.
// Returns the zero ID when no tenant was resolved.
func FromContext(ctx context.Context) ID {
	if id, ok := ctx.Value(ctxKey{}).(ID); ok {
		return id
	}
	return ID{}
}
