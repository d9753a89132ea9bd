// Package ctoken implements the compact causality token carried in the
// If-Consistent-With and X-Consistency-Token headers.
//
// Wire format: CT1.<kid>.<b64url(payload)>.<b64url(sig)>
//
// The payload is a compact JSON object with short field names
// (t = tenant, iat = issued-at ms, wm = watermark ms, ver = entity version).
// The signed material is everything up to and including the payload
// segment; the signature is produced by an injected Signer bound to kid.
//
// The codec validates shape and signature only. Tenant match and expiry
// are enforced where the token is used (the consistency engine), because
// only the request knows the expected tenant and clock policy.
package ctoken

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/veloplane/tenantkit/internal/tenant"
)

// Prefix identifies version 1 of the token wire format.
const Prefix = "CT1"

// ErrNoActiveKey is returned by Encode when the signer has no active key id.
// This is a programming/configuration error, never a request error.
var ErrNoActiveKey = errors.New("ctoken: signer has no active key id")

// Token is the decoded causality token.
type Token struct {
	Tenant    tenant.ID
	IssuedAt  int64  // epoch milliseconds
	Watermark int64  // epoch milliseconds, positive for a usable token
	Version   uint64 // entity version; 0 means absent (version 0 is never legal)
}

// payload is the JSON wire shape. Field names are deliberately terse to
// keep the header compact.
type payload struct {
	T   string `json:"t"`
	Iat int64  `json:"iat"`
	Wm  int64  `json:"wm"`
	Ver uint64 `json:"ver,omitempty"`
}

// Encode serializes and signs tok under the signer's active key.
// It fails only when the signer reports a blank active key id (or the
// signer itself errors, which the reference HMAC signer never does).
func Encode(tok Token, s Signer) (string, error) {
	kid := s.ActiveKeyID()
	if kid == "" {
		return "", ErrNoActiveKey
	}

	body, err := json.Marshal(payload{
		T:   tok.Tenant.String(),
		Iat: tok.IssuedAt,
		Wm:  tok.Watermark,
		Ver: tok.Version,
	})
	if err != nil {
		return "", err
	}

	material := Prefix + "." + kid + "." + base64.RawURLEncoding.EncodeToString(body)
	sig, err := s.Sign(kid, []byte(material))
	if err != nil {
		return "", err
	}
	return material + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// ParseAndVerify decodes compact and checks its signature against s.
// Returns (zero, false) on any malformation: wrong prefix, segment count
// other than 4, blank segments, base64 errors, signature mismatch, or a
// payload that does not deserialize (including a malformed tenant id).
func ParseAndVerify(compact string, s Signer) (Token, bool) {
	parts := strings.Split(compact, ".")
	if len(parts) != 4 {
		return Token{}, false
	}
	if parts[0] != Prefix {
		return Token{}, false
	}
	for _, p := range parts[1:] {
		if p == "" {
			return Token{}, false
		}
	}

	kid := parts[1]
	body, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Token{}, false
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return Token{}, false
	}

	material := parts[0] + "." + parts[1] + "." + parts[2]
	if !s.Verify(kid, []byte(material), sig) {
		return Token{}, false
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Token{}, false
	}
	tid, err := tenant.Parse(p.T)
	if err != nil {
		return Token{}, false
	}

	return Token{
		Tenant:    tid,
		IssuedAt:  p.Iat,
		Watermark: p.Wm,
		Version:   p.Ver,
	}, true
}
