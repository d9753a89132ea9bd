package ctoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
)

// Signer produces and checks token signatures. Implementations must be
// safe for concurrent use and must perform constant-time verification.
// Key material and rotation are owned by the caller; the toolkit never
// loads keys itself.
type Signer interface {
	// ActiveKeyID returns the key id new tokens are signed with.
	// Blank means the signer is not ready; Encode refuses to run.
	ActiveKeyID() string
	// Sign signs data under the named key.
	Sign(kid string, data []byte) ([]byte, error)
	// Verify reports whether sig is a valid signature of data under kid.
	// Unknown kids verify as false, never as an error.
	Verify(kid string, data []byte, sig []byte) bool
}

// HMACSigner is the reference Signer: HMAC-SHA256 over a fixed key set.
// The key map is copied at construction and never mutated, so the type is
// trivially safe for concurrent use. Old keys stay in the set during
// rotation so previously issued tokens keep verifying.
type HMACSigner struct {
	active string
	keys   map[string][]byte
}

var errUnknownKey = errors.New("ctoken: unknown key id")

// NewHMACSigner builds a signer from a key set and the active key id.
func NewHMACSigner(active string, keys map[string][]byte) (*HMACSigner, error) {
	if active == "" {
		return nil, errors.New("ctoken: active key id is required")
	}
	if _, ok := keys[active]; !ok {
		return nil, fmt.Errorf("ctoken: active key id %q not in key set", active)
	}
	cp := make(map[string][]byte, len(keys))
	for kid, k := range keys {
		if kid == "" || len(k) == 0 {
			return nil, errors.New("ctoken: blank key id or empty key in key set")
		}
		cp[kid] = append([]byte(nil), k...)
	}
	return &HMACSigner{active: active, keys: cp}, nil
}

func (s *HMACSigner) ActiveKeyID() string { return s.active }

func (s *HMACSigner) Sign(kid string, data []byte) ([]byte, error) {
	key, ok := s.keys[kid]
	if !ok {
		return nil, errUnknownKey
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// Verify recomputes the MAC and compares with hmac.Equal, which is
// constant-time with respect to the signature bytes.
func (s *HMACSigner) Verify(kid string, data []byte, sig []byte) bool {
	key, ok := s.keys[kid]
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), sig)
}

// ParseKeySet parses "kid1:secret1,kid2:secret2" into a key map.
// Used by config to accept key material from the environment.
func ParseKeySet(spec string) (map[string][]byte, error) {
	keys := make(map[string][]byte)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kid, secret, ok := strings.Cut(entry, ":")
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("ctoken: malformed key entry %q (want kid:secret)", entry)
		}
		keys[kid] = []byte(secret)
	}
	if len(keys) == 0 {
		return nil, errors.New("ctoken: empty key set")
	}
	return keys, nil
}
