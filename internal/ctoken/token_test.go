package ctoken

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/veloplane/tenantkit/internal/tenant"
)

func testSigner(t *testing.T) *HMACSigner {
	t.Helper()
	s, err := NewHMACSigner("k1", map[string][]byte{
		"k1": []byte("first-key-secret"),
		"k0": []byte("retired-key-secret"),
	})
	if err != nil {
		t.Fatalf("NewHMACSigner: %v", err)
	}
	return s
}

func TestEncodeParseRoundTrip(t *testing.T) {
	s := testSigner(t)

	tests := []struct {
		name string
		tok  Token
	}{
		{"with version", Token{Tenant: tenant.MustParse("acme"), IssuedAt: 1700000000000, Watermark: 1700000000123, Version: 7}},
		{"without version", Token{Tenant: tenant.MustParse("a-b-c"), IssuedAt: 42, Watermark: 42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compact, err := Encode(tt.tok, s)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if !strings.HasPrefix(compact, "CT1.k1.") {
				t.Errorf("compact = %q, want CT1.k1. prefix", compact)
			}

			got, ok := ParseAndVerify(compact, s)
			if !ok {
				t.Fatal("ParseAndVerify rejected freshly encoded token")
			}
			if got != tt.tok {
				t.Errorf("round trip = %+v, want %+v", got, tt.tok)
			}
		})
	}
}

func TestEncodeRequiresActiveKey(t *testing.T) {
	tok := Token{Tenant: tenant.MustParse("acme"), IssuedAt: 1, Watermark: 1}
	if _, err := Encode(tok, blankSigner{}); err != ErrNoActiveKey {
		t.Fatalf("Encode with blank kid: err = %v, want ErrNoActiveKey", err)
	}
}

// blankSigner simulates a signer that is not yet configured.
type blankSigner struct{}

func (blankSigner) ActiveKeyID() string                { return "" }
func (blankSigner) Sign(string, []byte) ([]byte, error) { return nil, nil }
func (blankSigner) Verify(string, []byte, []byte) bool  { return false }

func TestParseAndVerifyRejects(t *testing.T) {
	s := testSigner(t)
	valid, err := Encode(Token{Tenant: tenant.MustParse("acme"), IssuedAt: 1, Watermark: 2}, s)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	parts := strings.Split(valid, ".")

	// A correctly signed token whose payload is not valid JSON.
	garbage := base64.RawURLEncoding.EncodeToString([]byte("{not json"))
	material := "CT1.k1." + garbage
	sig, _ := s.Sign("k1", []byte(material))
	badPayload := material + "." + base64.RawURLEncoding.EncodeToString(sig)

	// A correctly signed token whose tenant does not parse.
	badTenantBody := base64.RawURLEncoding.EncodeToString([]byte(`{"t":"-x-","iat":1,"wm":2}`))
	material = "CT1.k1." + badTenantBody
	sig, _ = s.Sign("k1", []byte(material))
	badTenant := material + "." + base64.RawURLEncoding.EncodeToString(sig)

	tests := []struct {
		name    string
		compact string
	}{
		{"empty", ""},
		{"wrong prefix", "CT2." + parts[1] + "." + parts[2] + "." + parts[3]},
		{"three segments", "CT1.k1.payload"},
		{"five segments", valid + ".extra"},
		{"blank kid", "CT1.." + parts[2] + "." + parts[3]},
		{"blank payload", "CT1.k1.." + parts[3]},
		{"blank sig", "CT1.k1." + parts[2] + "."},
		{"payload not base64", "CT1.k1.!!!." + parts[3]},
		{"sig not base64", "CT1.k1." + parts[2] + ".!!!"},
		{"tampered payload", parts[0] + "." + parts[1] + "." + parts[2] + "x." + parts[3]},
		{"unknown kid", "CT1.nope." + parts[2] + "." + parts[3]},
		{"payload not json", badPayload},
		{"malformed tenant", badTenant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tok, ok := ParseAndVerify(tt.compact, s); ok {
				t.Errorf("ParseAndVerify(%q) accepted: %+v", tt.compact, tok)
			}
		})
	}
}

func TestVerifyWithRotatedKey(t *testing.T) {
	old, err := NewHMACSigner("k0", map[string][]byte{"k0": []byte("retired-key-secret")})
	if err != nil {
		t.Fatalf("NewHMACSigner: %v", err)
	}
	tok := Token{Tenant: tenant.MustParse("acme"), IssuedAt: 5, Watermark: 9}
	compact, err := Encode(tok, old)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// The current signer still holds k0 and must verify old tokens.
	got, ok := ParseAndVerify(compact, testSigner(t))
	if !ok || got != tok {
		t.Fatalf("rotated-key verify = (%+v, %v), want (%+v, true)", got, ok, tok)
	}
}

func TestParseKeySet(t *testing.T) {
	keys, err := ParseKeySet("k1:alpha, k2:beta")
	if err != nil {
		t.Fatalf("ParseKeySet: %v", err)
	}
	if string(keys["k1"]) != "alpha" || string(keys["k2"]) != "beta" {
		t.Errorf("ParseKeySet = %v", keys)
	}

	for _, bad := range []string{"", "k1", "k1:", ":secret"} {
		if _, err := ParseKeySet(bad); err == nil {
			t.Errorf("ParseKeySet(%q) accepted", bad)
		}
	}
}
