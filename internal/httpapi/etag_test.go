package httpapi

import (
	"net/http"
	"testing"
)

func TestFormatETag(t *testing.T) {
	tests := []struct {
		version uint64
		want    string
	}{
		{1, `"1"`},
		{10, `"a"`},
		{255, `"ff"`},
		{4096, `"1000"`},
	}
	for _, tt := range tests {
		if got := FormatETag(tt.version); got != tt.want {
			t.Errorf("FormatETag(%d) = %s, want %s", tt.version, got, tt.want)
		}
	}
}

func TestParseIfMatch(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		want   uint64
		wantOK bool
	}{
		{"quoted hex", `"ff"`, 255, true},
		{"unquoted hex", "a", 10, true},
		{"quoted with spaces", ` "1" `, 1, true},
		{"empty", "", 0, false},
		{"wildcard", "*", 0, false},
		{"zero version", `"0"`, 0, false},
		{"not hex", `"zz"`, 0, false},
		{"weak etag", `W/"ff"`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseIfMatch(tt.value)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseIfMatch(%q) = (%d, %v), want (%d, %v)",
					tt.value, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestMergeVary(t *testing.T) {
	h := http.Header{}
	mergeVary(h, "If-Consistent-With")
	mergeVary(h, "If-Consistent-With")
	if got := h.Values("Vary"); len(got) != 1 {
		t.Fatalf("expected one Vary value, got %v", got)
	}

	h = http.Header{}
	h.Add("Vary", "Accept, if-consistent-with")
	mergeVary(h, "If-Consistent-With")
	if got := h.Values("Vary"); len(got) != 1 {
		t.Fatalf("case-insensitive match should not duplicate, got %v", got)
	}

	h = http.Header{}
	h.Add("Vary", "Accept")
	mergeVary(h, "If-Consistent-With")
	if got := h.Values("Vary"); len(got) != 2 {
		t.Fatalf("expected Accept plus If-Consistent-With, got %v", got)
	}
}
