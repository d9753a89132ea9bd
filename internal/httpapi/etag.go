package httpapi

import (
	"net/http"
	"strconv"
	"strings"
)

// FormatETag renders an entity version as a strong ETag: lowercase hex in
// double quotes. Version 255 becomes "ff".
func FormatETag(version uint64) string {
	return `"` + strconv.FormatUint(version, 16) + `"`
}

// ParseIfMatch extracts the entity version from a raw If-Match value.
// Accepts the quoted strong form and, leniently, an unquoted hex value.
// Returns (0, false) when the value is absent or malformed; "*" is not a
// version precondition and also returns false.
func ParseIfMatch(value string) (uint64, bool) {
	raw := strings.TrimSpace(value)
	if raw == "" || raw == "*" {
		return 0, false
	}
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		raw = raw[1 : len(raw)-1]
	}
	v, err := strconv.ParseUint(raw, 16, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return v, true
}

// mergeVary appends name to the Vary header unless an existing Vary value
// already names it (case-insensitively, across comma-separated lists).
func mergeVary(h http.Header, name string) {
	for _, v := range h.Values("Vary") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), name) {
				return
			}
		}
	}
	h.Add("Vary", name)
}
