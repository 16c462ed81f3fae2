package relay

import (
	"net/http"
	"strings"
)

// headerValue looks a header up by name regardless of casing. http.Header.Get
// only matches the canonical MIME form, and the remote has been observed
// emitting x-csrf-token, X-CSRF-TOKEN, and X-Csrf-Token interchangeably, so
// a miss falls through to a case-insensitive scan of the raw keys.
func headerValue(h http.Header, name string) string {
	if v := h.Get(name); v != "" {
		return v
	}
	for key, values := range h {
		if strings.EqualFold(key, name) && len(values) > 0 && values[0] != "" {
			return values[0]
		}
	}
	return ""
}
