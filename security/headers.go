package security

import (
	"net/http"
	"strconv"
)

// SetTokenResponseHeaders marks a response carrying credentials as
// non-cacheable (RFC 6749 section 5.1) and adds the usual hardening headers.
func SetTokenResponseHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "application/json;charset=UTF-8")
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
}

// SetPublicJSONHeaders is used for documents that are safe to cache, such as
// the key set.
func SetPublicJSONHeaders(w http.ResponseWriter, maxAgeSeconds int) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-Content-Type-Options", "nosniff")
	if maxAgeSeconds > 0 {
		h.Set("Cache-Control", "public, max-age="+strconv.Itoa(maxAgeSeconds))
	}
}
