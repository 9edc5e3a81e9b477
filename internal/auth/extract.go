package auth

import (
	"net/http"
	"strings"
)

// TokenQueryParam carries playback tokens on manifest, segment and license URLs.
const TokenQueryParam = "token"

// ExtractToken returns the playback token from the query string, falling
// back to a bearer Authorization header. Media elements cannot set headers,
// so the query parameter wins when both are present.
func ExtractToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := strings.TrimSpace(r.URL.Query().Get(TokenQueryParam)); token != "" {
		return token
	}
	return BearerToken(r)
}

// BearerToken returns the credential from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
