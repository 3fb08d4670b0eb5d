package auth

import (
	"net/http"
	"strings"
)

const (
	bearerPrefix = "Bearer "

	// CredentialCookie is the cookie consulted when no bearer header is sent.
	CredentialCookie = "jwt-token"
)

// ExtractCredential returns the bearer credential presented by r, or "" for
// an anonymous caller. An Authorization header with the "Bearer " prefix takes
// precedence over the jwt-token cookie. The credential format is not checked.
func ExtractCredential(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		return header[len(bearerPrefix):]
	}

	cookie, err := r.Cookie(CredentialCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}
