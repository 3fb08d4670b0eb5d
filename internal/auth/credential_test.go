package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bootfleet/gateway/internal/auth"
	"github.com/stretchr/testify/assert"
)

func TestExtractCredential_BearerHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc.def.ghi")

	assert.Equal(t, "abc.def.ghi", auth.ExtractCredential(req))
}

func TestExtractCredential_HeaderWinsOverCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer from-header")
	req.AddCookie(&http.Cookie{Name: "jwt-token", Value: "from-cookie"})

	assert.Equal(t, "from-header", auth.ExtractCredential(req))
}

func TestExtractCredential_Cookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Cookie", "theme=dark; jwt-token=from-cookie; lang=en")

	assert.Equal(t, "from-cookie", auth.ExtractCredential(req))
}

func TestExtractCredential_NonBearerSchemeFallsBackToCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	req.AddCookie(&http.Cookie{Name: "jwt-token", Value: "from-cookie"})

	assert.Equal(t, "from-cookie", auth.ExtractCredential(req))
}

func TestExtractCredential_PrefixIsCaseSensitive(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer lowercase")

	assert.Empty(t, auth.ExtractCredential(req))
}

func TestExtractCredential_Anonymous(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "other"})

	assert.Empty(t, auth.ExtractCredential(req))
}
