package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellishq/trellis/common/config"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

// invoke runs a request through the auth middleware and captures the
// principal the handler observed
func invoke(cfg config.AuthConfig, prep func(*http.Request)) (int, *Principal) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	prep(req)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seen *Principal
	handler := Auth(cfg)(func(c echo.Context) error {
		seen, _ = PrincipalFrom(c)
		return c.NoContent(http.StatusOK)
	})

	if err := handler(c); err != nil {
		if he, ok := err.(*echo.HTTPError); ok {
			return he.Code, seen
		}
		return http.StatusInternalServerError, seen
	}
	return rec.Code, seen
}

func TestAuth_ValidJWT(t *testing.T) {
	token := signToken(t, testSecret, jwt.MapClaims{
		"sub":   "user-1",
		"roles": []any{"operator", "admin"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	status, principal := invoke(config.AuthConfig{JWTSecret: testSecret}, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	})

	assert.Equal(t, http.StatusOK, status)
	require.NotNil(t, principal)
	assert.Equal(t, "user-1", principal.UserID)
	assert.Equal(t, []string{"operator", "admin"}, principal.Roles)
}

func TestAuth_RejectsBadTokens(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"wrong_secret", signToken(t, "other-secret", jwt.MapClaims{"sub": "user-1"})},
		{"expired", signToken(t, testSecret, jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(-time.Hour).Unix()})},
		{"no_subject", signToken(t, testSecret, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})},
		{"garbage", "not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := invoke(config.AuthConfig{JWTSecret: testSecret}, func(req *http.Request) {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			})
			assert.Equal(t, http.StatusUnauthorized, status)
		})
	}
}

func TestAuth_DevHeaderFallback(t *testing.T) {
	cfg := config.AuthConfig{AllowDevHeader: true}

	status, principal := invoke(cfg, func(req *http.Request) {
		req.Header.Set("X-User-ID", "dev-user")
	})

	assert.Equal(t, http.StatusOK, status)
	require.NotNil(t, principal)
	assert.Equal(t, "dev-user", principal.UserID)
}

func TestAuth_DevHeaderDisabledByDefault(t *testing.T) {
	status, _ := invoke(config.AuthConfig{JWTSecret: testSecret}, func(req *http.Request) {
		req.Header.Set("X-User-ID", "dev-user")
	})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAuth_MissingCredentials(t *testing.T) {
	status, _ := invoke(config.AuthConfig{JWTSecret: testSecret, AllowDevHeader: true}, func(req *http.Request) {})
	assert.Equal(t, http.StatusUnauthorized, status)
}
