// Package middleware provides the shared echo middleware for the HTTP
// surface: principal extraction and rate limiting.
package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/trellishq/trellis/common/config"
)

// principalKey is the echo context key the auth middleware sets
const principalKey = "principal"

// Principal identifies the authenticated caller
type Principal struct {
	UserID string
	Roles  []string
}

// PrincipalFrom returns the authenticated principal from the request context
func PrincipalFrom(c echo.Context) (*Principal, bool) {
	p, ok := c.Get(principalKey).(*Principal)
	return p, ok
}

// Auth extracts the caller identity: a Bearer JWT when a secret is
// configured, falling back to the X-User-ID header in development setups.
// Requests without a resolvable principal are rejected.
func Auth(cfg config.AuthConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.JWTSecret != "" {
				if header := c.Request().Header.Get("Authorization"); header != "" {
					principal, err := principalFromJWT(header, cfg.JWTSecret)
					if err != nil {
						return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
					}
					c.Set(principalKey, principal)
					return next(c)
				}
			}

			if cfg.AllowDevHeader {
				if userID := c.Request().Header.Get("X-User-ID"); userID != "" {
					c.Set(principalKey, &Principal{UserID: userID})
					return next(c)
				}
			}

			return echo.NewHTTPError(http.StatusUnauthorized, "missing credentials")
		}
	}
}

func principalFromJWT(header, secret string) (*Principal, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, fmt.Errorf("authorization header is not a bearer token")
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	principal := &Principal{UserID: sub}
	if rawRoles, ok := claims["roles"].([]any); ok {
		for _, r := range rawRoles {
			if role, ok := r.(string); ok {
				principal.Roles = append(principal.Roles, role)
			}
		}
	}
	return principal, nil
}
