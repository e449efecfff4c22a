package middleware

import (
	"context"
	"errors"
	"fmt"
	"liverelay/cmd/internal/secrets"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type staticStore struct {
	creds *secrets.Credentials
	err   error
}

func (s staticStore) Get(context.Context) (*secrets.Credentials, error) {
	return s.creds, s.err
}

func TestAPIKeyMiddleware(t *testing.T) {
	configured := staticStore{creds: &secrets.Credentials{JWTSecret: "s", InternalAPIKey: "k3y"}}

	tests := []struct {
		name  string
		store staticStore
		key   string
		want  int
	}{
		{"valid key", configured, "k3y", http.StatusOK},
		{"wrong key", configured, "nope", http.StatusUnauthorized},
		{"no key", configured, "", http.StatusUnauthorized},
		{"not configured", staticStore{creds: &secrets.Credentials{JWTSecret: "s"}}, "k3y", http.StatusUnauthorized},
		{"missing secret", staticStore{err: fmt.Errorf("x: %w", secrets.ErrMissingSecret)}, "k3y", http.StatusUnauthorized},
		{"source down", staticStore{err: errors.New("ssm timeout")}, "k3y", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/api/presence/u1", nil)
			if tt.key != "" {
				req.Header.Set(HeaderAPIKey, tt.key)
			}
			rec := httptest.NewRecorder()

			h := NewAPIKeyMiddleware(&APIKeyMiddlewareConfig{Secrets: tt.store})(func(c echo.Context) error {
				return c.NoContent(http.StatusOK)
			})
			_ = h(e.NewContext(req, rec))

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
