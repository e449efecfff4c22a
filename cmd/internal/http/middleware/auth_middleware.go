package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"liverelay/cmd/internal/secrets"
	"liverelay/cmd/internal/utils/apierror"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

const HeaderAPIKey = "X-Api-Key"

type CredentialStore interface {
	Get(ctx context.Context) (*secrets.Credentials, error)
}

type APIKeyMiddlewareConfig struct {
	Secrets CredentialStore
}

// NewAPIKeyMiddleware guards the server-to-server routes with the shared
// internal API key.
func NewAPIKeyMiddleware(cfg *APIKeyMiddlewareConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get(HeaderAPIKey)
			if key == "" {
				return c.JSON(http.StatusUnauthorized, apierror.UnauthorizedError)
			}

			creds, err := cfg.Secrets.Get(c.Request().Context())
			if errors.Is(err, secrets.ErrMissingSecret) || (err == nil && creds.InternalAPIKey == "") {
				// no key configured means the API is closed
				return c.JSON(http.StatusUnauthorized, apierror.InvalidAPIKeyError)
			}
			if err != nil {
				log.Errorf("failed to load internal API key: %v", err)
				return c.JSON(http.StatusServiceUnavailable, apierror.UnavailableError)
			}

			if subtle.ConstantTimeCompare([]byte(key), []byte(creds.InternalAPIKey)) != 1 {
				return c.JSON(http.StatusUnauthorized, apierror.InvalidAPIKeyError)
			}
			return next(c)
		}
	}
}
