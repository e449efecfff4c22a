package utils

import (
	"context"
	"errors"
	"fmt"
	"liverelay/cmd/internal/secrets"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/gommon/log"
)

// rotationGrace bounds how often a bad signature may force a secret refetch.
const rotationGrace = 30 * time.Second

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

type TokenData struct {
	Sub  string
	Name string
	Exp  int64
}

type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*TokenData, error)
}

// HMACVerifier checks HS* tokens against the shared secret held by the cache.
type HMACVerifier struct {
	secrets *secrets.Cache
	grace   time.Duration
}

func NewHMACVerifier(cache *secrets.Cache) *HMACVerifier {
	return &HMACVerifier{secrets: cache, grace: rotationGrace}
}

func (v *HMACVerifier) Verify(ctx context.Context, tokenString string) (*TokenData, error) {
	clean := sanitizeToken(tokenString)
	if clean == "" {
		return nil, ErrMissingToken
	}

	creds, err := v.secrets.Get(ctx)
	if err != nil {
		return nil, err
	}

	data, err := parseHMAC(clean, creds.JWTSecret)
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		// the secret may have been rotated since we cached it
		fresh, ferr := v.secrets.RefreshOlderThan(ctx, v.grace)
		if ferr != nil {
			// the token is still bad; an unreachable source doesn't change that
			log.Warnf("failed to refresh secret after signature mismatch: %v", ferr)
			return nil, err
		}
		if fresh.JWTSecret != creds.JWTSecret {
			data, err = parseHMAC(clean, fresh.JWTSecret)
		}
	}
	return data, err
}

func parseHMAC(tokenString, secret string) (*TokenData, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return tokenData(token)
}

// JWKSVerifier checks tokens issued by a Cognito user pool.
type JWKSVerifier struct {
	jwks keyfunc.Keyfunc
}

func NewJWKSVerifier(region, poolID string) (*JWKSVerifier, error) {
	// URL where Cognito publishes its public keys
	jwksURL := fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s/.well-known/jwks.json", region, poolID)

	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS from resource at %s: %w", jwksURL, err)
	}

	log.Infof("JWKS initialized. Keys loaded from %s", jwksURL)
	return &JWKSVerifier{jwks: jwks}, nil
}

func (v *JWKSVerifier) Verify(_ context.Context, tokenString string) (*TokenData, error) {
	clean := sanitizeToken(tokenString)
	if clean == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.Parse(clean, v.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return tokenData(token)
}

func tokenData(token *jwt.Token) (*TokenData, error) {
	if !token.Valid {
		return nil, fmt.Errorf("%w: token is not valid", ErrInvalidToken)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims format", ErrInvalidToken)
	}

	sub := firstValue(claims, "sub", "userId", "id")
	if sub == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrInvalidToken)
	}

	return &TokenData{
		Sub:  sub,
		Name: firstValue(claims, "name", "username", "email"),
		Exp:  getInt64(claims, "exp"),
	}, nil
}

func sanitizeToken(token string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
}

func firstValue(claims jwt.MapClaims, keys ...string) string {
	for _, key := range keys {
		if val := getValue(claims, key); val != "" {
			return val
		}
	}
	return ""
}

func getValue(claims jwt.MapClaims, key string) string {
	switch val := claims[key].(type) {
	case string:
		return val
	case float64:
		// numeric user ids
		return fmt.Sprintf("%.0f", val)
	}
	return ""
}

func getInt64(claims jwt.MapClaims, key string) int64 {
	val, ok := claims[key]
	if !ok {
		return 0
	}
	if f, ok := val.(float64); ok {
		return int64(f)
	}
	if i, ok := val.(int64); ok {
		return i
	}
	return 0
}
