package utils

import (
	"context"
	"errors"
	"liverelay/cmd/internal/secrets"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type rotatingSource struct {
	secret atomic.Value
	calls  atomic.Int32
	down   atomic.Bool
}

func newRotatingSource(secret string) *rotatingSource {
	s := &rotatingSource{}
	s.secret.Store(secret)
	return s
}

func (s *rotatingSource) Fetch(_ context.Context) (*secrets.Credentials, error) {
	s.calls.Add(1)
	if s.down.Load() {
		return nil, errors.New("parameter store unreachable")
	}
	return &secrets.Credentials{JWTSecret: s.secret.Load().(string)}, nil
}

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestHMACVerifier(t *testing.T) {
	verifier := NewHMACVerifier(secrets.NewCache(newRotatingSource("s3cr3t"), time.Minute))
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name    string
		token   string
		wantErr error
		wantSub string
	}{
		{"missing", "", ErrMissingToken, ""},
		{"blank bearer", "Bearer   ", ErrMissingToken, ""},
		{"valid", sign(t, "s3cr3t", jwt.MapClaims{"sub": "u1", "name": "Ana", "exp": exp}), nil, "u1"},
		{"valid with bearer prefix", "Bearer " + sign(t, "s3cr3t", jwt.MapClaims{"sub": "u1"}), nil, "u1"},
		{"userId claim", sign(t, "s3cr3t", jwt.MapClaims{"userId": "u7"}), nil, "u7"},
		{"numeric id claim", sign(t, "s3cr3t", jwt.MapClaims{"id": float64(42)}), nil, "42"},
		{"wrong secret", sign(t, "other", jwt.MapClaims{"sub": "u1"}), ErrInvalidToken, ""},
		{"expired", sign(t, "s3cr3t", jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Hour).Unix()}), ErrInvalidToken, ""},
		{"no subject", sign(t, "s3cr3t", jwt.MapClaims{"name": "x"}), ErrInvalidToken, ""},
		{"garbage", "not-a-jwt", ErrInvalidToken, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := verifier.Verify(ctx, tt.token)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if data.Sub != tt.wantSub {
				t.Errorf("Sub = %q, want %q", data.Sub, tt.wantSub)
			}
		})
	}
}

func TestHMACVerifier_RejectsUnsignedTokens(t *testing.T) {
	verifier := NewHMACVerifier(secrets.NewCache(newRotatingSource("s3cr3t"), time.Minute))

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	if _, err := verifier.Verify(context.Background(), unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected alg=none to be rejected, got %v", err)
	}
}

func TestHMACVerifier_PicksUpRotatedSecret(t *testing.T) {
	src := newRotatingSource("old")
	cache := secrets.NewCache(src, time.Hour)
	verifier := NewHMACVerifier(cache)
	ctx := context.Background()

	if _, err := verifier.Verify(ctx, sign(t, "old", jwt.MapClaims{"sub": "u1"})); err != nil {
		t.Fatalf("verify with old secret: %v", err)
	}

	src.secret.Store("new")
	// The cached value is fresh, so the rotation grace keeps us from refetching.
	if _, err := verifier.Verify(ctx, sign(t, "new", jwt.MapClaims{"sub": "u1"})); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected rejection inside rotation grace, got %v", err)
	}
	if _, err := cache.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := verifier.Verify(ctx, sign(t, "new", jwt.MapClaims{"sub": "u1"})); err != nil {
		t.Errorf("expected new secret to verify after refresh, got %v", err)
	}
}

func TestHMACVerifier_RefreshFailureKeepsTokenInvalid(t *testing.T) {
	src := newRotatingSource("s3cr3t")
	verifier := NewHMACVerifier(secrets.NewCache(src, time.Hour))
	verifier.grace = 0
	ctx := context.Background()

	if _, err := verifier.Verify(ctx, sign(t, "s3cr3t", jwt.MapClaims{"sub": "u1"})); err != nil {
		t.Fatalf("verify: %v", err)
	}

	src.down.Store(true)
	_, err := verifier.Verify(ctx, sign(t, "forged", jwt.MapClaims{"sub": "u1"}))
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() = %v, want ErrInvalidToken", err)
	}
	if got := src.calls.Load(); got != 2 {
		t.Errorf("source fetched %d times, want 2 (initial + rotation retry)", got)
	}
}
