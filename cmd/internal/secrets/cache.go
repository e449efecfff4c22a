package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL = 5 * time.Minute

	// fetchTimeout bounds a shared fetch, which no single caller can cancel.
	fetchTimeout = 10 * time.Second
	fetchKey     = "credentials"
)

var ErrMissingSecret = errors.New("secret is not configured")

// Credentials are the values the relay needs to authenticate callers.
type Credentials struct {
	// JWTSecret verifies connect tokens (HS256).
	JWTSecret string
	// InternalAPIKey guards the server-to-server routes.
	InternalAPIKey string
}

type Source interface {
	Fetch(ctx context.Context) (*Credentials, error)
}

// Cache hands out Credentials and refetches them once they are older than TTL.
// It is safe for concurrent use; concurrent misses share one fetch.
type Cache struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	creds     *Credentials
	fetchedAt time.Time
	// seq numbers fetches; storedSeq is the one creds came from
	seq, storedSeq uint64

	group singleflight.Group
}

func NewCache(source Source, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		source: source,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns cached credentials, fetching them when absent or stale.
func (c *Cache) Get(ctx context.Context) (*Credentials, error) {
	c.mu.RLock()
	creds, fetchedAt := c.creds, c.fetchedAt
	c.mu.RUnlock()

	if creds != nil && c.now().Sub(fetchedAt) < c.ttl {
		return creds, nil
	}
	return c.fetch(ctx)
}

// Refresh drops whatever is cached and fetches again. It never joins a fetch
// that was already running when it was called.
func (c *Cache) Refresh(ctx context.Context) (*Credentials, error) {
	c.mu.Lock()
	c.creds = nil
	c.mu.Unlock()
	c.group.Forget(fetchKey)
	return c.fetch(ctx)
}

// RefreshOlderThan refetches only when the cached value is at least minAge
// old, so callers can react to a rotated secret without hammering the source.
func (c *Cache) RefreshOlderThan(ctx context.Context, minAge time.Duration) (*Credentials, error) {
	c.mu.RLock()
	creds, fetchedAt := c.creds, c.fetchedAt
	c.mu.RUnlock()

	if creds != nil && c.now().Sub(fetchedAt) < minAge {
		return creds, nil
	}
	return c.fetch(ctx)
}

// fetch shares one source call between concurrent callers. The call runs
// detached from ctx, so one caller giving up doesn't fail the others; ctx only
// bounds how long this caller waits.
func (c *Cache) fetch(ctx context.Context) (*Credentials, error) {
	ch := c.group.DoChan(fetchKey, func() (interface{}, error) {
		c.mu.Lock()
		c.seq++
		seq := c.seq
		c.mu.Unlock()

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		creds, err := c.source.Fetch(fetchCtx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		// a forced refresh may have started after us and finished first
		if seq > c.storedSeq {
			c.creds = creds
			c.fetchedAt = c.now()
			c.storedSeq = seq
		}
		c.mu.Unlock()

		log.Debugf("secrets refreshed, valid for %s", c.ttl)
		return creds, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to fetch credentials: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("failed to fetch credentials: %w", res.Err)
		}
		return res.Val.(*Credentials), nil
	}
}

// EnvSource reads credentials from environment variables. Used in
// development, where .env is loaded at startup.
type EnvSource struct {
	JWTSecretKey string
	APIKeyKey    string
}

func NewEnvSource() *EnvSource {
	return &EnvSource{JWTSecretKey: "JWT_SECRET", APIKeyKey: "INTERNAL_API_KEY"}
}

func (e *EnvSource) Fetch(_ context.Context) (*Credentials, error) {
	secret := os.Getenv(e.JWTSecretKey)
	if secret == "" {
		return nil, fmt.Errorf("%s: %w", e.JWTSecretKey, ErrMissingSecret)
	}
	return &Credentials{
		JWTSecret:      secret,
		InternalAPIKey: os.Getenv(e.APIKeyKey),
	}, nil
}
