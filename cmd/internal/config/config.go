package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"liverelay/cmd/internal/infrastructure/aws/paramstore"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/labstack/gommon/log"
)

const ProdParamPrefix = "/liverelay/prod/"

type Config struct {
	Port     int    `validate:"min=1,max=65535"`
	LogLevel string `validate:"oneof=debug info warn error off"`

	StoreDriver   string `validate:"oneof=sqlite redis"`
	SQLitePath    string `validate:"required_if=StoreDriver sqlite"`
	RedisAddr     string `validate:"required_if=StoreDriver redis"`
	RedisPassword string
	RedisDB       int `validate:"min=0"`

	GatewayMode     string `validate:"oneof=aws local"`
	GatewayEndpoint string `validate:"required_if=GatewayMode aws"`
	AWSRegion       string `validate:"required"`
	LocalRateLimit  float64 `validate:"gt=0"`

	AuthMode      string `validate:"oneof=hmac jwks"`
	CognitoRegion string `validate:"required_if=AuthMode jwks"`
	CognitoPoolID string `validate:"required_if=AuthMode jwks"`

	SecretsSource     string        `validate:"oneof=env ssm"`
	SSMJWTSecretParam string        `validate:"required_if=SecretsSource ssm"`
	SSMAPIKeyParam    string        `validate:"required_if=SecretsSource ssm"`
	SecretsTTL        time.Duration `validate:"gt=0"`

	FanoutConcurrency int           `validate:"min=1,max=1024"`
	HeartbeatTimeout  time.Duration `validate:"gt=0"`
	SweepInterval     time.Duration `validate:"gt=0"`
	NodeID            int64         `validate:"min=0,max=1023"`
}

// LoadEnv fills the process environment. Production reads the SSM parameter
// tree, anything else reads .env when one exists.
func LoadEnv(ctx context.Context) error {
	if os.Getenv("GO_ENV") != "production" {
		err := godotenv.Load()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}

	client, err := paramstore.NewClient(ctx, envString(os.Getenv, "AWS_REGION", "us-east-2"))
	if err != nil {
		return err
	}
	n, err := paramstore.ExportPath(ctx, client, ProdParamPrefix)
	if err != nil {
		return fmt.Errorf("unable to load prod environment: %w", err)
	}
	log.Debugf("loaded %d prod environment variables", n)
	return nil
}

// FromEnv builds a Config from getenv, applying defaults, and validates it.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := &parser{getenv: getenv}

	cfg := &Config{
		Port:     p.int("PORT", 7070),
		LogLevel: strings.ToLower(envString(getenv, "LOG_LEVEL", "info")),

		StoreDriver:   envString(getenv, "STORE_DRIVER", "sqlite"),
		SQLitePath:    envString(getenv, "SQLITE_PATH", "relay.db"),
		RedisAddr:     getenv("REDIS_ADDR"),
		RedisPassword: getenv("REDIS_PASSWORD"),
		RedisDB:       p.int("REDIS_DB", 0),

		GatewayMode:     envString(getenv, "GATEWAY_MODE", "aws"),
		GatewayEndpoint: getenv("WS_GATEWAY_ENDPOINT"),
		AWSRegion:       envString(getenv, "AWS_REGION", "us-east-2"),
		LocalRateLimit:  p.float("LOCAL_RATE_LIMIT", 20),

		AuthMode:      envString(getenv, "AUTH_MODE", "hmac"),
		CognitoRegion: getenv("COGNITO_REGION"),
		CognitoPoolID: getenv("COGNITO_POOL_ID"),

		SecretsSource:     envString(getenv, "SECRETS_SOURCE", "env"),
		SSMJWTSecretParam: getenv("SSM_JWT_SECRET_PARAM"),
		SSMAPIKeyParam:    getenv("SSM_API_KEY_PARAM"),
		SecretsTTL:        p.duration("SECRETS_TTL", 5*time.Minute),

		FanoutConcurrency: p.int("FANOUT_CONCURRENCY", 32),
		HeartbeatTimeout:  p.duration("HEARTBEAT_TIMEOUT", 3*time.Minute),
		SweepInterval:     p.duration("SWEEP_INTERVAL", 5*time.Minute),
		NodeID:            int64(p.int("NODE_ID", 1)),
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func (c *Config) GommonLevel() log.Lvl {
	switch c.LogLevel {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	case "off":
		return log.OFF
	default:
		return log.INFO
	}
}

func envString(getenv func(string) string, key, def string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

// parser collects every malformed value instead of stopping at the first.
type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) int(key string, def int) int {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: not an integer: %q", key, raw))
		return def
	}
	return v
}

func (p *parser) float(key string, def float64) float64 {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: not a number: %q", key, raw))
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: not a duration: %q", key, raw))
		return def
	}
	return v
}
