package config

import (
	"strings"
	"testing"
	"time"

	"github.com/labstack/gommon/log"
)

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"WS_GATEWAY_ENDPOINT": "https://abc.execute-api.us-east-2.amazonaws.com/prod",
	}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}

	if cfg.Port != 7070 || cfg.StoreDriver != "sqlite" || cfg.GatewayMode != "aws" || cfg.AuthMode != "hmac" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.SecretsTTL != 5*time.Minute || cfg.FanoutConcurrency != 32 || cfg.NodeID != 1 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Addr() != ":7070" {
		t.Errorf("Addr() = %s", cfg.Addr())
	}
	if cfg.GommonLevel() != log.INFO {
		t.Errorf("GommonLevel() = %v", cfg.GommonLevel())
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"PORT":               "9000",
		"LOG_LEVEL":          "DEBUG",
		"STORE_DRIVER":       "redis",
		"REDIS_ADDR":         "localhost:6379",
		"REDIS_DB":           "2",
		"GATEWAY_MODE":       "local",
		"LOCAL_RATE_LIMIT":   "2.5",
		"AUTH_MODE":          "jwks",
		"COGNITO_REGION":     "us-east-1",
		"COGNITO_POOL_ID":    "us-east-1_abc",
		"SECRETS_TTL":        "30s",
		"FANOUT_CONCURRENCY": "8",
		"HEARTBEAT_TIMEOUT":  "90s",
		"SWEEP_INTERVAL":     "1m",
		"NODE_ID":            "12",
	}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}

	if cfg.Port != 9000 || cfg.RedisDB != 2 || cfg.LocalRateLimit != 2.5 || cfg.NodeID != 12 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.SecretsTTL != 30*time.Second || cfg.HeartbeatTimeout != 90*time.Second || cfg.SweepInterval != time.Minute {
		t.Errorf("durations not applied: %+v", cfg)
	}
	if cfg.GommonLevel() != log.DEBUG {
		t.Errorf("GommonLevel() = %v, want DEBUG", cfg.GommonLevel())
	}
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"bad port", map[string]string{"PORT": "http", "GATEWAY_MODE": "local"}, "PORT"},
		{"bad duration", map[string]string{"SECRETS_TTL": "5", "GATEWAY_MODE": "local"}, "SECRETS_TTL"},
		{"aws gateway without endpoint", map[string]string{}, "GatewayEndpoint"},
		{"redis without addr", map[string]string{"STORE_DRIVER": "redis", "GATEWAY_MODE": "local"}, "RedisAddr"},
		{"jwks without pool", map[string]string{"AUTH_MODE": "jwks", "GATEWAY_MODE": "local"}, "CognitoRegion"},
		{"ssm without params", map[string]string{"SECRETS_SOURCE": "ssm", "GATEWAY_MODE": "local"}, "SSMJWTSecretParam"},
		{"unknown driver", map[string]string{"STORE_DRIVER": "mongo", "GATEWAY_MODE": "local"}, "StoreDriver"},
		{"node id out of range", map[string]string{"NODE_ID": "5000", "GATEWAY_MODE": "local"}, "NodeID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(envMap(tt.env))
			if err == nil {
				t.Fatal("FromEnv() succeeded")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %s", err, tt.wantErr)
			}
		})
	}
}
