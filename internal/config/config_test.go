package config

import (
	"flag"
	"io"
	"log/slog"
	"testing"
	"time"
)

func parse(t *testing.T, environ map[string]string, args ...string) (Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return Parse(fs, args, environ)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := parse(t, map[string]string{
		"STORE_DRIVER": "memory",
		"JWT_SECRET":   "s",
		"INSTANCE_ID":  "node-1",
	})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Addr != ":8080" || cfg.AckTimeout != 2*time.Second || cfg.ArchiveMaxLimit != 200 || cfg.NotifyConcurrency != 10 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.InstanceID != "node-1" {
		t.Fatalf("InstanceID = %q", cfg.InstanceID)
	}
	if cfg.LogLevel() != slog.LevelWarn {
		t.Fatalf("LogLevel() = %v", cfg.LogLevel())
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := parse(t, map[string]string{
		"HTTP_ADDR":            ":9000",
		"STORE_DRIVER":         "postgres",
		"DB_DSN":               "postgres://x",
		"JWT_SECRET":           "s",
		"DELIVERY_ACK_TIMEOUT": "500ms",
		"ALLOWED_ORIGINS":      "https://a.example,https://b.example",
	}, "-addr", ":7000", "-store", "memory", "-vv")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Addr != ":7000" || cfg.StoreDriver != DriverMemory {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if cfg.AckTimeout != 500*time.Millisecond {
		t.Fatalf("AckTimeout = %v", cfg.AckTimeout)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.LogLevel() != slog.LevelDebug {
		t.Fatalf("LogLevel() = %v", cfg.LogLevel())
	}
	if cfg.InstanceID == "" {
		t.Fatal("InstanceID not defaulted")
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name    string
		environ map[string]string
	}{
		{"postgres without dsn", map[string]string{"JWT_SECRET": "s"}},
		{"unknown driver", map[string]string{"STORE_DRIVER": "mongo", "JWT_SECRET": "s"}},
		{"no auth", map[string]string{"STORE_DRIVER": "memory"}},
		{"zero ack timeout", map[string]string{"STORE_DRIVER": "memory", "JWT_SECRET": "s", "DELIVERY_ACK_TIMEOUT": "0s"}},
		{"webhook without redis", map[string]string{"STORE_DRIVER": "memory", "JWT_SECRET": "s", "OFFLINE_WEBHOOK_URL": "http://hook"}},
		{"bad duration", map[string]string{"STORE_DRIVER": "memory", "JWT_SECRET": "s", "DELIVERY_ACK_TIMEOUT": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parse(t, tt.environ); err == nil {
				t.Fatal("Parse() succeeded, want error")
			}
		})
	}
}
