package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds server configuration. Environment first, flags override.
type Config struct {
	Addr              string        `env:"HTTP_ADDR" envDefault:":8080"`
	StoreDriver       string        `env:"STORE_DRIVER" envDefault:"postgres"`
	DSN               string        `env:"DB_DSN"`
	RedisAddr         string        `env:"REDIS_ADDR"`
	JWTSecret         string        `env:"JWT_SECRET"`
	AuthVerifyURL     string        `env:"AUTH_VERIFY_URL"`
	AdminKeyHash      string        `env:"ADMIN_KEY_HASH"`
	OfflineWebhookURL string        `env:"OFFLINE_WEBHOOK_URL"`
	NotifyConcurrency int           `env:"NOTIFY_CONCURRENCY" envDefault:"10"`
	AckTimeout        time.Duration `env:"DELIVERY_ACK_TIMEOUT" envDefault:"2s"`
	InstanceID        string        `env:"INSTANCE_ID"`
	ArchiveMaxLimit   int           `env:"ARCHIVE_MAX_LIMIT" envDefault:"200"`
	AllowedOrigins    []string      `env:"ALLOWED_ORIGINS" envSeparator:","`

	Verbose     bool
	VeryVerbose bool
}

// Load reads .env when present and then parses the process environment
// and args.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse(fs, args, nil)
}

// Parse builds a Config from environ (the process environment when nil)
// and command-line args.
func Parse(fs *flag.FlagSet, args []string, environ map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "http service address")
	fs.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "storage driver: postgres or memory")
	fs.BoolVar(&cfg.Verbose, "v", false, "info logging")
	fs.BoolVar(&cfg.VeryVerbose, "vv", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			return Config{}, fmt.Errorf("instance id: %w", err)
		}
		cfg.InstanceID = host
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DSN == "" {
			return errors.New("DB_DSN is required for the postgres store")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.JWTSecret == "" && c.AuthVerifyURL == "" {
		return errors.New("one of JWT_SECRET or AUTH_VERIFY_URL is required")
	}
	if c.AckTimeout <= 0 {
		return errors.New("DELIVERY_ACK_TIMEOUT must be positive")
	}
	if c.OfflineWebhookURL != "" && c.RedisAddr == "" {
		return errors.New("OFFLINE_WEBHOOK_URL needs REDIS_ADDR for the job queue")
	}
	return nil
}

func (c Config) LogLevel() slog.Level {
	switch {
	case c.VeryVerbose:
		return slog.LevelDebug
	case c.Verbose:
		return slog.LevelInfo
	}
	return slog.LevelWarn
}
