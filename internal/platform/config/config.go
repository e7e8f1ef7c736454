package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Sentinel secrets that must never reach production. Startup refuses them.
var forbiddenSecrets = map[string]struct{}{
	"":          {},
	"change-me": {},
	"changeme":  {},
	"secret":    {},
	"dev":       {},
}

type Config struct {
	HTTPAddr string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PayoutQueueKey  string
	OddsChannel     string
	PayoutMaxTries  int
	PayoutWorkers   int
	StartingPoints  int64
	JWTSecret       string
	JWTIssuer       string
	LogLevel        string
	TrustedCIDRs    []string
	BootstrapEmail  string
	BootstrapUserID int64

	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string

	Version string
}

// FromEnv reads the whole configuration from POINTSD_* variables.
func FromEnv() (Config, error) {
	cfg := Config{
		HTTPAddr:        envOr("POINTSD_HTTP_ADDR", ":8080"),
		DatabaseURL:     envOr("POINTSD_DATABASE_URL", ""),
		RedisAddr:       envOr("POINTSD_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:   envOr("POINTSD_REDIS_PASSWORD", ""),
		PayoutQueueKey:  envOr("POINTSD_PAYOUT_QUEUE_KEY", "pointsd:payout:jobs"),
		OddsChannel:     envOr("POINTSD_ODDS_CHANNEL", "pointsd:odds"),
		JWTSecret:       envOr("POINTSD_JWT_SECRET", ""),
		JWTIssuer:       envOr("POINTSD_JWT_ISSUER", "pointsd"),
		LogLevel:        envOr("POINTSD_LOG_LEVEL", "info"),
		BootstrapEmail:  envOr("POINTSD_ADMIN_BOOTSTRAP_EMAIL", ""),
		TLSCertFile:     envOr("POINTSD_TLS_CERT_FILE", ""),
		TLSKeyFile:      envOr("POINTSD_TLS_KEY_FILE", ""),
		Version:         envOr("POINTSD_VERSION", "dev"),
	}
	cfg.TLSEnabled = envOr("POINTSD_TLS_ENABLED", "false") == "true"
	cfg.TrustedCIDRs = splitList(envOr("POINTSD_TRUSTED_CIDRS", "127.0.0.1/32,::1/128"))

	var err error
	if cfg.RedisDB, err = envInt("POINTSD_REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	maxTries, err := envInt("POINTSD_PAYOUT_MAX_ATTEMPTS", 5)
	if err != nil {
		return Config{}, err
	}
	cfg.PayoutMaxTries = maxTries
	workers, err := envInt("POINTSD_PAYOUT_WORKERS", 2)
	if err != nil {
		return Config{}, err
	}
	cfg.PayoutWorkers = workers
	starting, err := envInt64("POINTSD_STARTING_POINTS", 500)
	if err != nil {
		return Config{}, err
	}
	cfg.StartingPoints = starting
	bootstrapID, err := envInt64("POINTSD_ADMIN_BOOTSTRAP_USER_ID", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.BootstrapUserID = bootstrapID

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, bad := forbiddenSecrets[strings.ToLower(strings.TrimSpace(c.JWTSecret))]; bad {
		return fmt.Errorf("POINTSD_JWT_SECRET is unset or a known placeholder; refusing to start")
	}
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("POINTSD_JWT_SECRET must be at least 16 bytes")
	}
	if c.PayoutMaxTries < 1 {
		return fmt.Errorf("POINTSD_PAYOUT_MAX_ATTEMPTS must be >= 1")
	}
	if c.PayoutWorkers < 1 {
		return fmt.Errorf("POINTSD_PAYOUT_WORKERS must be >= 1")
	}
	if c.StartingPoints < 0 {
		return fmt.Errorf("POINTSD_STARTING_POINTS must be >= 0")
	}
	if c.TLSEnabled && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("tls is enabled but cert/key not configured")
	}
	return nil
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
