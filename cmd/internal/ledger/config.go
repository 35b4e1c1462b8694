package ledger

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfig is returned for invalid replicator configuration.
var ErrConfig = errors.New("ledger: invalid config")

// Config controls the replicator.
type Config struct {
	// SourceURL is the upstream Postgres DSN. Replication is off when empty.
	SourceURL    string
	SourceTable  string
	PollInterval time.Duration
	BatchSize    int
	// MaxBackoff caps the wait after consecutive source failures.
	MaxBackoff time.Duration
}

// DefaultConfig returns replicator defaults.
func DefaultConfig() Config {
	return Config{
		SourceTable:  "public.users",
		PollInterval: time.Second,
		BatchSize:    500,
		MaxBackoff:   30 * time.Second,
	}
}

// Enabled reports whether a source is configured.
func (c Config) Enabled() bool { return strings.TrimSpace(c.SourceURL) != "" }

// LoadConfigFromEnv reads:
//   - CUSTODIAN_LEDGER_SOURCE_URL
//   - CUSTODIAN_LEDGER_SOURCE_TABLE (default public.users)
//   - CUSTODIAN_LEDGER_POLL_INTERVAL (default 1s)
//   - CUSTODIAN_LEDGER_BATCH (default 500)
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	cfg.SourceURL = strings.TrimSpace(os.Getenv("CUSTODIAN_LEDGER_SOURCE_URL"))

	if v := strings.TrimSpace(os.Getenv("CUSTODIAN_LEDGER_SOURCE_TABLE")); v != "" {
		if _, err := parseTable(v); err != nil {
			return Config{}, ErrConfig
		}
		cfg.SourceTable = v
	}
	if v := os.Getenv("CUSTODIAN_LEDGER_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.PollInterval = d
	}
	if v := os.Getenv("CUSTODIAN_LEDGER_BATCH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 10000 {
			return Config{}, ErrConfig
		}
		cfg.BatchSize = n
	}
	return cfg, nil
}
