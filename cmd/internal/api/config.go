package api

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls HTTP API behavior.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// In-process per-IP token bucket for /v1/provision. Zero RPS disables it.
	ProvisionRPS   float64
	ProvisionBurst int

	// Shared fixed window for /v1/provision, used when Redis is configured.
	ProvisionMaxPerWindow int
	ProvisionWindow       time.Duration
}

// LoadConfigFromEnv loads API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	return Config{
		TrustProxy:            envBool("CUSTODIAN_TRUST_PROXY", false),
		MaxBodyBytes:          envInt64("CUSTODIAN_MAX_BODY_BYTES", 4<<20),
		ProvisionRPS:          envFloat("CUSTODIAN_PROVISION_RPS", 1),
		ProvisionBurst:        envInt("CUSTODIAN_PROVISION_BURST", 10),
		ProvisionMaxPerWindow: envInt("CUSTODIAN_PROVISION_MAX_PER_WINDOW", 30),
		ProvisionWindow:       envDuration("CUSTODIAN_PROVISION_WINDOW", time.Minute),
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// envFloat accepts 0 to disable a limiter.
func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
