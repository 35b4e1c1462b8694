package signstream

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// Max bytes per frame read. A full batch of large bodies fits.
	maxFrameBytes = 1 << 20

	defaultSendQueue = 64
	minSendQueue     = 8

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	closeGrace          = time.Second

	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	maxPingFailures          = 3

	defaultRateEvents = 60
	defaultRateWindow = 10 * time.Second

	defaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Config controls the gateway. Zero values fall back to defaults.
type Config struct {
	// OriginRequired rejects upgrades without an Origin header.
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultConfig returns secure defaults: Origin required, localhost only.
func DefaultConfig() Config {
	return Config{
		OriginRequired:    true,
		AllowedOrigins:    splitCSV(defaultAllowedOrigins),
		WriteTimeout:      defaultWriteTimeout,
		ReadIdleTimeout:   defaultReadIdle,
		SendQueueSize:     defaultSendQueue,
		HeartbeatInterval: defaultHeartbeatInterval,
		HeartbeatTimeout:  defaultHeartbeatTimeout,
		RateEvents:        defaultRateEvents,
		RateWindow:        defaultRateWindow,
	}
}

// ConfigFromEnv overlays CUSTODIAN_WS_* variables on DefaultConfig.
// Invalid values keep the default.
func ConfigFromEnv() Config {
	c := DefaultConfig()
	c.OriginRequired = envBool("CUSTODIAN_WS_ORIGIN_REQUIRED", c.OriginRequired)
	if v := strings.TrimSpace(os.Getenv("CUSTODIAN_WS_ALLOWED_ORIGINS")); v != "" {
		c.AllowedOrigins = splitCSV(v)
	}
	c.WriteTimeout = envDuration("CUSTODIAN_WS_WRITE_TIMEOUT", c.WriteTimeout)
	c.ReadIdleTimeout = envDuration("CUSTODIAN_WS_READ_IDLE_TIMEOUT", c.ReadIdleTimeout)
	c.SendQueueSize = envInt("CUSTODIAN_WS_SEND_QUEUE", c.SendQueueSize)
	c.HeartbeatInterval = envDuration("CUSTODIAN_WS_HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.HeartbeatTimeout = envDuration("CUSTODIAN_WS_HEARTBEAT_TIMEOUT", c.HeartbeatTimeout)
	c.RateEvents = envInt("CUSTODIAN_WS_RATE_EVENTS", c.RateEvents)
	c.RateWindow = envDuration("CUSTODIAN_WS_RATE_WINDOW", c.RateWindow)
	return c
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize < minSendQueue {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
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

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
