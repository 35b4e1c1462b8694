package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfig marks an unreadable or invalid config file.
var ErrConfig = errors.New("invalid config")

// DefaultConfigPath is read when CUSTODIAN_CONFIG_FILE is unset. A missing
// default file is not an error.
const DefaultConfigPath = "configs/custodian.yaml"

// Config contains the runtime configuration of the server process.
//
// Values come from defaults, then the optional YAML file, then CUSTODIAN_*
// environment variables. Package-level settings (session, kms, ledger,
// signstream, api) are loaded by their own packages.
type Config struct {
	// Env names the deployment ("development", "production").
	Env string

	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// If true, CUSTODIAN_TOKEN_HMAC_KEY must be set (>= 32 bytes).
	RequireTokenHMAC bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// IssuerAllowlist restricts accepted custody addresses (hex public keys).
	IssuerAllowlist []string
	// ReencryptAfterSign stores a fresh ciphertext after every signed batch.
	ReencryptAfterSign bool
	// SignMaxBatch caps messages per sign request.
	SignMaxBatch int
	// OpTimeout bounds provisioning and signing once detached from the caller.
	OpTimeout time.Duration
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		Env:       "development",
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,

		DBSchema:   "custodian",
		DBMaxConns: 10,

		CORSMaxAgeSeconds: 600,

		SignMaxBatch: 256,
		OpTimeout:    30 * time.Second,
	}
}

// IsProduction reports whether Env names a production deployment.
func (c Config) IsProduction() bool {
	switch strings.ToLower(strings.TrimSpace(c.Env)) {
	case "production", "prod":
		return true
	default:
		return false
	}
}

// fileConfig is the YAML shape. Pointers distinguish "unset" from zero.
type fileConfig struct {
	Env string `yaml:"env"`

	HTTP struct {
		Addr              string        `yaml:"addr"`
		ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
		ReadTimeout       time.Duration `yaml:"readTimeout"`
		WriteTimeout      time.Duration `yaml:"writeTimeout"`
		IdleTimeout       time.Duration `yaml:"idleTimeout"`
		MaxHeaderBytes    int           `yaml:"maxHeaderBytes"`
	} `yaml:"http"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Database struct {
		URL                string `yaml:"url"`
		Schema             string `yaml:"schema"`
		MaxConns           int32  `yaml:"maxConns"`
		MinConns           *int32 `yaml:"minConns"`
		ReadinessRequireDB *bool  `yaml:"readinessRequireDB"`
	} `yaml:"database"`

	Redis struct {
		Addr string `yaml:"addr"`
		DB   *int   `yaml:"db"`
	} `yaml:"redis"`

	CORS struct {
		AllowedOrigins   []string `yaml:"allowedOrigins"`
		AllowCredentials *bool    `yaml:"allowCredentials"`
		MaxAgeSeconds    int      `yaml:"maxAgeSeconds"`
	} `yaml:"cors"`

	Security struct {
		RequireTokenHMAC *bool `yaml:"requireTokenHMAC"`
	} `yaml:"security"`

	Custody struct {
		IssuerAllowlist    []string      `yaml:"issuerAllowlist"`
		ReencryptAfterSign *bool         `yaml:"reencryptAfterSign"`
		SignMaxBatch       int           `yaml:"signMaxBatch"`
		OpTimeout          time.Duration `yaml:"opTimeout"`
	} `yaml:"custody"`
}

// LoadConfig builds Config from defaults, the YAML file and the environment.
//
// The file is CUSTODIAN_CONFIG_FILE when set (it must exist), otherwise
// DefaultConfigPath when present. Secrets such as the database password or
// Redis password belong in the environment, not the file.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	path := EnvString("CUSTODIAN_CONFIG_FILE", "")
	required := path != ""
	if !required {
		path = DefaultConfigPath
	}
	if err := mergeFile(&cfg, path, required); err != nil {
		return Config{}, err
	}

	applyEnv(&cfg)
	return cfg, nil
}

func mergeFile(cfg *Config, path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}
	merge(cfg, fc)
	return nil
}

func merge(dst *Config, src fileConfig) {
	setString(&dst.Env, src.Env)

	setString(&dst.HTTPAddr, src.HTTP.Addr)
	setDuration(&dst.ReadHeaderTimeout, src.HTTP.ReadHeaderTimeout)
	setDuration(&dst.ReadTimeout, src.HTTP.ReadTimeout)
	setDuration(&dst.WriteTimeout, src.HTTP.WriteTimeout)
	setDuration(&dst.IdleTimeout, src.HTTP.IdleTimeout)
	if src.HTTP.MaxHeaderBytes > 0 {
		dst.MaxHeaderBytes = src.HTTP.MaxHeaderBytes
	}

	setString(&dst.LogLevel, src.Log.Level)
	setString(&dst.LogFormat, src.Log.Format)

	setString(&dst.DatabaseURL, src.Database.URL)
	setString(&dst.DBSchema, src.Database.Schema)
	if src.Database.MaxConns > 0 {
		dst.DBMaxConns = src.Database.MaxConns
	}
	if src.Database.MinConns != nil && *src.Database.MinConns >= 0 {
		dst.DBMinConns = *src.Database.MinConns
	}
	setBool(&dst.ReadinessRequireDB, src.Database.ReadinessRequireDB)

	setString(&dst.RedisAddr, src.Redis.Addr)
	if src.Redis.DB != nil && *src.Redis.DB >= 0 {
		dst.RedisDB = *src.Redis.DB
	}

	if src.CORS.AllowedOrigins != nil {
		dst.CORSAllowedOrigins = trimAll(src.CORS.AllowedOrigins)
	}
	setBool(&dst.CORSAllowCredentials, src.CORS.AllowCredentials)
	if src.CORS.MaxAgeSeconds > 0 {
		dst.CORSMaxAgeSeconds = src.CORS.MaxAgeSeconds
	}

	setBool(&dst.RequireTokenHMAC, src.Security.RequireTokenHMAC)

	if src.Custody.IssuerAllowlist != nil {
		dst.IssuerAllowlist = trimAll(src.Custody.IssuerAllowlist)
	}
	setBool(&dst.ReencryptAfterSign, src.Custody.ReencryptAfterSign)
	if src.Custody.SignMaxBatch > 0 {
		dst.SignMaxBatch = src.Custody.SignMaxBatch
	}
	setDuration(&dst.OpTimeout, src.Custody.OpTimeout)
}

func applyEnv(cfg *Config) {
	cfg.Env = EnvString("CUSTODIAN_ENV", cfg.Env)

	cfg.HTTPAddr = EnvString("CUSTODIAN_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("CUSTODIAN_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("CUSTODIAN_LOG_FORMAT", cfg.LogFormat)

	cfg.ReadHeaderTimeout = EnvDuration("CUSTODIAN_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("CUSTODIAN_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("CUSTODIAN_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("CUSTODIAN_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("CUSTODIAN_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)

	cfg.DatabaseURL = EnvString("CUSTODIAN_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBSchema = EnvString("CUSTODIAN_DB_SCHEMA", cfg.DBSchema)
	cfg.DBMaxConns = EnvInt32("CUSTODIAN_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("CUSTODIAN_DB_MIN_CONNS", cfg.DBMinConns)
	cfg.ReadinessRequireDB = EnvBool("CUSTODIAN_READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	cfg.RequireTokenHMAC = EnvBool("CUSTODIAN_REQUIRE_TOKEN_HMAC", cfg.RequireTokenHMAC)

	cfg.RedisAddr = EnvString("CUSTODIAN_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = EnvString("CUSTODIAN_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = EnvInt("CUSTODIAN_REDIS_DB", cfg.RedisDB)

	cfg.CORSAllowedOrigins = EnvCSV("CUSTODIAN_CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.CORSAllowCredentials = EnvBool("CUSTODIAN_CORS_ALLOW_CREDENTIALS", cfg.CORSAllowCredentials)
	cfg.CORSMaxAgeSeconds = EnvInt("CUSTODIAN_CORS_MAX_AGE_SECONDS", cfg.CORSMaxAgeSeconds)

	cfg.IssuerAllowlist = EnvCSV("CUSTODIAN_PROVISION_ISSUER_ALLOWLIST", cfg.IssuerAllowlist)
	cfg.ReencryptAfterSign = EnvBool("CUSTODIAN_SIGN_REENCRYPT", cfg.ReencryptAfterSign)
	cfg.SignMaxBatch = EnvInt("CUSTODIAN_SIGN_MAX_BATCH", cfg.SignMaxBatch)
	cfg.OpTimeout = EnvDuration("CUSTODIAN_OP_TIMEOUT", cfg.OpTimeout)
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
