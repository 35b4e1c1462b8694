package kms

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	ProviderAWS   = "aws"
	ProviderLocal = "local"
)

// Config selects and configures the KMS provider.
type Config struct {
	Provider string
	// KeyRef names the wrapping key: an AWS key id/ARN/alias, or a free-form label for local.
	KeyRef  string
	Timeout time.Duration

	AWSRegion          string
	AWSEndpoint        string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSSessionToken    string

	LocalPassphrase string
}

// DefaultConfig returns the development defaults (local provider).
func DefaultConfig() Config {
	return Config{
		Provider: ProviderLocal,
		KeyRef:   "local/dev",
		Timeout:  DefaultTimeout,
	}
}

// LoadConfigFromEnv reads CUSTODIAN_KMS_* variables on top of DefaultConfig.
//
// The AWS credentials fall back to the SDK's own chain (AWS_* variables,
// shared config, instance roles) when unset here.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("CUSTODIAN_KMS_PROVIDER")); v != "" {
		cfg.Provider = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("CUSTODIAN_KMS_KEY_REF")); v != "" {
		cfg.KeyRef = v
	} else if cfg.Provider == ProviderAWS {
		cfg.KeyRef = ""
	}
	if v := strings.TrimSpace(os.Getenv("CUSTODIAN_KMS_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%w: CUSTODIAN_KMS_TIMEOUT must be a positive duration", ErrConfig)
		}
		cfg.Timeout = d
	}

	cfg.AWSRegion = strings.TrimSpace(os.Getenv("CUSTODIAN_KMS_AWS_REGION"))
	cfg.AWSEndpoint = strings.TrimSpace(os.Getenv("CUSTODIAN_KMS_AWS_ENDPOINT"))
	cfg.AWSAccessKeyID = strings.TrimSpace(os.Getenv("CUSTODIAN_KMS_AWS_ACCESS_KEY_ID"))
	cfg.AWSSecretAccessKey = strings.TrimSpace(os.Getenv("CUSTODIAN_KMS_AWS_SECRET_ACCESS_KEY"))
	cfg.AWSSessionToken = strings.TrimSpace(os.Getenv("CUSTODIAN_KMS_AWS_SESSION_TOKEN"))
	cfg.LocalPassphrase = os.Getenv("CUSTODIAN_KMS_LOCAL_PASSPHRASE")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks provider-specific requirements.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderAWS:
		if strings.TrimSpace(c.KeyRef) == "" {
			return fmt.Errorf("%w: CUSTODIAN_KMS_KEY_REF is required for the aws provider", ErrConfig)
		}
	case ProviderLocal:
		if len(c.LocalPassphrase) < MinPassphraseLen {
			return fmt.Errorf("%w: CUSTODIAN_KMS_LOCAL_PASSPHRASE must be at least %d bytes", ErrConfig, MinPassphraseLen)
		}
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrConfig, c.Provider)
	}
	if c.Timeout <= 0 {
		return errors.Join(ErrConfig, errors.New("timeout must be positive"))
	}
	return nil
}

// New builds the configured provider wrapped in Bounded.
func New(ctx context.Context, cfg Config, metrics *Metrics) (*BoundedEncryptor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		enc Encryptor
		err error
	)
	switch cfg.Provider {
	case ProviderAWS:
		enc, err = NewAWSEncryptorFromConfig(ctx, cfg)
	case ProviderLocal:
		enc, err = NewLocalEncryptor(cfg.LocalPassphrase)
	}
	if err != nil {
		return nil, err
	}
	return Bounded(enc, cfg.Timeout, metrics), nil
}
