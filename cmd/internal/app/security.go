package app

import (
	"errors"
	"fmt"

	"custodian/cmd/internal/kms"
	"custodian/cmd/security/token"
)

// ValidateSecurityConfig enforces the startup security policy. It fails fast
// rather than falling back to weaker settings.
func ValidateSecurityConfig(cfg Config, kmsCfg kms.Config) error {
	if cfg.RequireTokenHMAC {
		if _, err := token.HMACKeyFromEnv(token.MinHMACKeyBytes); err != nil {
			switch {
			case errors.Is(err, token.ErrHMACKeyMissing):
				return errors.New("security policy: CUSTODIAN_REQUIRE_TOKEN_HMAC=true but CUSTODIAN_TOKEN_HMAC_KEY is missing")
			case errors.Is(err, token.ErrHMACKeyTooShort):
				return fmt.Errorf("security policy: CUSTODIAN_TOKEN_HMAC_KEY is too short (min %d bytes)", token.MinHMACKeyBytes)
			default:
				return err
			}
		}
	}

	if err := kmsCfg.Validate(); err != nil {
		return fmt.Errorf("security policy: %w", err)
	}
	if cfg.IsProduction() && kmsCfg.Provider == kms.ProviderLocal {
		return errors.New("security policy: the local KMS provider is not allowed in production")
	}
	if cfg.IsProduction() && cfg.DatabaseURL == "" {
		return errors.New("security policy: in-memory stores are not allowed in production")
	}
	return nil
}
