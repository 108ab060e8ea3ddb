package session

import (
	"os"
	"strings"
	"time"
)

// minSecretBytes is the minimum HS256 secret length accepted at startup.
const minSecretBytes = 32

// Config defines runtime configuration for token verification and issuance.
type Config struct {
	// Issuer is the value set in (and required from) the "iss" claim.
	Issuer string

	// AccessTokenTTL defines the lifetime of issued access tokens.
	AccessTokenTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// Secret is the HS256 signing key shared with the auth service.
	Secret []byte
}

// DefaultConfig returns a development configuration without a secret.
func DefaultConfig() Config {
	return Config{
		Issuer:         "talentchat",
		AccessTokenTTL: time.Hour,
		ClockSkew:      30 * time.Second,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - CHAT_AUTH_JWT_SECRET (at least 32 bytes)
//
// Optional (durations must be valid Go duration strings):
//   - CHAT_AUTH_ISSUER
//   - CHAT_AUTH_ACCESS_TTL
//   - CHAT_AUTH_CLOCK_SKEW
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("CHAT_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("CHAT_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("CHAT_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	// Measured in bytes, not runes: the key is used as raw bytes.
	secret := os.Getenv("CHAT_AUTH_JWT_SECRET")
	if len(secret) < minSecretBytes {
		return Config{}, ErrConfig
	}
	cfg.Secret = []byte(secret)

	return cfg, nil
}
