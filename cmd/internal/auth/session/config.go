package session

import (
	"os"
	"strings"
	"time"
)

// Config defines the token verification settings.
type Config struct {
	// Issuer is the required "iss" claim.
	Issuer string

	// AccessTokenTTL is only used by Issue.
	AccessTokenTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// PasetoV4PublicKeyHex verifies tokens minted elsewhere.
	PasetoV4PublicKeyHex string

	// PasetoV4SecretKeyHex, when set, takes precedence and also allows Issue.
	PasetoV4SecretKeyHex string
}

func DefaultConfig() Config {
	return Config{
		Issuer:         "studymate",
		AccessTokenTTL: 15 * time.Minute,
		ClockSkew:      30 * time.Second,
	}
}

// LoadConfigFromEnv loads token configuration from environment variables.
//
// One of these is required:
//   - STUDYMATE_PASETO_V4_PUBLIC_KEY_HEX
//   - STUDYMATE_PASETO_V4_SECRET_KEY_HEX
//
// Optional (durations must be valid Go duration strings):
//   - STUDYMATE_AUTH_ISSUER
//   - STUDYMATE_AUTH_ACCESS_TTL
//   - STUDYMATE_AUTH_CLOCK_SKEW
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("STUDYMATE_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("STUDYMATE_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("STUDYMATE_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 || d > 5*time.Minute {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	cfg.PasetoV4PublicKeyHex = strings.TrimSpace(os.Getenv("STUDYMATE_PASETO_V4_PUBLIC_KEY_HEX"))
	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("STUDYMATE_PASETO_V4_SECRET_KEY_HEX"))
	if cfg.PasetoV4PublicKeyHex == "" && cfg.PasetoV4SecretKeyHex == "" {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
