package authcore

import (
	"errors"
	"time"
)

// Config carries every tunable of the auth core. Construct it once, hand it
// to [Builder.WithConfig], and treat it as immutable afterwards.
type Config struct {
	Token         TokenConfig
	Credential    CredentialConfig
	PasswordReset PasswordResetConfig
	Password      PasswordConfig
	Audit         AuditConfig
	Metrics       MetricsConfig
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig configures the short-lived access-credential codec.
type TokenConfig struct {
	AccessTTL time.Duration
	Secret    []byte
	Issuer    string
	Audience  string
}

/*
====================================
CREDENTIAL CONFIG
====================================
*/

// CredentialConfig configures the long-lived refresh-credential store.
type CredentialConfig struct {
	RedisPrefix string
	RefreshTTL  time.Duration
	// RetentionWindow keeps revoked and expired records readable for audit
	// and replay detection before Redis garbage-collects them.
	RetentionWindow time.Duration
}

/*
====================================
PASSWORD RESET CONFIG
====================================
*/

// PasswordResetConfig configures the single-use reset-token lifecycle.
type PasswordResetConfig struct {
	Enabled                  bool
	ResetTTL                 time.Duration
	RetentionWindow          time.Duration
	EnableIPThrottle         bool
	EnableIdentifierThrottle bool
	ThrottleWindow           time.Duration
	ThrottleMaxAttempts      int
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds argon2id parameters for hashing replacement passwords.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig controls the async audit pipeline. When DropIfFull is set a
// full buffer sheds events instead of blocking the auth flow; drops are
// counted and exposed via [Engine.AuditDropped].
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig toggles the in-process lifecycle counters.
type MetricsConfig struct {
	Enabled bool
}

// DefaultConfig returns the baseline configuration. Token.Secret is left
// empty and must be set before Build.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			AccessTTL: 5 * time.Minute,
			Issuer:    "authcore",
		},
		Credential: CredentialConfig{
			RedisPrefix:     "rc",
			RefreshTTL:      7 * 24 * time.Hour,
			RetentionWindow: 30 * 24 * time.Hour,
		},
		PasswordReset: PasswordResetConfig{
			Enabled:                  true,
			ResetTTL:                 time.Hour,
			RetentionWindow:          7 * 24 * time.Hour,
			EnableIPThrottle:         true,
			EnableIdentifierThrottle: true,
			ThrottleWindow:           15 * time.Minute,
			ThrottleMaxAttempts:      5,
		},
		Password: PasswordConfig{
			Memory:      65536,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			MinLength:   10,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

func validateConfig(cfg Config) error {
	if len(cfg.Token.Secret) == 0 {
		return errors.New("authcore: Token.Secret is required")
	}
	if cfg.Token.AccessTTL <= 0 {
		return errors.New("authcore: Token.AccessTTL must be positive")
	}
	if cfg.Credential.RefreshTTL <= 0 {
		return errors.New("authcore: Credential.RefreshTTL must be positive")
	}
	if cfg.Credential.RefreshTTL <= cfg.Token.AccessTTL {
		return errors.New("authcore: Credential.RefreshTTL must exceed Token.AccessTTL")
	}
	if cfg.PasswordReset.Enabled && cfg.PasswordReset.ResetTTL <= 0 {
		return errors.New("authcore: PasswordReset.ResetTTL must be positive")
	}
	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	if cfg.Token.Secret != nil {
		out.Token.Secret = append([]byte(nil), cfg.Token.Secret...)
	}
	return out
}
