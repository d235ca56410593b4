package authcore

import (
	"errors"

	"github.com/labtrack/authcore/credential"
	"github.com/labtrack/authcore/password"
	"github.com/labtrack/authcore/token"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an [Engine]. Configure it with the With* methods and
// call Build exactly once; a Builder is not safe for concurrent use.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	verifier    IdentityVerifier
	permissions PermissionSource
	notifier    ResetNotifier
	auditSink   AuditSink

	built bool
}

// New returns a Builder seeded with defaults.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithIdentityVerifier sets the required user-management collaborator.
func (b *Builder) WithIdentityVerifier(v IdentityVerifier) *Builder {
	b.verifier = v
	return b
}

// WithPermissionSource sets the optional permission provider embedded into
// access credentials. Without one, issued tokens carry no permission map.
func (b *Builder) WithPermissionSource(p PermissionSource) *Builder {
	b.permissions = p
	return b
}

// WithResetNotifier sets the delivery channel for reset tokens. Required
// when the password-reset lifecycle is enabled.
func (b *Builder) WithResetNotifier(n ResetNotifier) *Builder {
	b.notifier = n
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	b.config.Audit.Enabled = true
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and wires the Engine. The Builder is
// single-use; a second Build fails.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("authcore: builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("authcore: redis client required")
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if b.verifier == nil {
		return nil, errors.New("authcore: identity verifier required")
	}
	if cfg.PasswordReset.Enabled && b.notifier == nil {
		return nil, errors.New("authcore: reset notifier required when password reset is enabled")
	}

	tokens, err := token.NewManager(token.Config{
		Secret:    append([]byte(nil), cfg.Token.Secret...),
		Issuer:    cfg.Token.Issuer,
		Audience:  cfg.Token.Audience,
		AccessTTL: cfg.Token.AccessTTL,
	})
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
		MinLength:   cfg.Password.MinLength,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:      cfg,
		tokens:      tokens,
		credentials: credential.NewStore(b.redis, cfg.Credential.RedisPrefix, cfg.Credential.RefreshTTL, cfg.Credential.RetentionWindow),
		hasher:      hasher,
		verifier:    b.verifier,
		permissions: b.permissions,
		notifier:    b.notifier,
	}

	if cfg.PasswordReset.Enabled {
		engine.resetStore = newPasswordResetStore(b.redis, cfg.Credential.RedisPrefix, cfg.PasswordReset)
		engine.resetLimiter = newPasswordResetLimiter(b.redis, cfg.Credential.RedisPrefix, cfg.PasswordReset)
	}

	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	b.built = true

	return engine, nil
}
