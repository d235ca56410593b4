package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/labtrack/authcore/credential"
	"github.com/labtrack/authcore/password"
	"github.com/labtrack/authcore/token"
)

// Engine is the session lifecycle core. It is immutable after Build and
// safe for concurrent use.
type Engine struct {
	config       Config
	tokens       *token.Manager
	credentials  *credential.Store
	resetStore   *passwordResetStore
	resetLimiter *passwordResetLimiter
	hasher       *password.Hasher
	audit        *auditDispatcher
	metrics      *Metrics
	verifier     IdentityVerifier
	permissions  PermissionSource
	notifier     ResetNotifier
}

// Close drains the audit dispatcher. Call it once the Engine is retired.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports audit events discarded under backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Login verifies identifier and secret against the [IdentityVerifier] and,
// on success, issues a fresh access/refresh pair rooted in a new rotation
// chain. Every rejection maps to [ErrInvalidCredentials]; the reason never
// reaches the caller.
func (e *Engine) Login(ctx context.Context, identifier, secret string) (*TokenPair, error) {
	if e == nil || e.verifier == nil {
		return nil, ErrEngineNotReady
	}

	if identifier == "" || secret == "" {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "empty_input"}
		})
		return nil, ErrInvalidCredentials
	}

	identity, err := e.verifier.VerifyCredentials(ctx, identifier, secret)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"identifier": identifier}
		})
		return nil, ErrInvalidCredentials
	}
	secret = ""

	pair, credID, err := e.issueSession(ctx, identity)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, identity.UserID, "", ErrSessionCreationFailed, func() map[string]string {
			return map[string]string{"reason": "session_creation"}
		})
		return nil, ErrSessionCreationFailed
	}

	e.metricInc(MetricLoginSuccess)
	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventLoginSuccess, true, identity.UserID, credID, nil, nil)

	return pair, nil
}

// Refresh exchanges a live refresh credential for a new access/refresh
// pair. The presented credential is rotated out atomically; under two
// concurrent calls with the same value the first committer wins and the
// loser observes reuse.
//
// A rotated credential presented again is treated as theft: the entire
// chain is revoked and [ErrRefreshReuse] is returned. The caller must
// discard local session state and re-authenticate.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil || e.credentials == nil {
		return nil, ErrEngineNotReady
	}

	if refreshToken == "" {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", ErrRefreshNotFound, func() map[string]string {
			return map[string]string{"reason": "empty_value"}
		})
		return nil, ErrRefreshNotFound
	}

	rotation, err := e.credentials.ValidateAndRotate(ctx, refreshToken, clientIPFromContext(ctx), userAgentFromContext(ctx))
	if err != nil {
		switch {
		case errors.Is(err, credential.ErrReuse):
			return nil, e.handleRefreshReuse(ctx, refreshToken)
		case errors.Is(err, credential.ErrExpired):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", ErrRefreshExpired, func() map[string]string {
				return map[string]string{"reason": "expired"}
			})
			return nil, ErrRefreshExpired
		case errors.Is(err, credential.ErrNotFound):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", ErrRefreshNotFound, func() map[string]string {
				return map[string]string{"reason": "not_found"}
			})
			return nil, ErrRefreshNotFound
		default:
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", err, func() map[string]string {
				return map[string]string{"reason": "rotate_failed"}
			})
			return nil, err
		}
	}

	identity, err := e.verifier.GetUserByID(ctx, rotation.New.UserID)
	if err != nil {
		// The successor was already committed; kill it so the chain does
		// not outlive the account.
		_ = e.credentials.Revoke(ctx, rotation.New.ID, credential.ReasonLogout)
		e.metricInc(MetricRefreshFailure)
		e.metricInc(MetricSessionInvalidated)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, rotation.New.UserID, rotation.New.ID, ErrUnauthorized, func() map[string]string {
			return map[string]string{"reason": "identity_lookup"}
		})
		return nil, ErrUnauthorized
	}

	access, expiresAt, err := e.issueAccessToken(ctx, identity)
	if err != nil {
		_ = e.credentials.Revoke(ctx, rotation.New.ID, credential.ReasonLogout)
		e.metricInc(MetricRefreshFailure)
		e.metricInc(MetricSessionInvalidated)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, identity.UserID, rotation.New.ID, err, func() map[string]string {
			return map[string]string{"reason": "issue_access_failed"}
		})
		return nil, ErrSessionCreationFailed
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, identity.UserID, rotation.New.ID, nil, nil)

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: rotation.Value,
		ExpiresAt:    expiresAt,
		Identity:     identity,
	}, nil
}

func (e *Engine) handleRefreshReuse(ctx context.Context, refreshToken string) error {
	e.metricInc(MetricRefreshReuseDetected)

	reused, err := e.credentials.FindByValue(ctx, refreshToken)
	if err != nil {
		e.emitAudit(ctx, auditEventRefreshReuse, false, "", "", ErrRefreshReuse, func() map[string]string {
			return map[string]string{"chain_revoked": "false"}
		})
		return ErrRefreshReuse
	}

	if err := e.credentials.RevokeChainFrom(ctx, reused, credential.ReasonReuseDetected); err != nil {
		e.emitAudit(ctx, auditEventRefreshReuse, false, reused.UserID, reused.ID, ErrRefreshReuse, func() map[string]string {
			return map[string]string{"chain_revoked": "false"}
		})
		return ErrRefreshReuse
	}

	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, auditEventRefreshReuse, false, reused.UserID, reused.ID, ErrRefreshReuse, func() map[string]string {
		return map[string]string{"chain_revoked": "true"}
	})
	return ErrRefreshReuse
}

// Validate verifies a bearer access credential offline and returns the
// identity and permissions embedded at issuance. No store round-trip is
// made; revocation takes effect at the next refresh, not here.
func (e *Engine) Validate(ctx context.Context, tokenStr string) (*AuthResult, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.tokens.Verify(tokenStr)
	if err != nil {
		return nil, ErrUnauthorized
	}

	return &AuthResult{
		UserID:      claims.Subject,
		Email:       claims.Email,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}, nil
}

// Logout revokes the presented refresh credential. Unknown and already
// revoked values are treated as success so retried logouts stay quiet.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if e == nil || e.credentials == nil {
		return ErrEngineNotReady
	}

	cred, err := e.credentials.FindByValue(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return nil
		}
		return err
	}

	if err := e.credentials.Revoke(ctx, cred.ID, credential.ReasonLogout); err != nil && !errors.Is(err, credential.ErrNotFound) {
		e.emitAudit(ctx, auditEventLogout, false, cred.UserID, cred.ID, err, nil)
		return err
	}

	e.metricInc(MetricLogout)
	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, auditEventLogout, true, cred.UserID, cred.ID, nil, nil)
	return nil
}

// ForceLogoutAllSessions revokes every active refresh credential of the
// user with the given reason; an empty reason defaults to
// [credential.ReasonLogout]. Access credentials already in flight stay
// valid until they expire.
func (e *Engine) ForceLogoutAllSessions(ctx context.Context, userID string, reason credential.RevokeReason) error {
	if reason == "" {
		reason = credential.ReasonLogout
	}
	return e.forceLogout(ctx, userID, reason)
}

func (e *Engine) forceLogout(ctx context.Context, userID string, reason credential.RevokeReason) error {
	if e == nil || e.credentials == nil {
		return ErrEngineNotReady
	}

	err := e.credentials.RevokeAllForUser(ctx, userID, reason)
	if err == nil {
		e.metricInc(MetricLogoutAll)
		e.metricInc(MetricSessionInvalidated)
	}
	e.emitAudit(ctx, auditEventForcedLogout, err == nil, userID, "", err, func() map[string]string {
		return map[string]string{"revoke_reason": string(reason)}
	})
	return err
}

// ActiveSessions lists the IDs of the user's live refresh credentials.
func (e *Engine) ActiveSessions(ctx context.Context, userID string) ([]string, error) {
	if e == nil || e.credentials == nil {
		return nil, ErrEngineNotReady
	}
	return e.credentials.ActiveIDsForUser(ctx, userID)
}

// Ping reports store reachability and round-trip latency.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	if e == nil || e.credentials == nil {
		return 0, ErrEngineNotReady
	}
	return e.credentials.Ping(ctx)
}

func (e *Engine) issueSession(ctx context.Context, identity UserIdentity) (*TokenPair, string, error) {
	cred, value, err := e.credentials.Issue(ctx, identity.UserID, clientIPFromContext(ctx), userAgentFromContext(ctx))
	if err != nil {
		return nil, "", err
	}

	access, expiresAt, err := e.issueAccessToken(ctx, identity)
	if err != nil {
		_ = e.credentials.Revoke(ctx, cred.ID, credential.ReasonLogout)
		return nil, "", err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: value,
		ExpiresAt:    expiresAt,
		Identity:     identity,
	}, cred.ID, nil
}

func (e *Engine) issueAccessToken(ctx context.Context, identity UserIdentity) (string, time.Time, error) {
	var perms map[string]string
	if e.permissions != nil {
		p, err := e.permissions.PermissionsFor(ctx, identity.UserID)
		if err != nil {
			return "", time.Time{}, err
		}
		perms = p
	}

	expiresAt := time.Now().Add(e.config.Token.AccessTTL)
	access, err := e.tokens.Issue(token.Identity{
		UserID:      identity.UserID,
		Email:       identity.Email,
		Roles:       identity.Roles,
		Permissions: perms,
	}, 0)
	if err != nil {
		return "", time.Time{}, err
	}

	return access, expiresAt, nil
}
