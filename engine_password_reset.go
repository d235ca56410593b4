package authcore

import (
	"context"
	"crypto/rand"
	"errors"
	"log"
	"math/big"
	"time"

	"github.com/labtrack/authcore/credential"
	"github.com/labtrack/authcore/password"
)

const resetNotifyTimeout = 10 * time.Second

// RequestPasswordReset mints a single-use reset token for the account
// bound to email and hands it to the [ResetNotifier]. The response is
// deliberately identical for known and unknown addresses; nothing in the
// return value reveals whether an account exists.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	if e == nil || e.verifier == nil {
		return ErrEngineNotReady
	}
	if e.resetStore == nil {
		return ErrResetDisabled
	}

	ip := clientIPFromContext(ctx)
	if e.resetLimiter != nil {
		if err := e.resetLimiter.CheckRequest(ctx, email, ip); err != nil {
			if errors.Is(err, errResetRateLimited) {
				e.metricInc(MetricPasswordResetRateLimited)
				e.emitAudit(ctx, auditEventResetRateLimited, false, "", "", ErrResetRateLimited, func() map[string]string {
					return map[string]string{"scope": "request"}
				})
				return ErrResetRateLimited
			}
			return err
		}
	}

	e.metricInc(MetricPasswordResetRequest)

	user, err := e.verifier.GetUserByEmail(ctx, email)
	if err != nil {
		// Unknown address: report success to the caller, record the truth
		// in the audit trail. The jittered delay keeps response timing
		// indistinguishable from the token-minting path.
		if err := sleepResetEnumerationDelay(ctx); err != nil {
			return err
		}
		e.emitAudit(ctx, auditEventResetRequest, false, "", "", nil, func() map[string]string {
			return map[string]string{"reason": "unknown_email"}
		})
		return nil
	}

	value, err := e.resetStore.Issue(ctx, user.UserID, email)
	if err != nil {
		e.emitAudit(ctx, auditEventResetRequest, false, user.UserID, "", err, nil)
		return err
	}

	e.dispatchResetNotification(email, value)
	e.emitAudit(ctx, auditEventResetRequest, true, user.UserID, "", nil, nil)

	return nil
}

// dispatchResetNotification is fire-and-forget: delivery failures are
// logged and never surface to the requester.
func (e *Engine) dispatchResetNotification(email, value string) {
	if e.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), resetNotifyTimeout)
		defer cancel()
		if err := e.notifier.SendResetMessage(ctx, email, value); err != nil {
			log.Print("authcore: reset notification dispatch failed")
		}
	}()
}

// CompletePasswordReset consumes the reset token, installs the replacement
// password, and revokes every refresh credential of the account. The token
// is only burned once the new password passes policy; a policy rejection
// leaves it usable for a corrected retry.
func (e *Engine) CompletePasswordReset(ctx context.Context, tokenValue, newPassword string) error {
	if e == nil || e.verifier == nil || e.hasher == nil {
		return ErrEngineNotReady
	}
	if e.resetStore == nil {
		return ErrResetDisabled
	}

	ip := clientIPFromContext(ctx)
	if e.resetLimiter != nil {
		if err := e.resetLimiter.CheckConfirm(ctx, ip); err != nil {
			if errors.Is(err, errResetRateLimited) {
				e.metricInc(MetricPasswordResetRateLimited)
				e.emitAudit(ctx, auditEventResetRateLimited, false, "", "", ErrResetRateLimited, func() map[string]string {
					return map[string]string{"scope": "confirm"}
				})
				return ErrResetRateLimited
			}
			return err
		}
	}

	newHash, err := e.hasher.Hash(newPassword)
	if err != nil {
		e.metricInc(MetricPasswordResetConfirmFailure)
		if errors.Is(err, password.ErrTooShort) {
			e.emitAudit(ctx, auditEventResetConfirm, false, "", "", ErrPasswordPolicy, nil)
			return ErrPasswordPolicy
		}
		e.emitAudit(ctx, auditEventResetConfirm, false, "", "", err, nil)
		return err
	}
	newPassword = ""

	record, err := e.resetStore.Consume(ctx, tokenValue)
	if err != nil {
		e.metricInc(MetricPasswordResetConfirmFailure)
		mapped := mapResetStoreError(err)
		e.emitAudit(ctx, auditEventResetConfirm, false, "", "", mapped, nil)
		return mapped
	}

	if err := e.verifier.UpdatePasswordHash(ctx, record.UserID, newHash); err != nil {
		e.metricInc(MetricPasswordResetConfirmFailure)
		e.emitAudit(ctx, auditEventResetConfirm, false, record.UserID, "", err, func() map[string]string {
			return map[string]string{"reason": "hash_update_failed"}
		})
		return err
	}

	if err := e.verifier.ClearLockout(ctx, record.UserID); err != nil {
		log.Print("authcore: lockout clear failed after password reset")
	}

	if err := e.forceLogout(ctx, record.UserID, credential.ReasonPasswordReset); err != nil {
		e.metricInc(MetricPasswordResetConfirmFailure)
		e.emitAudit(ctx, auditEventResetConfirm, false, record.UserID, "", err, func() map[string]string {
			return map[string]string{"reason": "session_revocation_failed"}
		})
		return err
	}

	e.metricInc(MetricPasswordResetConfirmSuccess)
	e.emitAudit(ctx, auditEventResetConfirm, true, record.UserID, "", nil, nil)

	return nil
}

func sleepResetEnumerationDelay(ctx context.Context) error {
	minMs := int64(20)
	maxMs := int64(40)
	span := maxMs - minMs + 1

	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return err
	}

	delay := time.Duration(minMs+n.Int64()) * time.Millisecond
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mapResetStoreError(err error) error {
	switch {
	case errors.Is(err, errResetNotFound):
		return ErrResetInvalid
	case errors.Is(err, errResetUsed):
		return ErrResetUsed
	case errors.Is(err, errResetExpired):
		return ErrResetExpired
	default:
		return err
	}
}
