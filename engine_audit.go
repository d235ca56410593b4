package authcore

import (
	"context"
	"errors"
	"time"
)

// AuditErrorCode is the stable machine-readable error label carried in
// [AuditEvent.Error].
type AuditErrorCode string

const (
	auditErrUnauthorized          AuditErrorCode = "unauthorized"
	auditErrInvalidCredentials    AuditErrorCode = "invalid_credentials"
	auditErrRefreshNotFound       AuditErrorCode = "refresh_not_found"
	auditErrRefreshExpired        AuditErrorCode = "refresh_expired"
	auditErrRefreshReuse          AuditErrorCode = "refresh_reuse"
	auditErrResetInvalid          AuditErrorCode = "reset_invalid"
	auditErrResetUsed             AuditErrorCode = "reset_used"
	auditErrResetExpired          AuditErrorCode = "reset_expired"
	auditErrRateLimited           AuditErrorCode = "rate_limited"
	auditErrPasswordPolicy        AuditErrorCode = "password_policy"
	auditErrSessionCreationFailed AuditErrorCode = "session_creation_failed"
	auditErrInternal              AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	credentialID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp:    time.Now().UTC(),
		EventType:    eventType,
		UserID:       userID,
		CredentialID: credentialID,
		IP:           clientIPFromContext(ctx),
		Success:      success,
		Metadata:     metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return auditErrUnauthorized
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrRefreshNotFound):
		return auditErrRefreshNotFound
	case errors.Is(err, ErrRefreshExpired):
		return auditErrRefreshExpired
	case errors.Is(err, ErrRefreshReuse):
		return auditErrRefreshReuse
	case errors.Is(err, ErrResetInvalid):
		return auditErrResetInvalid
	case errors.Is(err, ErrResetUsed):
		return auditErrResetUsed
	case errors.Is(err, ErrResetExpired):
		return auditErrResetExpired
	case errors.Is(err, ErrResetRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrSessionCreationFailed):
		return auditErrSessionCreationFailed
	default:
		return auditErrInternal
	}
}
