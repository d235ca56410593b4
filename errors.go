package authcore

import "errors"

var (
	// ErrUnauthorized is returned for any invalid or expired access
	// credential presented at the bearer boundary.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidCredentials is the single login failure. It deliberately
	// carries no detail about which field was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRefreshNotFound is returned for a malformed or foreign refresh value.
	ErrRefreshNotFound = errors.New("refresh credential not found")
	// ErrRefreshExpired is returned for an unrevoked refresh credential past
	// its fixed TTL.
	ErrRefreshExpired = errors.New("refresh credential expired")
	// ErrRefreshReuse is returned when a rotated refresh credential is
	// presented again. Security-relevant: the chain has been revoked and the
	// caller must re-authenticate.
	ErrRefreshReuse = errors.New("refresh credential reuse detected")
	// ErrResetDisabled is returned when the reset lifecycle is not enabled.
	ErrResetDisabled = errors.New("password reset disabled")
	// ErrResetInvalid is returned for an unknown password-reset token.
	ErrResetInvalid = errors.New("password reset token invalid")
	// ErrResetUsed is returned when the reset token was already consumed.
	ErrResetUsed = errors.New("password reset token already used")
	// ErrResetExpired is returned when the reset token is past its TTL.
	ErrResetExpired = errors.New("password reset token expired")
	// ErrResetRateLimited is returned when reset request/confirm throttling
	// rejects the call.
	ErrResetRateLimited = errors.New("password reset rate limited")
	// ErrPasswordPolicy is returned when the replacement password is rejected.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrSessionCreationFailed is returned when credential issuance fails
	// after a successful identity check.
	ErrSessionCreationFailed = errors.New("session creation failed")
	// ErrEngineNotReady is returned when the Engine was not built correctly.
	ErrEngineNotReady = errors.New("engine not initialized")
)
