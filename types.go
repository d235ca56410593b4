package authcore

import (
	"context"
	"time"
)

// UserIdentity is the verified identity returned by the [IdentityVerifier]
// collaborator and echoed back to the client at login.
type UserIdentity struct {
	UserID string
	Email  string
	Roles  string
}

// TokenPair is the result of a successful login or refresh: a short-lived
// signed access credential and the opaque long-lived refresh credential that
// can mint its successor.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Identity     UserIdentity
}

// AuthResult is returned by [Engine.Validate] for a verified bearer value.
type AuthResult struct {
	UserID      string
	Email       string
	Roles       string
	Permissions map[string]string
}

// IdentityVerifier is the user-management collaborator. It owns password
// hash checks, account status, and lockout bookkeeping; the Engine only
// consumes its verdicts.
//
// VerifyCredentials must fail for unknown identifiers, wrong secrets,
// disabled accounts, and locked accounts alike — the Engine maps every
// failure to a single undifferentiated login rejection.
type IdentityVerifier interface {
	VerifyCredentials(ctx context.Context, identifier, secret string) (UserIdentity, error)
	GetUserByID(ctx context.Context, userID string) (UserIdentity, error)
	GetUserByEmail(ctx context.Context, email string) (UserIdentity, error)
	UpdatePasswordHash(ctx context.Context, userID, newHash string) error
	ClearLockout(ctx context.Context, userID string) error
}

// PermissionSource supplies the module→permission-level pairs embedded into
// the access credential at issuance. It is treated as a pure data source;
// authorization semantics live with the caller.
type PermissionSource interface {
	PermissionsFor(ctx context.Context, userID string) (map[string]string, error)
}

// ResetNotifier dispatches the reset token to the account's email address.
// Dispatch is fire-and-forget: a notifier failure is logged but never aborts
// the reset-request flow.
type ResetNotifier interface {
	SendResetMessage(ctx context.Context, email, tokenValue string) error
}
