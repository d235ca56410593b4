package credential

import "time"

// RevokeReason classifies why a refresh credential was revoked. The reason is
// part of the audit trail and drives reuse detection: presenting a credential
// revoked with [ReasonRotated] is the theft signal.
type RevokeReason string

const (
	// ReasonRotated marks a credential superseded by its successor.
	ReasonRotated RevokeReason = "rotated"
	// ReasonLogout marks an explicit single-session logout.
	ReasonLogout RevokeReason = "logout"
	// ReasonReuseDetected marks chain revocation after a rotated credential
	// was presented again.
	ReasonReuseDetected RevokeReason = "reuse-detected"
	// ReasonPasswordReset marks mass revocation after a password reset.
	ReasonPasswordReset RevokeReason = "password-reset"
)

// Credential is the durable record of one long-lived refresh credential.
// The opaque token value itself is never stored; only its SHA-256 hash is.
// Records are kept after revocation for audit and replay detection and are
// garbage-collected by key TTL once the retention window passes.
type Credential struct {
	ID        string
	UserID    string
	TokenHash [32]byte

	IssuedAt  int64
	ExpiresAt int64

	// RevokedAt is 0 while the credential is live. RevokeReason and
	// ReplacedByID are only meaningful once RevokedAt is set.
	RevokedAt    int64
	RevokeReason RevokeReason
	ReplacedByID string

	// Origin metadata, best-effort.
	IP        string
	UserAgent string
}

// IsActive reports whether the credential can still mint access credentials:
// not revoked and not past its fixed expiry.
func (c *Credential) IsActive(now time.Time) bool {
	if c == nil {
		return false
	}
	return c.RevokedAt == 0 && now.Unix() < c.ExpiresAt
}

// Expired reports whether the unrevoked credential has outlived its TTL.
func (c *Credential) Expired(now time.Time) bool {
	return c != nil && c.RevokedAt == 0 && now.Unix() >= c.ExpiresAt
}
