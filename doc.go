// Package authcore provides the authentication and session lifecycle core for
// multi-tenant diagnostics-lab deployments: JWT access tokens, rotating opaque
// refresh credentials with reuse detection, and a password-reset token
// lifecycle, all backed by Redis.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the orchestration surface. It exposes [Engine], [Builder],
// [Config], and value types (TokenPair, AuthResult, AuditEvent, etc.).
// Credential persistence lives in the credential package, access-token
// signing in token, password hashing in password, and the client-side
// refresh coordinator in refresh. Callers integrate their own identity
// storage through [IdentityVerifier]; authcore never owns user rows.
//
// # What this package must NOT do
//
//   - Store passwords or user profiles. Those belong to the caller behind
//     [IdentityVerifier]; authcore only consumes verification results and
//     hands back replacement hashes on password reset.
//   - Delete refresh-credential records. Revoked and rotated credentials are
//     retained until their retention window lapses so reuse can be detected
//     and chains can be audited.
//   - Perform I/O during Validate. Access-token verification is offline;
//     only Login, Refresh, Logout, and the reset flows touch Redis.
package authcore
