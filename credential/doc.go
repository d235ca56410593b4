// Package credential provides Redis-backed persistence for long-lived
// refresh credentials, their rotation chains, and revocation state.
//
// # Rotation protocol
//
// A credential is rotated exactly once: rotation revokes it with reason
// "rotated" and links it to its successor through ReplacedByID, forming a
// chain from the login-time credential to the newest one. At most one
// credential per chain is active at any instant; a rotated credential
// presented again is the reuse/theft signal.
//
// # Architecture boundaries
//
// This package owns credential rows and the atomic rotate/revoke scripts.
// It does NOT mint access credentials, decide refresh policy, or emit audit
// events — those responsibilities belong to the Engine.
//
// # What this package must NOT do
//
//   - Store opaque token values in plaintext (only SHA-256 hashes).
//   - Hard-delete records on revocation (retention is TTL-driven).
//   - Import authcore or token (no upward imports).
package credential
