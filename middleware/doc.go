// Package middleware exposes an HTTP adapter for bearer-credential
// enforcement built on authcore.Engine validation.
//
// [Guard] reads the Authorization header, calls Engine.Validate, and
// injects the verified identity into the request context, where handlers
// retrieve it with [AuthResultFromContext].
//
// # What this package must NOT do
//
//   - Parse or create access credentials directly (delegates to Engine).
//   - Touch Redis; validation is offline.
//   - Make authorization decisions beyond pass/reject.
package middleware
