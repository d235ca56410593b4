// Package token manages access-credential issuance and verification with
// symmetric signing and strict, zero-leeway validation semantics.
package token
