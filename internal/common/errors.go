// Package common defines shared constants and sentinel errors used across
// mailkeeper components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Storage-level errors.
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrTransient = errors.New("transient storage error")

	// ErrUnavailable is what a session sees once the transient retry
	// budget is exhausted (or a bootstrap deadline expires).
	ErrUnavailable = errors.New("storage unavailable")

	// ErrCorrupt marks MAC failures, malformed checkpoints and truncated
	// operations. Fatal for the affected path; durable data is never
	// deleted in response to it.
	ErrCorrupt = errors.New("corrupt data")

	// Vault errors.
	ErrBadPassword = errors.New("bad password")
	ErrVaultExists = errors.New("vault already initialized")

	// ErrPermissionDenied: a public (deposit-only) capability attempted
	// an authenticated operation. Caller bug.
	ErrPermissionDenied = errors.New("permission denied")

	ErrInternal = errors.New("internal error")
)
