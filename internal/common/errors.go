// Package common defines shared constants and sentinel errors used across
// medvault components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound    = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// Service-level errors.
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// Boundary errors surfaced by the upload pipeline.
	ErrIO               = errors.New("i/o error")
	ErrAuth             = errors.New("authentication failed")
	ErrPersistence      = errors.New("persistence error")
	ErrStorageWrite     = errors.New("storage write error")
	ErrUnreadableSource = errors.New("unreadable source")

	// Sync job outcomes. Transient errors are retried with backoff,
	// permanent ones terminate the job.
	ErrTransientSync = errors.New("transient sync error")
	ErrPermanentSync = errors.New("permanent sync error")

	// Workflow gate errors.
	ErrConsentRequired = errors.New("consent not accepted")
	ErrInvalidToken    = errors.New("invalid token")
	ErrClosed          = errors.New("closed")
)
