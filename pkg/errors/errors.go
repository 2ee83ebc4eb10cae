// Package errors holds the sentinel errors arbiter packages wrap. Match
// them with the standard errors.Is.
package errors

import stderrors "errors"

var (
	// ErrNotFound reports a missing history record or key.
	ErrNotFound = stderrors.New("not found")

	// ErrClosed reports use of a registry, modem or backend after Close.
	ErrClosed = stderrors.New("closed")

	// ErrInvalidInput reports bad configuration or a malformed request.
	ErrInvalidInput = stderrors.New("invalid input")

	// ErrAlreadyExists reports a duplicate plugin name or port claim.
	ErrAlreadyExists = stderrors.New("already exists")

	// ErrTimeout reports a probe that ran out of time.
	ErrTimeout = stderrors.New("timeout")

	// ErrCancelled reports work abandoned because its context ended.
	ErrCancelled = stderrors.New("cancelled")

	// ErrNotReady reports use of a component before Init.
	ErrNotReady = stderrors.New("not ready")
)
