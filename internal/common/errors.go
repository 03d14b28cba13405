// Package common defines shared constants and sentinel errors used across
// the Serve client SDK. Callers should use errors.Is to match these values.
package common

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Session-level errors.
	ErrNotAuthenticated = errors.New("not authenticated")

	// Cryptographic errors. None of these is ever retried automatically:
	// retrying with the same bad key cannot succeed.
	ErrWrongPassphrase       = errors.New("wrong passphrase")
	ErrKeyMismatch           = errors.New("key mismatch")
	ErrAuthenticationFailure = errors.New("authentication failure")

	// Authorization / key-grant errors.
	ErrAccessDenied       = errors.New("access denied")
	ErrInvalidCredentials = errors.New("invalid email/password")

	// Control-plane errors (stale member list on rotation, duplicate
	// signup or team name).
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not found")

	// Transport errors. Safe to retry with the same inputs.
	ErrTransport = errors.New("transport error")
)

// PartialFailureError reports a rotation that replaced the team key and
// every member grant but could not rewrap every document key. The team
// key is rotated; the listed documents stay wrapped under the old key
// until reencryption is resumed.
type PartialFailureError struct {
	TeamID             string
	SkippedDocumentIDs []string
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("rotation for team %s committed, but %d document key(s) were not rewrapped: %s",
		e.TeamID, len(e.SkippedDocumentIDs), strings.Join(e.SkippedDocumentIDs, ", "))
}
