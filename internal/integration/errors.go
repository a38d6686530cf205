package integration

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a local ban record the operation needs
	// does not exist.
	ErrNotFound = errors.New("integration: not found")

	ErrAlreadyEnabled  = errors.New("integration: already enabled")
	ErrAlreadyDisabled = errors.New("integration: already disabled")

	// ErrIntegrationDisabled is returned by operations that need an enabled
	// integration.
	ErrIntegrationDisabled = errors.New("integration: disabled")

	// ErrNotSaved is returned by operations that need a persisted config.
	ErrNotSaved = errors.New("integration: config not saved")

	// ErrAlreadyRegistered is returned by Registry.Add for a duplicate id.
	ErrAlreadyRegistered = errors.New("integration: already registered")

	// ErrPartialBatch marks a batch response in which only some entries
	// succeeded. The bulk executor retries the missing entries once.
	ErrPartialBatch = errors.New("integration: batch partially failed")
)

// ValidationError means the config cannot be used as it is.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return "integration: validation: " + e.Reason + ": " + e.Err.Error()
	}
	return "integration: validation: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid builds a ValidationError with a formatted reason.
func Invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// MissingPermissionsError means the credentials work but lack scopes.
// errors.As matches it against *ValidationError as well.
type MissingPermissionsError struct {
	Missing []string
}

func (e *MissingPermissionsError) Error() string {
	return "integration: missing permissions: " + strings.Join(e.Missing, ", ")
}

func (e *MissingPermissionsError) As(target any) bool {
	if v, ok := target.(**ValidationError); ok {
		*v = &ValidationError{Reason: "missing permissions: " + strings.Join(e.Missing, ", "), Err: e}
		return true
	}
	return false
}

// AlreadyBannedError is returned by BanPlayer for a player that already
// has a local ban record.
type AlreadyBannedError struct {
	PlayerID string
}

func (e *AlreadyBannedError) Error() string {
	return "integration: player " + e.PlayerID + " already banned"
}

// BanError is a failed remote ban or unban of a single player.
type BanError struct {
	PlayerID string
	Err      error
}

func (e *BanError) Error() string {
	return "integration: ban " + e.PlayerID + ": " + e.Err.Error()
}

func (e *BanError) Unwrap() error { return e.Err }

// BulkBanError lists the players a bulk operation failed for. Unattempted
// holds the entries skipped after the circuit breaker tripped.
type BulkBanError struct {
	Failed      []string
	Unattempted []string
	Aborted     bool
}

func (e *BulkBanError) Error() string {
	msg := fmt.Sprintf("integration: bulk operation failed for %d players (%s)",
		len(e.Failed), strings.Join(e.Failed, ", "))
	if e.Aborted {
		msg += fmt.Sprintf("; aborted with %d unattempted", len(e.Unattempted))
	}
	return msg
}
