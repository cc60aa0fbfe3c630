package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"mailsync/models"
	"mailsync/provider"
)

// ErrorKind is the sync failure taxonomy.
type ErrorKind string

const (
	KindRateLimited      ErrorKind = "rate_limited"
	KindTransientService ErrorKind = "transient_service"
	KindPermanent        ErrorKind = "permanent"
	KindCursorInvalid    ErrorKind = "cursor_invalid"
	KindAdmissionDenied  ErrorKind = "admission_denied"
	KindCircuitOpen      ErrorKind = "circuit_open"
	KindAccountMissing   ErrorKind = "account_missing"
	KindManuallyStopped  ErrorKind = "manually_stopped"

	// kindDeadline marks a wait that could not finish inside the run budget.
	kindDeadline ErrorKind = "deadline"
)

// SyncError is a classified failure carried through the engine.
type SyncError struct {
	Kind ErrorKind
	// RetryAfter is the provider hint for rate limits or the guard's
	// remaining cool-down for an open circuit.
	RetryAfter time.Duration
	// Reauth is set when the account's credentials were rejected.
	Reauth bool
	Err    error
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsKind reports whether err is a SyncError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Kind == kind
}

// Classify maps any error reaching the engine onto the taxonomy. Network and
// timeout failures are transient; errors with no recognizable shape are
// permanent.
func Classify(err error) *SyncError {
	if err == nil {
		return nil
	}

	var se *SyncError
	if errors.As(err, &se) {
		return se
	}

	if errors.Is(err, models.ErrAccountNotFound) {
		return &SyncError{Kind: KindAccountMissing, Err: err}
	}

	var pe *provider.Error
	if errors.As(err, &pe) {
		out := &SyncError{Err: err}
		switch pe.Kind {
		case provider.KindRateLimited:
			out.Kind = KindRateLimited
			out.RetryAfter = pe.RetryAfter
		case provider.KindCursorInvalid:
			out.Kind = KindCursorInvalid
		case provider.KindPermanent:
			out.Kind = KindPermanent
		case provider.KindUnauthorized:
			out.Kind = KindPermanent
			out.Reauth = true
		case provider.KindTransient:
			out.Kind = KindTransientService
		default:
			out.Kind = KindPermanent
		}
		return out
	}

	if transientNetwork(err) {
		return &SyncError{Kind: KindTransientService, Err: err}
	}
	return &SyncError{Kind: KindPermanent, Err: err}
}

func transientNetwork(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}

// storeError classifies a persistence failure. Anything but a missing account
// is the database's problem and worth another attempt.
func storeError(err error) *SyncError {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, models.ErrAccountNotFound) {
		return &SyncError{Kind: KindAccountMissing, Err: err}
	}
	return &SyncError{Kind: KindTransientService, Err: err}
}
