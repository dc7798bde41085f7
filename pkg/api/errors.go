package api

import (
	stderrors "errors"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeActivityTransient = "ACTIVITY_TRANSIENT"
	ErrCodeActivityPermanent = "ACTIVITY_PERMANENT"
	ErrCodeActivityFailed    = "ACTIVITY_FAILED"
	ErrCodeEntityFault       = "ENTITY_FAULT"
	ErrCodeNonDeterministic  = "NON_DETERMINISTIC"
	ErrCodePurgeRejected     = "PURGE_REJECTED"
)

// wrap is apperrors.Wrap that tolerates a nil cause.
func wrap(err error, category apperrors.Category, msg string) *apperrors.Error {
	if err == nil {
		return apperrors.New(msg, category)
	}
	return apperrors.Wrap(err, category, msg)
}

// Transient marks err as retryable under the activity's retry policy
// (timeouts, a dependency being unavailable).
func Transient(err error, msg string) error {
	return wrap(err, apperrors.CategoryExternal, msg).
		WithTextCode(ErrCodeActivityTransient)
}

// Permanent marks err as not worth retrying (invalid input, undefined
// computation).
func Permanent(err error, msg string) error {
	return wrap(err, apperrors.CategoryBadInput, msg).
		WithTextCode(ErrCodeActivityPermanent)
}

// ActivityFailed is the terminal result of an activity that exhausted its
// retries or raised a non-retryable error.
func ActivityFailed(name string, attempts int, last error) error {
	return wrap(last, apperrors.CategoryHandler, "activity "+name+" failed").
		WithTextCode(ErrCodeActivityFailed).
		WithMetadata(map[string]any{
			"activity": name,
			"attempts": attempts,
		})
}

// EntityFault reports unreadable or corrupted entity state.
func EntityFault(err error, entity string) error {
	return wrap(err, apperrors.CategoryHandler, "entity "+entity+" fault").
		WithTextCode(ErrCodeEntityFault).
		WithMetadata(map[string]any{"entity": entity})
}

// NonDeterministic reports that replayed code diverged from its history.
func NonDeterministic(msg string, metadata map[string]any) error {
	return apperrors.New(msg, apperrors.CategoryConflict).
		WithTextCode(ErrCodeNonDeterministic).
		WithMetadata(metadata)
}

// PurgeRejected reports an attempt to purge a live instance.
func PurgeRejected(instanceID string, status Status) error {
	return apperrors.New("cannot purge non-terminal instance", apperrors.CategoryConflict).
		WithTextCode(ErrCodePurgeRejected).
		WithMetadata(map[string]any{
			"instance_id": instanceID,
			"status":      string(status),
		})
}

// ErrorCode returns the text code of the first go-errors error in err's
// chain, or "".
func ErrorCode(err error) string {
	var ae *apperrors.Error
	if stderrors.As(err, &ae) {
		return ae.TextCode
	}
	return ""
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	return ErrorCode(err) == ErrCodeActivityTransient
}

// IsPurgeRejected reports whether err is a PurgeRejected error.
func IsPurgeRejected(err error) bool {
	return ErrorCode(err) == ErrCodePurgeRejected
}

// ErrorMessage renders err for instance output and failure events: the
// go-errors message and its cause, without category or metadata decoration.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	ae, ok := err.(*apperrors.Error)
	if !ok {
		return err.Error()
	}
	if ae.Source != nil {
		return ae.Message + ": " + ae.Source.Error()
	}
	return ae.Message
}

// FailureFromHistory rebuilds the error recorded by an ActivityFailed or
// EntityCallFailed event, so replay hands the orchestration the same
// failure every time.
func FailureFromHistory(ev Event) error {
	code := ErrCodeActivityFailed
	if ev.Type == EventEntityCallFailed {
		code = ErrCodeEntityFault
	}
	return apperrors.New(ev.Detail, apperrors.CategoryHandler).WithTextCode(code)
}
