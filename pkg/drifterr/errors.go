// Package drifterr defines driftdb's closed set of error kinds. Every
// component wraps the sentinel matching its failure with fmt.Errorf's %w,
// following the teacher's wrapping style, rather than introducing an
// exceptions framework on top of the standard library.
package drifterr

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error kinds client-visible or cluster-visible
// errors fall into.
type Kind string

const (
	KindAuth              Kind = "AUTH"
	KindPermission        Kind = "PERMISSION"
	KindValidation        Kind = "VALIDATION"
	KindRateLimit         Kind = "RATE_LIMIT"
	KindTransientPeer     Kind = "TRANSIENT_PEER"
	KindAckTimeout        Kind = "ACK_TIMEOUT"
	KindSyncResetRequired Kind = "SYNC_RESET_REQUIRED"
	KindFatal             Kind = "FATAL"
)

// DriftError is the sentinel error value every component wraps via
// fmt.Errorf("...: %w", err). Code mirrors the wire-level numeric error
// code for kinds that have one (401 AUTH, 403 PERMISSION, 400 VALIDATION); it is 0
// for kinds with no fixed wire code.
type DriftError struct {
	Kind    Kind
	Code    int
	Message string
}

func (e *DriftError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is supports errors.Is(err, ErrRateLimit) style matching by kind, ignoring
// Message/Code so callers can match on the sentinel regardless of the
// specific instance's detail text.
func (e *DriftError) Is(target error) bool {
	other, ok := target.(*DriftError)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// Sentinels for errors.Is comparisons; component code wraps one of these
// with additional context via fmt.Errorf("...: %w", err).
var (
	ErrAuth              = &DriftError{Kind: KindAuth, Code: 401}
	ErrPermission        = &DriftError{Kind: KindPermission, Code: 403}
	ErrValidation        = &DriftError{Kind: KindValidation, Code: 400}
	ErrRateLimit         = &DriftError{Kind: KindRateLimit}
	ErrTransientPeer     = &DriftError{Kind: KindTransientPeer}
	ErrAckTimeout        = &DriftError{Kind: KindAckTimeout}
	ErrSyncResetRequired = &DriftError{Kind: KindSyncResetRequired}
	ErrFatal             = &DriftError{Kind: KindFatal}
)

// New creates a DriftError of kind with a formatted message, for call sites
// that need to attach detail beyond the bare sentinel.
func New(kind Kind, format string, args ...any) *DriftError {
	code := 0
	switch kind {
	case KindAuth:
		code = 401
	case KindPermission:
		code = 403
	case KindValidation:
		code = 400
	}
	return &DriftError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// As is a thin re-export of the standard errors.As so callers importing
// this package don't need a second import for the common case of
// extracting a *DriftError from a wrapped chain.
func As(err error, target **DriftError) bool {
	return errors.As(err, target)
}

// Is is a thin re-export of the standard errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
