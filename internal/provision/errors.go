package provision

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sashakarcz/ironvpn/internal/outline"
	"github.com/sashakarcz/ironvpn/internal/storage"
	"github.com/sashakarcz/ironvpn/internal/wireguard"
)

// Kind classifies a provisioning failure
type Kind string

const (
	KindPoolExhausted       Kind = "pool_exhausted"
	KindTrialAlreadyActive  Kind = "trial_already_active"
	KindBackendUnavailable  Kind = "backend_unavailable"
	KindFingerprintMismatch Kind = "tls_fingerprint_mismatch"
	KindPartialFailure      Kind = "partial_provisioning_failure"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindInvalidRequest      Kind = "invalid_request"
	KindInternal            Kind = "internal_error"
)

// Error is the typed result the coordinator hands to callers. Message and
// Err are operator-facing; Public is safe to show to end users.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// Dangling lists external state left behind after a failed rollback,
	// e.g. "live_peer:<key>" or "ip:<address>"
	Dangling []string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Detail returns the full operator-facing description
func (e *Error) Detail() string {
	return e.Error()
}

// Public returns a message with no internal detail
func (e *Error) Public() string {
	switch e.Kind {
	case KindPoolExhausted:
		return "no addresses are available right now, please try again later"
	case KindTrialAlreadyActive:
		return "a trial is already active for this account"
	case KindNotFound:
		return "resource not found"
	case KindConflict:
		return "resource is busy, please try again"
	case KindInvalidRequest:
		return e.Message
	default:
		return "the request could not be completed"
	}
}

// Rejection reports whether the failure is an ordinary business rejection
// rather than a fault
func (e *Error) Rejection() bool {
	switch e.Kind {
	case KindPoolExhausted, KindTrialAlreadyActive, KindNotFound, KindInvalidRequest, KindConflict:
		return true
	}
	return false
}

// Retryable reports whether the same request may succeed later
func (e *Error) Retryable() bool {
	return e.Kind == KindPoolExhausted || e.Kind == KindBackendUnavailable || e.Kind == KindConflict
}

// KindOf returns the Kind of err, or "" for nil
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return classify(err)
}

// wrap converts a component error into an *Error, keeping an existing one
func wrap(err error, msg string) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return &Error{Kind: classify(err), Message: msg, Err: err}
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// classify maps errors from the allocator, tools and remote API onto kinds
func classify(err error) Kind {
	var (
		partial *wireguard.PartialApplyError
		toolErr *wireguard.ToolError
		apiErr  *outline.APIError
		netErr  net.Error
	)

	switch {
	case errors.Is(err, outline.ErrFingerprintMismatch):
		return KindFingerprintMismatch
	case errors.As(err, &partial):
		return KindPartialFailure
	case errors.Is(err, storage.ErrTrialActive):
		return KindTrialAlreadyActive
	case errors.Is(err, storage.ErrResourceNotFound):
		return KindNotFound
	case errors.Is(err, storage.ErrStatusConflict):
		return KindConflict
	case errors.Is(err, wireguard.ErrToolNotFound),
		errors.As(err, &toolErr),
		errors.As(err, &apiErr),
		errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded):
		return KindBackendUnavailable
	}
	return KindInternal
}
