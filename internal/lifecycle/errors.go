package lifecycle

import (
	"errors"
	"fmt"

	"VPN-Storefront-bot/internal/session"
)

var (
	ErrValidation              = errors.New("invalid input")
	ErrInvalidTransition       = errors.New("invalid order transition")
	ErrConflict                = errors.New("conflict")
	ErrDuplicateEvidence       = fmt.Errorf("%w: payment evidence already used by an approved order", ErrConflict)
	ErrNoCapacity              = errors.New("no server with free capacity")
	ErrProvisioningUnavailable = errors.New("provisioning service unavailable")
	ErrProvisioningFailure     = errors.New("provisioning failed")
	ErrNotFound                = errors.New("not found")
	ErrRateLimited             = errors.New("rate limited")
)

// ValidationError carries a message that is safe to show to the user as is.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string        { return "invalid input: " + e.Msg }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ProvisioningError wraps a failed call to the provisioning client.
type ProvisioningError struct {
	Op  string
	Err error
}

func (e *ProvisioningError) Error() string        { return "provisioning " + e.Op + ": " + e.Err.Error() }
func (e *ProvisioningError) Unwrap() error        { return e.Err }
func (e *ProvisioningError) Is(target error) bool { return target == ErrProvisioningFailure }

// UserMessage is the text shown to a customer for err. Internal details never leak.
func UserMessage(err error) string {
	var v *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &v):
		return v.Msg
	case errors.Is(err, ErrDuplicateEvidence):
		return "This payment screenshot was already used for another order. Please send the receipt for this payment."
	case errors.Is(err, ErrConflict):
		return "You already have an order in progress. Finish or wait for it before starting a new one."
	case errors.Is(err, ErrRateLimited):
		return "Too many requests. Please wait a minute and try again."
	case errors.Is(err, ErrInvalidTransition):
		return "This order cannot do that right now."
	case errors.Is(err, ErrNotFound):
		return "Order not found."
	default:
		return "Something went wrong. Please try again later."
	}
}

// AdminMessage is the text shown to a reviewer for err, with a retry hint for
// infrastructure failures.
func AdminMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrInvalid):
		return "This confirmation is no longer valid. Start the action again."
	case errors.Is(err, ErrNoCapacity):
		return "No server has free capacity. Add a server or raise capacity, then retry."
	case errors.Is(err, ErrProvisioningUnavailable):
		return "The provisioning panel is down. Retry once it is healthy again."
	case errors.Is(err, ErrProvisioningFailure):
		return "Creating the credential failed; the order is still waiting for review. Start the approval again to retry."
	case errors.Is(err, ErrDuplicateEvidence):
		return "This evidence already backs another approved order."
	case errors.Is(err, ErrInvalidTransition):
		return "The order is no longer waiting for review."
	default:
		return UserMessage(err)
	}
}

// Kind is a short label for metrics and logs.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrDuplicateEvidence):
		return "duplicate_evidence"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, session.ErrInvalid):
		return "session_invalid"
	case errors.Is(err, ErrNoCapacity):
		return "no_capacity"
	case errors.Is(err, ErrProvisioningUnavailable):
		return "provisioning_unavailable"
	case errors.Is(err, ErrProvisioningFailure):
		return "provisioning_failure"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}
