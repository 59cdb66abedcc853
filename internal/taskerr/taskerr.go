// Package taskerr classifies the errors the dispatcher and worker need to
// treat differently: retryable faults, permanent rejections, approval
// outcomes, and invariant violations.
package taskerr

import "errors"

// Kind classifies an error for propagation and retry decisions.
type Kind int

const (
	// KindTransient errors are retryable: store contention, a 5xx from the
	// notifier. The caller may retry with backoff.
	KindTransient Kind = iota
	// KindPermanent errors are surfaced and never retried automatically:
	// the agent rejected the input, a guardrail denied, an allow-list
	// rejected the sender.
	KindPermanent
	// KindPolicy errors are approval denials or expirations; they become a
	// structured in-turn refusal rather than a task failure.
	KindPolicy
	// KindCorruption errors are invariant violations: fatal to the affected
	// task, but the process keeps serving other conversations.
	KindCorruption
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindPolicy:
		return "policy"
	case KindCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind.
type Error struct {
	Kind   Kind
	Reason string // short, user-safe one-liner (rule name, "approval denied", "timeout")
	err    error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

func wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, err: err}
}

func Transient(reason string, err error) error  { return wrap(KindTransient, reason, err) }
func Permanent(reason string, err error) error  { return wrap(KindPermanent, reason, err) }
func Policy(reason string, err error) error     { return wrap(KindPolicy, reason, err) }
func Corruption(reason string, err error) error { return wrap(KindCorruption, reason, err) }

// KindOf extracts the Kind of err, defaulting to KindPermanent when err does
// not carry one (an un-annotated error is treated as non-retryable).
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindPermanent
}

// ReasonOf extracts the user-safe reason string, or "" when err carries none.
func ReasonOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Reason
	}
	return ""
}
