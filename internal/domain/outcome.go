package domain

import "fmt"

// OutcomeKind classifies how an operation ended.
type OutcomeKind string

const (
	OutcomeOk        OutcomeKind = "ok"
	OutcomeTransient OutcomeKind = "transient_error"
	OutcomePermanent OutcomeKind = "permanent_error"
	OutcomeRejected  OutcomeKind = "rejected"
)

// Outcome is the typed result of a guarded operation. Business rejections
// (correlation cap, circuit open, drawdown halt) travel here as Rejected
// values rather than Go errors, so callers can tell "refused by policy"
// from "failed".
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Reason string      `json:"reason,omitempty"`
	Err    error       `json:"-"`
}

// Ok is the success outcome.
func Ok() Outcome { return Outcome{Kind: OutcomeOk} }

// Transient wraps a retryable failure.
func Transient(err error) Outcome {
	return Outcome{Kind: OutcomeTransient, Reason: errReason(err), Err: err}
}

// Permanent wraps a non-retryable failure.
func Permanent(err error) Outcome {
	return Outcome{Kind: OutcomePermanent, Reason: errReason(err), Err: err}
}

// Rejected is a policy refusal. Not an error: the system is healthy and
// said no.
func Rejected(reason string) Outcome {
	return Outcome{Kind: OutcomeRejected, Reason: reason}
}

// IsOk reports success.
func (o Outcome) IsOk() bool { return o.Kind == OutcomeOk }

// IsRejected reports a policy refusal.
func (o Outcome) IsRejected() bool { return o.Kind == OutcomeRejected }

// Retryable reports whether a retry could change the result.
func (o Outcome) Retryable() bool { return o.Kind == OutcomeTransient }

func (o Outcome) String() string {
	if o.Reason == "" {
		return string(o.Kind)
	}
	return fmt.Sprintf("%s: %s", o.Kind, o.Reason)
}

func errReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
