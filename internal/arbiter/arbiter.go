// Package arbiter decides, among a short list of scored candidate
// events, which one (if any) an ambiguous article actually belongs to.
// It is consulted only when the assignment coordinator's hybrid score
// alone isn't decisive enough to act on with confidence.
package arbiter

import (
	"context"

	"briefly/internal/core"
)

// Candidate is one of the events offered to the arbiter for a single
// decision, carrying just enough context for an LLM prompt to reason
// about it.
type Candidate struct {
	Event     core.Event
	Score     core.ScoreBreakdown
	Summaries []string // short summaries of a few member articles, for prompt context
}

// Decision is the tagged-union-style result of an arbitration call:
// either "this is the same event as candidate N" or "this is a new
// event", never both.
type Decision struct {
	IsNewEvent bool
	EventID    string // set when IsNewEvent is false
}

// Arbiter picks the best matching candidate event for an article, or
// reports that none of them are a match and a new event should be
// seeded. Implementations must return a Decision with
// IsNewEvent=true and a non-nil error only when arbitration genuinely
// failed; callers fall back to the highest-scoring candidate on error,
// matching the original's "unclear response -> fall back" contract.
type Arbiter interface {
	Arbitrate(ctx context.Context, article core.Article, candidates []Candidate) (Decision, error)
}

// Errors classify why an arbitration call failed, so the retry loop in
// gemini.go can decide whether to retry or give up immediately.
type (
	// AuthenticationError means the credentials themselves are bad;
	// retrying will never help.
	AuthenticationError struct{ msg string }
	// TimeoutError means the call exceeded its wall-clock budget.
	TimeoutError struct{ msg string }
	// ResponseError means the model replied but the response couldn't
	// be used (malformed, unclear, empty). Retryable is set by the
	// caller based on the specific failure.
	ResponseError struct {
		msg       string
		Retryable bool
	}
)

func (e *AuthenticationError) Error() string { return e.msg }
func (e *TimeoutError) Error() string        { return e.msg }
func (e *ResponseError) Error() string       { return e.msg }

func NewAuthenticationError(msg string) error { return &AuthenticationError{msg: msg} }
func NewTimeoutError(msg string) error        { return &TimeoutError{msg: msg} }
func NewResponseError(msg string, retryable bool) error {
	return &ResponseError{msg: msg, Retryable: retryable}
}

// IsRetryable reports whether err is worth retrying: a ResponseError
// explicitly marked retryable, or a TimeoutError (a single slow call
// doesn't mean the next one will be). AuthenticationError and any
// unrecognized error are never retried.
func IsRetryable(err error) bool {
	switch e := err.(type) {
	case *ResponseError:
		return e.Retryable
	case *TimeoutError:
		return true
	default:
		return false
	}
}
