package publish

import (
	"errors"
	"fmt"
	"time"
)

// Escalation conditions are a closed set of tagged error variants
// constructed by executors and decoded exactly once, at the runner
// boundary, via errors.As. Consumers never match on message text.

// Terminal marks an error as a hard, permanent condition (for example an
// account ban). The job transitions straight to failed regardless of the
// remaining retry budget.
//
// Example:
//
//	return publish.Terminal(fmt.Errorf("account suspended: %w", err))
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return terminalError{err: err}
}

// IsTerminal reports whether err is wrapped with Terminal.
func IsTerminal(err error) bool {
	var e terminalError
	return errors.As(err, &e)
}

type terminalError struct{ err error }

func (e terminalError) Error() string { return fmt.Sprintf("terminal: %v", e.err) }
func (e terminalError) Unwrap() error { return e.err }

// NeedsVerification marks an error as an interactive-verification
// escalation: the destination is asking for input only a human can
// provide (a one-time code, a captcha solution). The job parks in
// needs_verification without consuming a retry. reason is the
// human-readable prompt; url, if known, points at where to act.
func NeedsVerification(err error, reason, url string) error {
	if err == nil {
		err = errors.New(reason)
	}
	return verificationError{err: err, reason: reason, url: url}
}

// VerificationError is implemented by errors carrying an interactive
// verification prompt.
type VerificationError interface {
	error
	Reason() string
	VerificationURL() string
}

type verificationError struct {
	err    error
	reason string
	url    string
}

func (e verificationError) Error() string {
	return fmt.Sprintf("needs-verification(%s): %v", e.reason, e.err)
}
func (e verificationError) Unwrap() error           { return e.err }
func (e verificationError) Reason() string          { return e.reason }
func (e verificationError) VerificationURL() string { return e.url }

// RetryAfter provides a suggested delay before retrying, for when the
// destination returns an explicit backoff hint. The scheduler respects
// the hint (bounded by its max retry delay) and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string {
	return fmt.Sprintf("retry-after(%s): %v", e.after, e.err)
}
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
