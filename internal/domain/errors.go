package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the user-visible classification of a task failure.
type ErrorKind string

const (
	KindValidation       ErrorKind = "ValidationError"
	KindMediaNotFound    ErrorKind = "MediaNotFound"
	KindExtractionFailed ErrorKind = "ExtractionFailed"
	KindAnalysisFailed   ErrorKind = "AnalysisFailed"
	KindInternal         ErrorKind = "InternalError"
)

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// InvalidTransitionError is returned when a write would break the state machine.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid task transition: %s -> %s", e.From, e.To)
}

// ValidationError is returned synchronously for malformed submissions.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Kind() ErrorKind { return KindValidation }

// RateLimitExceededError is returned when a brand submits faster than allowed.
type RateLimitExceededError struct {
	Key   string
	Limit int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q: limit is %d", e.Key, e.Limit)
}

// MediaNotFoundError is returned when the registry cannot resolve a reference.
type MediaNotFoundError struct {
	MediaRef string
	Err      error
}

func (e *MediaNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media %q not found: %v", e.MediaRef, e.Err)
	}
	return fmt.Sprintf("media %q not found", e.MediaRef)
}

func (e *MediaNotFoundError) Unwrap() error   { return e.Err }
func (e *MediaNotFoundError) Kind() ErrorKind { return KindMediaNotFound }
func (e *MediaNotFoundError) Permanent() bool { return true }

// ExtractionFailedError covers transform failures, smart job failures and
// poll budget exhaustion. Permanent failures are never retried.
type ExtractionFailedError struct {
	MediaRef string
	Strategy string
	Reason   string
	Err      error
	NoRetry  bool
}

func (e *ExtractionFailedError) Error() string {
	msg := fmt.Sprintf("%s extraction of %q failed: %s", e.Strategy, e.MediaRef, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionFailedError) Unwrap() error   { return e.Err }
func (e *ExtractionFailedError) Kind() ErrorKind { return KindExtractionFailed }
func (e *ExtractionFailedError) Permanent() bool { return e.NoRetry }

// AnalysisFailedError covers model call failures and unparseable answers.
type AnalysisFailedError struct {
	Reason  string
	Err     error
	NoRetry bool
}

func (e *AnalysisFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("analysis failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("analysis failed: %s", e.Reason)
}

func (e *AnalysisFailedError) Unwrap() error   { return e.Err }
func (e *AnalysisFailedError) Kind() ErrorKind { return KindAnalysisFailed }
func (e *AnalysisFailedError) Permanent() bool { return e.NoRetry }

// InternalError wraps unexpected failures.
type InternalError struct {
	Reason string
	Err    error
}

func (e *InternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("internal error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("internal error: %s", e.Reason)
}

func (e *InternalError) Unwrap() error   { return e.Err }
func (e *InternalError) Kind() ErrorKind { return KindInternal }
func (e *InternalError) Permanent() bool { return true }

// TransientError marks a failed external call that may succeed if repeated
// (network errors, rate limiting, 5xx answers).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

type kinded interface {
	Kind() ErrorKind
}

type permanent interface {
	Permanent() bool
}

// KindOf maps any error to the kind reported on a failed task. Errors that
// carry no kind are internal.
func KindOf(err error) ErrorKind {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// IsTransient reports whether err may be retried. The outermost error that
// declares itself permanent wins over any transient cause it wraps.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var p permanent
	if errors.As(err, &p) && p.Permanent() {
		return false
	}
	var t *TransientError
	return errors.As(err, &t)
}
