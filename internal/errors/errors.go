// Package errors provides the error taxonomy shared by every stagehand
// package: sentinel errors, typed errors carrying job and stage context, and
// classification helpers used by the retry and halt logic.
//
// # Error Types
//
// Domain errors:
//   - WorkerError: a worker subprocess attempt failed, timed out or was canceled
//   - StageError: a stage (or the validation pair) failed inside a job
//
// Semantic errors:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewWorkerError("worker exited without a result", errors.ErrWorkerFailed).
//	    WithKind(errors.KindTransient).
//	    WithAttempt(1).
//	    WithExitCode(2)
//
//	if errors.IsCanceled(err) { ... }
//	if errors.IsRetryable(err) { ... }
//
//	var stageErr *errors.StageError
//	if errors.As(err, &stageErr) {
//	    fmt.Println(stageErr.StageNumber)
//	}
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions so callers only import this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Worker-related sentinel errors
var (
	// ErrWorkerFailed indicates a transient worker failure: crash, non-zero
	// exit without a result, empty output or a spawn failure.
	ErrWorkerFailed = New("worker failed")
	// ErrMalformedLine indicates a stream line that is not valid JSON.
	ErrMalformedLine = New("malformed stream line")
	// ErrEmptyResult indicates the worker finished without producing output.
	ErrEmptyResult = New("worker produced no output")
	// ErrNoContinuation indicates a continuation handle was required but absent.
	ErrNoContinuation = New("no continuation handle")
)

// Job and stage sentinel errors
var (
	// ErrPlanInvalid indicates that a plan failed validation.
	ErrPlanInvalid = New("plan is invalid")
	// ErrPlanNotFound indicates that no plan could be found for a job.
	ErrPlanNotFound = New("plan not found")
	// ErrStageFailed indicates that a stage failed and halted the job.
	ErrStageFailed = New("stage failed")
	// ErrInvalidTransition indicates an illegal progress status change.
	ErrInvalidTransition = New("invalid status transition")
	// ErrJobLocked indicates that another process is running a job.
	ErrJobLocked = New("job is locked by another process")
	// ErrPartialHalt indicates a partial success stopped the job by policy.
	ErrPartialHalt = New("partial success halted job")
)

// Shared context sentinel errors
var (
	// ErrUnknownSection indicates access to an undeclared context section.
	ErrUnknownSection = New("unknown context section")
	// ErrContextStarted indicates a restore after execution began.
	ErrContextStarted = New("context already in use")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled by the caller.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrNotFound indicates that a resource does not exist.
	ErrNotFound = New("not found")
	// ErrUnauthorized indicates rejected credentials.
	ErrUnauthorized = New("unauthorized")
)

// -----------------------------------------------------------------------------
// Base Error
// -----------------------------------------------------------------------------

// StagehandError is implemented by every typed error in this package.
type StagehandError interface {
	error
	Unwrap() error
	Is(target error) bool
	Severity() Severity
	IsRetryable() bool
	IsUserFacing() bool
}

type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error { return e.cause }

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity { return e.severity }

func (e *baseError) IsRetryable() bool { return e.retryable }

func (e *baseError) IsUserFacing() bool { return e.userFacing }

// format renders "<prefix> [k=v, ...]: message: cause".
func (e *baseError) format(prefix string, parts []string) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain Errors
// -----------------------------------------------------------------------------

// Kind classifies a worker failure.
type Kind int

const (
	// KindTransient is a crash, bad exit or empty output. Retryable.
	KindTransient Kind = iota
	// KindTimeout is a per-invocation timeout on a non-write worker.
	KindTimeout
	// KindCanceled is a job-wide cancellation. Never retried.
	KindCanceled
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// WorkerError describes a failed worker attempt.
//
// Example:
//
//	err := errors.NewWorkerError("worker exited without a result", errors.ErrWorkerFailed).
//	    WithLabel("stage-3").WithAttempt(2).WithExitCode(1)
//	fmt.Println(err) // "worker error [label=stage-3, attempt=2, exit=1]: worker exited ..."
type WorkerError struct {
	baseError
	Kind     Kind
	Label    string
	Attempt  int
	ExitCode int
	Stderr   string
}

// NewWorkerError creates a transient WorkerError.
func NewWorkerError(message string, cause error) *WorkerError {
	return &WorkerError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
		ExitCode: -1,
	}
}

// WithKind sets the failure kind. Canceled errors are never retryable.
func (e *WorkerError) WithKind(k Kind) *WorkerError {
	e.Kind = k
	switch k {
	case KindCanceled:
		e.retryable = false
		e.severity = SeverityWarning
	case KindTimeout:
		e.severity = SeverityWarning
	}
	return e
}

// WithLabel adds the invocation label (usually the stage name).
func (e *WorkerError) WithLabel(label string) *WorkerError {
	e.Label = label
	return e
}

// WithAttempt records which attempt failed (1-based).
func (e *WorkerError) WithAttempt(n int) *WorkerError {
	e.Attempt = n
	return e
}

// WithExitCode records the process exit code.
func (e *WorkerError) WithExitCode(code int) *WorkerError {
	e.ExitCode = code
	return e
}

// WithStderr attaches the tail of the worker's stderr.
func (e *WorkerError) WithStderr(stderr string) *WorkerError {
	e.Stderr = stderr
	return e
}

// WithRetryable overrides retryability.
func (e *WorkerError) WithRetryable(r bool) *WorkerError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *WorkerError) Error() string {
	var parts []string
	if e.Label != "" {
		parts = append(parts, fmt.Sprintf("label=%s", e.Label))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	if e.ExitCode >= 0 {
		parts = append(parts, fmt.Sprintf("exit=%d", e.ExitCode))
	}
	msg := e.format("worker error", parts)
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s\nstderr: %s", msg, e.Stderr)
	}
	return msg
}

// Is matches *WorkerError, the sentinel for its kind, and its cause chain.
func (e *WorkerError) Is(target error) bool {
	if _, ok := target.(*WorkerError); ok {
		return true
	}
	switch e.Kind {
	case KindTimeout:
		if target == ErrTimeout {
			return true
		}
	case KindCanceled:
		if target == ErrCanceled {
			return true
		}
	case KindTransient:
		if target == ErrWorkerFailed {
			return true
		}
	}
	return e.baseError.Is(target)
}

// StageError describes a stage that halted a job.
//
// Example:
//
//	err := errors.NewStageError("stage failed", workerErr).
//	    WithStage(3, "draft_chapters").WithJobID("job-1")
type StageError struct {
	baseError
	StageNumber int
	StageName   string
	JobID       string
}

// NewStageError creates a new StageError.
func NewStageError(message string, cause error) *StageError {
	return &StageError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithStage records the stage number and name.
func (e *StageError) WithStage(number int, name string) *StageError {
	e.StageNumber = number
	e.StageName = name
	return e
}

// WithJobID records the job.
func (e *StageError) WithJobID(id string) *StageError {
	e.JobID = id
	return e
}

// Error returns the formatted error message.
func (e *StageError) Error() string {
	var parts []string
	if e.JobID != "" {
		parts = append(parts, fmt.Sprintf("job=%s", e.JobID))
	}
	if e.StageNumber > 0 {
		parts = append(parts, fmt.Sprintf("stage=%d", e.StageNumber))
	}
	if e.StageName != "" {
		parts = append(parts, fmt.Sprintf("name=%s", e.StageName))
	}
	return e.format("stage error", parts)
}

// Is matches *StageError, ErrStageFailed, and its cause chain.
func (e *StageError) Is(target error) bool {
	if _, ok := target.(*StageError); ok {
		return true
	}
	if target == ErrStageFailed {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Is matches *NotFoundError and ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	if target == ErrNotFound {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("stage numbers must increase").
//	    WithField("stages[2].number").WithValue(2)
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return e.format("validation error", parts)
}

// Is matches *ValidationError and ErrInvalidInput.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("stage draft_chapters", 30*time.Minute)
//	fmt.Println(err) // "timeout error: stage draft_chapters (timeout: 30m0s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError. Timeouts are retryable by default.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *TimeoutError) WithRetryable(r bool) *TimeoutError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is matches *TimeoutError and ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable reports whether err is transient. Cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || IsCanceled(err) {
		return false
	}
	var se StagehandError
	if As(err, &se) {
		return se.IsRetryable()
	}
	return Is(err, ErrTimeout)
}

// IsCanceled reports whether err stems from a caller cancellation, either our
// sentinel or the context package's.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, ErrCanceled) || Is(err, context.Canceled)
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, ErrTimeout) || Is(err, context.DeadlineExceeded)
}

// IsUserFacing reports whether the error message is safe to display.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var se StagehandError
	if As(err, &se) {
		return se.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity of err, SeverityError for foreign errors.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var se StagehandError
	if As(err, &se) {
		return se.Severity()
	}
	return SeverityError
}

// Wrap wraps an error with a context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
