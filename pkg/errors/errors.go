// Package errors provides the structured error type shared by bucketfs components.
//
// Every failure that crosses a component boundary carries a Kind. The kind decides
// whether a part transfer is retried, how a handle reports its failure, and which
// errno the filesystem layer returns.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Kind classifies an error for retry and reporting decisions.
type Kind int

const (
	// KindInternal is the zero value and covers unclassified local failures.
	KindInternal Kind = iota
	KindNetwork
	KindThrottled
	KindServerTransient
	KindServerPermanent
	KindNotFound
	KindInvalidRange
	KindAuthFailure
	KindPoolShutdown
	KindInvariantViolation
	KindInvalidConfig
	KindInvalidState
)

var kindNames = map[Kind]string{
	KindInternal:           "internal",
	KindNetwork:            "network",
	KindThrottled:          "throttled",
	KindServerTransient:    "server_transient",
	KindServerPermanent:    "server_permanent",
	KindNotFound:           "not_found",
	KindInvalidRange:       "invalid_range",
	KindAuthFailure:        "auth_failure",
	KindPoolShutdown:       "pool_shutdown",
	KindInvariantViolation: "invariant_violation",
	KindInvalidConfig:      "invalid_config",
	KindInvalidState:       "invalid_state",
}

// String returns the snake_case name used in logs and metric labels.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a name produced by String back to its kind. Unknown names
// are KindInternal.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindInternal
}

// MarshalText lets kinds appear as names in JSON payloads.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// RetryableByDefault reports whether failures of this kind are worth another attempt.
func (k Kind) RetryableByDefault() bool {
	switch k {
	case KindNetwork, KindThrottled, KindServerTransient:
		return true
	default:
		return false
	}
}

// Error is a structured error with context and metadata.
type Error struct {
	Kind    Kind                   `json:"kind"`
	Code    string                 `json:"code,omitempty"` // backend error code, e.g. "NoSuchKey"
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	Key       string `json:"key,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString("[")
		b.WriteString(e.Component)
		if e.Operation != "" {
			b.WriteString(":")
			b.WriteString(e.Operation)
		}
		b.WriteString("] ")
	}
	b.WriteString(e.Kind.String())
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Key != "" {
		fmt.Fprintf(&b, " (key=%s)", e.Key)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, so sentinel values work with errors.Is.
// A target with a Code also requires the codes to match.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind && (t.Code == "" || t.Code == e.Code)
	}
	return false
}

// String returns a detailed representation for logging.
func (e *Error) String() string {
	parts := []string{
		fmt.Sprintf("Kind=%s", e.Kind),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("Key=%s", e.Key))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *Error) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// New creates an error of the given kind with default retry and status hints.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:       kind,
		Message:    message,
		Timestamp:  time.Now(),
		Retryable:  kind.RetryableByDefault(),
		HTTPStatus: DefaultHTTPStatus(kind),
	}
}

// Newf is New with a format string.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an error of the given kind around cause. A nil cause yields nil.
func Wrap(cause error, kind Kind, message string) *Error {
	if cause == nil {
		return nil
	}
	return New(kind, message).WithCause(cause)
}

// DefaultHTTPStatus returns the HTTP status the admin API reports for a kind.
func DefaultHTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return 404
	case KindInvalidRange:
		return 416
	case KindAuthFailure:
		return 403
	case KindThrottled:
		return 429
	case KindInvalidConfig:
		return 400
	case KindInvalidState:
		return 409
	case KindServerTransient, KindPoolShutdown:
		return 503
	case KindNetwork:
		return 504
	default:
		return 500
	}
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 16
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.HasSuffix(frame.File, "pkg/errors/errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithDetail adds detailed information to an error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithKey records the object key the error concerns.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// WithCode records the backend's own error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithCause sets the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the kind's default retry hint.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithStack captures the current stack trace.
func (e *Error) WithStack() *Error {
	e.Stack = CaptureStack(2)
	return e
}

// As finds the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderr.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderr.Is(err, target)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	e, ok := As(err)
	return ok && e.Kind == kind
}

// IsRetryable reports whether err is a structured error marked retryable.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return false
}

// FromHTTPStatus classifies a response status from an object store.
func FromHTTPStatus(status int) Kind {
	switch {
	case status == 404:
		return KindNotFound
	case status == 416:
		return KindInvalidRange
	case status == 401 || status == 403:
		return KindAuthFailure
	case status == 429:
		return KindThrottled
	case status == 408:
		return KindServerTransient
	case status >= 500:
		return KindServerTransient
	case status >= 400:
		return KindServerPermanent
	default:
		return KindInternal
	}
}

// Recommendation returns an operator-facing hint for fixing the error.
func (e *Error) Recommendation() string {
	switch e.Kind {
	case KindNetwork:
		return "Check network connectivity to the object store endpoint and the configured request timeout."
	case KindThrottled:
		return "The store is rate limiting requests. Lower max_parallel_transfers or worker_threads."
	case KindAuthFailure:
		return "Verify the access key and secret for the configured backend."
	case KindNotFound:
		return "The object does not exist. Verify the key and bucket."
	case KindInvalidRange:
		return "The requested byte range lies outside the object."
	case KindInvalidConfig:
		return "Check the configuration file syntax and required parameters."
	case KindPoolShutdown:
		return "The transfer engine is shutting down; retry after it restarts."
	default:
		return "Check the error message for details."
	}
}
