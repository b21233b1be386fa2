package skills

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a skill failure for protocol mapping. Business
// preconditions are never retried; transient dependency faults are retried
// at the transport boundary before they surface here.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidParams
	KindNotFound
	KindInvalidTransition
	KindRateLimited
	KindUnreachable
)

// Error is a typed skill failure.
type Error struct {
	Kind       Kind
	Msg        string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.cause)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.cause }

// InvalidParamsf reports a violated precondition. Messages name the
// offending field and cite the remedy.
func InvalidParamsf(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidParams, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf reports an unknown or expired id.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// RateLimited reports a denied admission with the machine-readable delay.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Msg:        fmt.Sprintf("rate limit exceeded; retry after %s", retryAfter.Round(time.Second)),
		RetryAfter: retryAfter,
	}
}

// Unreachablef reports an external dependency that stayed down through
// retry policy.
func Unreachablef(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindUnreachable, Msg: fmt.Sprintf(format, args...), cause: cause}
}

// Internalf is the catch-all; the cause is logged, not leaked.
func Internalf(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the kind of any error, defaulting to internal.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// RetryAfterOf extracts the retry-after hint, if any.
func RetryAfterOf(err error) time.Duration {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.RetryAfter
	}
	return 0
}

// JSON-RPC error codes shared by the task and tool adapters.
const (
	CodeMalformed         = -32600
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternal          = -32603
	CodeTaskNotFound      = -32001
	CodeInvalidTransition = -32002
)

// JSONRPCCode maps an error kind to its JSON-RPC error code.
func JSONRPCCode(err error) int {
	switch KindOf(err) {
	case KindInvalidParams, KindRateLimited:
		return CodeInvalidParams
	case KindNotFound:
		return CodeTaskNotFound
	case KindInvalidTransition:
		return CodeInvalidTransition
	default:
		return CodeInternal
	}
}

// HTTPStatus maps an error kind to its REST status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidParams, KindInvalidTransition:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
