package metricsapi

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned by the control plane.
const (
	CodeNotFound           = "ResourceNotFound"
	CodeConflict           = "Conflict"
	CodeValidation         = "ValidationError"
	CodeAccessDenied       = "AccessDenied"
	CodeLimitExceeded      = "LimitExceeded"
	CodeThrottling         = "Throttling"
	CodeServiceUnavailable = "ServiceUnavailable"
	CodeInternal           = "InternalError"
)

// APIError is a classified rejection from the control plane. The engine
// branches on the classification helpers below, never on Message.
type APIError struct {
	HTTPStatus int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrNotFound is a convenience instance for implementations that do not have
// an HTTP status to report, such as in-memory fakes.
var ErrNotFound = &APIError{HTTPStatus: http.StatusNotFound, Code: CodeNotFound, Message: "resource not found"}

// IsNotFound reports whether err says the resource does not exist remotely.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeNotFound
}

// IsConflict reports a uniqueness rejection: a duplicate singleton resource
// or a name collision with an object the caller does not own.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeConflict
}

// IsThrottling reports a rate-limit rejection.
func IsThrottling(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeThrottling
}

// IsTerminal reports whether err is a permanent rejection that no amount of
// retrying with the same input will fix. Terminal errors stop reconciliation
// until the user changes the spec.
func IsTerminal(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case CodeConflict, CodeValidation, CodeAccessDenied, CodeLimitExceeded:
		return true
	}
	return false
}

// IsRetryable reports whether err is worth retrying with the same input.
// Network failures and timeouts (anything that is not an *APIError) count as
// retryable too, but callers must re-observe remote state before repeating a
// mutating call: the outcome of the failed call is unknown.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	switch apiErr.Code {
	case CodeThrottling, CodeServiceUnavailable, CodeInternal:
		return true
	}
	return false
}
