package delivery

import "fmt"

// APIError represents a non-null error code returned by the remote
// service that does not map to a more specific error type.
type APIError struct {
	Code    string // Error code reported by the service
	Message string // Human-readable message from the service
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.Code, e.Message)
}

// RateLimitError represents a transient rate-limit response. Callers
// retry the request once after a fixed backoff before surfacing it.
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s", e.Message)
}

// AuthenticationError represents credential verification failures and
// invalid or expired session tokens.
type AuthenticationError struct {
	Code    string
	Message string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed (%s): %s", e.Code, e.Message)
}

// InvalidDatasetError means the requested dataset does not exist or the
// account has no access to it. The whole run aborts on it.
type InvalidDatasetError struct {
	Dataset string
	Message string
}

func (e *InvalidDatasetError) Error() string {
	if e.Dataset != "" {
		return fmt.Sprintf("invalid dataset %q: %s", e.Dataset, e.Message)
	}

	return fmt.Sprintf("invalid dataset: %s", e.Message)
}

// TransportError represents failures below the protocol, such as
// connection resets or unexpected HTTP statuses.
type TransportError struct {
	Operation  string // The endpoint that failed
	StatusCode int    // HTTP status, 0 for non-HTTP failures
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error during %s (HTTP %d): %v", e.Operation, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("transport error during %s: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
