package idpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrRejected marks responses where the identity provider explicitly refused
// the presented credential. Callers check with IsRejection; everything else
// returned by this package is a transient failure.
var ErrRejected = errors.New("idpclient: credential rejected by provider")

// ErrorResponse is the provider's JSON error body.
type ErrorResponse struct {
	// Error is the machine-readable error code (e.g. "invalid_token")
	Error string `json:"error"`

	// ErrorDescription is a human-readable description of the error
	ErrorDescription string `json:"error_description"`
}

// APIError represents a non-2xx response from the identity provider.
type APIError struct {
	// StatusCode is the HTTP status code of the response
	StatusCode int `json:"-"`

	// Code is the provider's error code (e.g. "invalid_token")
	Code string `json:"error"`

	// Description is a human-readable description of the error
	Description string `json:"error_description"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s (http %d): %s", e.Code, e.StatusCode, e.Description)
}

// Unwrap surfaces ErrRejected for 401/403 responses so errors.Is works.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrRejected
	}
	return nil
}

// IsRejection reports whether err is an explicit provider rejection of the
// credential, as opposed to a transient network or server failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrRejected)
}

// parseErrorResponse turns a non-2xx response body into a typed error.
func parseErrorResponse(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return &APIError{
			StatusCode:  resp.StatusCode,
			Code:        errResp.Error,
			Description: errResp.ErrorDescription,
		}
	}

	// Fallback: create generic error from status code
	return &APIError{
		StatusCode:  resp.StatusCode,
		Code:        "server_error",
		Description: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
	}
}
