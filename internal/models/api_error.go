package models

import "fmt"

// ErrorCode is a string type for consistent error codes.
type ErrorCode string

// Predefined error codes for common API errors.
const (
	// Generic
	ErrorCodeInternalServerError ErrorCode = "internal_server_error"
	ErrorCodeBadRequest          ErrorCode = "bad_request"
	ErrorCodeNotFound            ErrorCode = "not_found"
	ErrorCodeForbidden           ErrorCode = "forbidden"
	ErrorCodeUnauthorized        ErrorCode = "unauthorized"
	ErrorCodeMethodNotAllowed    ErrorCode = "method_not_allowed"

	// Authentication & Authorization
	ErrorCodeInvalidToken   ErrorCode = "invalid_token"
	ErrorCodeInvalidKey     ErrorCode = "invalid_ingest_key"
	ErrorCodeNotDeviceOwner ErrorCode = "not_device_owner"

	// Validation
	ErrorCodeMissingParameter ErrorCode = "missing_parameter"
	ErrorCodeInvalidFormat    ErrorCode = "invalid_format"

	// Device lifecycle
	ErrorCodeDeviceNotFound ErrorCode = "device_not_found"
	ErrorCodeNotProvisioned ErrorCode = "device_not_provisioned"
	ErrorCodeStorageFailure ErrorCode = "storage_failure"
)

// APIError is the body of every failed response. Success is always false so
// device firmware can branch on a single field.
type APIError struct {
	Success    bool      `json:"success"`
	Code       ErrorCode `json:"code"`
	Message    string    `json:"error"`
	Details    any       `json:"details,omitempty"`
	StatusCode int       `json:"-"`
}

// Error makes APIError implement the error interface.
func (e APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewAPIError is a constructor for APIError.
func NewAPIError(code ErrorCode, message string, details any, statusCode int) APIError {
	return APIError{
		Code:       code,
		Message:    message,
		Details:    details,
		StatusCode: statusCode,
	}
}
