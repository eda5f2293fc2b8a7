package errors

const (
	HttpInternalError      = "internal_error"
	HttpInvalidFilterError = "invalid_filter"
	HttpMissingTenantError = "missing_tenant"
	HttpNotFoundError      = "not_found"
)

// ErrorResponse is the error response body for the event feed API.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}
