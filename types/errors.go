package types

import "net/http"

// ErrorType identifies a stable, externally visible error kind. The values are
// an API contract; clients switch on them.
type ErrorType string

const (
	GeneralUnknown       ErrorType = "general_unknown"
	GeneralRouteNotFound ErrorType = "general_route_not_found"
	GeneralUnauthorized  ErrorType = "general_unauthorized"

	ExecutionBadRequest ErrorType = "execution_bad_request"
	ExecutionTimeout    ErrorType = "execution_timeout"
	ExecutionBadJSON    ErrorType = "execution_bad_json"

	RuntimeNotFound ErrorType = "runtime_not_found"
	RuntimeConflict ErrorType = "runtime_conflict"
	RuntimeFailed   ErrorType = "runtime_failed"
	RuntimeTimeout  ErrorType = "runtime_timeout"

	LogsTimeout ErrorType = "logs_timeout"

	CommandTimeout ErrorType = "command_timeout"
	CommandFailed  ErrorType = "command_failed"
)

// Error is the only error shape that crosses the HTTP boundary.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    int       `json:"code"`
}

func (e *Error) Error() string {
	return e.Message
}

func NewError(t ErrorType, message string) *Error {
	return &Error{Type: t, Message: message, Code: defaultCode(t)}
}

// NewErrorWithCode overrides the default status code, e.g. a cold-start
// timeout surfacing as 504 instead of 408.
func NewErrorWithCode(t ErrorType, message string, code int) *Error {
	return &Error{Type: t, Message: message, Code: code}
}

func defaultCode(t ErrorType) int {
	switch t {
	case GeneralRouteNotFound, RuntimeNotFound:
		return http.StatusNotFound
	case GeneralUnauthorized:
		return http.StatusUnauthorized
	case ExecutionBadRequest, ExecutionBadJSON:
		return http.StatusBadRequest
	case RuntimeConflict:
		return http.StatusConflict
	case ExecutionTimeout, RuntimeTimeout, LogsTimeout, CommandTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
