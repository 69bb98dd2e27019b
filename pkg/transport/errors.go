package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rhuss/toolrunner/pkg/api"
)

// RetryAfterSeconds is advertised with OVERLOADED responses.
const RetryAfterSeconds = 1

// HTTPStatusFromCode maps a result code to the corresponding HTTP status.
// EXECUTION_ERROR is a completed call whose body carries the failure, so
// it is reported as 200.
func HTTPStatusFromCode(code api.Code) int {
	switch code {
	case api.CodeOK, api.CodeExecutionError:
		return http.StatusOK
	case api.CodeValidationError:
		return http.StatusBadRequest
	case api.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case api.CodeOverloaded:
		return http.StatusServiceUnavailable
	case api.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes v as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteErrorResponse writes a JSON error response in the
// {"error": {...}} format with an explicit status code.
func WriteErrorResponse(w http.ResponseWriter, ee *api.ExecError, statusCode int) {
	if ee.Code == api.CodeOverloaded {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	WriteJSON(w, statusCode, api.ErrorResponse{Error: ee})
}

// WriteError writes err as an error response, deriving the HTTP status
// from its code. Errors that are not *api.ExecError become internal errors
// without exposing their message.
func WriteError(w http.ResponseWriter, err error) {
	ee := api.AsExecError(err)
	if ee.Code == api.CodeInternalError && ee.Err != nil {
		ee = &api.ExecError{Code: ee.Code, Message: ee.Message}
	}
	WriteErrorResponse(w, ee, HTTPStatusFromCode(ee.Code))
}

// WriteResult writes an execution result with the status of its code.
func WriteResult(w http.ResponseWriter, res *api.ExecutionResult) {
	if res.Code == api.CodeOverloaded {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	WriteJSON(w, HTTPStatusFromCode(res.Code), res)
}
