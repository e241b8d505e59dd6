package flow

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error code carried on every engine error.
type Code string

const (
	CodeInvalidTarget          Code = "INVALID_TARGET"
	CodeRunCancelled           Code = "RUN_CANCELLED"
	CodeRunInFlight            Code = "RUN_IN_FLIGHT"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeSearchFailed           Code = "SEARCH_FAILED"
	CodeInvalidJSON            Code = "INVALID_JSON"
	CodeSchemaFailed           Code = "SCHEMA_VALIDATION_FAILED"
	CodeTooManySearchRequests  Code = "TOO_MANY_SEARCH_REQUESTS"
	CodeCategorizerReference   Code = "CATEGORIZER_REFERENCE_UNAVAILABLE"
	CodeCategorizerPayload     Code = "CATEGORIZER_PAYLOAD_SERIALIZATION_FAILED"
	CodeCategorizerInvoke      Code = "CATEGORIZER_INVOKE_FAILED"
	CodeCategorizerInvalidJSON Code = "CATEGORIZER_INVALID_JSON"
	CodeCategorizerSchema      Code = "CATEGORIZER_SCHEMA_FAILED"
	CodeCategorizerMerge       Code = "CATEGORIZER_MERGE_FAILED"
	CodeCategorizerFailed      Code = "CATEGORIZER_FAILED"
	CodeResultHandlerMissing   Code = "RESULT_HANDLER_MISSING"
	CodeExtractionFailed       Code = "EXTRACTION_FAILED"
	CodeInternal               Code = "INTERNAL_ERROR"
)

// defaultStatus maps each code to its transport status.
var defaultStatus = map[Code]int{
	CodeInvalidTarget:          http.StatusBadRequest,
	CodeRunCancelled:           http.StatusConflict,
	CodeRunInFlight:            http.StatusConflict,
	CodeRateLimited:            http.StatusTooManyRequests,
	CodeSearchFailed:           http.StatusBadGateway,
	CodeInvalidJSON:            http.StatusInternalServerError,
	CodeSchemaFailed:           http.StatusUnprocessableEntity,
	CodeTooManySearchRequests:  http.StatusTooManyRequests,
	CodeCategorizerReference:   http.StatusInternalServerError,
	CodeCategorizerPayload:     http.StatusInternalServerError,
	CodeCategorizerInvoke:      http.StatusBadGateway,
	CodeCategorizerInvalidJSON: http.StatusInternalServerError,
	CodeCategorizerSchema:      http.StatusUnprocessableEntity,
	CodeCategorizerMerge:       http.StatusUnprocessableEntity,
	CodeCategorizerFailed:      http.StatusInternalServerError,
	CodeResultHandlerMissing:   http.StatusInternalServerError,
	CodeExtractionFailed:       http.StatusInternalServerError,
	CodeInternal:               http.StatusInternalServerError,
}

// FlowError is a typed engine error with a code and a transport status.
type FlowError struct {
	Code    Code
	Status  int
	Message string
	Err     error
}

func (e *FlowError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
	}
	return string(e.Code)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// NewError creates a FlowError with the code's default transport status.
func NewError(code Code, message string) *FlowError {
	return &FlowError{Code: code, Status: statusFor(code), Message: message}
}

// NewErrorStatus creates a FlowError with an explicit transport status,
// used when a provider status should shine through (rate limiting).
func NewErrorStatus(code Code, status int, message string) *FlowError {
	if status == 0 {
		status = statusFor(code)
	}
	return &FlowError{Code: code, Status: status, Message: message}
}

// WrapError creates a FlowError wrapping a cause.
func WrapError(code Code, err error, message string) *FlowError {
	return &FlowError{Code: code, Status: statusFor(code), Message: message, Err: err}
}

// AsFlowError unwraps err to the first FlowError in its chain.
func AsFlowError(err error) (*FlowError, bool) {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	fe, ok := AsFlowError(err)
	return ok && fe.Code == code
}

func statusFor(code Code) int {
	if s, ok := defaultStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}
