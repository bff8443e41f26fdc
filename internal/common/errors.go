package common

import (
	"errors"
	"net/http"
)

// Error codes surfaced in the JSON error envelope.
const (
	CodeValidation = "validation_error"
	CodeNotFound   = "not_found"
	CodeConfig     = "config_error"
	CodeUpstream   = "upstream_error"
	CodeInternal   = "internal_error"
)

// AppError carries a machine-readable code alongside the message shown
// to the caller. Details is optional free-form context.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *AppError) Error() string { return e.Message }

func NewValidation(msg string) *AppError {
	return &AppError{Code: CodeValidation, Message: msg}
}

func NewNotFound(msg string) *AppError {
	return &AppError{Code: CodeNotFound, Message: msg}
}

func NewConfig(msg string) *AppError {
	return &AppError{Code: CodeConfig, Message: msg}
}

func NewUpstream(msg string) *AppError {
	return &AppError{Code: CodeUpstream, Message: msg}
}

func NewInternal(msg string) *AppError {
	return &AppError{Code: CodeInternal, Message: msg}
}

// HTTPStatus maps an error code to the response status.
func HTTPStatus(code string) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUpstream:
		return http.StatusBadGateway
	case CodeConfig, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// AsAppError unwraps err into an *AppError if it is one.
func AsAppError(err error) (*AppError, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
