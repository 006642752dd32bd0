package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds of the job service. Handlers map them to HTTP statuses with
// errorStatus.
var (
	ErrInvalidRequest = errors.New("invalid_request_error")
	ErrJobNotFound    = errors.New("not_found_error")
	ErrJobFinished    = errors.New("conflict_error")
)

// apiError is a job service failure that names its kind and, for request
// validation, the offending field.
type apiError struct {
	kind  error
	msg   string
	param string
}

func (e *apiError) Error() string {
	return e.msg
}

func (e *apiError) Unwrap() error {
	return e.kind
}

func newInvalidRequest(param, msg string) error {
	return &apiError{kind: ErrInvalidRequest, msg: msg, param: param}
}

func jobNotFound(id string) error {
	return &apiError{kind: ErrJobNotFound, msg: fmt.Sprintf("job %s not found", id)}
}

func jobFinished(job Job) error {
	return &apiError{kind: ErrJobFinished, msg: fmt.Sprintf("job %s already %s", job.ID, job.Status)}
}

// errorStatus returns the HTTP status, error type and request field for err.
// Errors of no known kind are server errors.
func errorStatus(err error) (status int, errType, param string) {
	var ae *apiError
	if errors.As(err, &ae) {
		param = ae.param
	}
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, ErrInvalidRequest.Error(), param
	case errors.Is(err, ErrJobNotFound):
		return http.StatusNotFound, ErrJobNotFound.Error(), param
	case errors.Is(err, ErrJobFinished):
		return http.StatusConflict, ErrJobFinished.Error(), param
	default:
		return http.StatusInternalServerError, "server_error", param
	}
}
