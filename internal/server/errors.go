package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/pkg/errors"

	"github.com/harrybrwn/plc/plc"
)

type ErrorResponse struct {
	Code    Code   `json:"error"`
	Message string `json:"message"`

	// Status overrides the status implied by Code. Not sent to clients.
	Status int `json:"-"`
	// Inner is a private internal error associated with the response.
	Inner error `json:"-"`
}

func (er *ErrorResponse) Error() string {
	if er.Inner != nil {
		return fmt.Sprintf("%s: %v", er.Message, er.Inner)
	}
	return er.Message
}

func (er *ErrorResponse) Unwrap() error { return er.Inner }

// Cause is for [errors.Cause].
func (er *ErrorResponse) Cause() error { return er.Inner }

func NewInvalidRequest(msg string, args ...any) *ErrorResponse {
	return &ErrorResponse{
		Code:    InvalidRequest,
		Message: fmt.Sprintf(msg, args...),
	}
}

// Wrap sets the Inner error field.
func (er *ErrorResponse) Wrap(err error) *ErrorResponse {
	er.Inner = err
	return er
}

// toResponse maps log errors onto http error responses.
func toResponse(err error) *ErrorResponse {
	var (
		resp     *ErrorResponse
		mismatch *plc.PrecursorMismatchError
		invalid  *plc.ValidationError
		empty    *plc.EmptyLogError
		broken   *plc.BrokenChainError
	)
	switch {
	case errors.As(err, &resp):
		return resp
	case errors.As(err, &mismatch):
		return &ErrorResponse{Code: PrecursorMismatch, Message: mismatch.Error(), Inner: err}
	case errors.As(err, &invalid):
		return &ErrorResponse{Code: InvalidRequest, Message: invalid.Error(), Inner: err}
	case errors.As(err, &broken):
		return &ErrorResponse{Code: InvalidRequest, Message: broken.Error(), Inner: err}
	case errors.As(err, &empty):
		return &ErrorResponse{Code: NotFound, Message: fmt.Sprintf("DID not registered: %s", empty.DID), Inner: err}
	default:
		return &ErrorResponse{Code: InternalServerError, Inner: err}
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func WriteError(l *slog.Logger, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	e := toResponse(err)
	status := e.Status
	if status <= 0 || status >= 600 {
		status = e.Code.Status()
	}
	if len(e.Code) == 0 {
		e.Code = CodeFromStatus(status)
	}
	if len(e.Message) == 0 || e.Code == InternalServerError {
		e.Message = e.Code.Message()
	}
	logfn := l.Error
	if status >= 400 && status < 500 {
		logfn = l.Info
	}
	logargs := []any{
		slog.Any("error", err),
		slog.String("code", e.Code.String()),
		slog.Int("status", status),
	}
	if stack, ok := errors.Cause(err).(stackTracer); ok && status >= 500 {
		logargs = append(logargs, slog.String("stacktrace", fmt.Sprintf("%+v", stack.StackTrace())))
	} else if stack, ok := err.(stackTracer); ok && status >= 500 {
		logargs = append(logargs, slog.String("stacktrace", fmt.Sprintf("%+v", stack.StackTrace())))
	}
	logfn("request failed", logargs...)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err = json.NewEncoder(w).Encode(e); err != nil {
		l.Error("failed to encode error message", "error", err)
	}
}

type Code string

const (
	InvalidRequest      Code = "InvalidRequest"
	PrecursorMismatch   Code = "PrecursorMismatch"
	NotFound            Code = "NotFound"
	InternalServerError Code = "InternalServerError"
)

func CodeFromStatus(status int) Code {
	switch {
	case status == http.StatusNotFound:
		return NotFound
	case status == http.StatusConflict:
		return PrecursorMismatch
	case status >= 400 && status < 500:
		return InvalidRequest
	default:
		return InternalServerError
	}
}

func (c Code) Status() int {
	switch c {
	case InvalidRequest:
		return http.StatusBadRequest
	case PrecursorMismatch:
		return http.StatusConflict
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (c Code) String() string { return string(c) }

func (c Code) Message() string {
	switch c {
	case InvalidRequest:
		return "Invalid Request"
	case PrecursorMismatch:
		return "Precursor Mismatch"
	case NotFound:
		return "Not Found"
	default:
		return "Internal Server Error"
	}
}
