package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"medwatch/internal/ledger"
	"medwatch/internal/storage"
	"medwatch/pkg/logx"
)

// Error codes returned in the "code" field.
const (
	CodeNotFound        = "not_found"
	CodeAlreadyReverted = "already_reverted"
	CodeInvalidRequest  = "invalid_request"
	CodeUnauthorized    = "unauthorized"
	CodeRateLimited     = "rate_limited"
	CodeStorageFailure  = "storage_failure"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// apiError carries a status and code through echo's error handler.
type apiError struct {
	status int
	code   string
	msg    string
	err    error
}

func (e *apiError) Error() string { return e.msg }
func (e *apiError) Unwrap() error { return e.err }

func invalid(msg string, err error) error {
	return &apiError{status: http.StatusBadRequest, code: CodeInvalidRequest, msg: msg, err: err}
}

var (
	errUnauthorized = &apiError{status: http.StatusUnauthorized, code: CodeUnauthorized, msg: "invalid or missing token"}
	errRateLimited  = &apiError{status: http.StatusTooManyRequests, code: CodeRateLimited, msg: "too many requests"}
	errNotFound     = &apiError{status: http.StatusNotFound, code: CodeNotFound, msg: "not found"}
)

// errorHandler maps domain errors to HTTP responses. Storage error detail is
// only exposed in development mode.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, body := s.classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			logx.String("method", c.Request().Method),
			logx.String("path", c.Path()),
			logx.Err(err),
		)
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(status)
	} else {
		werr = c.JSON(status, body)
	}
	if werr != nil {
		s.log.Debug("write error response failed", logx.Err(werr))
	}
}

func (s *Server) classify(err error) (int, ErrorResponse) {
	var ae *apiError
	switch {
	case errors.As(err, &ae):
		return ae.status, ErrorResponse{Error: ae.msg, Code: ae.code}
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "not found", Code: CodeNotFound}
	case errors.Is(err, ledger.ErrAlreadyReverted):
		return http.StatusBadRequest, ErrorResponse{Error: "action already reverted", Code: CodeAlreadyReverted}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code < http.StatusInternalServerError {
		code := CodeInvalidRequest
		switch he.Code {
		case http.StatusNotFound, http.StatusMethodNotAllowed:
			code = CodeNotFound
		case http.StatusUnauthorized:
			code = CodeUnauthorized
		case http.StatusTooManyRequests:
			code = CodeRateLimited
		}
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok && m != "" {
			msg = m
		}
		return he.Code, ErrorResponse{Error: msg, Code: code}
	}

	body := ErrorResponse{Error: "internal error", Code: CodeStorageFailure}
	if s.dev {
		body.Detail = err.Error()
	}
	return http.StatusInternalServerError, body
}
