package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

var statusBySentinel = []struct {
	err    error
	status int
}{
	{domain.ErrValidation, http.StatusBadRequest},
	{domain.ErrUnauthorized, http.StatusUnauthorized},
	{domain.ErrForbidden, http.StatusForbidden},
	{domain.ErrNotFound, http.StatusNotFound},
	{domain.ErrConflict, http.StatusConflict},
	{domain.ErrConcurrencyConflict, http.StatusConflict},
	{domain.ErrUpstream, http.StatusBadGateway},
}

// statusFor maps an error returned by a handler to its response status.
func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	for _, s := range statusBySentinel {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}

// messageFor returns the client-facing text of a non-5xx error.
func messageFor(err error) string {
	if errors.Is(err, domain.ErrInvalidCredentials) {
		return "Invalid credentials"
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if msg, ok := he.Message.(string); ok {
			return msg
		}
		return http.StatusText(he.Code)
	}
	msg := err.Error()
	for _, s := range statusBySentinel {
		if rest, ok := strings.CutPrefix(msg, s.err.Error()+": "); ok {
			return rest
		}
	}
	return msg
}

// ErrorHandler writes {"error": "..."} bodies for errors returned by
// handlers. Internal errors are logged and only described to the client when
// debug is set.
func ErrorHandler(logger *log.Logger, debug bool) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := statusFor(err)
		body := errorResponse{}
		switch {
		case status >= http.StatusInternalServerError && status != http.StatusBadGateway:
			logger.WithError(err).WithField("path", c.Path()).Error("request failed")
			body.Error = "Internal server error"
			if debug {
				body.Detail = err.Error()
			}
		case status == http.StatusBadGateway:
			logger.WithError(err).WithField("path", c.Path()).Warn("upstream failure")
			body.Error = "AI service unavailable"
			if debug {
				body.Detail = err.Error()
			}
		default:
			body.Error = messageFor(err)
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, body)
		}
		if werr != nil {
			logger.WithError(werr).Debug("write error response")
		}
	}
}
