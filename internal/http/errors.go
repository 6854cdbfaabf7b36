package http

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/validationd/internal/idempotency"
	"github.com/fyrsmithlabs/validationd/internal/initiator"
	"github.com/fyrsmithlabs/validationd/internal/logging"
	"github.com/fyrsmithlabs/validationd/internal/run"
)

// statusFor maps the run error taxonomy onto an HTTP status and a stable
// machine-readable code.
func statusFor(err error) (int, string) {
	var (
		validation *run.ValidationError
		conflict   *run.ConflictError
		limit      *run.LimitExceededError
		rate       *initiator.RateLimitedError
		cfg        *run.ConfigurationError
		remote     *run.RemoteError
		protocol   *run.ProtocolError
		timeout    *run.TimeoutError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, initiator.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, run.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &conflict), errors.Is(err, idempotency.ErrInFlight):
		return http.StatusConflict, "conflict"
	case errors.As(err, &limit):
		return http.StatusUnprocessableEntity, "pivot_limit_exceeded"
	case errors.As(err, &rate):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.As(err, &cfg):
		return http.StatusServiceUnavailable, "executor_unconfigured"
	case errors.As(err, &remote), errors.As(err, &protocol):
		return http.StatusBadGateway, "executor_error"
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// errorHandler renders domain errors as ErrorResponse. echo.HTTPError values
// raised by handlers and middleware keep their status.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var (
		he   *echo.HTTPError
		body ErrorResponse
		code int
	)
	if errors.As(err, &he) {
		code = he.Code
		body = ErrorResponse{Error: http.StatusText(code), Code: "http"}
		if msg, ok := he.Message.(string); ok {
			body.Error = msg
		}
	} else {
		code, body.Code = statusFor(err)
		body.Error = err.Error()
		if code == http.StatusInternalServerError {
			logging.For(c.Request().Context(), s.logger).Error("unhandled api error",
				zap.String("uri", c.Request().RequestURI),
				zap.Error(err))
			body.Error = http.StatusText(code)
		}
		var rate *initiator.RateLimitedError
		if errors.As(err, &rate) {
			secs := int(math.Ceil(rate.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
			if rate.Limit > 0 {
				c.Response().Header().Set(RateLimitHeader, strconv.Itoa(rate.Limit))
				c.Response().Header().Set(RateRemainingHeader, "0")
			}
			body.RetryAfterSeconds = secs
		}
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(code)
	} else {
		werr = c.JSON(code, body)
	}
	if werr != nil {
		s.logger.Warn("failed to write error response", zap.Error(werr))
	}
}
