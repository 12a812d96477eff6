// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ManuGH/rlmd/internal/broker"
	"github.com/ManuGH/rlmd/internal/llm"
	"github.com/ManuGH/rlmd/internal/log"
	"github.com/ManuGH/rlmd/internal/problem"
	"github.com/ManuGH/rlmd/internal/sandbox"
)

const retryAfter = time.Second

// requestError is a client mistake detected by the gateway itself.
type requestError struct {
	status int
	code   string
	detail string
}

func (e *requestError) Error() string { return e.detail }

func badRequest(code, format string, args ...any) error {
	return &requestError{status: http.StatusBadRequest, code: code, detail: fmt.Sprintf(format, args...)}
}

// problemFor maps gateway, broker and engine errors onto problem documents.
func problemFor(err error) problem.Problem {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return problem.Problem{Status: reqErr.status, Type: "request/invalid", Title: http.StatusText(reqErr.status), Code: reqErr.code, Detail: reqErr.detail}
	case errors.Is(err, broker.ErrCapacityExceeded):
		return problem.Problem{Status: http.StatusServiceUnavailable, Type: "broker/capacity", Title: "Capacity Exceeded", Code: "BROKER_CAPACITY", Detail: err.Error(), RetryAfter: retryAfter}
	case errors.Is(err, broker.ErrSessionBusy):
		return problem.Problem{Status: http.StatusTooManyRequests, Type: "session/busy", Title: "Session Busy", Code: "SESSION_BUSY", Detail: err.Error(), RetryAfter: retryAfter}
	case errors.Is(err, broker.ErrSessionClosed):
		return problem.Problem{Status: http.StatusConflict, Type: "session/closed", Title: "Session Closed", Code: "SESSION_CLOSED", Detail: err.Error()}
	case errors.Is(err, sandbox.ErrVariableNotFound):
		return problem.Problem{Status: http.StatusNotFound, Type: "session/variable_not_found", Title: "Not Found", Code: "VARIABLE_NOT_FOUND", Detail: err.Error()}
	case errors.Is(err, broker.ErrInvalidCommand), errors.Is(err, broker.ErrCrossSession):
		return problem.Problem{Status: http.StatusBadRequest, Type: "session/invalid_command", Title: "Invalid Command", Code: "INVALID_COMMAND", Detail: err.Error()}
	case errors.Is(err, broker.ErrSandboxFault):
		return problem.Problem{Status: http.StatusBadGateway, Type: "sandbox/fault", Title: "Sandbox Fault", Code: "SANDBOX_FAULT", Detail: err.Error()}
	case errors.Is(err, broker.ErrBrokerClosed):
		return problem.Problem{Status: http.StatusServiceUnavailable, Type: "broker/closed", Title: "Shutting Down", Code: "BROKER_CLOSED", Detail: err.Error()}
	case errors.Is(err, llm.ErrCircuitOpen):
		return problem.Problem{Status: http.StatusServiceUnavailable, Type: "model/unavailable", Title: "Model Unavailable", Code: "MODEL_UNAVAILABLE", Detail: err.Error(), RetryAfter: 30 * time.Second}
	case errors.Is(err, context.DeadlineExceeded):
		return problem.Problem{Status: http.StatusGatewayTimeout, Type: "request/timeout", Title: "Gateway Timeout", Code: "TIMEOUT", Detail: "the session did not answer in time; it keeps running"}
	case errors.Is(err, context.Canceled):
		return problem.Problem{Status: http.StatusServiceUnavailable, Type: "request/canceled", Title: "Request Canceled", Code: "CANCELED", Detail: err.Error()}
	default:
		return problem.Problem{Status: http.StatusInternalServerError, Type: "system/internal", Title: "Internal Server Error", Code: "INTERNAL", Detail: err.Error()}
	}
}

func writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	p := problemFor(err)
	logger := log.WithComponentFromContext(r.Context(), "api")
	ev := logger.Debug()
	if p.Status >= http.StatusInternalServerError {
		ev = logger.Warn()
	}
	ev.Err(err).
		Str(log.FieldEvent, "request.failed").
		Str("code", p.Code).
		Int(log.FieldStatus, p.Status).
		Msg("request failed")
	problem.Write(w, r, p)
}
