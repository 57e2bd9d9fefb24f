package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/samcharles93/loraserve/internal/inference"
	"github.com/samcharles93/loraserve/internal/logger"
)

// statusClientClosedRequest is the nginx convention for a request the
// client abandoned.
const statusClientClosedRequest = 499

func writeBadRequest(c *echo.Context, err error) error {
	var inv invalidRequestError
	param := ""
	if errors.As(err, &inv) {
		param = inv.param
	}
	return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), param, "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

// writeEngineError maps an engine failure onto the error envelope.
func writeEngineError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, inference.ErrInvalidRequest):
		return writeBadRequest(c, err)
	case errors.Is(err, context.Canceled):
		return writeError(c, statusClientClosedRequest, "request_cancelled", err.Error(), "", "")
	case errors.Is(err, context.DeadlineExceeded):
		return writeError(c, http.StatusGatewayTimeout, "timeout_error", err.Error(), "", "")
	default:
		logger.FromContext(c.Request().Context()).Error("request failed", "path", c.Request().URL.Path, "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return out, newInvalidRequest("", "request body is empty")
		}
		return out, newInvalidRequest("", fmt.Sprintf("invalid JSON body: %v", err))
	}
	return out, nil
}
