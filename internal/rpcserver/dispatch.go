package rpcserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nexi-lab/nexus/internal/model"
	"github.com/nexi-lab/nexus/internal/nexuserrors"
)

// handleRPC is the single entry point for every JSON-RPC call: decode the
// envelope, build an OperationContext from the identity authMiddleware
// already resolved, look the method up in handlerTable, and always answer
// with HTTP 200 and a JSON-RPC response envelope — transport-level errors
// (malformed envelope, unknown method) and application errors both travel
// inside that envelope, never as an HTTP error status, per spec.md §4.6.
func (s *Server) handleRPC(c echo.Context) error {
	var req Request
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusOK, Response{
			JSONRPC: "2.0",
			Error:   &ResponseError{Code: errMethodNotFound, Message: "malformed request envelope"},
		})
	}

	entry, ok := handlerTable[req.Method]
	if !ok {
		return c.JSON(http.StatusOK, Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &ResponseError{Code: errMethodNotFound, Message: "unknown method: " + req.Method},
		})
	}

	identity, _ := identityFromContext(c)
	if entry.adminOnly && !identity.IsAdmin {
		return c.JSON(http.StatusOK, Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   toResponseError(nexuserrors.New(nexuserrors.PermissionDenied, "method requires admin")),
		})
	}

	opCtx := model.OperationContext{
		Subject:  identity,
		TenantID: identity.TenantID,
		TraceID:  traceIDFromContext(c),
		Deadline: time.Now().Add(s.cfg.DefaultDeadline),
	}

	result, err := entry.fn(s, c.Request().Context(), opCtx, req.Params)
	if err != nil {
		s.log.WithError(err).WithField("trace_id", opCtx.TraceID).WithField("method", req.Method).Warn("rpc call failed")
		return c.JSON(http.StatusOK, Response{JSONRPC: "2.0", ID: req.ID, Error: toResponseError(err)})
	}

	return c.JSON(http.StatusOK, Response{JSONRPC: "2.0", ID: req.ID, Result: result})
}
