// Package rpcserver implements the JSON-RPC 2.0 surface (C6): request
// dispatch, API-key/JWT authentication, error-code mapping, SSE job-status
// streaming, and the agent capability document.
package rpcserver

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/nexi-lab/nexus/internal/nexuserrors"
)

// Request is the JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is the JSON-RPC 2.0 response envelope. Exactly one of Result or
// Error is set, matching the spec's envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// ResponseError is the JSON-RPC 2.0 error object.
type ResponseError struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

// codeForKind maps a nexuserrors.Kind to its stable JSON-RPC error code,
// per spec.md §7's taxonomy table.
var codeForKind = map[nexuserrors.Kind]int{
	nexuserrors.InvalidArgument:    -32602,
	nexuserrors.Unauthenticated:    -32001,
	nexuserrors.PermissionDenied:   -32002,
	nexuserrors.NotFound:           -32003,
	nexuserrors.AlreadyExists:      -32004,
	nexuserrors.FailedPrecondition: -32005,
	nexuserrors.Conflict:           -32006,
	nexuserrors.Unavailable:        -32007,
	nexuserrors.Timeout:            -32008,
	nexuserrors.Internal:           -32603,
}

// errMethodNotFound is returned for unknown methods, per spec.md §4.6.
const errMethodNotFound = -32601

// toResponseError shapes err as a JSON-RPC error object. Internal errors
// get a sanitized client-facing message; the caller is responsible for
// logging the full error against traceID separately, per spec.md §7's
// "sanitized client message, full detail behind trace_id" rule.
func toResponseError(err error) *ResponseError {
	kind := nexuserrors.KindOf(err)
	code, ok := codeForKind[kind]
	if !ok {
		code = codeForKind[nexuserrors.Internal]
	}

	message := err.Error()
	var nerr *nexuserrors.Error
	isNexus := asNexusError(err, &nerr)
	if isNexus {
		message = nerr.Message
	}
	if kind == nexuserrors.Internal {
		message = "internal error"
	}

	var detail map[string]string
	if isNexus && len(nerr.Detail) > 0 {
		detail = nerr.Detail
	}

	return &ResponseError{Code: code, Message: message, Data: detail}
}

func asNexusError(err error, target **nexuserrors.Error) bool {
	ne, ok := err.(*nexuserrors.Error)
	if !ok {
		return false
	}
	*target = ne
	return true
}

// Bytes carries a binary payload on the wire as the
// {"__type__":"bytes","data":"<base64>"} envelope spec.md §6 defines.
type Bytes []byte

type bytesEnvelope struct {
	Type string `json:"__type__"`
	Data string `json:"data"`
}

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(bytesEnvelope{
		Type: "bytes",
		Data: base64.StdEncoding.EncodeToString(b),
	})
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var env bytesEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode bytes envelope: %w", err)
	}
	if env.Type != "" && env.Type != "bytes" {
		return fmt.Errorf("unexpected __type__ %q for bytes field", env.Type)
	}
	decoded, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return fmt.Errorf("decode base64 payload: %w", err)
	}
	*b = decoded
	return nil
}
