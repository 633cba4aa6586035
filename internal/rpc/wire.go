// Package rpc implements the line-delimited JSON-RPC 2.0 core: framing,
// dispatch, subscriptions and the method handlers.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only protocol revision the server speaks.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Error is a JSON-RPC error object. Handlers return it (possibly wrapped) to
// pick the response code; anything else becomes an internal error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func invalidParams(format string, args ...any) *Error {
	return Errorf(CodeInvalidParams, format, args...)
}

// request is one inbound frame. Pointer fields distinguish absent from null:
// a request without an id is a notification and must not produce a result.
type request struct {
	JSONRPC *string         `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// isNotification reports whether the id field was absent.
func (r *request) isNotification() bool { return r.ID == nil }

// response is one outbound reply. ID is echoed verbatim; a nil RawMessage
// marshals as null, which is exactly what parse errors need.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// notification is a server-initiated frame without an id.
type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

func resultResponse(id json.RawMessage, result any) response {
	return response{JSONRPC: Version, ID: id, Result: result}
}

func errorResponse(id json.RawMessage, err *Error) response {
	return response{JSONRPC: Version, ID: id, Error: err}
}
