package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"ografserver/pkg/types"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
)

// JSON-RPC reserved codes. Domain failures use the HTTP-style codes of types.ErrorKind.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

// Error is the error member of a JSON-RPC reply
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Unwrap exposes the classified form so types.KindOf and errors.Is work on remote failures
func (e *Error) Unwrap() error {
	return &types.Error{Kind: types.KindFromCode(e.Code), Message: e.Message}
}

// InvalidParams builds the error returned when params do not decode
func InvalidParams(err error) *Error {
	return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
}

// toError converts a handler failure into a reply error
func toError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var typed *types.Error
	if errors.As(err, &typed) {
		return &Error{Code: typed.Kind.StatusCode(), Message: err.Error()}
	}
	return &Error{Code: types.KindInternal.StatusCode(), Message: err.Error()}
}
