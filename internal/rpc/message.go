package rpc

import (
	"context"
	"encoding/json"
)

const version = "2.0"

// message is any JSON-RPC envelope. A message with a method is a request; without one it is a reply.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// HandlerFunc serves one inbound method. The returned value becomes the reply result.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Handlers maps method names to handlers. Unknown methods are answered with CodeMethodNotFound.
type Handlers map[string]HandlerFunc

// Decode unmarshals params into v. Missing params decode as an empty object.
func Decode(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return InvalidParams(err)
	}
	return nil
}

// Handle adapts a typed function to a HandlerFunc
func Handle[P any, R any](fn func(ctx context.Context, params P) (R, error)) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params P
		if err := Decode(raw, &params); err != nil {
			return nil, err
		}
		return fn(ctx, params)
	}
}

type response struct {
	result json.RawMessage
	err    error
}
