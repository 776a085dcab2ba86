package renderer

import "errors"

var (
	ErrNoMatchingInstance = errors.New("no matching instance")
	ErrUnknownLayer       = errors.New("render target not found")
	ErrMaxRetries         = errors.New("max reconnect attempts exceeded")
)
