package hub

import "errors"

var (
	ErrUnknownActionKind = errors.New("unknown graphic action kind")
	ErrNotRegistered     = errors.New("renderer has not registered")
)
