package websocket

import "errors"

var (
	ErrUpgradeFailed = errors.New("websocket upgrade failed")
)
