package accounts

import "errors"

var (
	ErrNamespaceExhausted = errors.New("could not allocate a free namespace id")
	ErrCorruptAccount     = errors.New("account file is corrupt")
)
