package registry

import "errors"

var (
	ErrEmptyID  = errors.New("registry: empty layer id")
	ErrNilToken = errors.New("registry: nil token")
)
