package engine

import "errors"

var (
	ErrUnknownOp     = errors.New("unknown operation")
	ErrUnknownMap    = errors.New("unknown map")
	ErrMapExists     = errors.New("map already exists")
	ErrUnknownHandle = errors.New("unknown handle")
	ErrUnknownLayer  = errors.New("unknown layer")
	ErrNotOnMap      = errors.New("layer is not on a map")
	ErrNoToken       = errors.New("object has no callback token")
)
