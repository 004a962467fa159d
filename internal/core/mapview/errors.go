package mapview

import (
	"errors"
	"fmt"

	"github.com/zeusync/mapsync/internal/core/gateway"
)

var (
	ErrNilLayer           = gateway.ErrNilLayer
	ErrUninitialized      = fmt.Errorf("%w: map is not initialized", gateway.ErrInvalidOperation)
	ErrAlreadyInitialized = fmt.Errorf("%w: map is already initialized", gateway.ErrInvalidOperation)
	ErrDisposed           = fmt.Errorf("%w: map is disposed", gateway.ErrInvalidOperation)
	ErrLayerNotFound      = fmt.Errorf("%w: layer is not on this map", gateway.ErrInvalidOperation)
	ErrDuplicateLayer     = fmt.Errorf("%w: layer is already on this map", gateway.ErrInvalidOperation)
	ErrIndexOutOfRange    = fmt.Errorf("%w: index out of range", gateway.ErrInvalidOperation)

	// ErrUndeliverable is returned for events whose token is unknown or
	// disposed. Nothing fires for them.
	ErrUndeliverable = errors.New("event is undeliverable")
)
