package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOperation is the root of every precondition violation. Such
	// failures are reported synchronously and never sent to the remote side.
	ErrInvalidOperation = errors.New("invalid operation")

	ErrNilLayer      = fmt.Errorf("%w: nil layer", ErrInvalidOperation)
	ErrNotRegistered = fmt.Errorf("%w: layer has no remote handle", ErrInvalidOperation)
	ErrNotCreated    = fmt.Errorf("%w: layer has no remote counterpart", ErrInvalidOperation)
	ErrDisposed      = fmt.Errorf("%w: layer is disposed", ErrInvalidOperation)
	ErrWrongShape    = fmt.Errorf("%w: operation does not apply to this kind", ErrInvalidOperation)
	ErrEmptyMapID    = fmt.Errorf("%w: empty map id", ErrInvalidOperation)

	// ErrUnhandledKind means the dispatch table has no route for a kind. It is
	// a programming error and is never swallowed.
	ErrUnhandledKind = errors.New("unhandled layer kind")

	ErrNoHandle = errors.New("remote reply carried no handle")

	// ErrAttachCancelled resolves a creation whose pending attach was
	// cancelled by a Detach before it was sent.
	ErrAttachCancelled = errors.New("attach cancelled by detach")
)
