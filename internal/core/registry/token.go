package registry

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Token is the disposable correlation object handed to the remote engine so it
// can call back into one local layer. Once disposed, events bearing its ID are
// undeliverable.
type Token struct {
	id       string
	disposed atomic.Bool
}

// NewToken mints a token with a fresh random ID.
func NewToken() *Token {
	return &Token{id: uuid.NewString()}
}

func (t *Token) ID() string {
	if t == nil {
		return ""
	}
	return t.id
}

// Dispose invalidates the token. Repeated calls are no-ops; the return value
// reports whether this call performed the disposal.
func (t *Token) Dispose() bool {
	if t == nil {
		return false
	}
	return t.disposed.CompareAndSwap(false, true)
}

func (t *Token) Disposed() bool {
	return t == nil || t.disposed.Load()
}
