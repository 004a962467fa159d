package protocol

import (
	"context"
	"sync"
)

// Completion is the deferred result of an asynchronous operation. It resolves
// exactly once. Callers either Wait on it before issuing a dependent
// operation or drop it (fire-and-forget).
type Completion struct {
	done  chan struct{}
	once  sync.Once
	reply Envelope
	err   error
}

func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Completed returns an already resolved completion.
func Completed(reply Envelope, err error) *Completion {
	c := NewCompletion()
	c.Resolve(reply, err)
	return c
}

// Failed returns a completion already resolved with err.
func Failed(err error) *Completion {
	return Completed(Envelope{}, err)
}

// Resolve settles the completion. Only the first call has an effect.
func (c *Completion) Resolve(reply Envelope, err error) bool {
	resolved := false
	c.once.Do(func() {
		c.reply = reply
		c.err = err
		close(c.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the completion is resolved.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the completion resolves or ctx ends. ctx bounds the wait
// only; the underlying operation keeps running.
func (c *Completion) Wait(ctx context.Context) (Envelope, error) {
	select {
	case <-c.done:
		return c.reply, c.err
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Err returns the resolution error, or nil while pending.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Resolved reports whether the completion has settled.
func (c *Completion) Resolved() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Then runs fn in a new goroutine once the completion resolves.
func (c *Completion) Then(fn func(Envelope, error)) {
	go func() {
		<-c.done
		fn(c.reply, c.err)
	}()
}

// Chain returns a completion that resolves after c with the result of fn.
func (c *Completion) Chain(fn func(Envelope, error) (Envelope, error)) *Completion {
	next := NewCompletion()
	c.Then(func(reply Envelope, err error) {
		next.Resolve(fn(reply, err))
	})
	return next
}
