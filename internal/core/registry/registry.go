// Package registry correlates local layer identifiers with the callback token
// handed to the remote engine, the owning map and the layer itself.
//
// An entry exists exactly while a remote counterpart exists. Entries are
// values: replacing one is a delete followed by an insert, never an in-place
// mutation. The registry is sharded by identifier hash so concurrent
// registration and release only contend on the shard of the identifier they
// touch.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/zeusync/mapsync/internal/core/layer"
)

const defaultShardCount = 16

// Entry is one registered remote counterpart.
type Entry struct {
	ID    string
	Token *Token
	Owner string
	Layer *layer.Layer
}

type entryShard struct {
	mu   sync.RWMutex
	byID map[string]Entry
}

type tokenShard struct {
	mu      sync.RWMutex
	byToken map[string]string // token id -> layer id
}

type Registry struct {
	entries []entryShard
	tokens  []tokenShard
	count   uint64
	size    atomic.Int64
}

// New creates a registry with the given number of shards; shards <= 0 uses
// the default.
func New(shards int) *Registry {
	if shards <= 0 {
		shards = defaultShardCount
	}
	r := &Registry{
		entries: make([]entryShard, shards),
		tokens:  make([]tokenShard, shards),
		count:   uint64(shards),
	}
	for i := range r.entries {
		r.entries[i].byID = make(map[string]Entry)
		r.tokens[i].byToken = make(map[string]string)
	}
	return r
}

func (r *Registry) entryShard(id string) *entryShard {
	return &r.entries[xxhash.Sum64String(id)%r.count]
}

func (r *Registry) tokenShard(tokenID string) *tokenShard {
	return &r.tokens[xxhash.Sum64String(tokenID)%r.count]
}

// Register inserts or overwrites the entry for id. When an existing entry is
// overwritten with a different token, the old token is disposed.
func (r *Registry) Register(id string, token *Token, owner string, l *layer.Layer) error {
	if id == "" {
		return ErrEmptyID
	}
	if token == nil {
		return ErrNilToken
	}

	next := Entry{ID: id, Token: token, Owner: owner, Layer: l}

	sh := r.entryShard(id)
	sh.mu.Lock()
	prev, existed := sh.byID[id]
	delete(sh.byID, id)
	sh.byID[id] = next
	replaced := existed && prev.Token != token
	if replaced {
		r.unindex(prev.Token)
	}
	r.index(token, id)
	sh.mu.Unlock()

	if replaced {
		prev.Token.Dispose()
	}
	if !existed {
		r.size.Add(1)
	}
	return nil
}

// Reassign replaces the owner of an existing entry. It returns false when no
// entry exists for id.
func (r *Registry) Reassign(id, owner string) bool {
	sh := r.entryShard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prev, ok := sh.byID[id]
	if !ok {
		return false
	}
	next := prev
	next.Owner = owner
	delete(sh.byID, id)
	sh.byID[id] = next
	return true
}

// Release removes the entry for id and disposes its token. Releasing an
// absent id is a no-op and returns false.
func (r *Registry) Release(id string) (Entry, bool) {
	sh := r.entryShard(id)
	sh.mu.Lock()
	prev, ok := sh.byID[id]
	if ok {
		delete(sh.byID, id)
		r.unindex(prev.Token)
	}
	sh.mu.Unlock()

	if !ok {
		return Entry{}, false
	}
	r.size.Add(-1)
	prev.Token.Dispose()
	return prev, true
}

// Lookup returns the entry registered for id.
func (r *Registry) Lookup(id string) (Entry, bool) {
	sh := r.entryShard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.byID[id]
	return e, ok
}

// Contains reports whether an entry exists for id.
func (r *Registry) Contains(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Resolve maps a callback token ID back to its live entry. Disposed or
// unknown tokens resolve to nothing.
func (r *Registry) Resolve(tokenID string) (Entry, bool) {
	ts := r.tokenShard(tokenID)
	ts.mu.RLock()
	id, ok := ts.byToken[tokenID]
	ts.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}

	e, ok := r.Lookup(id)
	if !ok || e.Token.ID() != tokenID || e.Token.Disposed() {
		return Entry{}, false
	}
	return e, true
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	return int(r.size.Load())
}

// Snapshot copies every entry. The result is not a consistent cut across
// shards.
func (r *Registry) Snapshot() []Entry {
	out := make([]Entry, 0, r.Len())
	r.forEach(func(e Entry) {
		out = append(out, e)
	})
	return out
}

// Owned returns the entries whose owner is owner.
func (r *Registry) Owned(owner string) []Entry {
	var out []Entry
	r.forEach(func(e Entry) {
		if e.Owner == owner {
			out = append(out, e)
		}
	})
	return out
}

func (r *Registry) forEach(fn func(Entry)) {
	for i := range r.entries {
		sh := &r.entries[i]
		sh.mu.RLock()
		for _, e := range sh.byID {
			fn(e)
		}
		sh.mu.RUnlock()
	}
}

// index and unindex are called with the entry shard of id held.
func (r *Registry) index(token *Token, id string) {
	ts := r.tokenShard(token.ID())
	ts.mu.Lock()
	ts.byToken[token.ID()] = id
	ts.mu.Unlock()
}

func (r *Registry) unindex(token *Token) {
	if token == nil {
		return
	}
	ts := r.tokenShard(token.ID())
	ts.mu.Lock()
	delete(ts.byToken, token.ID())
	ts.mu.Unlock()
}
