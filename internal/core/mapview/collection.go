package mapview

import (
	"fmt"

	"github.com/zeusync/mapsync/internal/core/layer"
	"github.com/zeusync/mapsync/internal/core/protocol"
	"github.com/zeusync/mapsync/pkg/sequence"
)

// Action names a collection mutation.
type Action uint8

const (
	ActionAdd Action = iota + 1
	ActionRemove
	ActionReplace
	ActionMove
	ActionReset
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionRemove:
		return "remove"
	case ActionReplace:
		return "replace"
	case ActionMove:
		return "move"
	case ActionReset:
		return "reset"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Change records one collection mutation. Removed layers are torn down
// before added ones are created.
type Change struct {
	Action   Action
	Removed  []*layer.Layer
	Added    []*layer.Layer
	OldIndex int
	NewIndex int

	done *protocol.Completion
}

// Collection is the ordered layer list of a map. It is not safe for
// concurrent use; Map guards it.
type Collection struct {
	items []*layer.Layer
}

func (c *Collection) Len() int { return len(c.items) }

// IndexOf returns the position of l, or -1.
func (c *Collection) IndexOf(l *layer.Layer) int {
	for i, it := range c.items {
		if it == l {
			return i
		}
	}
	return -1
}

func (c *Collection) Contains(l *layer.Layer) bool {
	return c.IndexOf(l) >= 0
}

// Snapshot copies the current items.
func (c *Collection) Snapshot() []*layer.Layer {
	out := make([]*layer.Layer, len(c.items))
	copy(out, c.items)
	return out
}

// OfKind returns the items of kind k in collection order.
func (c *Collection) OfKind(k layer.Kind) []*layer.Layer {
	return sequence.From(c.items).
		Filter(func(l *layer.Layer) bool { return l.Kind() == k }).
		Collect()
}

func (c *Collection) Append(l *layer.Layer) *Change {
	c.items = append(c.items, l)
	return &Change{Action: ActionAdd, Added: []*layer.Layer{l}, OldIndex: -1, NewIndex: len(c.items) - 1}
}

func (c *Collection) RemoveAt(i int) *Change {
	l := c.items[i]
	c.items = append(c.items[:i], c.items[i+1:]...)
	return &Change{Action: ActionRemove, Removed: []*layer.Layer{l}, OldIndex: i, NewIndex: -1}
}

func (c *Collection) ReplaceAt(i int, next *layer.Layer) *Change {
	prev := c.items[i]
	c.items[i] = next
	return &Change{Action: ActionReplace, Removed: []*layer.Layer{prev}, Added: []*layer.Layer{next}, OldIndex: i, NewIndex: i}
}

func (c *Collection) Move(from, to int) *Change {
	l := c.items[from]
	c.items = append(c.items[:from], c.items[from+1:]...)
	c.items = append(c.items[:to], append([]*layer.Layer{l}, c.items[to:]...)...)
	return &Change{Action: ActionMove, Removed: []*layer.Layer{l}, Added: []*layer.Layer{l}, OldIndex: from, NewIndex: to}
}

func (c *Collection) Reset() *Change {
	prev := c.items
	c.items = nil
	return &Change{Action: ActionReset, Removed: prev, OldIndex: -1, NewIndex: -1}
}
