package sequence

import "iter"

// Iterator is a lazy, chainable view over a sequence of T.
type Iterator[T any] struct {
	seq iter.Seq[T]
}

// From iterates over a slice. The slice is read when the iterator runs, not
// when it is built.
func From[T any](data []T) *Iterator[T] {
	return &Iterator[T]{
		seq: func(yield func(T) bool) {
			for _, v := range data {
				if !yield(v) {
					return
				}
			}
		},
	}
}

func (i *Iterator[T]) Seq() iter.Seq[T] {
	return i.seq
}

// Filter keeps the elements for which keep returns true.
func (i *Iterator[T]) Filter(keep func(T) bool) *Iterator[T] {
	return &Iterator[T]{
		seq: func(yield func(T) bool) {
			for v := range i.seq {
				if keep(v) && !yield(v) {
					return
				}
			}
		},
	}
}

// Map transforms every element. It is a function because methods cannot
// introduce type parameters.
func Map[T, R any](i *Iterator[T], fn func(T) R) *Iterator[R] {
	return &Iterator[R]{
		seq: func(yield func(R) bool) {
			for v := range i.seq {
				if !yield(fn(v)) {
					return
				}
			}
		},
	}
}

// Find returns the first element matching pred.
func (i *Iterator[T]) Find(pred func(T) bool) (T, bool) {
	for v := range i.seq {
		if pred(v) {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func (i *Iterator[T]) Count() int {
	n := 0
	for range i.seq {
		n++
	}
	return n
}

// Collect exhausts the iterator. It returns an empty, non-nil slice when
// nothing is left.
func (i *Iterator[T]) Collect() []T {
	out := make([]T, 0)
	for v := range i.seq {
		out = append(out, v)
	}
	return out
}
