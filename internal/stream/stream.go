// Package stream provides lazy, pull-based sequences used to walk paginated
// remote sources without materialising them.
package stream

import "context"

// Iterator yields elements one at a time. Next returns ok=false once the
// sequence is exhausted. After an error the iterator must not be used again.
type Iterator[T any] interface {
	Next(ctx context.Context) (item T, ok bool, err error)
}

// Func adapts a function to an Iterator.
type Func[T any] func(ctx context.Context) (T, bool, error)

func (f Func[T]) Next(ctx context.Context) (T, bool, error) { return f(ctx) }

// FromSlice iterates over items in order.
func FromSlice[T any](items []T) Iterator[T] {
	i := 0
	return Func[T](func(ctx context.Context) (T, bool, error) {
		var zero T
		if i >= len(items) {
			return zero, false, nil
		}
		item := items[i]
		i++
		return item, true, nil
	})
}

// Empty returns an exhausted iterator.
func Empty[T any]() Iterator[T] {
	return FromSlice[T](nil)
}

// Lazy defers building an iterator until its first element is requested.
func Lazy[T any](build func(ctx context.Context) (Iterator[T], error)) Iterator[T] {
	var inner Iterator[T]
	return Func[T](func(ctx context.Context) (T, bool, error) {
		if inner == nil {
			it, err := build(ctx)
			if err != nil {
				var zero T
				return zero, false, err
			}
			inner = it
		}
		return inner.Next(ctx)
	})
}

// Concat yields every element of each iterator in turn.
func Concat[T any](its ...Iterator[T]) Iterator[T] {
	return Func[T](func(ctx context.Context) (T, bool, error) {
		for len(its) > 0 {
			item, ok, err := its[0].Next(ctx)
			if err != nil || ok {
				return item, ok, err
			}
			its = its[1:]
		}
		var zero T
		return zero, false, nil
	})
}

// Map transforms each element. A conversion error stops the iteration.
func Map[T, U any](it Iterator[T], fn func(T) (U, error)) Iterator[U] {
	return Func[U](func(ctx context.Context) (U, bool, error) {
		var zero U
		item, ok, err := it.Next(ctx)
		if err != nil || !ok {
			return zero, ok, err
		}
		out, err := fn(item)
		if err != nil {
			return zero, false, err
		}
		return out, true, nil
	})
}

// Collect drains an iterator into a slice.
func Collect[T any](ctx context.Context, it Iterator[T]) ([]T, error) {
	var out []T
	for {
		item, ok, err := it.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, item)
	}
}
