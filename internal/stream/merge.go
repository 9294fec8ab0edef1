package stream

import (
	"container/heap"
	"context"
)

// Merge interleaves already-ordered inputs into one ordered iterator using a
// heap over the current head of every input. less must be a strict weak
// ordering; elements that compare equal are emitted in input order, so the
// output is deterministic for a fixed input.
//
// Nothing is pulled from the inputs until the first call to Next, and the
// input that produced the last element is only advanced on the following
// call. If an input fails while being advanced the merge stops and keeps
// returning that error; elements already emitted stay valid.
func Merge[T any](less func(a, b T) bool, inputs ...Iterator[T]) Iterator[T] {
	return &merger[T]{inputs: inputs, h: &headHeap[T]{less: less}}
}

type merger[T any] struct {
	inputs  []Iterator[T]
	h       *headHeap[T]
	primed  bool
	pending *head[T]
	err     error
}

type head[T any] struct {
	item  T
	index int
	src   Iterator[T]
}

func (m *merger[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	if m.err != nil {
		return zero, false, m.err
	}
	if !m.primed {
		m.primed = true
		for i, in := range m.inputs {
			item, ok, err := in.Next(ctx)
			if err != nil {
				m.err = err
				return zero, false, err
			}
			if ok {
				m.h.items = append(m.h.items, head[T]{item: item, index: i, src: in})
			}
		}
		m.inputs = nil
		heap.Init(m.h)
	}
	if p := m.pending; p != nil {
		m.pending = nil
		item, ok, err := p.src.Next(ctx)
		if err != nil {
			m.err = err
			return zero, false, err
		}
		if ok {
			heap.Push(m.h, head[T]{item: item, index: p.index, src: p.src})
		}
	}
	if m.h.Len() == 0 {
		return zero, false, nil
	}

	top := heap.Pop(m.h).(head[T])
	m.pending = &top
	return top.item, true, nil
}

// headHeap implements heap.Interface over input heads.
type headHeap[T any] struct {
	items []head[T]
	less  func(a, b T) bool
}

func (h *headHeap[T]) Len() int { return len(h.items) }

func (h *headHeap[T]) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if h.less(a.item, b.item) {
		return true
	}
	if h.less(b.item, a.item) {
		return false
	}
	return a.index < b.index
}

func (h *headHeap[T]) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *headHeap[T]) Push(x any) { h.items = append(h.items, x.(head[T])) }

func (h *headHeap[T]) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
