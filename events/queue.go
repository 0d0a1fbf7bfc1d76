package events

// queue is a binary min-heap ordered by less.
type queue[T any] struct {
	data []T
	less func(a, b T) bool
}

func newQueue[T any](less func(a, b T) bool) *queue[T] {
	return &queue[T]{
		data: []T{},
		less: less,
	}
}

func (h *queue[T]) Push(value T) {
	h.data = append(h.data, value)
	h.bubbleUp(len(h.data) - 1)
}

func (h *queue[T]) Pop() (T, bool) {
	if len(h.data) == 0 {
		var zero T
		return zero, false
	}
	top := h.data[0]
	last := len(h.data) - 1
	h.data[0] = h.data[last]
	var zero T
	h.data[last] = zero
	h.data = h.data[:last]
	h.bubbleDown(0)
	return top, true
}

func (h *queue[T]) Peek() (T, bool) {
	if len(h.data) == 0 {
		var zero T
		return zero, false
	}
	return h.data[0], true
}

// Filter drops every element for which keep returns false and restores heap order.
func (h *queue[T]) Filter(keep func(T) bool) int {
	kept := h.data[:0]
	removed := 0
	for _, v := range h.data {
		if keep(v) {
			kept = append(kept, v)
		} else {
			removed++
		}
	}
	var zero T
	for i := len(kept); i < len(h.data); i++ {
		h.data[i] = zero
	}
	h.data = kept
	for i := len(h.data)/2 - 1; i >= 0; i-- {
		h.bubbleDown(i)
	}
	return removed
}

func (h *queue[T]) bubbleUp(index int) {
	for index > 0 {
		parent := (index - 1) / 2
		if h.less(h.data[index], h.data[parent]) {
			h.data[index], h.data[parent] = h.data[parent], h.data[index]
			index = parent
		} else {
			break
		}
	}
}

func (h *queue[T]) bubbleDown(index int) {
	size := len(h.data)
	for {
		left := 2*index + 1
		right := 2*index + 2
		smallest := index

		if left < size && h.less(h.data[left], h.data[smallest]) {
			smallest = left
		}
		if right < size && h.less(h.data[right], h.data[smallest]) {
			smallest = right
		}
		if smallest == index {
			break
		}

		h.data[index], h.data[smallest] = h.data[smallest], h.data[index]
		index = smallest
	}
}

func (h *queue[T]) Size() int {
	return len(h.data)
}
