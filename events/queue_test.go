package events

import "testing"

func TestQueueOrder(t *testing.T) {
	h := newQueue(func(a, b int) bool {
		return a < b
	})
	h.Push(10)
	h.Push(4)
	h.Push(100)
	h.Push(8)
	h.Push(20)
	for _, i := range []int{4, 8, 10, 20, 100} {
		if top, found := h.Peek(); !found || top != i {
			t.Errorf("got %v, %v, want %v, true", top, found, i)
		}
		if top, found := h.Pop(); !found || top != i {
			t.Errorf("got %v, %v, want %v, true", top, found, i)
		}
	}
	if _, found := h.Peek(); found {
		t.Errorf("got %v, want false", found)
	}
	if _, found := h.Pop(); found {
		t.Errorf("got %v, want false", found)
	}
}

func TestQueueFilter(t *testing.T) {
	h := newQueue(func(a, b int) bool {
		return a < b
	})
	for _, i := range []int{9, 3, 7, 1, 8, 2, 6, 4, 5} {
		h.Push(i)
	}
	if removed := h.Filter(func(i int) bool { return i%2 == 0 }); removed != 5 {
		t.Errorf("got %v removed, want 5", removed)
	}
	for _, i := range []int{2, 4, 6, 8} {
		if top, found := h.Pop(); !found || top != i {
			t.Errorf("got %v, %v, want %v, true", top, found, i)
		}
	}
	if h.Size() != 0 {
		t.Errorf("got size %v, want 0", h.Size())
	}
}
