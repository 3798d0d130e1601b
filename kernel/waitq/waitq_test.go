package waitq

import (
	"testing"

	"ember/kernel/task"
)

func newTask(name string, pri int) *task.Task {
	return task.New(name, func() {}, pri, false)
}

func TestPopHighestPriorityFirst(t *testing.T) {
	var q Queue[struct{}]

	q.Push(newTask("low", 9), struct{}{})
	q.Push(newTask("high", 1), struct{}{})
	q.Push(newTask("mid", 5), struct{}{})

	want := []string{"high", "mid", "low"}
	for _, name := range want {
		got, _, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop() ok = false, want task %q", name)
		}
		if got.Name() != name {
			t.Fatalf("Pop() = %q, want %q", got.Name(), name)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d after draining, want 0", q.Len())
	}
}

func TestEqualPriorityKeepsArrivalOrder(t *testing.T) {
	var q Queue[struct{}]

	for _, name := range []string{"first", "second", "third"} {
		q.Push(newTask(name, 4), struct{}{})
	}
	q.Push(newTask("urgent", 2), struct{}{})

	want := []string{"urgent", "first", "second", "third"}
	for _, name := range want {
		got, _, _ := q.Pop()
		if got.Name() != name {
			t.Fatalf("Pop() = %q, want %q", got.Name(), name)
		}
	}
}

func TestPayloadTravelsWithWaiter(t *testing.T) {
	var q Queue[int]

	q.Push(newTask("b", 6), 200)
	q.Push(newTask("a", 3), 100)

	_, v, _ := q.Pop()
	if v != 100 {
		t.Fatalf("payload = %d, want 100", v)
	}
	_, v, _ = q.Pop()
	if v != 200 {
		t.Fatalf("payload = %d, want 200", v)
	}
}

func TestPopEmpty(t *testing.T) {
	var q Queue[struct{}]
	if _, _, ok := q.Pop(); ok {
		t.Fatalf("Pop() ok = true on an empty queue, want false")
	}
}
