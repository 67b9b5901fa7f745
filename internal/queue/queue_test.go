package queue

import (
	"errors"
	"fmt"
	"testing"
)

func keys(items []*Item[string, int]) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Key
	}
	return out
}

func TestQueue_BasicOperations(t *testing.T) {
	q := New[string, int](10)

	if _, err := q.Peek(); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("Expected ErrQueueEmpty, got %v", err)
	}
	if added, dropped := q.Push("a", 1, 1); !added || dropped != nil {
		t.Fatalf("Expected a to be added, got added=%v dropped=%v", added, dropped)
	}
	if q.Len() != 1 {
		t.Errorf("Expected size 1, got %d", q.Len())
	}

	it, err := q.Peek()
	if err != nil || it.Key != "a" {
		t.Fatalf("Peek returned %v, %v", it, err)
	}
	it, err = q.Pop()
	if err != nil || it.Key != "a" || it.Value != 1 {
		t.Fatalf("Pop returned %v, %v", it, err)
	}
	if _, ok := q.Get("a"); ok {
		t.Error("Expected popped key to be forgotten")
	}
	if _, err := q.Pop(); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("Expected ErrQueueEmpty, got %v", err)
	}
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	q := New[string, int](0)
	q.Push("B", 0, 1)
	q.Push("A", 0, 3)
	q.Push("C", 0, 2)
	q.Push("B2", 0, 1)
	q.Push("A2", 0, 3)

	var got []string
	for q.Len() > 0 {
		it, _ := q.Pop()
		got = append(got, it.Key)
	}
	want := "[A A2 C B B2]"
	if fmt.Sprint(got) != want {
		t.Errorf("Expected %s, got %v", want, got)
	}
}

func TestQueue_PushExistingUpgrades(t *testing.T) {
	q := New[string, int](0)
	q.Push("x", 1, 1)
	q.Push("y", 2, 2)

	if added, _ := q.Push("x", 99, 3); added {
		t.Error("Expected duplicate key not to be added")
	}
	if q.Len() != 2 {
		t.Errorf("Expected 2 items, got %d", q.Len())
	}
	it, _ := q.Peek()
	if it.Key != "x" || it.Value != 1 {
		t.Errorf("Expected upgraded x with original value first, got %s=%d", it.Key, it.Value)
	}

	// Lower priorities never downgrade.
	if q.Upgrade("x", 1) {
		t.Error("Expected downgrade to be ignored")
	}
	if st := q.Stats(); st.TotalUpgraded != 1 || st.TotalEnqueued != 2 {
		t.Errorf("Unexpected stats: %+v", st)
	}
}

func TestQueue_OverflowDropsLowestNewest(t *testing.T) {
	q := New[string, int](3)
	q.Push("bg-old", 0, 1)
	q.Push("bg-new", 0, 1)
	q.Push("pre", 0, 2)

	added, dropped := q.Push("now", 0, 3)
	if !added || dropped == nil || dropped.Key != "bg-new" {
		t.Fatalf("Expected bg-new to be dropped for an immediate item, got added=%v dropped=%v", added, dropped)
	}

	// An incoming item no better than the worst is the one dropped.
	added, dropped = q.Push("bg-late", 0, 1)
	if added || dropped == nil || dropped.Key != "bg-late" {
		t.Fatalf("Expected incoming bg-late to be dropped, got added=%v dropped=%v", added, dropped)
	}

	if got := fmt.Sprint(keys(q.Items())); got != "[now pre bg-old]" {
		t.Errorf("Unexpected queue contents %s", got)
	}
	if st := q.Stats(); st.TotalDropped != 2 || st.PeakSize != 3 {
		t.Errorf("Unexpected stats: %+v", st)
	}
}

func TestQueue_RemoveAndClear(t *testing.T) {
	q := New[string, int](0)
	for i, k := range []string{"a", "b", "c", "d"} {
		q.Push(k, i, i%2)
	}

	if _, ok := q.Remove("c"); !ok {
		t.Fatal("Expected c to be removed")
	}
	if _, ok := q.Remove("c"); ok {
		t.Error("Expected second removal to fail")
	}

	cleared := q.Clear()
	if got := fmt.Sprint(keys(cleared)); got != "[b d a]" {
		t.Errorf("Expected cleared items in queue order, got %s", got)
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got %d", q.Len())
	}
	if _, ok := q.Get("a"); ok {
		t.Error("Expected cleared keys to be forgotten")
	}
	q.Push("a", 0, 0)
	if q.Len() != 1 {
		t.Error("Expected queue to be usable after Clear")
	}
}
