package queue

import (
	"container/heap"
	"errors"
	"sort"
	"time"
)

// ErrQueueEmpty is returned by Peek and Pop on an empty queue.
var ErrQueueEmpty = errors.New("queue is empty")

// Item is an entry in the queue.
type Item[K comparable, V any] struct {
	Key      K
	Value    V
	Priority int
	Enqueued time.Time

	seq   uint64
	index int // index in the heap
}

// Stats tracks queue activity.
type Stats struct {
	TotalEnqueued int64
	TotalDequeued int64
	TotalDropped  int64
	TotalUpgraded int64
	CurrentSize   int
	PeakSize      int
	LastEnqueue   time.Time
	LastDequeue   time.Time
}

// Queue is a keyed priority queue. It is not safe for concurrent use;
// callers hold their own lock, usually together with related state.
type Queue[K comparable, V any] struct {
	heap    itemHeap[K, V]
	byKey   map[K]*Item[K, V]
	maxSize int
	seq     uint64
	now     func() time.Time
	stats   Stats
}

// New returns a queue holding at most maxSize items. A maxSize of zero or
// less means unbounded.
func New[K comparable, V any](maxSize int) *Queue[K, V] {
	return &Queue[K, V]{
		byKey:   make(map[K]*Item[K, V]),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Len returns the number of queued items.
func (q *Queue[K, V]) Len() int { return len(q.heap) }

// Get returns the queued item for key. The item may be mutated, except for
// its Key and Priority.
func (q *Queue[K, V]) Get(key K) (*Item[K, V], bool) {
	it, ok := q.byKey[key]
	return it, ok
}

// Push adds value under key. If key is already queued its priority is
// raised to priority when higher, and added is false. If the queue was
// full, dropped is the item that made room, which may be the new one.
func (q *Queue[K, V]) Push(key K, value V, priority int) (added bool, dropped *Item[K, V]) {
	if _, ok := q.byKey[key]; ok {
		q.Upgrade(key, priority)
		return false, nil
	}

	q.seq++
	it := &Item[K, V]{Key: key, Value: value, Priority: priority, Enqueued: q.now(), seq: q.seq}

	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		worst := q.worst()
		// The new item is the newest of all, so it loses ties.
		if worst == nil || priority <= worst.Priority {
			q.stats.TotalDropped++
			return false, it
		}
		q.remove(worst)
		q.stats.TotalDropped++
		dropped = worst
	}

	heap.Push(&q.heap, it)
	q.byKey[key] = it
	q.stats.TotalEnqueued++
	q.stats.LastEnqueue = it.Enqueued
	if n := len(q.heap); n > q.stats.PeakSize {
		q.stats.PeakSize = n
	}
	return true, dropped
}

// Upgrade raises the priority of key. It reports whether anything changed.
func (q *Queue[K, V]) Upgrade(key K, priority int) bool {
	it, ok := q.byKey[key]
	if !ok || priority <= it.Priority {
		return false
	}
	it.Priority = priority
	heap.Fix(&q.heap, it.index)
	q.stats.TotalUpgraded++
	return true
}

// Peek returns the next item without removing it.
func (q *Queue[K, V]) Peek() (*Item[K, V], error) {
	if len(q.heap) == 0 {
		return nil, ErrQueueEmpty
	}
	return q.heap[0], nil
}

// Pop removes and returns the next item.
func (q *Queue[K, V]) Pop() (*Item[K, V], error) {
	if len(q.heap) == 0 {
		return nil, ErrQueueEmpty
	}
	it := heap.Pop(&q.heap).(*Item[K, V])
	delete(q.byKey, it.Key)
	q.stats.TotalDequeued++
	q.stats.LastDequeue = q.now()
	return it, nil
}

// Remove deletes key from the queue.
func (q *Queue[K, V]) Remove(key K) (*Item[K, V], bool) {
	it, ok := q.byKey[key]
	if !ok {
		return nil, false
	}
	q.remove(it)
	return it, true
}

// Clear empties the queue and returns what was in it, in queue order.
func (q *Queue[K, V]) Clear() []*Item[K, V] {
	items := q.Items()
	q.heap = nil
	q.byKey = make(map[K]*Item[K, V])
	return items
}

// Items returns the queued items in the order they would be popped.
func (q *Queue[K, V]) Items() []*Item[K, V] {
	items := make([]*Item[K, V], len(q.heap))
	copy(items, q.heap)
	sortItems(items)
	return items
}

// Stats returns a snapshot of the queue statistics.
func (q *Queue[K, V]) Stats() Stats {
	s := q.stats
	s.CurrentSize = len(q.heap)
	return s
}

func (q *Queue[K, V]) remove(it *Item[K, V]) {
	heap.Remove(&q.heap, it.index)
	delete(q.byKey, it.Key)
}

// worst returns the item that would be popped last.
func (q *Queue[K, V]) worst() *Item[K, V] {
	var w *Item[K, V]
	for _, it := range q.heap {
		if w == nil || w.less(it) {
			w = it
		}
	}
	return w
}

func sortItems[K comparable, V any](items []*Item[K, V]) {
	sort.Slice(items, func(i, j int) bool { return items[i].less(items[j]) })
}

func (it *Item[K, V]) less(other *Item[K, V]) bool {
	if it.Priority != other.Priority {
		return it.Priority > other.Priority
	}
	return it.seq < other.seq
}

type itemHeap[K comparable, V any] []*Item[K, V]

func (h itemHeap[K, V]) Len() int { return len(h) }

func (h itemHeap[K, V]) Less(i, j int) bool { return h[i].less(h[j]) }

func (h itemHeap[K, V]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap[K, V]) Push(x any) {
	it := x.(*Item[K, V])
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap[K, V]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // avoid memory leak
	it.index = -1
	*h = old[:n-1]
	return it
}
