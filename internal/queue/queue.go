package queue

import (
	"container/heap"
	"sync"
)

type item[T any] struct {
	value    T
	priority int
	seq      uint64
	index    int
}

// queueHeap implements heap.Interface. Lower priority values dequeue first;
// items with equal priority dequeue in insertion order.
type queueHeap[T any] []*item[T]

func (qh queueHeap[T]) Len() int {
	return len(qh)
}

func (qh queueHeap[T]) Less(i, j int) bool {
	if qh[i].priority != qh[j].priority {
		return qh[i].priority < qh[j].priority
	}
	return qh[i].seq < qh[j].seq
}

func (qh queueHeap[T]) Swap(i, j int) {
	qh[i], qh[j] = qh[j], qh[i]
	qh[i].index = i
	qh[j].index = j
}

func (qh *queueHeap[T]) Push(x interface{}) {
	n := len(*qh)
	it := x.(*item[T])
	it.index = n
	*qh = append(*qh, it)
}

func (qh *queueHeap[T]) Pop() interface{} {
	old := *qh
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // avoid memory leak
	it.index = -1
	*qh = old[0 : n-1]
	return it
}

// PriorityQueue is a thread-safe generic priority queue with stable ordering
// for equal priorities.
type PriorityQueue[T any] struct {
	heap queueHeap[T]
	seq  uint64
	mu   sync.Mutex
}

func NewPriorityQueue[T any]() *PriorityQueue[T] {
	pq := &PriorityQueue[T]{
		heap: make(queueHeap[T], 0),
	}
	heap.Init(&pq.heap)
	return pq
}

func (pq *PriorityQueue[T]) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.heap.Len()
}

// Enqueue adds a value with the given priority. Lower values dequeue first.
func (pq *PriorityQueue[T]) Enqueue(value T, priority int) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	pq.seq++
	heap.Push(&pq.heap, &item[T]{
		value:    value,
		priority: priority,
		seq:      pq.seq,
	})
}

// Dequeue removes and returns the lowest-priority-value item.
func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.heap.Len() == 0 {
		var zero T
		return zero, false
	}

	it := heap.Pop(&pq.heap).(*item[T])
	return it.value, true
}

// Peek returns the next item without removing it.
func (pq *PriorityQueue[T]) Peek() (T, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.heap.Len() == 0 {
		var zero T
		return zero, false
	}
	return pq.heap[0].value, true
}

// DequeueAll drains the queue in priority order.
func (pq *PriorityQueue[T]) DequeueAll() []T {
	items := make([]T, 0, pq.Len())
	for {
		v, ok := pq.Dequeue()
		if !ok {
			return items
		}
		items = append(items, v)
	}
}
