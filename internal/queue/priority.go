// Package queue holds admitted tasks waiting for dispatch. Ordering is
// strict priority first, then submission sequence, so tasks within one
// priority tier leave in the order they arrived.
package queue

import (
	"container/heap"
	"errors"
	"sort"
	"sync"

	"execguard/internal/domain"
)

var ErrEmpty = errors.New("no tasks ready")

type PriorityQueue struct {
	mu    sync.Mutex
	items taskHeap
	index map[string]*item
}

type item struct {
	task domain.Task
	pos  int
}

func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{index: make(map[string]*item)}
}

// Push adds t. A task whose ID is already queued replaces the earlier entry.
func (q *PriorityQueue) Push(t domain.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if old, ok := q.index[t.ID]; ok {
		old.task = t
		heap.Fix(&q.items, old.pos)
		return
	}
	it := &item{task: t}
	heap.Push(&q.items, it)
	q.index[t.ID] = it
}

func (q *PriorityQueue) Pop() (domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return domain.Task{}, ErrEmpty
	}
	it := heap.Pop(&q.items).(*item)
	delete(q.index, it.task.ID)
	return it.task, nil
}

func (q *PriorityQueue) Peek() (domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return domain.Task{}, ErrEmpty
	}
	return q.items[0].task, nil
}

// Remove takes the task with id out of the queue, wherever it sits.
func (q *PriorityQueue) Remove(id string) (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.index[id]
	if !ok {
		return domain.Task{}, false
	}
	heap.Remove(&q.items, it.pos)
	delete(q.index, id)
	return it.task, true
}

func (q *PriorityQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[id]
	return ok
}

func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the queued tasks in dispatch order.
func (q *PriorityQueue) Snapshot() []domain.Task {
	q.mu.Lock()
	out := make([]domain.Task, len(q.items))
	for i, it := range q.items {
		out[i] = it.task
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out
}

// DepthByPriority counts queued tasks per tier.
func (q *PriorityQueue) DepthByPriority() map[domain.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[domain.Priority]int)
	for _, it := range q.items {
		out[it.task.Priority]++
	}
	return out
}

func before(a, b domain.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

type taskHeap []*item

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return before(h[i].task, h[j].task) }

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.pos = -1
	*h = old[:n-1]
	return it
}
