// Package queue holds tasks that are waiting for an agent, ordered by
// priority tier and FIFO within a tier.
package queue

import (
	"container/list"
	"sync"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

// Predicate decides whether a queued task may be taken now.
type Predicate func(*domain.Task) bool

type entry struct {
	task *domain.Task
	tier int
}

// Queue is a four-tier priority queue. Urgent always dequeues before high
// before medium before low; insertion order is kept within a tier. A task ID
// appears at most once. Safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	tiers [4]*list.List
	index map[string]*list.Element
}

// New returns an empty Queue.
func New() *Queue {
	q := &Queue{index: make(map[string]*list.Element)}
	for i := range q.tiers {
		q.tiers[i] = list.New()
	}
	return q
}

// Enqueue appends the task to the back of its priority tier.
func (q *Queue) Enqueue(t *domain.Task) error {
	return q.insert(t, false)
}

// PushFront puts the task at the head of its tier. Used to return a claimed
// task whose capability could not be invoked.
func (q *Queue) PushFront(t *domain.Task) error {
	return q.insert(t, true)
}

func (q *Queue) insert(t *domain.Task, front bool) error {
	if t == nil || t.ID == "" {
		return &domain.ValidationError{Field: "id", Reason: "is required"}
	}
	if t.Type == "" {
		return &domain.ValidationError{Field: "type", Reason: "is required"}
	}
	tier := t.Priority.Rank()
	if tier < 0 {
		return &domain.ValidationError{Field: "priority", Reason: "is required"}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if el, ok := q.index[t.ID]; ok {
		q.tiers[el.Value.(*entry).tier].Remove(el)
	}
	e := &entry{task: t, tier: tier}
	if front {
		q.index[t.ID] = q.tiers[tier].PushFront(e)
	} else {
		q.index[t.ID] = q.tiers[tier].PushBack(e)
	}
	return nil
}

// PeekEligible returns the highest-priority, oldest task satisfying pred.
// The task stays queued; callers claim it with Remove.
func (q *Queue) PeekEligible(pred Predicate) (*domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for tier := range q.tiers {
		if t, ok := q.scan(tier, pred); ok {
			return t, true
		}
	}
	return nil, false
}

// PeekEligibleIn is PeekEligible restricted to one tier.
func (q *Queue) PeekEligibleIn(p domain.Priority, pred Predicate) (*domain.Task, bool) {
	tier := p.Rank()
	if tier < 0 {
		return nil, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.scan(tier, pred)
}

func (q *Queue) scan(tier int, pred Predicate) (*domain.Task, bool) {
	for el := q.tiers[tier].Front(); el != nil; el = el.Next() {
		t := el.Value.(*entry).task
		if pred == nil || pred(t) {
			return t, true
		}
	}
	return nil, false
}

// Remove takes the task out of the queue. It reports whether the task was
// present; removing an absent task is a no-op.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.index[taskID]
	if !ok {
		return false
	}
	q.tiers[el.Value.(*entry).tier].Remove(el)
	delete(q.index, taskID)
	return true
}

// Contains reports whether the task is queued.
func (q *Queue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[taskID]
	return ok
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// Counts returns the number of queued tasks per tier.
func (q *Queue) Counts() map[domain.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[domain.Priority]int, len(domain.Priorities))
	for i, p := range domain.Priorities {
		out[p] = q.tiers[i].Len()
	}
	return out
}
