package dispatch

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/mella/internal/domain"
)

// Queue is the priority re-dispatch queue: critical rides drain before
// urgent, urgent before normal, FIFO within a tier. Enqueueing a ride that is
// already queued is a no-op, so the supervisor can sweep without duplicating
// work.
type Queue struct {
	mu     sync.Mutex
	items  queueHeap
	queued map[uuid.UUID]struct{}
	seq    uint64
	wake   chan struct{}
}

type queueItem struct {
	rideID     uuid.UUID
	tier       domain.Priority
	enqueuedAt time.Time
	seq        uint64
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		queued: make(map[uuid.UUID]struct{}),
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue adds the ride under the given tier. Returns false when the ride is
// already queued.
func (q *Queue) Enqueue(rideID uuid.UUID, tier domain.Priority, at time.Time) bool {
	q.mu.Lock()
	if _, exists := q.queued[rideID]; exists {
		q.mu.Unlock()
		return false
	}
	q.seq++
	heap.Push(&q.items, queueItem{rideID: rideID, tier: tier, enqueuedAt: at, seq: q.seq})
	q.queued[rideID] = struct{}{}
	depth := len(q.items)
	q.mu.Unlock()

	queueDepth.Set(float64(depth))
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks until an item is available or the context ends.
func (q *Queue) Pop(ctx context.Context) (uuid.UUID, domain.Priority, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := heap.Pop(&q.items).(queueItem)
			delete(q.queued, item.rideID)
			depth := len(q.items)
			q.mu.Unlock()
			queueDepth.Set(float64(depth))
			return item.rideID, item.tier, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return uuid.Nil, 0, ctx.Err()
		case <-q.wake:
		}
	}
}

// Contains reports whether the ride is waiting in the queue.
func (q *Queue) Contains(rideID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queued[rideID]
	return ok
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type queueHeap []queueItem

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	if h[i].tier != h[j].tier {
		return h[i].tier > h[j].tier
	}
	if !h[i].enqueuedAt.Equal(h[j].enqueuedAt) {
		return h[i].enqueuedAt.Before(h[j].enqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h queueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *queueHeap) Push(x any) { *h = append(*h, x.(queueItem)) }

func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
