// Package pipeline holds the bounded submission queue and the single worker
// that drains it.
package pipeline

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"github.com/klikdeploy/backend/internal/metrics"
	"github.com/klikdeploy/backend/internal/models"
)

// DefaultCapacity is the number of requests the queue holds, reservations included.
const DefaultCapacity = 10

var (
	ErrQueueFull       = errors.New("submission queue is full")
	ErrDuplicateActive = errors.New("requester already has an active deployment")
	ErrNotQueued       = errors.New("request is not waiting in the queue")
	ErrNoReservation   = errors.New("no reservation for request")
)

// Queue is a FIFO of admitted requests plus the set of requesters with an
// in-flight request. Both are guarded by one lock so membership and capacity
// are checked and changed together.
type Queue struct {
	mu       sync.Mutex
	capacity int
	items    *list.List
	byID     map[string]*list.Element
	// active maps requester to the request id that holds its slot, from
	// reservation until the worker is done with it.
	active   map[string]string
	reserved int
	ready    chan struct{}
	metrics  *metrics.EngineMetrics
}

func NewQueue(capacity int, m *metrics.EngineMetrics) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity: capacity,
		items:    list.New(),
		byID:     make(map[string]*list.Element),
		active:   make(map[string]string),
		ready:    make(chan struct{}, 1),
		metrics:  m,
	}
}

// Reserve claims the requester's active slot and one unit of capacity for
// request id. It never blocks.
func (q *Queue) Reserve(requester, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.active[requester]; ok {
		return ErrDuplicateActive
	}
	if q.items.Len()+q.reserved >= q.capacity {
		return ErrQueueFull
	}
	q.active[requester] = id
	q.reserved++
	return nil
}

// Unreserve drops a reservation that will not be pushed.
func (q *Queue) Unreserve(requester, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active[requester] != id {
		return
	}
	delete(q.active, requester)
	q.reserved--
}

// Push appends a previously reserved request.
func (q *Queue) Push(req *models.DeploymentRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active[req.Requester] != req.ID {
		return ErrNoReservation
	}
	q.reserved--
	q.byID[req.ID] = q.items.PushBack(req)
	q.signal()
	q.metrics.SetQueueDepth(q.items.Len())
	return nil
}

// Enqueue reserves and pushes in one step.
func (q *Queue) Enqueue(req *models.DeploymentRequest) error {
	if err := q.Reserve(req.Requester, req.ID); err != nil {
		return err
	}
	return q.Push(req)
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Next blocks until a request is available or ctx is done. The requester
// stays in the active set until Done is called.
func (q *Queue) Next(ctx context.Context) (*models.DeploymentRequest, error) {
	for {
		q.mu.Lock()
		if front := q.items.Front(); front != nil {
			req := q.items.Remove(front).(*models.DeploymentRequest)
			delete(q.byID, req.ID)
			if q.items.Len() > 0 {
				q.signal()
			}
			q.metrics.SetQueueDepth(q.items.Len())
			q.mu.Unlock()
			return req, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		}
	}
}

// Done releases the requester's active slot after the worker finished req.
func (q *Queue) Done(req *models.DeploymentRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active[req.Requester] == req.ID {
		delete(q.active, req.Requester)
	}
}

// Cancel removes a request that is still waiting. Requests already handed to
// the worker return ErrNotQueued.
func (q *Queue) Cancel(id string) (*models.DeploymentRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.byID[id]
	if !ok {
		return nil, ErrNotQueued
	}
	req := q.items.Remove(el).(*models.DeploymentRequest)
	delete(q.byID, id)
	delete(q.active, req.Requester)
	q.metrics.SetQueueDepth(q.items.Len())
	return req, nil
}

// Len is the number of requests waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Active reports whether requester has a request in flight.
func (q *Queue) Active(requester string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[requester]
	return ok
}
