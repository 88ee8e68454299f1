package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/klikdeploy/backend/internal/models"
)

func request(id, requester string) *models.DeploymentRequest {
	return &models.DeploymentRequest{ID: id, Requester: requester, Status: models.StatusQueued}
}

// ---------------------------------------------------------------------------
// 1. TestEnqueue_FullQueueDoesNotBlock
//    Ten requests fill the queue; the eleventh fails immediately.
// ---------------------------------------------------------------------------

func TestEnqueue_FullQueueDoesNotBlock(t *testing.T) {
	q := NewQueue(DefaultCapacity, nil)
	for i := 0; i < DefaultCapacity; i++ {
		if err := q.Enqueue(request(fmt.Sprintf("r%d", i), fmt.Sprintf("user%d", i))); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- q.Enqueue(request("r10", "user10")) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueFull) {
			t.Fatalf("expected ErrQueueFull, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
	if q.Len() != DefaultCapacity {
		t.Errorf("len: got %d, want %d", q.Len(), DefaultCapacity)
	}
	if q.Active("user10") {
		t.Error("rejected requester left in the active set")
	}
}

// ---------------------------------------------------------------------------
// 2. TestEnqueue_DuplicateActive
// ---------------------------------------------------------------------------

func TestEnqueue_DuplicateActive(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(3, nil)
	if err := q.Enqueue(request("r1", "alice")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(request("r2", "alice")); !errors.Is(err, ErrDuplicateActive) {
		t.Fatalf("queued duplicate: expected ErrDuplicateActive, got %v", err)
	}

	// Still active while the worker holds it.
	req, err := q.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := q.Enqueue(request("r2", "alice")); !errors.Is(err, ErrDuplicateActive) {
		t.Fatalf("in-flight duplicate: expected ErrDuplicateActive, got %v", err)
	}

	q.Done(req)
	if err := q.Enqueue(request("r2", "alice")); err != nil {
		t.Fatalf("after Done: %v", err)
	}
}

// ---------------------------------------------------------------------------
// 3. TestQueue_FIFO
// ---------------------------------------------------------------------------

func TestQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(5, nil)
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(request(id, "user-"+id)); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got.ID != want {
			t.Errorf("order: got %s, want %s", got.ID, want)
		}
		q.Done(got)
	}
}

// ---------------------------------------------------------------------------
// 4. TestReserve_CountsAgainstCapacity
// ---------------------------------------------------------------------------

func TestReserve_CountsAgainstCapacity(t *testing.T) {
	q := NewQueue(1, nil)
	if err := q.Reserve("alice", "r1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := q.Reserve("bob", "r2"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull while reserved, got %v", err)
	}
	q.Unreserve("alice", "r1")
	if err := q.Reserve("bob", "r2"); err != nil {
		t.Fatalf("Reserve after Unreserve: %v", err)
	}
	if err := q.Push(request("r3", "carol")); !errors.Is(err, ErrNoReservation) {
		t.Fatalf("push without reservation: expected ErrNoReservation, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// 5. TestCancel_OnlyWhileQueued
// ---------------------------------------------------------------------------

func TestCancel_OnlyWhileQueued(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(3, nil)
	_ = q.Enqueue(request("r1", "alice"))
	_ = q.Enqueue(request("r2", "bob"))

	if _, err := q.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, err := q.Cancel("r1"); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("cancel in flight: expected ErrNotQueued, got %v", err)
	}
	got, err := q.Cancel("r2")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Requester != "bob" || q.Active("bob") || q.Len() != 0 {
		t.Errorf("after cancel: requester=%s active=%v len=%d", got.Requester, q.Active("bob"), q.Len())
	}
}

// ---------------------------------------------------------------------------
// 6. TestNext_WaitsForPush
// ---------------------------------------------------------------------------

func TestNext_WaitsForPush(t *testing.T) {
	q := NewQueue(2, nil)
	got := make(chan string, 1)
	go func() {
		req, err := q.Next(context.Background())
		if err == nil {
			got <- req.ID
		}
	}()
	time.Sleep(10 * time.Millisecond)
	_ = q.Enqueue(request("late", "alice"))
	select {
	case id := <-got:
		if id != "late" {
			t.Errorf("got %s, want late", id)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled Next: got %v", err)
	}
}
