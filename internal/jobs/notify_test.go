package jobs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/klikdeploy/backend/internal/models"
)

func confirmedRequest() *models.DeploymentRequest {
	cost := int64(12_000_000)
	return &models.DeploymentRequest{
		ID: "r1", Requester: "alice", Status: models.StatusConfirmed, Tier: models.TierFree,
		TxReference: "0xabc", TokenAddress: "0x69", CostGwei: &cost,
		Payload: models.DeploymentPayload{Name: "Doge", Symbol: "DOGE"},
	}
}

// ---------------------------------------------------------------------------
// 1. TestNotifyOutcomeWorker_PostsOutcome
// ---------------------------------------------------------------------------

func TestNotifyOutcomeWorker_PostsOutcome(t *testing.T) {
	var got Outcome
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type: got %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewNotifyOutcomeWorker()
	job := &river.Job[NotifyOutcomeArgs]{
		JobRow: &rivertype.JobRow{Attempt: 1},
		Args:   NotifyOutcomeArgs{WebhookURL: srv.URL, Outcome: OutcomeOf(confirmedRequest())},
	}
	if err := w.Work(context.Background(), job); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if got.RequestID != "r1" || got.Status != models.StatusConfirmed || got.Symbol != "DOGE" {
		t.Errorf("delivered outcome: %+v", got)
	}
	if got.CostGwei == nil || *got.CostGwei != 12_000_000 {
		t.Errorf("cost: got %v, want 12000000", got.CostGwei)
	}
}

// ---------------------------------------------------------------------------
// 2. TestNotifyOutcomeWorker_Non2xxIsRetried
// ---------------------------------------------------------------------------

func TestNotifyOutcomeWorker_Non2xxIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewNotifyOutcomeWorker()
	job := &river.Job[NotifyOutcomeArgs]{
		JobRow: &rivertype.JobRow{Attempt: 1},
		Args:   NotifyOutcomeArgs{WebhookURL: srv.URL},
	}
	if err := w.Work(context.Background(), job); err == nil {
		t.Fatal("expected an error so the job is retried")
	}
}

// ---------------------------------------------------------------------------
// 3. TestRiverNotifier_InsertsArgs
// ---------------------------------------------------------------------------

func TestRiverNotifier_InsertsArgs(t *testing.T) {
	var inserted NotifyOutcomeArgs
	n := NewRiverNotifier("https://hooks.example/outcome", func(_ context.Context, args NotifyOutcomeArgs) error {
		inserted = args
		return nil
	})
	if err := n.Notify(context.Background(), confirmedRequest()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if inserted.WebhookURL != "https://hooks.example/outcome" || inserted.Outcome.TxReference != "0xabc" {
		t.Errorf("inserted args: %+v", inserted)
	}
	if inserted.Kind() != "notify_outcome" {
		t.Errorf("kind: got %s", inserted.Kind())
	}
}

// ---------------------------------------------------------------------------
// 4. TestCooldownSweepWorker
// ---------------------------------------------------------------------------

type countingSweeper struct{ calls atomic.Int32 }

func (s *countingSweeper) Sweep(context.Context) (int, error) {
	s.calls.Add(1)
	return 2, nil
}

func TestCooldownSweepWorker(t *testing.T) {
	s := &countingSweeper{}
	w := NewCooldownSweepWorker(s, nil)
	if err := w.Work(context.Background(), &river.Job[CooldownSweepArgs]{JobRow: &rivertype.JobRow{}}); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if s.calls.Load() != 1 {
		t.Errorf("sweeps: got %d, want 1", s.calls.Load())
	}
	if PeriodicSweep(0) == nil {
		t.Error("PeriodicSweep returned nil")
	}
}
