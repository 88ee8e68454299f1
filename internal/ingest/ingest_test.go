package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/klikdeploy/backend/internal/engine"
	"github.com/klikdeploy/backend/internal/models"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

// ---------------------------------------------------------------------------
// 1. TestDecode_Valid
// ---------------------------------------------------------------------------

func TestDecode_Valid(t *testing.T) {
	v := newTestValidator(t)
	ev, err := v.Decode([]byte(`{
		"request_id": "tweet-1",
		"requester_identity": "@Alice",
		"reputation_metric": 2500,
		"payload": {"name": "Doge Two", "symbol": "DOGE2", "metadata_ref": "ipfs://x"}
	}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	req := ev.Request()
	if req.Requester != "alice" {
		t.Errorf("requester: got %q, want alice", req.Requester)
	}
	if req.ID != "tweet-1" || req.Reputation != 2500 || req.Payload.Symbol != "DOGE2" {
		t.Errorf("request: %+v", req)
	}
}

// ---------------------------------------------------------------------------
// 2. TestDecode_Invalid
// ---------------------------------------------------------------------------

func TestDecode_Invalid(t *testing.T) {
	v := newTestValidator(t)
	cases := []struct {
		name  string
		input string
	}{
		{"not json", `{`},
		{"missing requester", `{"reputation_metric": 1, "payload": {"name": "a", "symbol": "A"}}`},
		{"negative reputation", `{"requester_identity": "a", "reputation_metric": -1, "payload": {"name": "a", "symbol": "A"}}`},
		{"bad symbol", `{"requester_identity": "a", "reputation_metric": 1, "payload": {"name": "a", "symbol": "A B"}}`},
		{"unknown field", `{"requester_identity": "a", "reputation_metric": 1, "payload": {"name": "a", "symbol": "A"}, "x": 1}`},
		{"address without salt", `{"requester_identity": "a", "reputation_metric": 1, "payload": {"name": "a", "symbol": "A"},
			"predicted_address": "0x6900000000000000000000000000000000000069"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Decode([]byte(tc.input)); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// 3. TestProcess_SubmitsDecodedRequest
// ---------------------------------------------------------------------------

type recordingSink struct {
	mu  sync.Mutex
	got []*models.DeploymentRequest
	err error
}

func (s *recordingSink) Submit(_ context.Context, req *models.DeploymentRequest) (engine.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, req)
	if s.err != nil {
		return engine.Result{}, s.err
	}
	return engine.Result{RequestID: req.ID, Accepted: true, Status: models.StatusQueued, Tier: models.TierFree}, nil
}

type submitFunc func(ctx context.Context, req *models.DeploymentRequest)

func (f submitFunc) Submit(ctx context.Context, req *models.DeploymentRequest) (engine.Result, error) {
	f(ctx, req)
	return engine.Result{RequestID: req.ID, Accepted: true, Status: models.StatusQueued}, nil
}

func TestProcess_SubmitsDecodedRequest(t *testing.T) {
	sink := &recordingSink{}
	s := NewSubscriber(nil, "deployments.requested", "", newTestValidator(t), sink, nil)

	reply := s.Process(context.Background(), []byte(`{"request_id":"r1","requester_identity":"bob","reputation_metric":3000,"payload":{"name":"B","symbol":"B"}}`))
	if reply.Error != "" || !reply.Accepted || reply.Tier != models.TierFree {
		t.Errorf("reply: %+v", reply)
	}
	if len(sink.got) != 1 || sink.got[0].Requester != "bob" {
		t.Fatalf("submitted: %+v", sink.got)
	}

	reply = s.Process(context.Background(), []byte(`{"requester_identity":"bob"}`))
	if reply.Error == "" {
		t.Error("malformed event should produce an error reply")
	}
	if len(sink.got) != 1 {
		t.Errorf("malformed event reached the engine")
	}
}
