// Package engine is the admission and settlement pipeline as seen by its
// callers: classify, submit, status, cancel and ledger snapshot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/klikdeploy/backend/internal/admission"
	"github.com/klikdeploy/backend/internal/cooldown"
	"github.com/klikdeploy/backend/internal/metrics"
	"github.com/klikdeploy/backend/internal/models"
	"github.com/klikdeploy/backend/internal/pipeline"
	"github.com/klikdeploy/backend/internal/repository"
)

var (
	ErrInvalidRequest = errors.New("invalid deployment request")
	ErrNotCancellable = errors.New("deployment can no longer be cancelled")
	ErrUnknownRequest = errors.New("unknown deployment request")
)

// Rejection codes for requests refused before admission.
const (
	RejectQueueFull       = "queue_full"
	RejectDuplicateActive = "duplicate_active"
	CancelUserRequested   = "user_cancelled"
	CancelInterrupted     = "interrupted"
	CancelQueueOverflow   = "queue_overflow"
)

// Deployments is the deployment store the engine needs.
type Deployments interface {
	Create(ctx context.Context, d *models.DeploymentRequest) error
	Get(ctx context.Context, id string) (*models.DeploymentRequest, error)
	Save(ctx context.Context, d *models.DeploymentRequest, from string) error
	ListByStatus(ctx context.Context, status string) ([]*models.DeploymentRequest, error)
}

// Admission classifies and admits requests.
type Admission interface {
	Classify(ctx context.Context, req *models.DeploymentRequest) (admission.Decision, error)
	Admit(ctx context.Context, req *models.DeploymentRequest) (admission.Decision, error)
}

// Ledger is the funds ledger as the engine uses it: reads, plus credits for
// deposits and treasury top-ups.
type Ledger interface {
	Snapshot(ctx context.Context) (models.LedgerSnapshot, error)
	RequesterBalance(ctx context.Context, requester string) (int64, error)
	Balance(ctx context.Context, bucket string) (int64, error)
	Credit(ctx context.Context, bucket, owner string, amountGwei int64, reference, reason string) (int64, error)
	CheckInvariant(ctx context.Context) error
}

// Cooldowns reports a requester's cooldown state.
type Cooldowns interface {
	State(ctx context.Context, requester string) (cooldown.State, *models.CooldownRecord, error)
}

// Canceller records system- and user-initiated cancellations.
type Canceller interface {
	Cancel(ctx context.Context, req *models.DeploymentRequest, code string) error
}

// Result is what a caller gets back from Submit.
type Result struct {
	RequestID string              `json:"request_id"`
	Accepted  bool                `json:"accepted"`
	Status    string              `json:"status,omitempty"`
	Tier      string              `json:"tier,omitempty"`
	Rejection string              `json:"rejection,omitempty"`
	Decision  *admission.Decision `json:"decision,omitempty"`
}

type Engine struct {
	admission   Admission
	queue       *pipeline.Queue
	worker      *pipeline.Worker
	deployments Deployments
	ledger      Ledger
	cooldowns   Cooldowns
	cancel      Canceller
	notifier    pipeline.Notifier
	logger      *slog.Logger
	metrics     *metrics.EngineMetrics
	now         func() time.Time
}

func New(
	adm Admission,
	queue *pipeline.Queue,
	worker *pipeline.Worker,
	deployments Deployments,
	ledger Ledger,
	cooldowns Cooldowns,
	cancel Canceller,
	notifier pipeline.Notifier,
	logger *slog.Logger,
	m *metrics.EngineMetrics,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		admission: adm, queue: queue, worker: worker, deployments: deployments, ledger: ledger,
		cooldowns: cooldowns, cancel: cancel, notifier: notifier, logger: logger, metrics: m, now: time.Now,
	}
}

func validate(req *models.DeploymentRequest) error {
	switch {
	case strings.TrimSpace(req.Requester) == "":
		return fmt.Errorf("%w: requester required", ErrInvalidRequest)
	case strings.TrimSpace(req.Payload.Name) == "":
		return fmt.Errorf("%w: name required", ErrInvalidRequest)
	case strings.TrimSpace(req.Payload.Symbol) == "":
		return fmt.Errorf("%w: symbol required", ErrInvalidRequest)
	case req.Reputation < 0:
		return fmt.Errorf("%w: reputation must be >= 0", ErrInvalidRequest)
	}
	return nil
}

// Classify is a dry run.
func (e *Engine) Classify(ctx context.Context, req *models.DeploymentRequest) (admission.Decision, error) {
	if err := validate(req); err != nil {
		return admission.Decision{}, err
	}
	return e.admission.Classify(ctx, req)
}

// Submit admits a new request and queues it. Policy outcomes (denied, queue
// full, duplicate active) come back in the Result, not as errors. Submitting
// an id that already exists returns its current state.
func (e *Engine) Submit(ctx context.Context, req *models.DeploymentRequest) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	} else if cur, err := e.deployments.Get(ctx, req.ID); err == nil {
		admitted := cur.Tier != "" && cur.Tier != models.TierDenied
		return Result{RequestID: cur.ID, Accepted: admitted, Status: cur.Status, Tier: cur.Tier}, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return Result{}, err
	}

	if err := e.queue.Reserve(req.Requester, req.ID); err != nil {
		code := RejectQueueFull
		if errors.Is(err, pipeline.ErrDuplicateActive) {
			code = RejectDuplicateActive
		}
		e.metrics.ObserveAdmission(models.TierDenied, code)
		e.logger.Info("request rejected", "request_id", req.ID, "requester", req.Requester, "code", code)
		return Result{RequestID: req.ID, Rejection: code}, nil
	}
	reserved := true
	defer func() {
		if reserved {
			e.queue.Unreserve(req.Requester, req.ID)
		}
	}()

	req.Status = models.StatusPending
	req.RequestedAt = e.now()
	if err := e.deployments.Create(ctx, req); err != nil {
		return Result{}, fmt.Errorf("create deployment: %w", err)
	}

	dec, err := e.admission.Admit(ctx, req)
	if err != nil {
		e.failPending(ctx, req, err)
		return Result{}, err
	}
	code := ""
	if dec.Denial != nil {
		code = dec.Denial.Code
	}
	e.metrics.ObserveAdmission(dec.Tier, code)

	if !dec.Admitted() {
		req.Tier = models.TierDenied
		if err := e.cancel.Cancel(ctx, req, code); err != nil {
			return Result{}, err
		}
		e.notify(ctx, req)
		return Result{RequestID: req.ID, Status: req.Status, Tier: dec.Tier, Decision: &dec}, nil
	}

	d := *req
	d.Status = models.StatusQueued
	d.Tier = dec.Tier
	d.PlatformFeeGwei = dec.PlatformFeeGwei
	if err := e.deployments.Save(ctx, &d, req.Status); err != nil {
		return Result{}, fmt.Errorf("mark queued: %w", err)
	}
	*req = d
	queued := d
	if err := e.queue.Push(&queued); err != nil {
		return Result{}, fmt.Errorf("push: %w", err)
	}
	reserved = false
	return Result{RequestID: req.ID, Accepted: true, Status: req.Status, Tier: req.Tier, Decision: &dec}, nil
}

func (e *Engine) failPending(ctx context.Context, req *models.DeploymentRequest, cause error) {
	d := *req
	d.Status = models.StatusFailed
	d.FailureReason = "admission_error"
	now := e.now()
	d.CompletedAt = &now
	if err := e.deployments.Save(ctx, &d, req.Status); err != nil {
		e.logger.Error("record admission failure", "request_id", req.ID, "error", err)
		return
	}
	*req = d
	e.logger.Warn("admission failed", "request_id", req.ID, "error", cause)
}

func (e *Engine) notify(ctx context.Context, req *models.DeploymentRequest) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, req); err != nil {
		e.metrics.ObserveNotification("error")
		e.logger.Warn("outcome notification failed", "request_id", req.ID, "error", err)
		return
	}
	e.metrics.ObserveNotification("sent")
}

// Status returns the stored request.
func (e *Engine) Status(ctx context.Context, id string) (*models.DeploymentRequest, error) {
	d, err := e.deployments.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUnknownRequest
	}
	return d, err
}

// List returns stored requests in status, oldest first.
func (e *Engine) List(ctx context.Context, status string) ([]*models.DeploymentRequest, error) {
	switch status {
	case models.StatusPending, models.StatusQueued, models.StatusSubmitting,
		models.StatusConfirmed, models.StatusFailed, models.StatusCancelled:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}
	list, err := e.deployments.ListByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.DeploymentRequest{}
	}
	return list, nil
}

// Cancel withdraws a request that has not left the queue.
func (e *Engine) Cancel(ctx context.Context, id string) (*models.DeploymentRequest, error) {
	req, err := e.queue.Cancel(id)
	if errors.Is(err, pipeline.ErrNotQueued) {
		if _, gerr := e.Status(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrNotCancellable
	}
	if err := e.cancel.Cancel(ctx, req, CancelUserRequested); err != nil {
		return nil, err
	}
	e.logger.Info("request cancelled by user", "request_id", id)
	e.notify(ctx, req)
	return req, nil
}

// LedgerSnapshot returns per-bucket balances with custodial and available totals.
func (e *Engine) LedgerSnapshot(ctx context.Context) (models.LedgerSnapshot, error) {
	snap, err := e.ledger.Snapshot(ctx)
	if err != nil {
		return snap, err
	}
	e.metrics.SetAvailable(snap.AvailableGwei)
	return snap, nil
}

// RequesterView is a requester's balance and cooldown state.
type RequesterView struct {
	Requester   string                 `json:"requester"`
	BalanceGwei int64                  `json:"balance_gwei"`
	State       cooldown.State         `json:"state"`
	Cooldown    *models.CooldownRecord `json:"cooldown,omitempty"`
	Active      bool                   `json:"active"`
}

func (e *Engine) Requester(ctx context.Context, requester string) (RequesterView, error) {
	requester = models.RequesterKey(requester)
	bal, err := e.ledger.RequesterBalance(ctx, requester)
	if err != nil {
		return RequesterView{}, err
	}
	state, rec, err := e.cooldowns.State(ctx, requester)
	if err != nil {
		return RequesterView{}, err
	}
	return RequesterView{Requester: requester, BalanceGwei: bal, State: state, Cooldown: rec, Active: e.queue.Active(requester)}, nil
}

// Start recovers in-flight work from the store and runs the worker until ctx
// is done. Requests caught mid-admission are cancelled; submitting requests
// are awaited; queued requests are re-queued in their original order.
func (e *Engine) Start(ctx context.Context) error {
	pending, err := e.deployments.ListByStatus(ctx, models.StatusPending)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	for _, req := range pending {
		if err := e.cancel.Cancel(ctx, req, CancelInterrupted); err != nil {
			e.logger.Error("cancel interrupted request", "request_id", req.ID, "error", err)
		}
	}

	submitting, err := e.deployments.ListByStatus(ctx, models.StatusSubmitting)
	if err != nil {
		return fmt.Errorf("list submitting: %w", err)
	}
	for _, req := range submitting {
		e.worker.Resume(ctx, req)
	}

	queued, err := e.deployments.ListByStatus(ctx, models.StatusQueued)
	if err != nil {
		return fmt.Errorf("list queued: %w", err)
	}
	for _, req := range queued {
		if err := e.queue.Enqueue(req); err != nil {
			e.logger.Warn("cannot re-queue request", "request_id", req.ID, "error", err)
			if cerr := e.cancel.Cancel(ctx, req, CancelQueueOverflow); cerr != nil {
				e.logger.Error("cancel overflow request", "request_id", req.ID, "error", cerr)
			}
		}
	}
	if len(pending)+len(submitting)+len(queued) > 0 {
		e.logger.Info("recovered in-flight requests", "pending", len(pending), "submitting", len(submitting), "queued", len(queued))
	}
	return e.worker.Run(ctx)
}
