package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klikdeploy/backend/internal/admission"
	"github.com/klikdeploy/backend/internal/chain"
	"github.com/klikdeploy/backend/internal/metrics"
	"github.com/klikdeploy/backend/internal/models"
	"github.com/klikdeploy/backend/internal/settlement"
)

// Revalidator re-runs admission for a queued request.
type Revalidator interface {
	Revalidate(ctx context.Context, req *models.DeploymentRequest) (admission.Decision, error)
}

// Sequencer hands out submission sequence numbers.
type Sequencer interface {
	Next(ctx context.Context) (uint64, error)
	Refresh(ctx context.Context) (uint64, error)
	MarkConsumed(n uint64)
	Release(n uint64)
}

// Chain is the submission side of the network adapter.
type Chain interface {
	Submit(ctx context.Context, req chain.DeployRequest) (string, error)
	AwaitConfirmation(ctx context.Context, ref string, timeout time.Duration) (chain.Receipt, error)
	PredictAddress(salt [32]byte) string
}

// Custody verifies custodial funds still cover protected deposits.
type Custody interface {
	CheckInvariant(ctx context.Context) error
}

// Settler records terminal outcomes.
type Settler interface {
	Confirm(ctx context.Context, req *models.DeploymentRequest, out settlement.Outcome) error
	Fail(ctx context.Context, req *models.DeploymentRequest, reason string, out *settlement.Outcome) error
	Cancel(ctx context.Context, req *models.DeploymentRequest, code string) error
}

// WorkerDeployments is the deployment store interface used by the worker.
type WorkerDeployments interface {
	Save(ctx context.Context, d *models.DeploymentRequest, from string) error
}

// Notifier is told about every terminal outcome after it is persisted.
type Notifier interface {
	Notify(ctx context.Context, req *models.DeploymentRequest) error
}

// RetryPolicy bounds the worker's local retries.
type RetryPolicy struct {
	// MaxAttempts is the total number of submissions tried when the network
	// reports sequencing conflicts.
	MaxAttempts int
	// Backoff is the pause before a conflict retry.
	Backoff time.Duration
	// ConfirmTimeout bounds one wait for a receipt.
	ConfirmTimeout time.Duration
	// ConfirmWaits is how many timed-out waits are tolerated before the
	// request is failed.
	ConfirmWaits int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: time.Second, ConfirmTimeout: 5 * time.Minute, ConfirmWaits: 2}
}

// Failure reasons recorded on failed requests.
const (
	ReasonIntegrity          = "integrity_violation"
	ReasonSequenceExhausted  = "sequence_conflicts_exhausted"
	ReasonSubmitError        = "submit_error"
	ReasonConfirmTimeout     = "confirmation_timeout"
	ReasonReverted           = "reverted"
	ReasonInterrupted        = "interrupted_before_broadcast"
	CancelRevalidationFailed = "revalidation_failed"
)

type Worker struct {
	Queue       *Queue
	Admission   Revalidator
	Sequencer   Sequencer
	Chain       Chain
	Custody     Custody
	Settlement  Settler
	Deployments WorkerDeployments
	Notifier    Notifier
	Policy      RetryPolicy
	Logger      *slog.Logger
	Metrics     *metrics.EngineMetrics
	now         func() time.Time
}

func NewWorker(
	queue *Queue,
	adm Revalidator,
	seq Sequencer,
	ch Chain,
	custody Custody,
	settle Settler,
	deployments WorkerDeployments,
	notifier Notifier,
	policy RetryPolicy,
	logger *slog.Logger,
	m *metrics.EngineMetrics,
) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.ConfirmTimeout <= 0 {
		policy.ConfirmTimeout = def.ConfirmTimeout
	}
	if policy.ConfirmWaits <= 0 {
		policy.ConfirmWaits = def.ConfirmWaits
	}
	return &Worker{
		Queue: queue, Admission: adm, Sequencer: seq, Chain: ch, Custody: custody,
		Settlement: settle, Deployments: deployments, Notifier: notifier,
		Policy: policy, Logger: logger, Metrics: m, now: time.Now,
	}
}

// Run drains the queue one request at a time until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.Logger.Info("submission worker started")
	for {
		req, err := w.Queue.Next(ctx)
		if err != nil {
			w.Logger.Info("submission worker stopped")
			return nil
		}
		w.safely(ctx, req, w.Process)
		w.Queue.Done(req)
	}
}

// safely keeps one request's failure from stopping the loop.
func (w *Worker) safely(ctx context.Context, req *models.DeploymentRequest, fn func(context.Context, *models.DeploymentRequest)) {
	defer func() {
		if r := recover(); r != nil {
			w.Logger.Error("worker recovered from panic", "integrity", true, "request_id", req.ID, "panic", fmt.Sprint(r))
			w.Metrics.ObserveIntegrityViolation("worker_panic")
		}
	}()
	fn(ctx, req)
}

// Process takes one queued request to a terminal state.
func (w *Worker) Process(ctx context.Context, req *models.DeploymentRequest) {
	log := w.Logger.With("request_id", req.ID, "requester", req.Requester)

	dec, err := w.Admission.Revalidate(ctx, req)
	if err != nil {
		log.Warn("revalidation failed", "error", err)
		w.cancel(ctx, req, CancelRevalidationFailed)
		return
	}
	if !dec.Admitted() {
		log.Info("no longer eligible, cancelling", "code", dec.Denial.Code)
		w.cancel(ctx, req, dec.Denial.Code)
		return
	}
	if dec.Tier != req.Tier {
		log.Info("tier changed while queued", "from", req.Tier, "to", dec.Tier)
	}

	now := w.now()
	d := *req
	d.Status = models.StatusSubmitting
	d.Tier = dec.Tier
	d.PlatformFeeGwei = dec.PlatformFeeGwei
	d.SubmittedAt = &now
	if err := w.Deployments.Save(ctx, &d, req.Status); err != nil {
		log.Error("mark submitting", "error", err)
		w.cancel(ctx, req, CancelRevalidationFailed)
		return
	}
	*req = d

	if err := w.Custody.CheckInvariant(ctx); err != nil {
		log.Error("custodial funds below protected deposits, refusing to submit", "integrity", true, "error", err)
		w.Metrics.ObserveIntegrityViolation("custodial_below_protected")
		w.fail(ctx, req, ReasonIntegrity, nil)
		return
	}

	salt, err := w.salt(req)
	if err != nil {
		log.Warn("invalid salt", "error", err)
		w.fail(ctx, req, ReasonSubmitError, nil)
		return
	}

	ref, reason := w.submit(ctx, req, salt)
	if ref == "" {
		w.fail(ctx, req, reason, nil)
		return
	}

	from := req.Status
	d = *req
	d.TxReference = ref
	if err := w.Deployments.Save(ctx, &d, from); err != nil {
		log.Error("record tx reference", "tx", ref, "error", err)
	} else {
		*req = d
	}
	w.settle(ctx, req, ref)
}

// Resume finishes a request found in submitting state at startup. A request
// with a tx reference is awaited again; one without is failed since no
// broadcast was recorded.
func (w *Worker) Resume(ctx context.Context, req *models.DeploymentRequest) {
	w.safely(ctx, req, func(ctx context.Context, req *models.DeploymentRequest) {
		if req.TxReference == "" {
			w.fail(ctx, req, ReasonInterrupted, nil)
			return
		}
		w.Logger.Info("resuming confirmation wait", "request_id", req.ID, "tx", req.TxReference)
		w.settle(ctx, req, req.TxReference)
	})
}

func (w *Worker) salt(req *models.DeploymentRequest) ([32]byte, error) {
	if req.Salt != "" {
		return chain.ParseSalt(req.Salt)
	}
	salt, err := chain.NewSalt(req.Payload.Name, req.Payload.Symbol, w.now())
	if err != nil {
		return salt, err
	}
	req.Salt = chain.FormatSalt(salt)
	req.PredictedAddress = w.Chain.PredictAddress(salt)
	return salt, nil
}

// submit applies the bounded retry policy. It returns the tx reference, or
// "" and the failure reason.
func (w *Worker) submit(ctx context.Context, req *models.DeploymentRequest, salt [32]byte) (string, string) {
	log := w.Logger.With("request_id", req.ID)
	refresh := false
	for attempt := 1; ; attempt++ {
		var n uint64
		var err error
		if refresh {
			n, err = w.Sequencer.Refresh(ctx)
		} else {
			n, err = w.Sequencer.Next(ctx)
		}
		if err != nil {
			log.Warn("sequence number unavailable", "error", err)
			return "", ReasonSubmitError
		}

		ref, err := w.Chain.Submit(ctx, chain.DeployRequest{
			Name:     req.Payload.Name,
			Symbol:   req.Payload.Symbol,
			Metadata: req.Payload.MetadataRef,
			Salt:     salt,
			Nonce:    n,
		})
		switch {
		case err == nil:
			w.Sequencer.MarkConsumed(n)
			w.Metrics.ObserveSubmission("accepted")
			log.Info("submitted", "tx", ref, "nonce", n, "attempt", attempt)
			return ref, ""
		case errors.Is(err, chain.ErrSequenceConflict):
			w.Sequencer.MarkConsumed(n)
			w.Metrics.ObserveSubmission("sequence_conflict")
			if attempt >= w.Policy.MaxAttempts {
				log.Warn("sequence conflicts exhausted", "attempts", attempt, "error", err)
				return "", ReasonSequenceExhausted
			}
			log.Warn("sequence conflict, refreshing", "nonce", n, "attempt", attempt)
			if !sleep(ctx, w.Policy.Backoff) {
				return "", ReasonSubmitError
			}
			refresh = true
		default:
			w.Sequencer.Release(n)
			w.Metrics.ObserveSubmission("error")
			log.Warn("submission rejected", "nonce", n, "error", err)
			return "", ReasonSubmitError
		}
	}
}

// settle waits for the receipt of ref and hands the outcome to settlement.
func (w *Worker) settle(ctx context.Context, req *models.DeploymentRequest, ref string) {
	log := w.Logger.With("request_id", req.ID, "tx", ref)
	started := w.now()

	var rcpt chain.Receipt
	var err error
	for wait := 1; wait <= w.Policy.ConfirmWaits; wait++ {
		rcpt, err = w.Chain.AwaitConfirmation(ctx, ref, w.Policy.ConfirmTimeout)
		if err == nil || ctx.Err() != nil {
			break
		}
		log.Warn("confirmation wait failed", "wait", wait, "error", err)
	}
	if err != nil {
		w.fail(ctx, req, ReasonConfirmTimeout, &settlement.Outcome{TxReference: ref, At: w.now()})
		return
	}
	w.Metrics.ObserveConfirmation(w.now().Sub(started))

	out := settlement.Outcome{
		TxReference:     ref,
		GasUsed:         rcpt.GasUsed,
		EffectiveFeeWei: rcpt.EffectiveFeeWei,
		TokenAddress:    rcpt.TokenAddress,
		Reverted:        rcpt.Reverted,
		At:              w.now(),
	}
	if rcpt.Reverted {
		w.fail(ctx, req, ReasonReverted, &out)
		return
	}
	if req.PredictedAddress != "" && !chain.SameAddress(req.PredictedAddress, rcpt.TokenAddress) {
		log.Warn("deployed address differs from prediction", "predicted", req.PredictedAddress, "actual", rcpt.TokenAddress)
	}

	err = w.Settlement.Confirm(ctx, req, out)
	switch {
	case errors.Is(err, settlement.ErrAlreadySettled):
		log.Warn("confirmation already settled")
		return
	case errors.Is(err, settlement.ErrIntegrity):
		// Logged by settlement; the row is confirmed without ledger entries.
	case err != nil:
		log.Error("settle confirmation", "error", err)
		return
	}
	w.finish(ctx, req)
}

func (w *Worker) fail(ctx context.Context, req *models.DeploymentRequest, reason string, out *settlement.Outcome) {
	if err := w.Settlement.Fail(ctx, req, reason, out); err != nil {
		if !errors.Is(err, settlement.ErrAlreadySettled) {
			w.Logger.Error("record failure", "request_id", req.ID, "reason", reason, "error", err)
		}
		return
	}
	w.Logger.Info("deployment failed", "request_id", req.ID, "reason", reason)
	w.finish(ctx, req)
}

func (w *Worker) cancel(ctx context.Context, req *models.DeploymentRequest, code string) {
	if err := w.Settlement.Cancel(ctx, req, code); err != nil {
		w.Logger.Error("record cancellation", "request_id", req.ID, "error", err)
		return
	}
	w.finish(ctx, req)
}

// finish runs after the terminal state is persisted.
func (w *Worker) finish(ctx context.Context, req *models.DeploymentRequest) {
	w.Metrics.ObserveOutcome(req.Status, req.Tier)
	if w.Notifier == nil {
		return
	}
	if err := w.Notifier.Notify(ctx, req); err != nil {
		w.Metrics.ObserveNotification("error")
		w.Logger.Warn("outcome notification failed", "request_id", req.ID, "status", req.Status, "error", err)
		return
	}
	w.Metrics.ObserveNotification("sent")
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
