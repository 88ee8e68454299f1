// Package jobs holds the durable background work: outcome notifications and
// the periodic cooldown sweep.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/riverqueue/river"

	"github.com/klikdeploy/backend/internal/models"
)

// Outcome is the notification body for a terminal request. Denials carry a
// code; presentation is up to the receiver.
type Outcome struct {
	RequestID     string `json:"request_id"`
	Requester     string `json:"requester"`
	Status        string `json:"status"`
	Tier          string `json:"tier,omitempty"`
	DenialCode    string `json:"denial_code,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	TxReference   string `json:"tx_reference,omitempty"`
	TokenAddress  string `json:"token_address,omitempty"`
	Symbol        string `json:"symbol,omitempty"`
	CostGwei      *int64 `json:"cost_gwei,omitempty"`
}

func OutcomeOf(req *models.DeploymentRequest) Outcome {
	return Outcome{
		RequestID:     req.ID,
		Requester:     req.Requester,
		Status:        req.Status,
		Tier:          req.Tier,
		DenialCode:    req.DenialCode,
		FailureReason: req.FailureReason,
		TxReference:   req.TxReference,
		TokenAddress:  req.TokenAddress,
		Symbol:        req.Payload.Symbol,
		CostGwei:      req.CostGwei,
	}
}

type NotifyOutcomeArgs struct {
	WebhookURL string  `json:"webhook_url"`
	Outcome    Outcome `json:"outcome"`
}

func (NotifyOutcomeArgs) Kind() string { return "notify_outcome" }

// NotifyOutcomeWorker delivers one outcome. A transport error or non-2xx
// response is returned so river retries the job.
type NotifyOutcomeWorker struct {
	river.WorkerDefaults[NotifyOutcomeArgs]
	httpClient *http.Client
}

func NewNotifyOutcomeWorker() *NotifyOutcomeWorker {
	return &NotifyOutcomeWorker{httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (w *NotifyOutcomeWorker) Work(ctx context.Context, job *river.Job[NotifyOutcomeArgs]) error {
	return deliver(ctx, w.httpClient, job.Args.WebhookURL, job.Args.Outcome)
}

func deliver(ctx context.Context, client *http.Client, url string, out Outcome) error {
	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("network error calling webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// InsertNotifyFunc enqueues a notification job. Provided by main using river.Client.Insert.
type InsertNotifyFunc func(ctx context.Context, args NotifyOutcomeArgs) error

// RiverNotifier hands outcomes to the durable job queue.
type RiverNotifier struct {
	webhookURL string
	insert     InsertNotifyFunc
}

func NewRiverNotifier(webhookURL string, insert InsertNotifyFunc) *RiverNotifier {
	return &RiverNotifier{webhookURL: webhookURL, insert: insert}
}

func (n *RiverNotifier) Notify(ctx context.Context, req *models.DeploymentRequest) error {
	return n.insert(ctx, NotifyOutcomeArgs{WebhookURL: n.webhookURL, Outcome: OutcomeOf(req)})
}

// WebhookNotifier delivers outcomes inline. Used when no database queue exists.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{url: url, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (n *WebhookNotifier) Notify(ctx context.Context, req *models.DeploymentRequest) error {
	return deliver(ctx, n.httpClient, n.url, OutcomeOf(req))
}

// LogNotifier only logs outcomes.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, req *models.DeploymentRequest) error {
	out := OutcomeOf(req)
	n.logger.Info("deployment outcome", "request_id", out.RequestID, "requester", out.Requester,
		"status", out.Status, "tier", out.Tier, "denial_code", out.DenialCode, "tx", out.TxReference)
	return nil
}
