package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/klikdeploy/backend/internal/engine"
	"github.com/klikdeploy/backend/internal/middleware"
)

const maxCreditBody = 4 << 10

// DepositRequest is the body of POST /v1/requesters/{id}/deposits.
type DepositRequest struct {
	AmountGwei int64  `json:"amount_gwei"`
	Reference  string `json:"reference"`
}

// TopUpRequest is the body of POST /v1/ledger/credits.
type TopUpRequest struct {
	Bucket     string `json:"bucket"`
	AmountGwei int64  `json:"amount_gwei"`
	Reference  string `json:"reference"`
	Reason     string `json:"reason"`
}

// RecordDeposit handles POST /v1/requesters/{id}/deposits.
// OperatorAuth (via middleware) -> Deposit -> 201 new, 200 replay.
func (h *DeploymentHandler) RecordDeposit(w http.ResponseWriter, r *http.Request) {
	var body DepositRequest
	if !decodeCredit(w, r, &body) {
		return
	}
	res, err := h.Engine.Deposit(r.Context(), r.PathValue("id"), body.AmountGwei, body.Reference)
	if err != nil {
		h.writeEngineError(w, "record deposit", err)
		return
	}
	h.writeCredit(w, r, res)
}

// TopUpBucket handles POST /v1/ledger/credits for the subsidy treasury and
// reserve fund.
func (h *DeploymentHandler) TopUpBucket(w http.ResponseWriter, r *http.Request) {
	var body TopUpRequest
	if !decodeCredit(w, r, &body) {
		return
	}
	res, err := h.Engine.TopUp(r.Context(), body.Bucket, body.AmountGwei, body.Reference, body.Reason)
	if err != nil {
		h.writeEngineError(w, "top up bucket", err)
		return
	}
	h.writeCredit(w, r, res)
}

func decodeCredit(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreditBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func (h *DeploymentHandler) writeCredit(w http.ResponseWriter, r *http.Request, res engine.CreditResult) {
	if res.Replayed {
		writeJSON(w, http.StatusOK, res)
		return
	}
	h.Logger.Info("ledger credit recorded", "bucket", res.Bucket, "owner", res.Owner,
		"amount_gwei", res.AmountGwei, "reference", res.Reference, "operator", middleware.OperatorFromCtx(r.Context()))
	writeJSON(w, http.StatusCreated, res)
}
