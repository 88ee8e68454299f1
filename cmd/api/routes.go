package main

import (
	"log/slog"
	"net/http"

	"github.com/klikdeploy/backend/internal/auth"
	"github.com/klikdeploy/backend/internal/handlers"
	"github.com/klikdeploy/backend/internal/ingest"
	"github.com/klikdeploy/backend/internal/middleware"
)

// RegisterV1Routes adds the /v1/ deployment API endpoints to the given mux.
// Middleware chain: IngestAuth -> EventBody on event-carrying routes,
// OperatorAuth on operator routes.
func RegisterV1Routes(
	mux *http.ServeMux,
	eng handlers.Engine,
	validator *ingest.Validator,
	tokens middleware.TokenValidator,
	ingestKeys middleware.IngestKeys,
	logger *slog.Logger,
) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers.DeploymentHandler{Engine: eng, Logger: logger}

	producer := middleware.IngestAuth(ingestKeys, tokens, auth.RoleOperator)
	body := middleware.EventBody(validator, middleware.DefaultMaxEventBytes)
	event := func(next http.Handler) http.Handler { return producer(body(next)) }
	operator := middleware.OperatorAuth(tokens, auth.RoleOperator)

	// POST /v1/deployments — IngestAuth -> EventBody -> SubmitDeployment
	mux.Handle("POST /v1/deployments", event(http.HandlerFunc(h.SubmitDeployment)))

	// POST /v1/deployments/classify — IngestAuth -> EventBody -> ClassifyDeployment (dry run)
	mux.Handle("POST /v1/deployments/classify", event(http.HandlerFunc(h.ClassifyDeployment)))

	// GET /v1/deployments?status= — OperatorAuth -> ListDeployments
	mux.Handle("GET /v1/deployments", operator(http.HandlerFunc(h.ListDeployments)))

	// GET /v1/deployments/{id}
	mux.HandleFunc("GET /v1/deployments/{id}", h.GetDeployment)

	// POST /v1/deployments/{id}/cancel — OperatorAuth -> CancelDeployment
	mux.Handle("POST /v1/deployments/{id}/cancel", operator(http.HandlerFunc(h.CancelDeployment)))

	// GET /v1/ledger — OperatorAuth -> GetLedger
	mux.Handle("GET /v1/ledger", operator(http.HandlerFunc(h.GetLedger)))

	// POST /v1/ledger/credits — OperatorAuth -> TopUpBucket
	mux.Handle("POST /v1/ledger/credits", operator(http.HandlerFunc(h.TopUpBucket)))

	// GET /v1/requesters/{id}
	mux.HandleFunc("GET /v1/requesters/{id}", h.GetRequester)

	// POST /v1/requesters/{id}/deposits — OperatorAuth -> RecordDeposit
	mux.Handle("POST /v1/requesters/{id}/deposits", operator(http.HandlerFunc(h.RecordDeposit)))
}
