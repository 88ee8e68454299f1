// Package ingest turns inbound deployment events into requests.
package ingest

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/klikdeploy/backend/internal/models"
)

//go:embed schema/deployment_event.json
var eventSchema string

const eventSchemaID = "https://klikdeploy.dev/schemas/deployment_event.json"

// ErrValidation can be used with errors.Is to detect malformed events.
var ErrValidation = errors.New("validation failed")

// Event is the inbound message that triggers a deployment.
type Event struct {
	RequestID        string                   `json:"request_id,omitempty"`
	Requester        string                   `json:"requester_identity"`
	Reputation       int64                    `json:"reputation_metric"`
	Payload          models.DeploymentPayload `json:"payload"`
	Salt             string                   `json:"salt,omitempty"`
	PredictedAddress string                   `json:"predicted_address,omitempty"`
}

// Request converts the event into a new deployment request.
func (e Event) Request() *models.DeploymentRequest {
	return &models.DeploymentRequest{
		ID:               e.RequestID,
		Requester:        models.RequesterKey(e.Requester),
		Reputation:       e.Reputation,
		Payload:          e.Payload,
		Salt:             e.Salt,
		PredictedAddress: e.PredictedAddress,
	}
}

type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the embedded event schema.
func NewValidator() (*Validator, error) {
	s, err := jsonschema.CompileString(eventSchemaID, eventSchema)
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// Decode validates raw against the event schema and decodes it. Events that
// fail the schema are rejected outright.
func (v *Validator) Decode(raw []byte) (Event, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Event{}, fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return ev, nil
}
