package queue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// JobMessage is the payload handed from signup to the provisioning worker.
type JobMessage struct {
	JobID             uuid.UUID `json:"jobId"`
	TenantID          uuid.UUID `json:"tenantId"`
	DatabaseName      string    `json:"databaseName"`
	OwnerEmail        string    `json:"ownerEmail"`
	OwnerFullName     string    `json:"ownerFullName,omitempty"`
	OwnerPasswordHash string    `json:"ownerPasswordHash"`
	IdempotencyKey    *string   `json:"idempotencyKey,omitempty"`
}

const schemaURL = "memory://contracts/job_message.schema.json"

// Validator checks raw messages against a compiled JSON Schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles schemaJSON once. Format keywords such as uuid are asserted.
func NewValidator(schemaJSON string) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("register job message schema: %w", err)
	}
	compiled, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile job message schema: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// Decode validates payload and unmarshals it into a JobMessage.
func (v *Validator) Decode(payload []byte) (JobMessage, error) {
	if len(payload) == 0 {
		return JobMessage{}, fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}

	var document any
	if err := json.Unmarshal(payload, &document); err != nil {
		return JobMessage{}, fmt.Errorf("%w: decode: %v", ErrInvalidMessage, err)
	}
	if err := v.schema.Validate(document); err != nil {
		return JobMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var msg JobMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return JobMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg, nil
}

// Encode marshals msg and checks it against the schema before it reaches the broker.
func (v *Validator) Encode(msg JobMessage) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode job message: %w", err)
	}
	if _, err := v.Decode(payload); err != nil {
		return nil, err
	}
	return payload, nil
}
