package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event payloads are tagged, versioned variants so old events remain
// decodable after schema evolution. V is bumped on incompatible change.

const payloadVersion = 1

// SagaStartedPayload records the saga type and initial context.
type SagaStartedPayload struct {
	V        int             `json:"v"`
	SagaType string          `json:"sagaType"`
	Context  json.RawMessage `json:"context,omitempty"`
}

// StepCompletedPayload records a completed step and the idempotency key
// used for its external effects. Replay uses the key to skip duplicates.
type StepCompletedPayload struct {
	V              int             `json:"v"`
	Step           string          `json:"step"`
	StepIndex      int             `json:"stepIndex"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Context        json.RawMessage `json:"context,omitempty"`
}

// StepRetryScheduledPayload records a retry handed to the scheduler.
type StepRetryScheduledPayload struct {
	V             int       `json:"v"`
	Step          string    `json:"step"`
	Attempt       int       `json:"attempt"`
	Reason        string    `json:"reason"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
}

// StepCompensatedPayload records one compensation call during unwind.
type StepCompensatedPayload struct {
	V         int    `json:"v"`
	Step      string `json:"step"`
	StepIndex int    `json:"stepIndex"`
}

// SagaCompletedPayload marks normal completion of the final step.
type SagaCompletedPayload struct {
	V int `json:"v"`
}

// SagaFailedPayload records the failing step and reason.
type SagaFailedPayload struct {
	V      int    `json:"v"`
	Step   string `json:"step"`
	Reason string `json:"reason"`
}

// HealthChangedPayload records a data-source status transition.
type HealthChangedPayload struct {
	V    int          `json:"v"`
	From HealthStatus `json:"from"`
	To   HealthStatus `json:"to"`
}

// MarshalPayload encodes a payload variant, stamping the current version.
func MarshalPayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case *SagaStartedPayload:
		v.V = payloadVersion
	case *StepCompletedPayload:
		v.V = payloadVersion
	case *StepRetryScheduledPayload:
		v.V = payloadVersion
	case *StepCompensatedPayload:
		v.V = payloadVersion
	case *SagaCompletedPayload:
		v.V = payloadVersion
	case *SagaFailedPayload:
		v.V = payloadVersion
	case *HealthChangedPayload:
		v.V = payloadVersion
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	return data, nil
}

// UnmarshalPayload decodes a payload into the given variant.
func UnmarshalPayload(data json.RawMessage, into any) error {
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("unmarshaling payload: %w", err)
	}
	return nil
}
