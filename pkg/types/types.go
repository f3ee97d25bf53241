package types

import (
	"encoding/json"
	"time"
)

// Event is one immutable entry in an aggregate's append-only stream.
// Version is strictly increasing by 1 per aggregate with no gaps.
// Archived marks eligibility for cold storage; it never deletes.
type Event struct {
	EventID       string            `json:"eventId"`
	AggregateID   string            `json:"aggregateId"`
	AggregateType AggregateType     `json:"aggregateType"`
	Type          EventType         `json:"eventType"`
	Version       int64             `json:"version"`
	Timestamp     time.Time         `json:"timestamp"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Archived      bool              `json:"archived,omitempty"`
}

// Snapshot is an advisory cache of an aggregate's state at a version.
// snapshot.Version never exceeds the stream head; rebuilding state is
// snapshot.State replayed with events above snapshot.Version.
type Snapshot struct {
	AggregateID   string          `json:"aggregateId"`
	AggregateType AggregateType   `json:"aggregateType"`
	Version       int64           `json:"version"`
	State         json.RawMessage `json:"state"`
	Timestamp     time.Time       `json:"timestamp"`
}

// SagaState is the control row for one saga instance. The saga owns the
// event stream whose aggregateId equals SagaID.
type SagaState struct {
	SagaID      string          `json:"sagaId"`
	Type        string          `json:"sagaType"`
	Status      SagaStatus      `json:"status"`
	Context     json.RawMessage `json:"context,omitempty"`
	CurrentStep int             `json:"currentStep"`
	StartedAt   time.Time       `json:"startedAt"`
	HeartbeatAt time.Time       `json:"heartbeatAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	FailedAt    *time.Time      `json:"failedAt,omitempty"`
	Error       string          `json:"error,omitempty"`
	Version     int64           `json:"version"` // CAS guard for concurrent writers
}

// Job is a retryable unit of background work (cache refresh, saga step
// resume). At most one job may be RUNNING per TargetID at a time.
type Job struct {
	JobID         string          `json:"jobId"`
	Kind          string          `json:"kind"`
	TargetID      string          `json:"targetId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        JobStatus       `json:"status"`
	RetryCount    int             `json:"retryCount"`
	MaxRetries    int             `json:"maxRetries"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	FailedAt      *time.Time      `json:"failedAt,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// WebhookEndpoint is a registered outbound webhook target.
type WebhookEndpoint struct {
	WebhookID         string    `json:"webhookId"`
	URL               string    `json:"url"`
	Secret            string    `json:"-"`
	MaxRetries        int       `json:"maxRetries"`
	RetryDelaySeconds int       `json:"retryDelaySeconds"`
	TimeoutSeconds    int       `json:"timeoutSeconds"`
	SuccessCount      int64     `json:"successCount"`
	FailureCount      int64     `json:"failureCount"`
	CreatedAt         time.Time `json:"createdAt"`
}

// WebhookDelivery tracks one outbound payload through its attempts.
// SUCCESS is terminal and immutable; Attempts never exceeds
// the endpoint's MaxRetries+1.
type WebhookDelivery struct {
	DeliveryID     string          `json:"deliveryId"`
	WebhookID      string          `json:"webhookId"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt"`
	Status         DeliveryStatus  `json:"status"`
	ResponseCode   int             `json:"responseCode,omitempty"`
	ResponseMillis int64           `json:"responseMillis,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// DataSourceHealth is the circuit-breaker row for one integration.
// Status is a function of the most recent check plus ConsecutiveErrors.
type DataSourceHealth struct {
	IntegrationID        string       `json:"integrationId"`
	Status               HealthStatus `json:"status"`
	ConsecutiveErrors    int          `json:"consecutiveErrors"`
	ErrorCount           int64        `json:"errorCount"`
	AlertThreshold       int          `json:"alertThreshold"`
	LastError            string       `json:"lastError,omitempty"`
	LastAlertSentAt      *time.Time   `json:"lastAlertSentAt,omitempty"`
	LastAlertStatus      HealthStatus `json:"lastAlertStatus,omitempty"`
	RateLimitResetAt     *time.Time   `json:"rateLimitResetAt,omitempty"`
	LastKnownSchema      string       `json:"lastKnownSchema,omitempty"`
	SchemaChangeDetected bool         `json:"schemaChangeDetected"`
	UpdatedAt            time.Time    `json:"updatedAt"`
	Version              int64        `json:"version"` // CAS guard for concurrent writers
}

// HealthCheck is one append-only health-check history row.
type HealthCheck struct {
	CheckID       string       `json:"checkId"`
	IntegrationID string       `json:"integrationId"`
	Status        HealthStatus `json:"status"`
	Error         string       `json:"error,omitempty"`
	LatencyMillis int64        `json:"latencyMillis"`
	SchemaHash    string       `json:"schemaHash,omitempty"`
	CheckedAt     time.Time    `json:"checkedAt"`
}

// Alert is a persisted record of a raised alert, written before dispatch.
type Alert struct {
	AlertID   string     `json:"alertId"`
	Kind      AlertKind  `json:"kind"`
	Level     AlertLevel `json:"level"`
	SubjectID string     `json:"subjectId"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// RetryPolicy configures bounded retry with exponential backoff.
type RetryPolicy struct {
	MaxAttempts      int  `yaml:"maxAttempts" json:"maxAttempts"`
	BaseDelaySeconds int  `yaml:"baseDelaySeconds" json:"baseDelaySeconds"`
	MaxDelaySeconds  int  `yaml:"maxDelaySeconds" json:"maxDelaySeconds"`
	Jitter           bool `yaml:"jitter" json:"jitter"`
}
