package types

// ProjectConfig is the root of portico.yaml.
type ProjectConfig struct {
	Provider string `yaml:"provider" json:"provider"` // "memory", "postgres", "dynamodb"

	Server       ServerConfig        `yaml:"server" json:"server"`
	Workers      WorkerConfig        `yaml:"workers" json:"workers"`
	Snapshots    SnapshotConfig      `yaml:"snapshots" json:"snapshots"`
	Health       HealthConfig        `yaml:"health" json:"health"`
	Retry        RetryPolicy         `yaml:"retry" json:"retry"`
	Alerts       []AlertConfig       `yaml:"alerts,omitempty" json:"alerts,omitempty"`
	Schedules    []RefreshSchedule   `yaml:"schedules,omitempty" json:"schedules,omitempty"`
	Integrations []IntegrationConfig `yaml:"integrations,omitempty" json:"integrations,omitempty"`
	Webhooks     WebhookConfig       `yaml:"webhooks" json:"webhooks"`
	Watchdog     WatchdogConfig      `yaml:"watchdog" json:"watchdog"`

	// Provider-specific sections, decoded in a second pass by internal/config.
	Postgres interface{} `yaml:"-" json:"-"`
	DynamoDB interface{} `yaml:"-" json:"-"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`
	// APIKey, when set, is required in the X-API-Key request header.
	APIKey string `yaml:"apiKey,omitempty" json:"apiKey,omitempty"`
}

// WorkerConfig sizes the retry scheduler's worker pool.
type WorkerConfig struct {
	Count               int `yaml:"count" json:"count"`
	PollIntervalSeconds int `yaml:"pollIntervalSeconds" json:"pollIntervalSeconds"`
	TaskTimeoutSeconds  int `yaml:"taskTimeoutSeconds" json:"taskTimeoutSeconds"`
}

// SnapshotConfig controls snapshot cadence: a snapshot is taken every
// Interval appended events, and on saga completion regardless.
type SnapshotConfig struct {
	Interval int64 `yaml:"interval" json:"interval"`
}

// HealthConfig configures the data-source health monitor.
type HealthConfig struct {
	AlertThreshold       int `yaml:"alertThreshold" json:"alertThreshold"`
	AlertCooldownMinutes int `yaml:"alertCooldownMinutes" json:"alertCooldownMinutes"`
}

// AlertConfig declares one alert sink.
type AlertConfig struct {
	Type AlertSinkType `yaml:"type" json:"type"`
	URL  string        `yaml:"url,omitempty" json:"url,omitempty"`
	Path string        `yaml:"path,omitempty" json:"path,omitempty"`
}

// IntegrationConfig registers one upstream data source endpoint.
type IntegrationConfig struct {
	ID             string `yaml:"id" json:"id"`
	URL            string `yaml:"url" json:"url"`
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`
}

// RefreshSchedule maps a cron expression to a portal's cache-refresh saga.
type RefreshSchedule struct {
	PortalID string `yaml:"portalId" json:"portalId"`
	Cron     string `yaml:"cron" json:"cron"` // e.g. "0 9 * * 1"
	// IntegrationID names the data source the refresh syncs from; empty
	// skips the sync step.
	IntegrationID string `yaml:"integrationId,omitempty" json:"integrationId,omitempty"`
}

// WebhookConfig holds delivery-engine tunables.
type WebhookConfig struct {
	// FailureRatio is the failure fraction of recorded outcomes above
	// which an endpoint alert is raised (0 disables).
	FailureRatio float64 `yaml:"failureRatio" json:"failureRatio"`
	// MinOutcomes gates the ratio alert until enough history exists.
	MinOutcomes int64 `yaml:"minOutcomes" json:"minOutcomes"`
}

// WatchdogConfig configures stale-saga detection.
type WatchdogConfig struct {
	IntervalSeconds       int `yaml:"intervalSeconds" json:"intervalSeconds"`
	StaleHeartbeatSeconds int `yaml:"staleHeartbeatSeconds" json:"staleHeartbeatSeconds"`
	StuckThresholdMinutes int `yaml:"stuckThresholdMinutes" json:"stuckThresholdMinutes"`
}
