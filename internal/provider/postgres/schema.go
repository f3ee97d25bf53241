// Package postgres implements the Provider interface backed by Postgres.
package postgres

const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
    aggregate_id   TEXT NOT NULL,
    version        BIGINT NOT NULL,
    event_id       TEXT NOT NULL,
    aggregate_type TEXT NOT NULL,
    event_type     TEXT NOT NULL,
    timestamp      TIMESTAMPTZ NOT NULL,
    payload        JSONB,
    metadata       JSONB,
    archived       BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (aggregate_id, version)
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events (aggregate_type, event_type);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events (timestamp);

CREATE TABLE IF NOT EXISTS snapshots (
    aggregate_id   TEXT PRIMARY KEY,
    aggregate_type TEXT NOT NULL,
    version        BIGINT NOT NULL,
    state          JSONB NOT NULL,
    timestamp      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sagas (
    saga_id      TEXT PRIMARY KEY,
    saga_type    TEXT NOT NULL,
    status       TEXT NOT NULL,
    context      JSONB,
    current_step INTEGER NOT NULL,
    started_at   TIMESTAMPTZ NOT NULL,
    heartbeat_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    failed_at    TIMESTAMPTZ,
    error        TEXT NOT NULL DEFAULT '',
    version      BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sagas_status_heartbeat ON sagas (status, heartbeat_at);

CREATE TABLE IF NOT EXISTS jobs (
    job_id          TEXT PRIMARY KEY,
    kind            TEXT NOT NULL,
    target_id       TEXT NOT NULL,
    payload         JSONB,
    status          TEXT NOT NULL,
    retry_count     INTEGER NOT NULL,
    max_retries     INTEGER NOT NULL,
    next_attempt_at TIMESTAMPTZ NOT NULL,
    started_at      TIMESTAMPTZ,
    completed_at    TIMESTAMPTZ,
    failed_at       TIMESTAMPTZ,
    error           TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs (status, next_attempt_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_running_per_target
    ON jobs (target_id) WHERE status = 'RUNNING';

CREATE TABLE IF NOT EXISTS webhooks (
    webhook_id          TEXT PRIMARY KEY,
    url                 TEXT NOT NULL,
    secret              TEXT NOT NULL,
    max_retries         INTEGER NOT NULL,
    retry_delay_seconds INTEGER NOT NULL,
    timeout_seconds     INTEGER NOT NULL,
    success_count       BIGINT NOT NULL DEFAULT 0,
    failure_count       BIGINT NOT NULL DEFAULT 0,
    created_at          TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS deliveries (
    delivery_id     TEXT PRIMARY KEY,
    webhook_id      TEXT NOT NULL,
    event           TEXT NOT NULL,
    payload         JSONB,
    attempts        INTEGER NOT NULL,
    next_attempt_at TIMESTAMPTZ NOT NULL,
    status          TEXT NOT NULL,
    response_code   INTEGER NOT NULL DEFAULT 0,
    response_millis BIGINT NOT NULL DEFAULT 0,
    error           TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_due ON deliveries (status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_deliveries_webhook ON deliveries (webhook_id);

CREATE TABLE IF NOT EXISTS health (
    integration_id         TEXT PRIMARY KEY,
    status                 TEXT NOT NULL,
    consecutive_errors     INTEGER NOT NULL,
    error_count            BIGINT NOT NULL,
    last_error             TEXT NOT NULL DEFAULT '',
    alert_threshold        INTEGER NOT NULL,
    rate_limit_reset_at    TIMESTAMPTZ,
    last_alert_sent_at     TIMESTAMPTZ,
    last_alert_status      TEXT NOT NULL DEFAULT '',
    last_known_schema      TEXT NOT NULL DEFAULT '',
    schema_change_detected BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at             TIMESTAMPTZ NOT NULL,
    version                BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS health_checks (
    id             BIGSERIAL PRIMARY KEY,
    check_id       TEXT NOT NULL,
    integration_id TEXT NOT NULL,
    status         TEXT NOT NULL,
    latency_millis BIGINT NOT NULL,
    error          TEXT NOT NULL DEFAULT '',
    schema_hash    TEXT NOT NULL DEFAULT '',
    checked_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_health_checks_integration
    ON health_checks (integration_id, id DESC);

CREATE TABLE IF NOT EXISTS alerts (
    id         BIGSERIAL PRIMARY KEY,
    alert_id   TEXT NOT NULL,
    kind       TEXT NOT NULL,
    level      TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    message    TEXT NOT NULL,
    timestamp  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_subject ON alerts (subject_id, id DESC);

CREATE TABLE IF NOT EXISTS locks (
    key        TEXT PRIMARY KEY,
    expires_at TIMESTAMPTZ NOT NULL
);
`
