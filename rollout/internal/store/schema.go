package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema creates the rollout tables. Statements are idempotent so Migrate can
// run on every deploy.
const Schema = `
CREATE TABLE IF NOT EXISTS strategy_updates (
    id                       UUID PRIMARY KEY,
    app_id                   TEXT NOT NULL,
    strategy_type            TEXT NOT NULL,
    update_kind              TEXT NOT NULL,
    payload                  JSONB NOT NULL,
    schema_version           INTEGER NOT NULL DEFAULT 1,
    version                  INTEGER NOT NULL,
    risk_level               TEXT NOT NULL,
    confidence_score         DOUBLE PRECISION NOT NULL,
    sample_size              INTEGER NOT NULL DEFAULT 0,
    statistical_significance BOOLEAN NOT NULL DEFAULT FALSE,
    estimated_impact         JSONB NOT NULL DEFAULT '{}'::jsonb,
    status                   TEXT NOT NULL DEFAULT 'pending',
    reviewed_by              TEXT,
    reviewed_at              TIMESTAMPTZ,
    review_notes             TEXT NOT NULL DEFAULT '',
    rollout_plan_id          UUID,
    created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (app_id, strategy_type, version)
);

CREATE INDEX IF NOT EXISTS idx_strategy_updates_status ON strategy_updates (status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_strategy_updates_reviewed ON strategy_updates (reviewed_at DESC) WHERE reviewed_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS rollout_plans (
    id                   UUID PRIMARY KEY,
    strategy_update_id   UUID NOT NULL REFERENCES strategy_updates(id),
    app_id               TEXT NOT NULL,
    strategy_type        TEXT NOT NULL,
    name                 TEXT NOT NULL,
    phases               DOUBLE PRECISION[] NOT NULL,
    current_phase        INTEGER NOT NULL DEFAULT 0,
    user_percentage      DOUBLE PRECISION NOT NULL DEFAULT 0,
    status               TEXT NOT NULL DEFAULT 'not_started',
    phase_duration_hours INTEGER NOT NULL DEFAULT 48,
    phase_started_at     TIMESTAMPTZ,
    success_thresholds   JSONB NOT NULL DEFAULT '[]'::jsonb,
    rollback_triggers    JSONB NOT NULL DEFAULT '[]'::jsonb,
    conclusion           TEXT NOT NULL DEFAULT '',
    total_participants   BIGINT NOT NULL DEFAULT 0,
    success_count        BIGINT NOT NULL DEFAULT 0,
    failure_count        BIGINT NOT NULL DEFAULT 0,
    latest_metrics       JSONB,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (current_phase >= 0 AND current_phase < cardinality(phases))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_rollout_plans_active
    ON rollout_plans (strategy_update_id) WHERE status IN ('not_started', 'running');
CREATE INDEX IF NOT EXISTS idx_rollout_plans_status ON rollout_plans (status);

CREATE TABLE IF NOT EXISTS deployment_records (
    id                 UUID PRIMARY KEY,
    strategy_update_id UUID NOT NULL REFERENCES strategy_updates(id),
    rollout_plan_id    UUID REFERENCES rollout_plans(id),
    app_id             TEXT NOT NULL,
    kind               TEXT NOT NULL,
    phase              INTEGER NOT NULL DEFAULT 0,
    percentage         DOUBLE PRECISION NOT NULL,
    status             TEXT NOT NULL,
    criteria           JSONB NOT NULL DEFAULT '{}'::jsonb,
    success_count      BIGINT NOT NULL DEFAULT 0,
    success_metrics    JSONB NOT NULL DEFAULT '{}'::jsonb,
    failure_metrics    JSONB NOT NULL DEFAULT '{}'::jsonb,
    emergency          BOOLEAN NOT NULL DEFAULT FALSE,
    rollback_reason    TEXT NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_deployment_records_update ON deployment_records (strategy_update_id, created_at);
CREATE INDEX IF NOT EXISTS idx_deployment_records_kind ON deployment_records (kind, created_at DESC);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
