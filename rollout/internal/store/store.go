package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/memorymonster/platform/rollout/internal/errs"
	"github.com/memorymonster/platform/rollout/internal/models"
)

var (
	ErrNotFound = errs.ErrNotFound
	// ErrConflict is returned by conditional updates whose expected state no
	// longer matches the stored row.
	ErrConflict = errs.ErrConflict
)

// Store persists strategy updates, rollout plans and the deployment ledger.
// Every status change goes through UpdateStrategyUpdate or UpdateRolloutPlan,
// which apply the patch only while the row still holds the expected status.
type Store interface {
	CreateStrategyUpdate(ctx context.Context, in StrategyUpdateInput) (models.StrategyUpdate, error)
	GetStrategyUpdate(ctx context.Context, id uuid.UUID) (models.StrategyUpdate, error)
	ListPendingStrategyUpdates(ctx context.Context, filter UpdateFilter) ([]models.StrategyUpdate, error)
	CountPendingStrategyUpdates(ctx context.Context, filter UpdateFilter) (int, error)
	ListStrategyUpdatesByStatus(ctx context.Context, status models.UpdateStatus, page Page) ([]models.StrategyUpdate, error)
	ListReviewedStrategyUpdates(ctx context.Context, page Page) ([]models.StrategyUpdate, error)
	UpdateStrategyUpdate(ctx context.Context, id uuid.UUID, expected models.UpdateStatus, patch StrategyUpdatePatch) (models.StrategyUpdate, error)

	CreateRolloutPlan(ctx context.Context, in RolloutPlanInput) (models.RolloutPlan, error)
	GetRolloutPlan(ctx context.Context, id uuid.UUID) (models.RolloutPlan, error)
	ListRolloutPlans(ctx context.Context, filter PlanFilter) ([]models.RolloutPlan, error)
	UpdateRolloutPlan(ctx context.Context, id uuid.UUID, expected PlanExpectation, patch RolloutPlanPatch) (models.RolloutPlan, error)

	AppendDeploymentRecord(ctx context.Context, in DeploymentRecordInput) (models.DeploymentRecord, error)
	GetDeploymentRecord(ctx context.Context, id uuid.UUID) (models.DeploymentRecord, error)
	ListDeploymentRecords(ctx context.Context, filter DeploymentFilter) ([]models.DeploymentRecord, error)

	Ping(ctx context.Context) error
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type Page struct {
	Limit  int
	Offset int
}

type UpdateFilter struct {
	AppID     string
	RiskLevel models.RiskLevel
	Page
}

type PlanFilter struct {
	Status           models.PlanStatus
	StrategyUpdateID *uuid.UUID
	Page
}

type DeploymentFilter struct {
	StrategyUpdateID *uuid.UUID
	AppID            string
	Status           models.PlanStatus
	Kinds            []models.DeploymentKind
	ExcludeKinds     []models.DeploymentKind
	Emergency        *bool
	// Ascending orders oldest first; the default is newest first.
	Ascending bool
	Page
}

type StrategyUpdateInput struct {
	ID                      uuid.UUID
	AppID                   string
	StrategyType            string
	UpdateKind              models.UpdateKind
	Payload                 models.Payload
	RiskLevel               models.RiskLevel
	ConfidenceScore         float64
	SampleSize              int
	StatisticalSignificance bool
	EstimatedImpact         json.RawMessage
}

// StrategyUpdatePatch fields left nil keep their stored value. AppendNotes is
// concatenated onto the existing review notes.
type StrategyUpdatePatch struct {
	Status        *models.UpdateStatus
	ReviewedBy    *string
	ReviewedAt    *time.Time
	ReviewNotes   *string
	AppendNotes   string
	RolloutPlanID *uuid.UUID
}

type RolloutPlanInput struct {
	ID                 uuid.UUID
	StrategyUpdateID   uuid.UUID
	AppID              string
	StrategyType       string
	Name               string
	Phases             []float64
	PhaseDurationHours int
	SuccessThresholds  []models.Condition
	RollbackTriggers   []models.Condition
}

// PlanExpectation is the state a conditional plan update is keyed on. Phase,
// when set, must also match so that two concurrent advances cannot both win.
type PlanExpectation struct {
	Status models.PlanStatus
	Phase  *int
}

type RolloutPlanPatch struct {
	Status         *models.PlanStatus
	CurrentPhase   *int
	UserPercentage *float64
	PhaseStartedAt *time.Time
	Conclusion     *string
	SuccessCount   *int64
	// LatestMetrics also refreshes the participant and failure counters.
	LatestMetrics *models.MetricSnapshot
}

type DeploymentRecordInput struct {
	ID               uuid.UUID
	StrategyUpdateID uuid.UUID
	RolloutPlanID    *uuid.UUID
	AppID            string
	Kind             models.DeploymentKind
	Phase            int
	Percentage       float64
	Status           models.PlanStatus
	Criteria         models.SelectionCriteria
	SuccessCount     int64
	SuccessMetrics   map[string]float64
	FailureMetrics   map[string]interface{}
	Emergency        bool
	RollbackReason   string
}

func ensureJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func marshalJSON(v interface{}, fallback string) ([]byte, error) {
	if v == nil {
		return []byte(fallback), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte(fallback), nil
	}
	return b, nil
}

func nullable[T any](p *T) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const updateColumns = `id, app_id, strategy_type, update_kind, payload, schema_version, version, risk_level,
		       confidence_score, sample_size, statistical_significance, estimated_impact, status,
		       reviewed_by, reviewed_at, review_notes, rollout_plan_id, created_at, updated_at`

func scanStrategyUpdate(row rowScanner) (models.StrategyUpdate, error) {
	var (
		u          models.StrategyUpdate
		payload    []byte
		impact     []byte
		reviewedBy sql.NullString
		reviewedAt sql.NullTime
		planID     uuid.NullUUID
	)
	err := row.Scan(
		&u.ID,
		&u.AppID,
		&u.StrategyType,
		&u.UpdateKind,
		&payload,
		&u.Payload.SchemaVersion,
		&u.Version,
		&u.RiskLevel,
		&u.ConfidenceScore,
		&u.SampleSize,
		&u.StatisticalSignificance,
		&impact,
		&u.Status,
		&reviewedBy,
		&reviewedAt,
		&u.ReviewNotes,
		&planID,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return models.StrategyUpdate{}, err
	}
	u.Payload.Data = append(json.RawMessage(nil), payload...)
	if len(impact) > 0 {
		u.EstimatedImpact = append(json.RawMessage(nil), impact...)
	}
	if reviewedBy.Valid {
		u.ReviewedBy = &reviewedBy.String
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		u.ReviewedAt = &t
	}
	if planID.Valid {
		id := planID.UUID
		u.RolloutPlanID = &id
	}
	return u, nil
}

// versionAttempts bounds the inserts tried when concurrent proposals race for
// the same version.
const versionAttempts = 3

func (s *PGStore) CreateStrategyUpdate(ctx context.Context, in StrategyUpdateInput) (models.StrategyUpdate, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	// Versions are assigned per (app, strategy type); the unique index rejects a
	// concurrent insert that computed the same value, so the insert is retried.
	query := `
		INSERT INTO strategy_updates (id, app_id, strategy_type, update_kind, payload, schema_version, version,
		                              risk_level, confidence_score, sample_size, statistical_significance,
		                              estimated_impact, status)
		SELECT $1::uuid, $2::text, $3::text, $4::text, $5::jsonb, $6::int, COALESCE(MAX(version),0)+1,
		       $7::text, $8::float8, $9::int, $10::bool, $11::jsonb, 'pending'
		FROM strategy_updates
		WHERE app_id=$2 AND strategy_type=$3
		RETURNING ` + updateColumns
	var err error
	for attempt := 0; attempt < versionAttempts; attempt++ {
		row := s.db.QueryRowContext(ctx, query,
			in.ID,
			in.AppID,
			in.StrategyType,
			string(in.UpdateKind),
			ensureJSON(in.Payload.Data),
			in.Payload.SchemaVersion,
			string(in.RiskLevel),
			in.ConfidenceScore,
			in.SampleSize,
			in.StatisticalSignificance,
			ensureJSON(in.EstimatedImpact),
		)
		var u models.StrategyUpdate
		u, err = scanStrategyUpdate(row)
		if err == nil {
			return u, nil
		}
		if !uniqueViolation(err) {
			return models.StrategyUpdate{}, fmt.Errorf("insert strategy update: %w", err)
		}
	}
	return models.StrategyUpdate{}, fmt.Errorf("insert strategy update: %w: version taken by a concurrent proposal: %v", ErrConflict, err)
}

// uniqueViolation reports whether err is a Postgres unique_violation (23505).
func uniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *PGStore) GetStrategyUpdate(ctx context.Context, id uuid.UUID) (models.StrategyUpdate, error) {
	query := `SELECT ` + updateColumns + ` FROM strategy_updates WHERE id=$1`
	u, err := scanStrategyUpdate(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.StrategyUpdate{}, ErrNotFound
		}
		return models.StrategyUpdate{}, fmt.Errorf("get strategy update: %w", err)
	}
	return u, nil
}

func pendingWhere(filter UpdateFilter) where {
	var w where
	w.add("status = %s", string(models.UpdateStatusPending))
	if filter.AppID != "" {
		w.add("app_id = %s", filter.AppID)
	}
	if filter.RiskLevel != "" {
		w.add("risk_level = %s", string(filter.RiskLevel))
	}
	return w
}

func (s *PGStore) ListPendingStrategyUpdates(ctx context.Context, filter UpdateFilter) ([]models.StrategyUpdate, error) {
	return s.listUpdates(ctx, "list pending strategy updates", pendingWhere(filter), "created_at DESC", filter.Page)
}

// CountPendingStrategyUpdates ignores filter.Page.
func (s *PGStore) CountPendingStrategyUpdates(ctx context.Context, filter UpdateFilter) (int, error) {
	w := pendingWhere(filter)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM strategy_updates`+w.sql(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending strategy updates: %w", err)
	}
	return n, nil
}

func (s *PGStore) ListStrategyUpdatesByStatus(ctx context.Context, status models.UpdateStatus, page Page) ([]models.StrategyUpdate, error) {
	var w where
	w.add("status = %s", string(status))
	return s.listUpdates(ctx, "list strategy updates by status", w, "created_at DESC", page)
}

func (s *PGStore) ListReviewedStrategyUpdates(ctx context.Context, page Page) ([]models.StrategyUpdate, error) {
	w := where{clauses: []string{"reviewed_at IS NOT NULL"}}
	return s.listUpdates(ctx, "list reviewed strategy updates", w, "reviewed_at DESC", page)
}

func (s *PGStore) listUpdates(ctx context.Context, op string, w where, order string, page Page) ([]models.StrategyUpdate, error) {
	query := `SELECT ` + updateColumns + ` FROM strategy_updates` + w.sql() + ` ORDER BY ` + order + w.page(page)
	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []models.StrategyUpdate
	for rows.Next() {
		u, err := scanStrategyUpdate(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *PGStore) UpdateStrategyUpdate(ctx context.Context, id uuid.UUID, expected models.UpdateStatus, patch StrategyUpdatePatch) (models.StrategyUpdate, error) {
	query := `
		UPDATE strategy_updates
		SET status=COALESCE($3, status),
		    reviewed_by=COALESCE($4, reviewed_by),
		    reviewed_at=COALESCE($5, reviewed_at),
		    review_notes=COALESCE($6, review_notes) || $7,
		    rollout_plan_id=COALESCE($8, rollout_plan_id),
		    updated_at=NOW()
		WHERE id=$1 AND status=$2
		RETURNING ` + updateColumns
	var status interface{}
	if patch.Status != nil {
		status = string(*patch.Status)
	}
	row := s.db.QueryRowContext(ctx, query,
		id,
		string(expected),
		status,
		nullable(patch.ReviewedBy),
		nullable(patch.ReviewedAt),
		nullable(patch.ReviewNotes),
		patch.AppendNotes,
		nullable(patch.RolloutPlanID),
	)
	u, err := scanStrategyUpdate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.StrategyUpdate{}, s.missingOrConflict(ctx, "strategy_updates", id, string(expected))
		}
		return models.StrategyUpdate{}, fmt.Errorf("update strategy update: %w", err)
	}
	return u, nil
}

// missingOrConflict explains why a conditional update matched no row.
func (s *PGStore) missingOrConflict(ctx context.Context, table string, id uuid.UUID, expected string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM `+table+` WHERE id=$1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check %s state: %w", table, err)
	}
	return fmt.Errorf("%w: expected %s, found %s", ErrConflict, expected, status)
}

const planColumns = `id, strategy_update_id, app_id, strategy_type, name, phases, current_phase, user_percentage,
		       status, phase_duration_hours, phase_started_at, success_thresholds, rollback_triggers,
		       conclusion, total_participants, success_count, failure_count, latest_metrics, created_at, updated_at`

func scanRolloutPlan(row rowScanner) (models.RolloutPlan, error) {
	var (
		p          models.RolloutPlan
		phases     pq.Float64Array
		startedAt  sql.NullTime
		thresholds []byte
		triggers   []byte
		metrics    []byte
	)
	err := row.Scan(
		&p.ID,
		&p.StrategyUpdateID,
		&p.AppID,
		&p.StrategyType,
		&p.Name,
		&phases,
		&p.CurrentPhase,
		&p.UserPercentage,
		&p.Status,
		&p.PhaseDurationHours,
		&startedAt,
		&thresholds,
		&triggers,
		&p.Conclusion,
		&p.TotalParticipants,
		&p.SuccessCount,
		&p.FailureCount,
		&metrics,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return models.RolloutPlan{}, err
	}
	p.Phases = []float64(phases)
	if startedAt.Valid {
		t := startedAt.Time
		p.PhaseStartedAt = &t
	}
	if len(thresholds) > 0 {
		if err := json.Unmarshal(thresholds, &p.SuccessThresholds); err != nil {
			return models.RolloutPlan{}, fmt.Errorf("decode success thresholds: %w", err)
		}
	}
	if len(triggers) > 0 {
		if err := json.Unmarshal(triggers, &p.RollbackTriggers); err != nil {
			return models.RolloutPlan{}, fmt.Errorf("decode rollback triggers: %w", err)
		}
	}
	if len(metrics) > 0 && string(metrics) != "null" {
		var snap models.MetricSnapshot
		if err := json.Unmarshal(metrics, &snap); err != nil {
			return models.RolloutPlan{}, fmt.Errorf("decode latest metrics: %w", err)
		}
		p.LatestMetrics = &snap
	}
	return p, nil
}

func (s *PGStore) CreateRolloutPlan(ctx context.Context, in RolloutPlanInput) (models.RolloutPlan, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	thresholds, err := marshalJSON(in.SuccessThresholds, "[]")
	if err != nil {
		return models.RolloutPlan{}, fmt.Errorf("encode success thresholds: %w", err)
	}
	triggers, err := marshalJSON(in.RollbackTriggers, "[]")
	if err != nil {
		return models.RolloutPlan{}, fmt.Errorf("encode rollback triggers: %w", err)
	}
	query := `
		INSERT INTO rollout_plans (id, strategy_update_id, app_id, strategy_type, name, phases, current_phase,
		                           user_percentage, status, phase_duration_hours, success_thresholds, rollback_triggers)
		VALUES ($1,$2,$3,$4,$5,$6,0,0,'not_started',$7,$8,$9)
		RETURNING ` + planColumns
	row := s.db.QueryRowContext(ctx, query,
		in.ID,
		in.StrategyUpdateID,
		in.AppID,
		in.StrategyType,
		in.Name,
		pq.Float64Array(in.Phases),
		in.PhaseDurationHours,
		thresholds,
		triggers,
	)
	p, err := scanRolloutPlan(row)
	if err != nil {
		return models.RolloutPlan{}, fmt.Errorf("insert rollout plan: %w", err)
	}
	return p, nil
}

func (s *PGStore) GetRolloutPlan(ctx context.Context, id uuid.UUID) (models.RolloutPlan, error) {
	query := `SELECT ` + planColumns + ` FROM rollout_plans WHERE id=$1`
	p, err := scanRolloutPlan(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RolloutPlan{}, ErrNotFound
		}
		return models.RolloutPlan{}, fmt.Errorf("get rollout plan: %w", err)
	}
	return p, nil
}

func (s *PGStore) ListRolloutPlans(ctx context.Context, filter PlanFilter) ([]models.RolloutPlan, error) {
	var w where
	if filter.Status != "" {
		w.add("status = %s", string(filter.Status))
	}
	if filter.StrategyUpdateID != nil {
		w.add("strategy_update_id = %s", *filter.StrategyUpdateID)
	}
	query := `SELECT ` + planColumns + ` FROM rollout_plans` + w.sql() + ` ORDER BY created_at ASC` + w.page(filter.Page)
	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list rollout plans: %w", err)
	}
	defer rows.Close()
	var out []models.RolloutPlan
	for rows.Next() {
		p, err := scanRolloutPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("list rollout plans: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rollout plans: %w", err)
	}
	return out, nil
}

func (s *PGStore) UpdateRolloutPlan(ctx context.Context, id uuid.UUID, expected PlanExpectation, patch RolloutPlanPatch) (models.RolloutPlan, error) {
	var (
		status       interface{}
		metrics      interface{}
		participants interface{}
		failures     interface{}
	)
	if patch.Status != nil {
		status = string(*patch.Status)
	}
	if patch.LatestMetrics != nil {
		b, err := json.Marshal(patch.LatestMetrics)
		if err != nil {
			return models.RolloutPlan{}, fmt.Errorf("encode latest metrics: %w", err)
		}
		metrics = b
		participants = patch.LatestMetrics.Participants
		failures = patch.LatestMetrics.Failures
	}
	query := `
		UPDATE rollout_plans
		SET status=COALESCE($4, status),
		    current_phase=COALESCE($5, current_phase),
		    user_percentage=COALESCE($6, user_percentage),
		    phase_started_at=COALESCE($7, phase_started_at),
		    conclusion=COALESCE($8, conclusion),
		    success_count=COALESCE($9, success_count),
		    latest_metrics=COALESCE($10, latest_metrics),
		    total_participants=COALESCE($11, total_participants),
		    failure_count=COALESCE($12, failure_count),
		    updated_at=NOW()
		WHERE id=$1 AND status=$2 AND ($3::int IS NULL OR current_phase=$3)
		RETURNING ` + planColumns
	row := s.db.QueryRowContext(ctx, query,
		id,
		string(expected.Status),
		nullable(expected.Phase),
		status,
		nullable(patch.CurrentPhase),
		nullable(patch.UserPercentage),
		nullable(patch.PhaseStartedAt),
		nullable(patch.Conclusion),
		nullable(patch.SuccessCount),
		metrics,
		participants,
		failures,
	)
	p, err := scanRolloutPlan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RolloutPlan{}, s.missingOrConflict(ctx, "rollout_plans", id, string(expected.Status))
		}
		return models.RolloutPlan{}, fmt.Errorf("update rollout plan: %w", err)
	}
	return p, nil
}

const recordColumns = `id, strategy_update_id, rollout_plan_id, app_id, kind, phase, percentage, status, criteria,
		       success_count, success_metrics, failure_metrics, emergency, rollback_reason, created_at`

func scanDeploymentRecord(row rowScanner) (models.DeploymentRecord, error) {
	var (
		r        models.DeploymentRecord
		planID   uuid.NullUUID
		criteria []byte
		success  []byte
		failure  []byte
	)
	err := row.Scan(
		&r.ID,
		&r.StrategyUpdateID,
		&planID,
		&r.AppID,
		&r.Kind,
		&r.Phase,
		&r.Percentage,
		&r.Status,
		&criteria,
		&r.SuccessCount,
		&success,
		&failure,
		&r.Emergency,
		&r.RollbackReason,
		&r.CreatedAt,
	)
	if err != nil {
		return models.DeploymentRecord{}, err
	}
	if planID.Valid {
		id := planID.UUID
		r.RolloutPlanID = &id
	}
	if len(criteria) > 0 {
		if err := json.Unmarshal(criteria, &r.Criteria); err != nil {
			return models.DeploymentRecord{}, fmt.Errorf("decode criteria: %w", err)
		}
	}
	if len(success) > 0 {
		if err := json.Unmarshal(success, &r.SuccessMetrics); err != nil {
			return models.DeploymentRecord{}, fmt.Errorf("decode success metrics: %w", err)
		}
	}
	if len(failure) > 0 {
		if err := json.Unmarshal(failure, &r.FailureMetrics); err != nil {
			return models.DeploymentRecord{}, fmt.Errorf("decode failure metrics: %w", err)
		}
	}
	return r, nil
}

func (s *PGStore) AppendDeploymentRecord(ctx context.Context, in DeploymentRecordInput) (models.DeploymentRecord, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	criteria, err := json.Marshal(in.Criteria)
	if err != nil {
		return models.DeploymentRecord{}, fmt.Errorf("encode criteria: %w", err)
	}
	success, err := marshalJSON(in.SuccessMetrics, "{}")
	if err != nil {
		return models.DeploymentRecord{}, fmt.Errorf("encode success metrics: %w", err)
	}
	failure, err := marshalJSON(in.FailureMetrics, "{}")
	if err != nil {
		return models.DeploymentRecord{}, fmt.Errorf("encode failure metrics: %w", err)
	}
	// clock_timestamp keeps entries written inside one transaction ordered.
	query := `
		INSERT INTO deployment_records (id, strategy_update_id, rollout_plan_id, app_id, kind, phase, percentage,
		                                status, criteria, success_count, success_metrics, failure_metrics,
		                                emergency, rollback_reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14, clock_timestamp())
		RETURNING ` + recordColumns
	row := s.db.QueryRowContext(ctx, query,
		in.ID,
		in.StrategyUpdateID,
		nullable(in.RolloutPlanID),
		in.AppID,
		string(in.Kind),
		in.Phase,
		in.Percentage,
		string(in.Status),
		criteria,
		in.SuccessCount,
		success,
		failure,
		in.Emergency,
		in.RollbackReason,
	)
	r, err := scanDeploymentRecord(row)
	if err != nil {
		return models.DeploymentRecord{}, fmt.Errorf("insert deployment record: %w", err)
	}
	return r, nil
}

func (s *PGStore) GetDeploymentRecord(ctx context.Context, id uuid.UUID) (models.DeploymentRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM deployment_records WHERE id=$1`
	r, err := scanDeploymentRecord(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DeploymentRecord{}, ErrNotFound
		}
		return models.DeploymentRecord{}, fmt.Errorf("get deployment record: %w", err)
	}
	return r, nil
}

func (s *PGStore) ListDeploymentRecords(ctx context.Context, filter DeploymentFilter) ([]models.DeploymentRecord, error) {
	var w where
	if filter.StrategyUpdateID != nil {
		w.add("strategy_update_id = %s", *filter.StrategyUpdateID)
	}
	if filter.AppID != "" {
		w.add("app_id = %s", filter.AppID)
	}
	if filter.Status != "" {
		w.add("status = %s", string(filter.Status))
	}
	if len(filter.Kinds) > 0 {
		w.add("kind = ANY(%s)", pq.Array(kindStrings(filter.Kinds)))
	}
	if len(filter.ExcludeKinds) > 0 {
		w.add("NOT (kind = ANY(%s))", pq.Array(kindStrings(filter.ExcludeKinds)))
	}
	if filter.Emergency != nil {
		w.add("emergency = %s", *filter.Emergency)
	}
	order := " ORDER BY created_at DESC, id"
	if filter.Ascending {
		order = " ORDER BY created_at ASC, id"
	}
	query := `SELECT ` + recordColumns + ` FROM deployment_records` + w.sql() + order + w.page(filter.Page)
	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list deployment records: %w", err)
	}
	defer rows.Close()
	var out []models.DeploymentRecord
	for rows.Next() {
		r, err := scanDeploymentRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list deployment records: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deployment records: %w", err)
	}
	return out, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

func kindStrings(kinds []models.DeploymentKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

// where accumulates positional predicates for list queries.
type where struct {
	clauses []string
	args    []interface{}
}

func (w *where) add(clause string, arg interface{}) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *where) page(p Page) string {
	var out string
	if p.Limit > 0 {
		out += fmt.Sprintf(" LIMIT %d", p.Limit)
	}
	if p.Offset > 0 {
		out += fmt.Sprintf(" OFFSET %d", p.Offset)
	}
	return out
}
