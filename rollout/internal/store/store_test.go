package store_test

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorymonster/platform/rollout/internal/models"
	"github.com/memorymonster/platform/rollout/internal/store"
)

var updateCols = []string{
	"id", "app_id", "strategy_type", "update_kind", "payload", "schema_version", "version", "risk_level",
	"confidence_score", "sample_size", "statistical_significance", "estimated_impact", "status",
	"reviewed_by", "reviewed_at", "review_notes", "rollout_plan_id", "created_at", "updated_at",
}

var planCols = []string{
	"id", "strategy_update_id", "app_id", "strategy_type", "name", "phases", "current_phase", "user_percentage",
	"status", "phase_duration_hours", "phase_started_at", "success_thresholds", "rollback_triggers",
	"conclusion", "total_participants", "success_count", "failure_count", "latest_metrics", "created_at", "updated_at",
}

var recordCols = []string{
	"id", "strategy_update_id", "rollout_plan_id", "app_id", "kind", "phase", "percentage", "status", "criteria",
	"success_count", "success_metrics", "failure_metrics", "emergency", "rollback_reason", "created_at",
}

func updateRow(id uuid.UUID, status string, reviewer driver.Value) []driver.Value {
	now := time.Now().UTC()
	var reviewedAt driver.Value
	if reviewer != nil {
		reviewedAt = now
	}
	return []driver.Value{
		id.String(), "com.google.Chrome", "cache_cleanup", "threshold_adjustment", `{"paths":[]}`, 1, 3, "medium",
		0.82, 250, false, `{}`, status, reviewer, reviewedAt, "", nil, now, now,
	}
}

func planRow(id, updateID uuid.UUID, status string, phase int, pct float64) []driver.Value {
	now := time.Now().UTC()
	return []driver.Value{
		id.String(), updateID.String(), "com.google.Chrome", "cache_cleanup", "chrome_cache_cleanup_v3",
		"{0.001,0.01,0.1,0.5,1}", phase, pct, status, 48, now,
		`[{"metric":"effectiveness","operator":">=","value":0.8}]`,
		`[{"metric":"crashRate","operator":">","value":0.01}]`,
		"", 0, 0, 0, nil, now, now,
	}
}

func TestPGStoreCreateStrategyUpdateAssignsVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := store.NewPGStore(db)
	id := uuid.New()
	mock.ExpectQuery("INSERT INTO strategy_updates").
		WithArgs(id, "com.google.Chrome", "cache_cleanup", "threshold_adjustment", sqlmock.AnyArg(), 1, "medium", 0.82, 250, true, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(updateCols).AddRow(updateRow(id, "pending", nil)...))

	u, err := st.CreateStrategyUpdate(context.Background(), store.StrategyUpdateInput{
		ID:                      id,
		AppID:                   "com.google.Chrome",
		StrategyType:            "cache_cleanup",
		UpdateKind:              models.UpdateKindThresholdAdjustment,
		Payload:                 models.Payload{SchemaVersion: 1, Data: json.RawMessage(`{"paths":[]}`)},
		RiskLevel:               models.RiskMedium,
		ConfidenceScore:         0.82,
		SampleSize:              250,
		StatisticalSignificance: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, u.Version)
	assert.Equal(t, models.UpdateStatusPending, u.Status)
	assert.JSONEq(t, `{"paths":[]}`, string(u.Payload.Data))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGStoreCreateStrategyUpdateRetriesVersionRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := store.NewPGStore(db)
	id := uuid.New()
	mock.ExpectQuery("INSERT INTO strategy_updates").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectQuery("INSERT INTO strategy_updates").
		WillReturnRows(sqlmock.NewRows(updateCols).AddRow(updateRow(id, "pending", nil)...))

	u, err := st.CreateStrategyUpdate(context.Background(), store.StrategyUpdateInput{
		ID:           id,
		AppID:        "com.google.Chrome",
		StrategyType: "cache_cleanup",
		UpdateKind:   models.UpdateKindThresholdAdjustment,
		RiskLevel:    models.RiskMedium,
	})
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGStoreCreateStrategyUpdateVersionRaceExhausted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := store.NewPGStore(db)
	for i := 0; i < 3; i++ {
		mock.ExpectQuery("INSERT INTO strategy_updates").
			WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	}

	_, err = st.CreateStrategyUpdate(context.Background(), store.StrategyUpdateInput{
		AppID:        "com.google.Chrome",
		StrategyType: "cache_cleanup",
		UpdateKind:   models.UpdateKindThresholdAdjustment,
		RiskLevel:    models.RiskMedium,
	})
	assert.ErrorIs(t, err, store.ErrConflict)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGStoreCreateStrategyUpdateOtherErrorsNotRetried(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := store.NewPGStore(db)
	mock.ExpectQuery("INSERT INTO strategy_updates").WillReturnError(errors.New("connection reset"))

	_, err = st.CreateStrategyUpdate(context.Background(), store.StrategyUpdateInput{AppID: "com.google.Chrome", StrategyType: "cache_cleanup"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrConflict)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGStoreCountPendingIgnoresPage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := store.NewPGStore(db)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM strategy_updates WHERE status = \$1 AND app_id = \$2`).
		WithArgs("pending", "com.google.Chrome").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := st.CountPendingStrategyUpdates(context.Background(), store.UpdateFilter{AppID: "com.google.Chrome", Page: store.Page{Limit: 2}})
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGStoreUpdateStrategyUpdateIsConditional(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := store.NewPGStore(db)
	id := uuid.New()
	approved := models.UpdateStatusApproved
	reviewer := "ops@memorymonster.app"
	notes := "ship it"

	mock.ExpectQuery(`UPDATE strategy_updates .* WHERE id=\$1 AND status=\$2`).
		WithArgs(id, "pending", "approved", reviewer, sqlmock.AnyArg(), notes, "", nil).
		WillReturnRows(sqlmock.NewRows(updateCols).AddRow(updateRow(id, "approved", reviewer)...))

	got, err := st.UpdateStrategyUpdate(context.Background(), id, models.UpdateStatusPending, store.StrategyUpdatePatch{
		Status:      &approved,
		ReviewedBy:  &reviewer,
		ReviewedAt:  ptrTime(time.Now()),
		ReviewNotes: &notes,
	})
	require.NoError(t, err)
	assert.Equal(t, models.UpdateStatusApproved, got.Status)
	require.NotNil(t, got.ReviewedBy)
	assert.Equal(t, reviewer, *got.ReviewedBy)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGStoreUpdateStrategyUpdateConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := store.NewPGStore(db)
	id := uuid.New()
	rejected := models.UpdateStatusRejected

	mock.ExpectQuery("UPDATE strategy_updates").
		WillReturnRows(sqlmock.NewRows(updateCols))
	mock.ExpectQuery("SELECT status FROM strategy_updates").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("approved"))

	_, err = st.UpdateStrategyUpdate(context.Background(), id, models.UpdateStatusPending, store.StrategyUpdatePatch{Status: &rejected})
	assert.True(t, errors.Is(err, store.ErrConflict), "expected conflict, got %v", err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGStoreUpdateStrategyUpdateMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := store.NewPGStore(db)
	id := uuid.New()
	approved := models.UpdateStatusApproved

	mock.ExpectQuery("UPDATE strategy_updates").
		WillReturnRows(sqlmock.NewRows(updateCols))
	mock.ExpectQuery("SELECT status FROM strategy_updates").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	_, err = st.UpdateStrategyUpdate(context.Background(), id, models.UpdateStatusPending, store.StrategyUpdatePatch{Status: &approved})
	assert.True(t, errors.Is(err, store.ErrNotFound), "expected not found, got %v", err)
}

func TestPGStoreAdvanceKeysOnPhase(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := store.NewPGStore(db)
	planID, updateID := uuid.New(), uuid.New()
	phase, next := 1, 2
	pct := 0.1
	started := time.Now().UTC()

	mock.ExpectQuery(`UPDATE rollout_plans .* current_phase=\$3`).
		WithArgs(planID, "running", phase, nil, next, pct, started, nil, nil, nil, nil, nil).
		WillReturnRows(sqlmock.NewRows(planCols).AddRow(planRow(planID, updateID, "running", next, pct)...))

	p, err := st.UpdateRolloutPlan(context.Background(), planID,
		store.PlanExpectation{Status: models.PlanStatusRunning, Phase: &phase},
		store.RolloutPlanPatch{CurrentPhase: &next, UserPercentage: &pct, PhaseStartedAt: &started},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, p.CurrentPhase)
	assert.Equal(t, []float64{0.001, 0.01, 0.1, 0.5, 1}, p.Phases)
	require.Len(t, p.SuccessThresholds, 1)
	assert.Equal(t, "effectiveness >= 0.8", p.SuccessThresholds[0].Expression())
	require.Len(t, p.RollbackTriggers, 1)
	assert.Equal(t, "crashRate", p.RollbackTriggers[0].Metric)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGStoreAdvanceLosesRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := store.NewPGStore(db)
	planID := uuid.New()
	phase, next := 1, 2

	mock.ExpectQuery("UPDATE rollout_plans").
		WillReturnRows(sqlmock.NewRows(planCols))
	mock.ExpectQuery("SELECT status FROM rollout_plans").
		WithArgs(planID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))

	_, err = st.UpdateRolloutPlan(context.Background(), planID,
		store.PlanExpectation{Status: models.PlanStatusRunning, Phase: &phase},
		store.RolloutPlanPatch{CurrentPhase: &next},
	)
	assert.True(t, errors.Is(err, store.ErrConflict))
}

func TestPGStoreAppendAndListDeploymentRecords(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := store.NewPGStore(db)
	updateID, planID, recordID := uuid.New(), uuid.New(), uuid.New()
	now := time.Now().UTC()
	row := []driver.Value{
		recordID.String(), updateID.String(), planID.String(), "com.google.Chrome", "rollback", 2, 0.0, "rolled_back",
		`{"includeBetaUsers":false,"riskTolerance":"medium","appId":"com.google.Chrome"}`,
		0, `{}`, `{"reason":"crash spike","emergency":true}`, true, "crash spike", now,
	}

	mock.ExpectQuery("INSERT INTO deployment_records").
		WithArgs(recordID, updateID, planID, "com.google.Chrome", "rollback", 2, 0.0, "rolled_back",
			sqlmock.AnyArg(), int64(0), sqlmock.AnyArg(), sqlmock.AnyArg(), true, "crash spike").
		WillReturnRows(sqlmock.NewRows(recordCols).AddRow(row...))

	rec, err := st.AppendDeploymentRecord(context.Background(), store.DeploymentRecordInput{
		ID:               recordID,
		StrategyUpdateID: updateID,
		RolloutPlanID:    &planID,
		AppID:            "com.google.Chrome",
		Kind:             models.DeploymentKindRollback,
		Phase:            2,
		Status:           models.PlanStatusRolledBack,
		Criteria:         models.SelectionCriteria{RiskTolerance: models.RiskMedium, AppID: "com.google.Chrome"},
		FailureMetrics:   map[string]interface{}{"reason": "crash spike", "emergency": true},
		Emergency:        true,
		RollbackReason:   "crash spike",
	})
	require.NoError(t, err)
	assert.Equal(t, "crash spike", rec.FailureMetrics["reason"])
	assert.Equal(t, models.RiskMedium, rec.Criteria.RiskTolerance)

	emergency := true
	mock.ExpectQuery(`SELECT .* FROM deployment_records WHERE app_id = \$1 AND kind = ANY\(\$2\) AND emergency = \$3 ORDER BY created_at DESC, id LIMIT 10`).
		WithArgs("com.google.Chrome", sqlmock.AnyArg(), true).
		WillReturnRows(sqlmock.NewRows(recordCols).AddRow(row...))

	list, err := st.ListDeploymentRecords(context.Background(), store.DeploymentFilter{
		AppID:     "com.google.Chrome",
		Kinds:     []models.DeploymentKind{models.DeploymentKindRollback},
		Emergency: &emergency,
		Page:      store.Page{Limit: 10},
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Emergency)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGStoreGetRolloutPlanNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := store.NewPGStore(db)
	id := uuid.New()
	mock.ExpectQuery("SELECT .* FROM rollout_plans WHERE id=").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(planCols))

	_, err = st.GetRolloutPlan(context.Background(), id)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func ptrTime(t time.Time) *time.Time { return &t }
