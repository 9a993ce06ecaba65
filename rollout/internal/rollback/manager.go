// Package rollback halts a live rollout and demotes its strategy update.
//
// The steps run as a best-effort sequence: a failed step is logged and
// reported in Result.Actions, and later steps still run. Leaving a strategy
// live during an incident is worse than an incomplete audit trail.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/memorymonster/platform/rollout/internal/errs"
	"github.com/memorymonster/platform/rollout/internal/ledger"
	"github.com/memorymonster/platform/rollout/internal/logging"
	"github.com/memorymonster/platform/rollout/internal/metrics"
	"github.com/memorymonster/platform/rollout/internal/models"
	"github.com/memorymonster/platform/rollout/internal/store"
)

const (
	stepPlan   = "rollout_plan.rolled_back"
	stepUpdate = "strategy_update.rolled_back"

	casAttempts = 3
)

type Config struct {
	CallTimeout time.Duration
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

type Manager struct {
	store       store.Store
	ledger      *ledger.Ledger
	logger      *zap.Logger
	metrics     *metrics.Metrics
	callTimeout time.Duration
	now         func() time.Time
}

func New(st store.Store, l *ledger.Ledger, logger *zap.Logger, cfg Config) *Manager {
	m := &Manager{
		store:       st,
		ledger:      l,
		logger:      logging.OrNop(logger),
		metrics:     cfg.Metrics,
		callTimeout: cfg.CallTimeout,
		now:         cfg.Now,
	}
	if m.callTimeout <= 0 {
		m.callTimeout = 5 * time.Second
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	return m
}

// Request targets either a deployment record or a strategy update. Emergency
// changes log severity and audit metadata only.
type Request struct {
	DeploymentRecordID *uuid.UUID `json:"deploymentRecordId,omitempty"`
	StrategyUpdateID   *uuid.UUID `json:"strategyUpdateId,omitempty"`
	Reason             string     `json:"reason" validate:"required"`
	Emergency          bool       `json:"emergency"`
	RequestedBy        string     `json:"-"`
}

type Result struct {
	Update  models.StrategyUpdate    `json:"update"`
	Plan    *models.RolloutPlan      `json:"rolloutPlan,omitempty"`
	Record  *models.DeploymentRecord `json:"record,omitempty"`
	Actions []models.SideEffect      `json:"actions"`
}

func (m *Manager) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.callTimeout)
}

// Rollback demotes the target. It fails up front with InvalidState unless the
// strategy update is deploying or deployed. Otherwise it fails only when
// neither the plan nor the update could be written, or with Conflict when a
// concurrent rollback already did both. Exactly one rollback record is written
// per plan: by the call whose conditional write moved the plan.
func (m *Manager) Rollback(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := m.rollback(ctx, req)
	m.metrics.Observe("rollback", start, err)
	if err == nil {
		m.metrics.Rollback(req.Emergency)
	}
	return res, err
}

func (m *Manager) rollback(ctx context.Context, req Request) (Result, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return Result{}, errs.InvalidArgument("reason required")
	}
	u, planID, err := m.resolve(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if !u.Status.CanRollback() {
		return Result{}, errs.InvalidState("strategy update %s is %s; only deploying or deployed updates can be rolled back", u.ID, u.Status)
	}

	res := Result{Update: u}
	now := m.now()

	plan, planEffect, already := m.demotePlan(ctx, planID, reason)
	res.Actions = append(res.Actions, planEffect)
	res.Plan = plan

	updated, updateEffect := m.demoteUpdate(ctx, u, rollbackNote(now, req.RequestedBy, req.Emergency, reason))
	res.Actions = append(res.Actions, updateEffect)
	res.Update = updated

	if already {
		// The plan was rolled back by an earlier or concurrent call, which
		// owns the audit record. Only a lagging update status is repaired here.
		if !updateEffect.OK {
			return Result{}, errs.Conflict("rollout plan %s already rolled back", plan.ID)
		}
		m.logger.Warn("rollback repaired strategy update status",
			zap.String("strategy_update_id", u.ID.String()),
			zap.String("rollout_plan_id", plan.ID.String()),
		)
		return res, nil
	}

	if !planEffect.OK && !updateEffect.OK {
		m.logger.Error("rollback failed: no state was written",
			zap.String("strategy_update_id", u.ID.String()),
			zap.String("plan_error", planEffect.Error),
			zap.String("update_error", updateEffect.Error),
		)
		return res, fmt.Errorf("rollback %s: %w: plan: %s; update: %s", u.ID, errs.ErrDependencyFailure, planEffect.Error, updateEffect.Error)
	}

	in := store.DeploymentRecordInput{
		StrategyUpdateID: u.ID,
		AppID:            u.AppID,
		Kind:             models.DeploymentKindRollback,
		Percentage:       0,
		Status:           models.PlanStatusRolledBack,
		Criteria:         models.SelectionCriteria{RiskTolerance: u.RiskLevel, AppID: u.AppID},
		FailureMetrics:   map[string]interface{}{"reason": reason, "emergency": req.Emergency},
		Emergency:        req.Emergency,
		RollbackReason:   reason,
	}
	if plan != nil {
		in.RolloutPlanID = &plan.ID
		in.Phase = plan.CurrentPhase
	}
	rec, recEffect := m.ledger.Record(ctx, in)
	res.Record = rec
	res.Actions = append(res.Actions, recEffect)

	m.alert(u, plan, req, reason)
	return res, nil
}

func (m *Manager) resolve(ctx context.Context, req Request) (models.StrategyUpdate, *uuid.UUID, error) {
	ctx, cancel := m.call(ctx)
	defer cancel()

	var updateID uuid.UUID
	var planID *uuid.UUID
	switch {
	case req.DeploymentRecordID != nil && req.StrategyUpdateID != nil:
		return models.StrategyUpdate{}, nil, errs.InvalidArgument("set deploymentRecordId or strategyUpdateId, not both")
	case req.DeploymentRecordID != nil:
		rec, err := m.store.GetDeploymentRecord(ctx, *req.DeploymentRecordID)
		if err != nil {
			return models.StrategyUpdate{}, nil, errs.Wrap("get deployment record", err)
		}
		updateID = rec.StrategyUpdateID
		planID = rec.RolloutPlanID
	case req.StrategyUpdateID != nil:
		updateID = *req.StrategyUpdateID
	default:
		return models.StrategyUpdate{}, nil, errs.InvalidArgument("deploymentRecordId or strategyUpdateId required")
	}

	u, err := m.store.GetStrategyUpdate(ctx, updateID)
	if err != nil {
		return models.StrategyUpdate{}, nil, errs.Wrap("get strategy update", err)
	}
	if planID == nil {
		planID = u.RolloutPlanID
	}
	return u, planID, nil
}

// demotePlan is keyed on the plan status observed just before each attempt.
// already reports that the plan was found rolled back by someone else.
func (m *Manager) demotePlan(ctx context.Context, planID *uuid.UUID, reason string) (plan *models.RolloutPlan, effect models.SideEffect, already bool) {
	if planID == nil {
		return nil, models.Effect(stepPlan, errors.New("strategy update has no rollout plan")), false
	}
	rolledBack := models.PlanStatusRolledBack
	zero := 0.0
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		cctx, cancel := m.call(ctx)
		current, err := m.store.GetRolloutPlan(cctx, *planID)
		if err != nil {
			cancel()
			lastErr = err
			break
		}
		if current.Status == models.PlanStatusRolledBack {
			cancel()
			return &current, models.Effect(stepPlan, nil), true
		}
		updated, err := m.store.UpdateRolloutPlan(cctx, current.ID, store.PlanExpectation{Status: current.Status}, store.RolloutPlanPatch{
			Status:         &rolledBack,
			UserPercentage: &zero,
			Conclusion:     &reason,
		})
		cancel()
		if err == nil {
			m.metrics.SideEffect(stepPlan, true)
			return &updated, models.Effect(stepPlan, nil), false
		}
		lastErr = err
		if !errors.Is(err, store.ErrConflict) {
			break
		}
	}
	m.metrics.SideEffect(stepPlan, false)
	m.logger.Error("rollback: plan write failed", zap.String("rollout_plan_id", planID.String()), zap.Error(lastErr))
	return nil, models.Effect(stepPlan, lastErr), false
}

func (m *Manager) demoteUpdate(ctx context.Context, u models.StrategyUpdate, note string) (models.StrategyUpdate, models.SideEffect) {
	rolledBack := models.UpdateStatusRolledBack
	current := u
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		cctx, cancel := m.call(ctx)
		updated, err := m.store.UpdateStrategyUpdate(cctx, current.ID, current.Status, store.StrategyUpdatePatch{
			Status:      &rolledBack,
			AppendNotes: note,
		})
		if err == nil {
			cancel()
			m.metrics.SideEffect(stepUpdate, true)
			return updated, models.Effect(stepUpdate, nil)
		}
		lastErr = err
		if !errors.Is(err, store.ErrConflict) {
			cancel()
			break
		}
		// Lost to a concurrent complete; retry from the status now stored.
		fresh, gerr := m.store.GetStrategyUpdate(cctx, current.ID)
		cancel()
		if gerr != nil || !fresh.Status.CanRollback() {
			break
		}
		current = fresh
	}
	m.metrics.SideEffect(stepUpdate, false)
	m.logger.Error("rollback: strategy update write failed", zap.String("strategy_update_id", u.ID.String()), zap.Error(lastErr))
	return u, models.Effect(stepUpdate, lastErr)
}

func rollbackNote(at time.Time, by string, emergency bool, reason string) string {
	label := "ROLLBACK"
	if emergency {
		label = "EMERGENCY ROLLBACK"
	}
	if by != "" {
		return fmt.Sprintf("\n\n%s %s by %s: %s", label, at.UTC().Format(time.RFC3339), by, reason)
	}
	return fmt.Sprintf("\n\n%s %s: %s", label, at.UTC().Format(time.RFC3339), reason)
}

func (m *Manager) alert(u models.StrategyUpdate, plan *models.RolloutPlan, req Request, reason string) {
	level, severity := zapcore.WarnLevel, "warning"
	if req.Emergency {
		level, severity = zapcore.ErrorLevel, "critical"
	}
	fields := []zap.Field{
		zap.String("severity", severity),
		zap.String("strategy_update_id", u.ID.String()),
		zap.String("app_id", u.AppID),
		zap.String("strategy_type", u.StrategyType),
		zap.String("reason", reason),
		zap.Bool("emergency", req.Emergency),
	}
	if plan != nil {
		fields = append(fields, zap.String("rollout_plan_id", plan.ID.String()))
	}
	if req.RequestedBy != "" {
		fields = append(fields, zap.String("requested_by", req.RequestedBy))
	}
	if ce := m.logger.Check(level, "strategy rolled back"); ce != nil {
		ce.Write(fields...)
	}
}
