// Package rollout drives a rollout plan through its phases. Every transition is
// a single conditional write on the plan keyed on its status and, for phase
// changes, its current phase; that write is the only concurrency control.
package rollout

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memorymonster/platform/rollout/internal/errs"
	"github.com/memorymonster/platform/rollout/internal/ledger"
	"github.com/memorymonster/platform/rollout/internal/logging"
	"github.com/memorymonster/platform/rollout/internal/metrics"
	"github.com/memorymonster/platform/rollout/internal/models"
	"github.com/memorymonster/platform/rollout/internal/store"
)

const defaultConclusion = "rollout completed at 100% of users"

// DeploymentPhaseFor maps a user percentage to its band label.
func DeploymentPhaseFor(p float64) models.DeploymentKind {
	switch {
	case p <= 0.001:
		return models.DeploymentKindCanary
	case p <= 0.01:
		return models.DeploymentKindLimited
	case p <= 0.5:
		return models.DeploymentKindGradual
	default:
		return models.DeploymentKindFull
	}
}

type Config struct {
	CallTimeout time.Duration
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

type Controller struct {
	store       store.Store
	ledger      *ledger.Ledger
	logger      *zap.Logger
	metrics     *metrics.Metrics
	callTimeout time.Duration
	now         func() time.Time
}

func New(st store.Store, l *ledger.Ledger, logger *zap.Logger, cfg Config) *Controller {
	c := &Controller{
		store:       st,
		ledger:      l,
		logger:      logging.OrNop(logger),
		metrics:     cfg.Metrics,
		callTimeout: cfg.CallTimeout,
		now:         cfg.Now,
	}
	if c.callTimeout <= 0 {
		c.callTimeout = 5 * time.Second
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Result is the outcome of a transition. Warnings lists best-effort steps that
// failed without failing the transition.
type Result struct {
	Plan     models.RolloutPlan       `json:"rolloutPlan"`
	Update   models.StrategyUpdate    `json:"update"`
	Record   *models.DeploymentRecord `json:"record,omitempty"`
	Warnings []models.SideEffect      `json:"warnings,omitempty"`
}

func (c *Controller) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

func (c *Controller) Get(ctx context.Context, planID uuid.UUID) (models.RolloutPlan, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()
	plan, err := c.store.GetRolloutPlan(ctx, planID)
	if err != nil {
		return models.RolloutPlan{}, errs.Wrap("get rollout plan", err)
	}
	return plan, nil
}

// ResolvePlan returns the plan linked to a strategy update.
func (c *Controller) ResolvePlan(ctx context.Context, strategyUpdateID uuid.UUID) (models.RolloutPlan, error) {
	u, err := c.loadUpdate(ctx, strategyUpdateID)
	if err != nil {
		return models.RolloutPlan{}, err
	}
	if u.RolloutPlanID == nil {
		return models.RolloutPlan{}, errs.InvalidState("strategy update %s has no rollout plan", u.ID)
	}
	return c.Get(ctx, *u.RolloutPlanID)
}

func (c *Controller) loadUpdate(ctx context.Context, id uuid.UUID) (models.StrategyUpdate, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()
	u, err := c.store.GetStrategyUpdate(ctx, id)
	if err != nil {
		return models.StrategyUpdate{}, errs.Wrap("get strategy update", err)
	}
	return u, nil
}

// load reads the plan and its owning update and checks the plan status.
func (c *Controller) load(ctx context.Context, planID uuid.UUID, want models.PlanStatus) (models.RolloutPlan, models.StrategyUpdate, error) {
	plan, err := c.Get(ctx, planID)
	if err != nil {
		return models.RolloutPlan{}, models.StrategyUpdate{}, err
	}
	if plan.Status != want {
		return models.RolloutPlan{}, models.StrategyUpdate{}, errs.InvalidState("rollout plan %s is %s, want %s", plan.ID, plan.Status, want)
	}
	u, err := c.loadUpdate(ctx, plan.StrategyUpdateID)
	if err != nil {
		return models.RolloutPlan{}, models.StrategyUpdate{}, err
	}
	return plan, u, nil
}

func (c *Controller) casPlan(ctx context.Context, plan models.RolloutPlan, phase *int, patch store.RolloutPlanPatch) (models.RolloutPlan, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()
	updated, err := c.store.UpdateRolloutPlan(ctx, plan.ID, store.PlanExpectation{Status: plan.Status, Phase: phase}, patch)
	if errors.Is(err, store.ErrConflict) {
		return models.RolloutPlan{}, errs.Conflict("rollout plan %s changed concurrently", plan.ID)
	}
	if err != nil {
		return models.RolloutPlan{}, errs.Wrap("update rollout plan", err)
	}
	return updated, nil
}

// promote moves the owning update to status if it is not there already.
func (c *Controller) promote(ctx context.Context, u models.StrategyUpdate, status models.UpdateStatus) (models.StrategyUpdate, error) {
	if u.Status == status {
		return u, nil
	}
	ctx, cancel := c.call(ctx)
	defer cancel()
	updated, err := c.store.UpdateStrategyUpdate(ctx, u.ID, u.Status, store.StrategyUpdatePatch{Status: &status})
	if err != nil {
		c.logger.Error("strategy update status write failed",
			zap.String("strategy_update_id", u.ID.String()),
			zap.String("from", string(u.Status)),
			zap.String("to", string(status)),
			zap.Error(err),
		)
		return u, errs.Wrap("update strategy update status", err)
	}
	return updated, nil
}

func criteriaFor(u models.StrategyUpdate) models.SelectionCriteria {
	return models.SelectionCriteria{IncludeBetaUsers: true, RiskTolerance: u.RiskLevel, AppID: u.AppID}
}

func (c *Controller) record(ctx context.Context, res *Result, in store.DeploymentRecordInput) {
	rec, effect := c.ledger.Record(ctx, in)
	res.Record = rec
	res.Warnings = append(res.Warnings, models.Failed(effect)...)
}

// Start moves a not_started plan onto its first phase and marks the owning
// update deploying.
func (c *Controller) Start(ctx context.Context, planID uuid.UUID) (Result, error) {
	start := time.Now()
	res, err := c.start(ctx, planID)
	c.metrics.Observe("start", start, err)
	return res, err
}

func (c *Controller) start(ctx context.Context, planID uuid.UUID) (Result, error) {
	plan, u, err := c.load(ctx, planID, models.PlanStatusNotStarted)
	if err != nil {
		return Result{}, err
	}
	if u.Status != models.UpdateStatusApproved {
		return Result{}, errs.InvalidState("strategy update %s is %s, want %s", u.ID, u.Status, models.UpdateStatusApproved)
	}
	if len(plan.Phases) == 0 {
		return Result{}, errs.InvalidState("rollout plan %s has no phases", plan.ID)
	}

	running := models.PlanStatusRunning
	phase := 0
	pct := plan.Phases[0]
	now := c.now()
	plan, err = c.casPlan(ctx, plan, nil, store.RolloutPlanPatch{
		Status:         &running,
		CurrentPhase:   &phase,
		UserPercentage: &pct,
		PhaseStartedAt: &now,
	})
	if err != nil {
		return Result{}, err
	}
	// The plan has moved, so the canary is recorded even when the status write
	// fails; the next advance retries the promotion.
	res := Result{Plan: plan, Update: u}
	res.Update, err = c.promote(ctx, u, models.UpdateStatusDeploying)

	c.record(ctx, &res, store.DeploymentRecordInput{
		StrategyUpdateID: u.ID,
		RolloutPlanID:    &plan.ID,
		AppID:            u.AppID,
		Kind:             models.DeploymentKindCanary,
		Phase:            0,
		Percentage:       pct,
		Status:           models.PlanStatusRunning,
		Criteria:         criteriaFor(u),
	})
	c.logger.Info("rollout started",
		zap.String("rollout_plan_id", plan.ID.String()),
		zap.String("strategy_update_id", u.ID.String()),
		zap.Float64("user_percentage", pct),
	)
	return res, err
}

// Advance moves a running plan to its next phase. On the last phase it
// completes the plan instead.
func (c *Controller) Advance(ctx context.Context, planID uuid.UUID) (Result, error) {
	start := time.Now()
	res, err := c.advance(ctx, planID)
	c.metrics.Observe("advance", start, err)
	return res, err
}

func (c *Controller) advance(ctx context.Context, planID uuid.UUID) (Result, error) {
	plan, u, err := c.load(ctx, planID, models.PlanStatusRunning)
	if err != nil {
		return Result{}, err
	}
	current := plan.CurrentPhase
	next := current + 1
	if next >= len(plan.Phases) {
		return c.complete(ctx, plan, u, "")
	}

	pct := plan.Phases[next]
	now := c.now()
	plan, err = c.casPlan(ctx, plan, &current, store.RolloutPlanPatch{
		CurrentPhase:   &next,
		UserPercentage: &pct,
		PhaseStartedAt: &now,
	})
	if err != nil {
		return Result{}, err
	}
	res := Result{Plan: plan, Update: u}
	// A start whose status write failed leaves the update approved.
	res.Update, err = c.promote(ctx, u, models.UpdateStatusDeploying)

	kind := DeploymentPhaseFor(pct)
	c.record(ctx, &res, store.DeploymentRecordInput{
		StrategyUpdateID: u.ID,
		RolloutPlanID:    &plan.ID,
		AppID:            u.AppID,
		Kind:             kind,
		Phase:            next,
		Percentage:       pct,
		Status:           models.PlanStatusRunning,
		Criteria:         criteriaFor(u),
		SuccessCount:     plan.SuccessCount,
		SuccessMetrics:   snapshotValues(plan.LatestMetrics),
	})
	c.logger.Info("rollout advanced",
		zap.String("rollout_plan_id", plan.ID.String()),
		zap.Int("phase", next),
		zap.Float64("user_percentage", pct),
		zap.String("kind", string(kind)),
	)
	return res, err
}

// Complete finishes a running plan at 100% and marks the owning update deployed.
func (c *Controller) Complete(ctx context.Context, planID uuid.UUID, conclusion string) (Result, error) {
	start := time.Now()
	res, err := c.completeByID(ctx, planID, conclusion)
	c.metrics.Observe("complete", start, err)
	return res, err
}

func (c *Controller) completeByID(ctx context.Context, planID uuid.UUID, conclusion string) (Result, error) {
	plan, err := c.Get(ctx, planID)
	if err != nil {
		return Result{}, err
	}
	if plan.Status != models.PlanStatusRunning && plan.Status != models.PlanStatusCompleted {
		return Result{}, errs.InvalidState("rollout plan %s is %s, want %s", plan.ID, plan.Status, models.PlanStatusRunning)
	}
	u, err := c.loadUpdate(ctx, plan.StrategyUpdateID)
	if err != nil {
		return Result{}, err
	}
	if plan.Status == models.PlanStatusCompleted {
		return c.finishCompleted(ctx, plan, u)
	}
	return c.complete(ctx, plan, u, conclusion)
}

// finishCompleted retries the deployed status write of a completion whose plan
// update landed but whose update status write did not.
func (c *Controller) finishCompleted(ctx context.Context, plan models.RolloutPlan, u models.StrategyUpdate) (Result, error) {
	if u.Status != models.UpdateStatusDeploying && u.Status != models.UpdateStatusApproved {
		return Result{}, errs.InvalidState("rollout plan %s is %s, want %s", plan.ID, plan.Status, models.PlanStatusRunning)
	}
	res := Result{Plan: plan, Update: u}
	var err error
	res.Update, err = c.promote(ctx, u, models.UpdateStatusDeployed)
	if err != nil {
		return res, err
	}
	c.logger.Info("rollout completion finished",
		zap.String("rollout_plan_id", plan.ID.String()),
		zap.String("strategy_update_id", u.ID.String()),
	)
	return res, nil
}

// complete is keyed on the observed phase as well, so it races safely with a
// concurrent advance. The closing full record is skipped when the last advance
// already recorded the plan at 100%.
func (c *Controller) complete(ctx context.Context, plan models.RolloutPlan, u models.StrategyUpdate, conclusion string) (Result, error) {
	if conclusion == "" {
		conclusion = defaultConclusion
	}
	alreadyFull := plan.UserPercentage >= 1.0
	current := plan.CurrentPhase
	last := len(plan.Phases) - 1
	if last < current {
		last = current
	}
	completed := models.PlanStatusCompleted
	full := 1.0
	successCount := plan.TotalParticipants
	plan, err := c.casPlan(ctx, plan, &current, store.RolloutPlanPatch{
		Status:         &completed,
		CurrentPhase:   &last,
		UserPercentage: &full,
		Conclusion:     &conclusion,
		SuccessCount:   &successCount,
	})
	if err != nil {
		return Result{}, err
	}
	// Same as start: the full record follows the plan, and a failed status
	// write is finished by calling Complete again.
	res := Result{Plan: plan, Update: u}
	res.Update, err = c.promote(ctx, u, models.UpdateStatusDeployed)

	if !alreadyFull {
		c.record(ctx, &res, store.DeploymentRecordInput{
			StrategyUpdateID: u.ID,
			RolloutPlanID:    &plan.ID,
			AppID:            u.AppID,
			Kind:             models.DeploymentKindFull,
			Phase:            last,
			Percentage:       1.0,
			Status:           models.PlanStatusCompleted,
			Criteria:         criteriaFor(u),
			SuccessCount:     successCount,
			SuccessMetrics:   snapshotValues(plan.LatestMetrics),
		})
	}
	c.logger.Info("rollout completed",
		zap.String("rollout_plan_id", plan.ID.String()),
		zap.String("strategy_update_id", u.ID.String()),
		zap.Int64("participants", successCount),
	)
	return res, err
}

// ObserveMetrics stores an externally collected snapshot on a running plan.
// It does not change the phase; the scheduler reads the snapshot later.
func (c *Controller) ObserveMetrics(ctx context.Context, planID uuid.UUID, snap models.MetricSnapshot) (models.RolloutPlan, error) {
	start := time.Now()
	plan, err := c.observe(ctx, planID, snap)
	c.metrics.Observe("observe_metrics", start, err)
	return plan, err
}

func (c *Controller) observe(ctx context.Context, planID uuid.UUID, snap models.MetricSnapshot) (models.RolloutPlan, error) {
	if snap.Participants < 0 || snap.Successes < 0 || snap.Failures < 0 {
		return models.RolloutPlan{}, errs.InvalidArgument("metric counts must not be negative")
	}
	for name, v := range snap.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return models.RolloutPlan{}, errs.InvalidArgument("metric %s is not a finite number", name)
		}
	}
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = c.now()
	}
	plan, err := c.Get(ctx, planID)
	if err != nil {
		return models.RolloutPlan{}, err
	}
	if plan.Status != models.PlanStatusRunning {
		return models.RolloutPlan{}, errs.InvalidState("rollout plan %s is %s, want %s", plan.ID, plan.Status, models.PlanStatusRunning)
	}
	current := plan.CurrentPhase
	successes := snap.Successes
	return c.casPlan(ctx, plan, &current, store.RolloutPlanPatch{
		LatestMetrics: &snap,
		SuccessCount:  &successes,
	})
}

func snapshotValues(snap *models.MetricSnapshot) map[string]float64 {
	if snap == nil || len(snap.Values) == 0 {
		return nil
	}
	out := make(map[string]float64, len(snap.Values))
	for k, v := range snap.Values {
		out[k] = v
	}
	return out
}
