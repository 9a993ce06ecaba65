// Package scheduler periodically reviews running rollout plans. A plan whose
// latest metric snapshot fires a rollback trigger is rolled back; a plan whose
// phase duration has elapsed with every success threshold passing is advanced.
// Anything else is left for an operator.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/memorymonster/platform/rollout/internal/errs"
	"github.com/memorymonster/platform/rollout/internal/logging"
	"github.com/memorymonster/platform/rollout/internal/models"
	"github.com/memorymonster/platform/rollout/internal/rollback"
	"github.com/memorymonster/platform/rollout/internal/rollout"
	"github.com/memorymonster/platform/rollout/internal/store"
	"github.com/memorymonster/platform/rollout/internal/triggers"
)

const requestedBy = "scheduler"

// Advancer is satisfied by *rollout.Controller.
type Advancer interface {
	Advance(ctx context.Context, planID uuid.UUID) (rollout.Result, error)
}

// RollbackRunner is satisfied by *rollback.Manager.
type RollbackRunner interface {
	Rollback(ctx context.Context, req rollback.Request) (rollback.Result, error)
}

type Outcome string

const (
	OutcomeHeld       Outcome = "held"
	OutcomeAdvanced   Outcome = "advanced"
	OutcomeCompleted  Outcome = "completed"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeFailed     Outcome = "failed"
)

type Decision struct {
	PlanID  uuid.UUID `json:"rolloutPlanId"`
	Outcome Outcome   `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
}

type Report struct {
	Decisions []Decision `json:"decisions"`
}

// Count returns how many plans ended with outcome o.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, d := range r.Decisions {
		if d.Outcome == o {
			n++
		}
	}
	return n
}

type Config struct {
	// AutoRollback lets a fired trigger roll the plan back. When false the
	// plan is held and the trigger is only logged.
	AutoRollback bool
	BatchSize    int
	Now          func() time.Time
}

type AutoAdvancer struct {
	store        store.Store
	advancer     Advancer
	rollbacks    RollbackRunner
	eval         *triggers.Evaluator
	logger       *zap.Logger
	autoRollback bool
	batchSize    int
	now          func() time.Time

	mu sync.Mutex
}

func New(st store.Store, advancer Advancer, rollbacks RollbackRunner, logger *zap.Logger, cfg Config) *AutoAdvancer {
	a := &AutoAdvancer{
		store:        st,
		advancer:     advancer,
		rollbacks:    rollbacks,
		eval:         triggers.NewEvaluator(),
		logger:       logging.OrNop(logger),
		autoRollback: cfg.AutoRollback,
		batchSize:    cfg.BatchSize,
		now:          cfg.Now,
	}
	if a.batchSize <= 0 {
		a.batchSize = 100
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	return a
}

// Tick evaluates every running plan once. Overlapping ticks are serialized.
func (a *AutoAdvancer) Tick(ctx context.Context) (Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var plans []models.RolloutPlan
	for offset := 0; ; offset += a.batchSize {
		batch, err := a.store.ListRolloutPlans(ctx, store.PlanFilter{
			Status: models.PlanStatusRunning,
			Page:   store.Page{Limit: a.batchSize, Offset: offset},
		})
		if err != nil {
			return Report{}, errs.Wrap("list running plans", err)
		}
		plans = append(plans, batch...)
		if len(batch) < a.batchSize {
			break
		}
	}

	report := Report{Decisions: make([]Decision, 0, len(plans))}
	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		d := a.evaluate(ctx, plan)
		report.Decisions = append(report.Decisions, d)
		if d.Outcome != OutcomeHeld {
			a.logger.Info("scheduler decision",
				zap.String("rollout_plan_id", d.PlanID.String()),
				zap.String("outcome", string(d.Outcome)),
				zap.String("detail", d.Detail),
			)
		}
	}
	return report, nil
}

func (a *AutoAdvancer) evaluate(ctx context.Context, plan models.RolloutPlan) Decision {
	d := Decision{PlanID: plan.ID, Outcome: OutcomeHeld}

	fired, evalErrs := a.eval.Fired(plan.RollbackTriggers, plan.LatestMetrics)
	for _, err := range evalErrs {
		a.logger.Warn("rollback trigger could not be evaluated", zap.String("rollout_plan_id", plan.ID.String()), zap.Error(err))
	}
	if fired != nil {
		expr := fired.Expression()
		if !a.autoRollback {
			a.logger.Warn("rollback trigger fired; automatic rollback disabled",
				zap.String("rollout_plan_id", plan.ID.String()),
				zap.String("trigger", expr),
			)
			d.Detail = "trigger fired: " + expr
			return d
		}
		_, err := a.rollbacks.Rollback(ctx, rollback.Request{
			StrategyUpdateID: &plan.StrategyUpdateID,
			Reason:           "automatic rollback: " + expr,
			RequestedBy:      requestedBy,
		})
		return a.settle(d, OutcomeRolledBack, expr, err)
	}

	if plan.PhaseStartedAt == nil {
		d.Detail = "phase start unknown"
		return d
	}
	if elapsed := a.now().Sub(*plan.PhaseStartedAt); elapsed < plan.PhaseDuration() {
		d.Detail = fmt.Sprintf("phase %d running for %s of %s", plan.CurrentPhase, elapsed.Truncate(time.Minute), plan.PhaseDuration())
		return d
	}
	if plan.LatestMetrics == nil {
		d.Detail = "no metric snapshot"
		return d
	}
	// Thresholds are judged only on metrics observed during the current phase.
	if plan.LatestMetrics.ObservedAt.Before(*plan.PhaseStartedAt) {
		d.Detail = fmt.Sprintf("metric snapshot predates phase %d", plan.CurrentPhase)
		return d
	}
	if ok, failing := a.eval.Passing(plan.SuccessThresholds, plan.LatestMetrics); !ok {
		exprs := make([]string, 0, len(failing))
		for _, c := range failing {
			exprs = append(exprs, c.Expression())
		}
		d.Detail = "thresholds not met: " + strings.Join(exprs, ", ")
		return d
	}

	res, err := a.advancer.Advance(ctx, plan.ID)
	outcome := OutcomeAdvanced
	if err == nil && res.Plan.Status == models.PlanStatusCompleted {
		outcome = OutcomeCompleted
	}
	return a.settle(d, outcome, fmt.Sprintf("phase %d elapsed with thresholds met", plan.CurrentPhase), err)
}

// settle maps the result of an acting call onto the decision. Losing a race
// to an operator is not a failure.
func (a *AutoAdvancer) settle(d Decision, outcome Outcome, detail string, err error) Decision {
	switch {
	case err == nil:
		d.Outcome = outcome
		d.Detail = detail
	case errors.Is(err, errs.ErrConflict), errors.Is(err, errs.ErrInvalidState):
		d.Outcome = OutcomeSkipped
		d.Detail = err.Error()
	default:
		d.Outcome = OutcomeFailed
		d.Detail = err.Error()
		a.logger.Error("scheduler action failed", zap.String("rollout_plan_id", d.PlanID.String()), zap.Error(err))
	}
	return d
}

// Start runs Tick on the cron schedule spec (for example "@every 5m") until
// the returned cron is stopped.
func (a *AutoAdvancer) Start(ctx context.Context, spec string, timeout time.Duration) (*cron.Cron, error) {
	logger := cronLogger{a.logger.Sugar()}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	_, err := c.AddFunc(spec, func() {
		tickCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		report, err := a.Tick(tickCtx)
		if err != nil {
			a.logger.Error("scheduler tick failed", zap.Error(err))
			return
		}
		a.logger.Debug("scheduler tick",
			zap.Int("plans", len(report.Decisions)),
			zap.Int("advanced", report.Count(OutcomeAdvanced)+report.Count(OutcomeCompleted)),
			zap.Int("rolled_back", report.Count(OutcomeRolledBack)),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
