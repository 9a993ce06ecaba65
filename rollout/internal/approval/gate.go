package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memorymonster/platform/rollout/internal/distribution"
	"github.com/memorymonster/platform/rollout/internal/errs"
	"github.com/memorymonster/platform/rollout/internal/logging"
	"github.com/memorymonster/platform/rollout/internal/metrics"
	"github.com/memorymonster/platform/rollout/internal/models"
	"github.com/memorymonster/platform/rollout/internal/store"
	"github.com/memorymonster/platform/rollout/internal/triggers"
)

const stepDistribution = "distribution.push"

// PlanDefaults seed every rollout plan created on approval.
type PlanDefaults struct {
	Phases             []float64
	SuccessThresholds  []models.Condition
	RollbackTriggers   []models.Condition
	PhaseDurationHours int
}

func DefaultPlan() PlanDefaults {
	return PlanDefaults{
		Phases: []float64{0.001, 0.01, 0.1, 0.5, 1.0},
		SuccessThresholds: []models.Condition{
			{Metric: "effectiveness", Operator: ">=", Value: 0.8},
			{Metric: "userSatisfaction", Operator: ">=", Value: 0.75},
			{Metric: "stability", Operator: ">=", Value: 0.95},
		},
		RollbackTriggers: []models.Condition{
			{Metric: "crashRate", Operator: ">", Value: 0.01},
			{Metric: "userSatisfaction", Operator: "<", Value: 0.6},
			{Metric: "effectiveness", Operator: "<", Value: 0.5},
		},
		PhaseDurationHours: 48,
	}
}

// Validate checks the phase schedule: strictly increasing, within (0, 1], ending at 1.0.
func (d PlanDefaults) Validate() error {
	if len(d.Phases) == 0 {
		return fmt.Errorf("at least one phase required")
	}
	prev := 0.0
	for i, p := range d.Phases {
		if p <= prev || p > 1 {
			return fmt.Errorf("phase %d: percentage %v must increase within (0, 1]", i, p)
		}
		prev = p
	}
	if d.Phases[len(d.Phases)-1] != 1.0 {
		return fmt.Errorf("last phase must be 1.0")
	}
	if d.PhaseDurationHours <= 0 {
		return fmt.Errorf("phase duration must be positive")
	}
	for _, c := range append(append([]models.Condition(nil), d.SuccessThresholds...), d.RollbackTriggers...) {
		if err := triggers.Validate(c); err != nil {
			return err
		}
	}
	return nil
}

type Config struct {
	// CallTimeout bounds each persistence and distribution call. Zero means 5s.
	CallTimeout time.Duration
	Defaults    *PlanDefaults
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Gate moves strategy updates out of pending.
type Gate struct {
	store       store.Store
	channel     distribution.Channel
	logger      *zap.Logger
	metrics     *metrics.Metrics
	defaults    PlanDefaults
	callTimeout time.Duration
	now         func() time.Time
}

func New(st store.Store, channel distribution.Channel, logger *zap.Logger, cfg Config) (*Gate, error) {
	defaults := DefaultPlan()
	if cfg.Defaults != nil {
		defaults = *cfg.Defaults
	}
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("plan defaults: %w", err)
	}
	if channel == nil {
		channel = distribution.NewLogChannel(logger)
	}
	g := &Gate{
		store:       st,
		channel:     channel,
		logger:      logging.OrNop(logger),
		metrics:     cfg.Metrics,
		defaults:    defaults,
		callTimeout: cfg.CallTimeout,
		now:         cfg.Now,
	}
	if g.callTimeout <= 0 {
		g.callTimeout = 5 * time.Second
	}
	if g.now == nil {
		g.now = func() time.Time { return time.Now().UTC() }
	}
	return g, nil
}

func (g *Gate) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.callTimeout)
}

type ProposalRequest struct {
	AppID           string            `json:"appId" validate:"required"`
	StrategyType    string            `json:"strategyType" validate:"required"`
	UpdateKind      models.UpdateKind `json:"updateKind" validate:"required"`
	Payload         models.Payload    `json:"payload"`
	RiskLevel       models.RiskLevel  `json:"riskLevel,omitempty" validate:"omitempty,oneof=low medium high"`
	ConfidenceScore float64           `json:"confidenceScore" validate:"gte=0,lte=1"`
	SampleSize      int               `json:"sampleSize" validate:"gt=0"`
	EstimatedImpact json.RawMessage   `json:"estimatedImpact,omitempty"`
}

// Propose records a new pending strategy update on behalf of the upstream
// producer. Risk is derived once when the producer does not supply it.
func (g *Gate) Propose(ctx context.Context, req ProposalRequest) (models.StrategyUpdate, error) {
	start := time.Now()
	u, err := g.propose(ctx, req)
	g.metrics.Observe("propose", start, err)
	return u, err
}

func (g *Gate) propose(ctx context.Context, req ProposalRequest) (models.StrategyUpdate, error) {
	req.AppID = strings.TrimSpace(req.AppID)
	req.StrategyType = strings.TrimSpace(req.StrategyType)
	switch {
	case req.AppID == "":
		return models.StrategyUpdate{}, errs.InvalidArgument("appId required")
	case req.StrategyType == "":
		return models.StrategyUpdate{}, errs.InvalidArgument("strategyType required")
	case req.UpdateKind == "":
		return models.StrategyUpdate{}, errs.InvalidArgument("updateKind required")
	case req.Payload.Empty():
		return models.StrategyUpdate{}, errs.InvalidArgument("payload required")
	case req.SampleSize <= 0:
		return models.StrategyUpdate{}, errs.InvalidArgument("sampleSize must be positive")
	case req.ConfidenceScore < 0 || req.ConfidenceScore > 1:
		return models.StrategyUpdate{}, errs.InvalidArgument("confidenceScore must be within [0, 1]")
	case req.RiskLevel != "" && !req.RiskLevel.Valid():
		return models.StrategyUpdate{}, errs.InvalidArgument("unknown riskLevel %q", req.RiskLevel)
	}
	if len(req.EstimatedImpact) > 0 && !json.Valid(req.EstimatedImpact) {
		return models.StrategyUpdate{}, errs.InvalidArgument("estimatedImpact must be JSON")
	}
	if req.Payload.SchemaVersion <= 0 {
		req.Payload.SchemaVersion = 1
	}
	risk := req.RiskLevel
	if risk == "" {
		risk = DeriveRisk(req.UpdateKind, req.StrategyType, req.EstimatedImpact)
	}

	ctx, cancel := g.call(ctx)
	defer cancel()
	u, err := g.store.CreateStrategyUpdate(ctx, store.StrategyUpdateInput{
		AppID:                   req.AppID,
		StrategyType:            req.StrategyType,
		UpdateKind:              req.UpdateKind,
		Payload:                 req.Payload,
		RiskLevel:               risk,
		ConfidenceScore:         req.ConfidenceScore,
		SampleSize:              req.SampleSize,
		StatisticalSignificance: Significant(req.ConfidenceScore, req.SampleSize),
		EstimatedImpact:         req.EstimatedImpact,
	})
	if err != nil {
		return models.StrategyUpdate{}, errs.Wrap("create strategy update", err)
	}
	g.logger.Info("strategy update proposed",
		zap.String("strategy_update_id", u.ID.String()),
		zap.String("app_id", u.AppID),
		zap.String("strategy_type", u.StrategyType),
		zap.Int("version", u.Version),
		zap.String("risk_level", string(u.RiskLevel)),
	)
	return u, nil
}

// Significant reports whether a result is backed by enough evidence to trust.
func Significant(confidence float64, sampleSize int) bool {
	return confidence >= 0.95 && sampleSize >= 100
}

// DeriveRisk classifies an update from its kind, family and projected impact.
func DeriveRisk(kind models.UpdateKind, strategyType string, impact json.RawMessage) models.RiskLevel {
	savings := memorySavingsMB(impact)
	newAction := kind == models.UpdateKindNewAction
	aggressive := strategyType == models.StrategyTypeAggressive
	switch {
	case (newAction && aggressive) || savings > 2000:
		return models.RiskHigh
	case newAction || aggressive || savings > 500:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

func memorySavingsMB(impact json.RawMessage) float64 {
	if len(impact) == 0 {
		return 0
	}
	var fields struct {
		Camel *float64 `json:"memorySavingsMb"`
		Snake *float64 `json:"memory_savings_mb"`
	}
	if err := json.Unmarshal(impact, &fields); err != nil {
		return 0
	}
	if fields.Camel != nil {
		return *fields.Camel
	}
	if fields.Snake != nil {
		return *fields.Snake
	}
	return 0
}

func (g *Gate) Get(ctx context.Context, id uuid.UUID) (models.StrategyUpdate, error) {
	ctx, cancel := g.call(ctx)
	defer cancel()
	u, err := g.store.GetStrategyUpdate(ctx, id)
	if err != nil {
		return models.StrategyUpdate{}, errs.Wrap("get strategy update", err)
	}
	return u, nil
}

type ReviewRequest struct {
	StrategyUpdateID uuid.UUID
	Decision         models.Decision
	Notes            string
	Reviewer         string
}

type ReviewResult struct {
	Update       models.StrategyUpdate `json:"update"`
	Plan         *models.RolloutPlan   `json:"rolloutPlan,omitempty"`
	Distribution *distribution.Receipt `json:"distribution,omitempty"`
	Warnings     []models.SideEffect   `json:"warnings,omitempty"`
}

// Review applies a decision to a pending strategy update. The pending check
// and the status change are one conditional write, so of two concurrent
// reviews exactly one succeeds and the other gets a conflict.
//
// On approval the update is pushed to the distribution channel (best effort)
// and a rollout plan with the default schedule is created and linked. If the
// plan cannot be stored the decision stays committed and a dependency failure
// is returned alongside the approved update.
func (g *Gate) Review(ctx context.Context, req ReviewRequest) (ReviewResult, error) {
	start := time.Now()
	res, err := g.review(ctx, req)
	g.metrics.Observe("review", start, err)
	return res, err
}

func (g *Gate) review(ctx context.Context, req ReviewRequest) (ReviewResult, error) {
	if req.StrategyUpdateID == uuid.Nil {
		return ReviewResult{}, errs.InvalidArgument("strategyUpdateId required")
	}
	decision, err := models.ParseDecision(string(req.Decision))
	if err != nil {
		return ReviewResult{}, errs.InvalidArgument("%v", err)
	}
	reviewer := strings.TrimSpace(req.Reviewer)
	if reviewer == "" {
		return ReviewResult{}, errs.InvalidArgument("reviewer required")
	}

	status := decision.UpdateStatus()
	reviewedAt := g.now()
	notes := req.Notes
	writeCtx, cancel := g.call(ctx)
	updated, err := g.store.UpdateStrategyUpdate(writeCtx, req.StrategyUpdateID, models.UpdateStatusPending, store.StrategyUpdatePatch{
		Status:      &status,
		ReviewedBy:  &reviewer,
		ReviewedAt:  &reviewedAt,
		ReviewNotes: &notes,
	})
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ReviewResult{}, errs.Conflict("strategy update %s already processed", req.StrategyUpdateID)
		}
		return ReviewResult{}, errs.Wrap("review strategy update", err)
	}
	g.logger.Info("strategy update reviewed",
		zap.String("strategy_update_id", updated.ID.String()),
		zap.String("decision", string(decision)),
		zap.String("reviewer", reviewer),
	)

	result := ReviewResult{Update: updated}
	switch decision {
	case models.DecisionRejected:
		return result, nil
	case models.DecisionApproved:
		return g.onApproved(ctx, result)
	default:
		panic(fmt.Sprintf("unhandled decision %q", string(decision)))
	}
}

func (g *Gate) onApproved(ctx context.Context, result ReviewResult) (ReviewResult, error) {
	updated := result.Update

	pushCtx, cancel := g.call(ctx)
	receipt, pushErr := g.channel.Push(pushCtx, updated)
	cancel()
	effect := models.Effect(stepDistribution, pushErr)
	g.metrics.SideEffect(stepDistribution, effect.OK)
	if pushErr != nil {
		g.logger.Warn("distribution push failed; approval stands",
			zap.String("strategy_update_id", updated.ID.String()),
			zap.Error(pushErr),
		)
		result.Warnings = append(result.Warnings, effect)
	}
	if receipt.Channel != "" {
		result.Distribution = &receipt
	}

	planCtx, cancel := g.call(ctx)
	plan, err := g.store.CreateRolloutPlan(planCtx, store.RolloutPlanInput{
		StrategyUpdateID:   updated.ID,
		AppID:              updated.AppID,
		StrategyType:       updated.StrategyType,
		Name:               fmt.Sprintf("%s_%s_v%d", updated.AppID, updated.StrategyType, updated.Version),
		Phases:             append([]float64(nil), g.defaults.Phases...),
		PhaseDurationHours: g.defaults.PhaseDurationHours,
		SuccessThresholds:  append([]models.Condition(nil), g.defaults.SuccessThresholds...),
		RollbackTriggers:   append([]models.Condition(nil), g.defaults.RollbackTriggers...),
	})
	cancel()
	if err != nil {
		g.logger.Error("rollout plan creation failed after approval",
			zap.String("strategy_update_id", updated.ID.String()),
			zap.Error(err),
		)
		return result, fmt.Errorf("create rollout plan: %w: %w", errs.ErrDependencyFailure, err)
	}
	result.Plan = &plan

	linkCtx, cancel := g.call(ctx)
	linked, err := g.store.UpdateStrategyUpdate(linkCtx, updated.ID, models.UpdateStatusApproved, store.StrategyUpdatePatch{
		RolloutPlanID: &plan.ID,
	})
	cancel()
	if err != nil {
		g.logger.Error("linking rollout plan failed",
			zap.String("strategy_update_id", updated.ID.String()),
			zap.String("rollout_plan_id", plan.ID.String()),
			zap.Error(err),
		)
		return result, errs.Wrap("link rollout plan", err)
	}
	result.Update = linked
	return result, nil
}

type PendingQuery struct {
	AppID     string
	RiskLevel models.RiskLevel
	store.Page
}

// PendingPage.Total counts every pending update matching the filter; ByRiskLevel
// covers the returned page only.
type PendingPage struct {
	Updates     []models.StrategyUpdate  `json:"updates"`
	Total       int                      `json:"total"`
	ByRiskLevel map[models.RiskLevel]int `json:"byRiskLevel"`
}

func (g *Gate) ListPending(ctx context.Context, q PendingQuery) (PendingPage, error) {
	if q.RiskLevel != "" && !q.RiskLevel.Valid() {
		return PendingPage{}, errs.InvalidArgument("unknown riskLevel %q", q.RiskLevel)
	}
	ctx, cancel := g.call(ctx)
	defer cancel()
	filter := store.UpdateFilter{AppID: q.AppID, RiskLevel: q.RiskLevel, Page: q.Page}
	updates, err := g.store.ListPendingStrategyUpdates(ctx, filter)
	if err != nil {
		return PendingPage{}, errs.Wrap("list pending strategy updates", err)
	}
	total, err := g.store.CountPendingStrategyUpdates(ctx, filter)
	if err != nil {
		return PendingPage{}, errs.Wrap("count pending strategy updates", err)
	}
	page := PendingPage{Updates: nonNil(updates), Total: total, ByRiskLevel: map[models.RiskLevel]int{}}
	for _, u := range updates {
		page.ByRiskLevel[u.RiskLevel]++
	}
	return page, nil
}

type HistoryStats struct {
	Approved    int                      `json:"approved"`
	Rejected    int                      `json:"rejected"`
	ByRiskLevel map[models.RiskLevel]int `json:"byRiskLevel"`
}

type HistoryPage struct {
	Updates []models.StrategyUpdate `json:"updates"`
	Stats   HistoryStats            `json:"stats"`
}

// ReviewHistory lists reviewed updates, most recent decision first. Anything
// reviewed and not rejected was approved, whatever its rollout status is now.
func (g *Gate) ReviewHistory(ctx context.Context, page store.Page) (HistoryPage, error) {
	ctx, cancel := g.call(ctx)
	defer cancel()
	updates, err := g.store.ListReviewedStrategyUpdates(ctx, page)
	if err != nil {
		return HistoryPage{}, errs.Wrap("list reviewed strategy updates", err)
	}
	out := HistoryPage{Updates: nonNil(updates), Stats: HistoryStats{ByRiskLevel: map[models.RiskLevel]int{}}}
	for _, u := range updates {
		if u.Status == models.UpdateStatusRejected {
			out.Stats.Rejected++
		} else {
			out.Stats.Approved++
		}
		out.Stats.ByRiskLevel[u.RiskLevel]++
	}
	return out, nil
}

func nonNil(updates []models.StrategyUpdate) []models.StrategyUpdate {
	if updates == nil {
		return []models.StrategyUpdate{}
	}
	return updates
}
