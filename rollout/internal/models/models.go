package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type UpdateStatus string

const (
	UpdateStatusPending    UpdateStatus = "pending"
	UpdateStatusApproved   UpdateStatus = "approved"
	UpdateStatusRejected   UpdateStatus = "rejected"
	UpdateStatusDeploying  UpdateStatus = "deploying"
	UpdateStatusDeployed   UpdateStatus = "deployed"
	UpdateStatusRolledBack UpdateStatus = "rolled_back"
)

// CanRollback reports whether a strategy update in this status is live on some
// fraction of the fleet.
func (s UpdateStatus) CanRollback() bool {
	return s == UpdateStatusDeploying || s == UpdateStatusDeployed
}

type PlanStatus string

const (
	PlanStatusNotStarted PlanStatus = "not_started"
	PlanStatusRunning    PlanStatus = "running"
	PlanStatusCompleted  PlanStatus = "completed"
	PlanStatusRolledBack PlanStatus = "rolled_back"
)

type DeploymentKind string

const (
	DeploymentKindCanary   DeploymentKind = "canary"
	DeploymentKindLimited  DeploymentKind = "limited"
	DeploymentKindGradual  DeploymentKind = "gradual"
	DeploymentKindFull     DeploymentKind = "full"
	DeploymentKindRollback DeploymentKind = "rollback"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// UpdateKind is producer-defined; the well-known values below drive risk derivation.
type UpdateKind string

const (
	UpdateKindNewAction           UpdateKind = "new_action"
	UpdateKindThresholdAdjustment UpdateKind = "threshold_adjustment"
	UpdateKindCorrection          UpdateKind = "correction"
)

// StrategyTypeAggressive is the strategy family treated as elevated risk.
const StrategyTypeAggressive = "aggressive"

// Decision is the outcome of a review.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionApproved, DecisionRejected:
		return d, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// UpdateStatus is the status the strategy update moves to under this decision.
func (d Decision) UpdateStatus() UpdateStatus {
	switch d {
	case DecisionApproved:
		return UpdateStatusApproved
	case DecisionRejected:
		return UpdateStatusRejected
	}
	panic(fmt.Sprintf("unhandled decision %q", string(d)))
}

// RolloutAction is an operator command against a rollout plan.
type RolloutAction string

const (
	ActionStart    RolloutAction = "start"
	ActionAdvance  RolloutAction = "advance"
	ActionComplete RolloutAction = "complete"
	ActionRollback RolloutAction = "rollback"
)

func ParseRolloutAction(s string) (RolloutAction, error) {
	switch a := RolloutAction(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionStart, ActionAdvance, ActionComplete, ActionRollback:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Payload is the opaque strategy body. Only its presence, size and declared
// schema version are inspected here.
type Payload struct {
	SchemaVersion int             `json:"schemaVersion"`
	Data          json.RawMessage `json:"data"`
}

func (p Payload) Size() int { return len(p.Data) }

func (p Payload) Empty() bool {
	s := strings.TrimSpace(string(p.Data))
	return s == "" || s == "null"
}

type StrategyUpdate struct {
	ID                      uuid.UUID       `json:"id"`
	AppID                   string          `json:"appId"`
	StrategyType            string          `json:"strategyType"`
	UpdateKind              UpdateKind      `json:"updateKind"`
	Payload                 Payload         `json:"payload"`
	Version                 int             `json:"version"`
	RiskLevel               RiskLevel       `json:"riskLevel"`
	ConfidenceScore         float64         `json:"confidenceScore"`
	SampleSize              int             `json:"sampleSize"`
	StatisticalSignificance bool            `json:"statisticalSignificance"`
	EstimatedImpact         json.RawMessage `json:"estimatedImpact,omitempty"`
	Status                  UpdateStatus    `json:"status"`
	ReviewedBy              *string         `json:"reviewedBy,omitempty"`
	ReviewedAt              *time.Time      `json:"reviewedAt,omitempty"`
	ReviewNotes             string          `json:"reviewNotes,omitempty"`
	RolloutPlanID           *uuid.UUID      `json:"rolloutPlanId,omitempty"`
	CreatedAt               time.Time       `json:"createdAt"`
	UpdatedAt               time.Time       `json:"updatedAt"`
}

// Condition is a single comparison against a named metric, e.g. crashRate > 0.01.
type Condition struct {
	Metric   string  `json:"metric"`
	Operator string  `json:"operator"`
	Value    float64 `json:"value"`
}

func (c Condition) Expression() string {
	return c.Metric + " " + c.Operator + " " + strconv.FormatFloat(c.Value, 'f', -1, 64)
}

func (c Condition) String() string { return c.Expression() }

// MetricSnapshot is an externally observed view of a running phase.
type MetricSnapshot struct {
	Values       map[string]float64 `json:"values"`
	Participants int64              `json:"participants"`
	Successes    int64              `json:"successes"`
	Failures     int64              `json:"failures"`
	ObservedAt   time.Time          `json:"observedAt"`
}

type RolloutPlan struct {
	ID                 uuid.UUID       `json:"id"`
	StrategyUpdateID   uuid.UUID       `json:"strategyUpdateId"`
	AppID              string          `json:"appId"`
	StrategyType       string          `json:"strategyType"`
	Name               string          `json:"name"`
	Phases             []float64       `json:"phases"`
	CurrentPhase       int             `json:"currentPhase"`
	UserPercentage     float64         `json:"userPercentage"`
	Status             PlanStatus      `json:"status"`
	PhaseDurationHours int             `json:"phaseDurationHours"`
	PhaseStartedAt     *time.Time      `json:"phaseStartedAt,omitempty"`
	SuccessThresholds  []Condition     `json:"successThresholds"`
	RollbackTriggers   []Condition     `json:"rollbackTriggers"`
	Conclusion         string          `json:"conclusion,omitempty"`
	TotalParticipants  int64           `json:"totalParticipants"`
	SuccessCount       int64           `json:"successCount"`
	FailureCount       int64           `json:"failureCount"`
	LatestMetrics      *MetricSnapshot `json:"latestMetrics,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

func (p RolloutPlan) PhaseDuration() time.Duration {
	return time.Duration(p.PhaseDurationHours) * time.Hour
}

// LastPhase reports whether the plan sits on its final scheduled percentage.
func (p RolloutPlan) LastPhase() bool {
	return p.CurrentPhase >= len(p.Phases)-1
}

// SelectionCriteria echoes how the target population was chosen for a transition.
type SelectionCriteria struct {
	IncludeBetaUsers bool      `json:"includeBetaUsers"`
	RiskTolerance    RiskLevel `json:"riskTolerance"`
	AppID            string    `json:"appId"`
}

type DeploymentRecord struct {
	ID               uuid.UUID              `json:"id"`
	StrategyUpdateID uuid.UUID              `json:"strategyUpdateId"`
	RolloutPlanID    *uuid.UUID             `json:"rolloutPlanId,omitempty"`
	AppID            string                 `json:"appId"`
	Kind             DeploymentKind         `json:"kind"`
	Phase            int                    `json:"phase"`
	Percentage       float64                `json:"percentage"`
	Status           PlanStatus             `json:"status"`
	Criteria         SelectionCriteria      `json:"criteria"`
	SuccessCount     int64                  `json:"successCount"`
	SuccessMetrics   map[string]float64     `json:"successMetrics,omitempty"`
	FailureMetrics   map[string]interface{} `json:"failureMetrics,omitempty"`
	Emergency        bool                   `json:"emergency"`
	RollbackReason   string                 `json:"rollbackReason,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
}

// SideEffect is the outcome of a best-effort call. A failed side effect never
// fails the operation that produced it; callers surface it as a warning.
type SideEffect struct {
	Step  string `json:"step"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func Effect(step string, err error) SideEffect {
	if err != nil {
		return SideEffect{Step: step, Error: err.Error()}
	}
	return SideEffect{Step: step, OK: true}
}

// Failed filters out the successful effects.
func Failed(effects ...SideEffect) []SideEffect {
	var out []SideEffect
	for _, e := range effects {
		if !e.OK {
			out = append(out, e)
		}
	}
	return out
}
