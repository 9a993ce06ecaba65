package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memorymonster/platform/rollout/internal/models"
)

// MemoryStore provides an in-memory implementation useful for tests and local runs.
// Conditional updates hold the write lock for the compare and the swap.
type MemoryStore struct {
	mu      sync.RWMutex
	updates map[uuid.UUID]models.StrategyUpdate
	plans   map[uuid.UUID]models.RolloutPlan
	records []models.DeploymentRecord
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		updates: map[uuid.UUID]models.StrategyUpdate{},
		plans:   map[uuid.UUID]models.RolloutPlan{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func copyJSON(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneUpdate(u models.StrategyUpdate) models.StrategyUpdate {
	u.Payload.Data = copyJSON(u.Payload.Data)
	u.EstimatedImpact = copyJSON(u.EstimatedImpact)
	if u.ReviewedBy != nil {
		v := *u.ReviewedBy
		u.ReviewedBy = &v
	}
	if u.ReviewedAt != nil {
		v := *u.ReviewedAt
		u.ReviewedAt = &v
	}
	if u.RolloutPlanID != nil {
		v := *u.RolloutPlanID
		u.RolloutPlanID = &v
	}
	return u
}

func clonePlan(p models.RolloutPlan) models.RolloutPlan {
	p.Phases = append([]float64(nil), p.Phases...)
	p.SuccessThresholds = append([]models.Condition(nil), p.SuccessThresholds...)
	p.RollbackTriggers = append([]models.Condition(nil), p.RollbackTriggers...)
	if p.PhaseStartedAt != nil {
		v := *p.PhaseStartedAt
		p.PhaseStartedAt = &v
	}
	if p.LatestMetrics != nil {
		snap := *p.LatestMetrics
		snap.Values = make(map[string]float64, len(p.LatestMetrics.Values))
		for k, v := range p.LatestMetrics.Values {
			snap.Values[k] = v
		}
		p.LatestMetrics = &snap
	}
	return p
}

func cloneRecord(r models.DeploymentRecord) models.DeploymentRecord {
	if r.RolloutPlanID != nil {
		v := *r.RolloutPlanID
		r.RolloutPlanID = &v
	}
	if r.SuccessMetrics != nil {
		m := make(map[string]float64, len(r.SuccessMetrics))
		for k, v := range r.SuccessMetrics {
			m[k] = v
		}
		r.SuccessMetrics = m
	}
	if r.FailureMetrics != nil {
		m := make(map[string]interface{}, len(r.FailureMetrics))
		for k, v := range r.FailureMetrics {
			m[k] = v
		}
		r.FailureMetrics = m
	}
	return r
}

func (m *MemoryStore) CreateStrategyUpdate(ctx context.Context, in StrategyUpdateInput) (models.StrategyUpdate, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.updates[in.ID]; exists {
		return models.StrategyUpdate{}, fmt.Errorf("insert strategy update: duplicate id %s", in.ID)
	}
	version := 0
	for _, u := range m.updates {
		if u.AppID == in.AppID && u.StrategyType == in.StrategyType && u.Version > version {
			version = u.Version
		}
	}
	now := m.now()
	u := models.StrategyUpdate{
		ID:                      in.ID,
		AppID:                   in.AppID,
		StrategyType:            in.StrategyType,
		UpdateKind:              in.UpdateKind,
		Payload:                 models.Payload{SchemaVersion: in.Payload.SchemaVersion, Data: copyJSON(ensureJSON(in.Payload.Data))},
		Version:                 version + 1,
		RiskLevel:               in.RiskLevel,
		ConfidenceScore:         in.ConfidenceScore,
		SampleSize:              in.SampleSize,
		StatisticalSignificance: in.StatisticalSignificance,
		EstimatedImpact:         copyJSON(ensureJSON(in.EstimatedImpact)),
		Status:                  models.UpdateStatusPending,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	m.updates[u.ID] = u
	return cloneUpdate(u), nil
}

func (m *MemoryStore) GetStrategyUpdate(ctx context.Context, id uuid.UUID) (models.StrategyUpdate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.updates[id]
	if !ok {
		return models.StrategyUpdate{}, ErrNotFound
	}
	return cloneUpdate(u), nil
}

func pendingFilter(filter UpdateFilter) func(models.StrategyUpdate) bool {
	return func(u models.StrategyUpdate) bool {
		if u.Status != models.UpdateStatusPending {
			return false
		}
		if filter.AppID != "" && u.AppID != filter.AppID {
			return false
		}
		return filter.RiskLevel == "" || u.RiskLevel == filter.RiskLevel
	}
}

func (m *MemoryStore) ListPendingStrategyUpdates(ctx context.Context, filter UpdateFilter) ([]models.StrategyUpdate, error) {
	return m.listUpdates(pendingFilter(filter), byCreatedDesc, filter.Page), nil
}

func (m *MemoryStore) CountPendingStrategyUpdates(ctx context.Context, filter UpdateFilter) (int, error) {
	keep := pendingFilter(filter)
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, u := range m.updates {
		if keep(u) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListStrategyUpdatesByStatus(ctx context.Context, status models.UpdateStatus, page Page) ([]models.StrategyUpdate, error) {
	return m.listUpdates(func(u models.StrategyUpdate) bool {
		return u.Status == status
	}, byCreatedDesc, page), nil
}

func (m *MemoryStore) ListReviewedStrategyUpdates(ctx context.Context, page Page) ([]models.StrategyUpdate, error) {
	return m.listUpdates(func(u models.StrategyUpdate) bool {
		return u.ReviewedAt != nil
	}, func(a, b models.StrategyUpdate) bool {
		return a.ReviewedAt.After(*b.ReviewedAt)
	}, page), nil
}

func byCreatedDesc(a, b models.StrategyUpdate) bool {
	return a.CreatedAt.After(b.CreatedAt)
}

func (m *MemoryStore) listUpdates(keep func(models.StrategyUpdate) bool, less func(a, b models.StrategyUpdate) bool, page Page) []models.StrategyUpdate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.StrategyUpdate
	for _, u := range m.updates {
		if keep(u) {
			out = append(out, cloneUpdate(u))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return paginate(out, page)
}

func (m *MemoryStore) UpdateStrategyUpdate(ctx context.Context, id uuid.UUID, expected models.UpdateStatus, patch StrategyUpdatePatch) (models.StrategyUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.updates[id]
	if !ok {
		return models.StrategyUpdate{}, ErrNotFound
	}
	if u.Status != expected {
		return models.StrategyUpdate{}, fmt.Errorf("%w: expected %s, found %s", ErrConflict, expected, u.Status)
	}
	if patch.Status != nil {
		u.Status = *patch.Status
	}
	if patch.ReviewedBy != nil {
		v := *patch.ReviewedBy
		u.ReviewedBy = &v
	}
	if patch.ReviewedAt != nil {
		v := *patch.ReviewedAt
		u.ReviewedAt = &v
	}
	if patch.ReviewNotes != nil {
		u.ReviewNotes = *patch.ReviewNotes
	}
	u.ReviewNotes += patch.AppendNotes
	if patch.RolloutPlanID != nil {
		v := *patch.RolloutPlanID
		u.RolloutPlanID = &v
	}
	u.UpdatedAt = m.now()
	m.updates[id] = u
	return cloneUpdate(u), nil
}

func (m *MemoryStore) CreateRolloutPlan(ctx context.Context, in RolloutPlanInput) (models.RolloutPlan, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.updates[in.StrategyUpdateID]; !ok {
		return models.RolloutPlan{}, fmt.Errorf("insert rollout plan: strategy update %s: %w", in.StrategyUpdateID, ErrNotFound)
	}
	for _, p := range m.plans {
		active := p.Status == models.PlanStatusNotStarted || p.Status == models.PlanStatusRunning
		if p.StrategyUpdateID == in.StrategyUpdateID && active {
			return models.RolloutPlan{}, fmt.Errorf("insert rollout plan: %w: strategy update %s already has active plan %s", ErrConflict, in.StrategyUpdateID, p.ID)
		}
	}
	now := m.now()
	p := models.RolloutPlan{
		ID:                 in.ID,
		StrategyUpdateID:   in.StrategyUpdateID,
		AppID:              in.AppID,
		StrategyType:       in.StrategyType,
		Name:               in.Name,
		Phases:             in.Phases,
		Status:             models.PlanStatusNotStarted,
		PhaseDurationHours: in.PhaseDurationHours,
		SuccessThresholds:  in.SuccessThresholds,
		RollbackTriggers:   in.RollbackTriggers,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	p = clonePlan(p)
	m.plans[p.ID] = p
	return clonePlan(p), nil
}

func (m *MemoryStore) GetRolloutPlan(ctx context.Context, id uuid.UUID) (models.RolloutPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return models.RolloutPlan{}, ErrNotFound
	}
	return clonePlan(p), nil
}

func (m *MemoryStore) ListRolloutPlans(ctx context.Context, filter PlanFilter) ([]models.RolloutPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RolloutPlan
	for _, p := range m.plans {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.StrategyUpdateID != nil && p.StrategyUpdateID != *filter.StrategyUpdateID {
			continue
		}
		out = append(out, clonePlan(p))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, filter.Page), nil
}

func (m *MemoryStore) UpdateRolloutPlan(ctx context.Context, id uuid.UUID, expected PlanExpectation, patch RolloutPlanPatch) (models.RolloutPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return models.RolloutPlan{}, ErrNotFound
	}
	if p.Status != expected.Status {
		return models.RolloutPlan{}, fmt.Errorf("%w: expected %s, found %s", ErrConflict, expected.Status, p.Status)
	}
	if expected.Phase != nil && p.CurrentPhase != *expected.Phase {
		return models.RolloutPlan{}, fmt.Errorf("%w: expected phase %d, found %d", ErrConflict, *expected.Phase, p.CurrentPhase)
	}
	if patch.CurrentPhase != nil && (*patch.CurrentPhase < 0 || *patch.CurrentPhase >= len(p.Phases)) {
		return models.RolloutPlan{}, fmt.Errorf("update rollout plan: phase %d out of range", *patch.CurrentPhase)
	}
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.CurrentPhase != nil {
		p.CurrentPhase = *patch.CurrentPhase
	}
	if patch.UserPercentage != nil {
		p.UserPercentage = *patch.UserPercentage
	}
	if patch.PhaseStartedAt != nil {
		v := *patch.PhaseStartedAt
		p.PhaseStartedAt = &v
	}
	if patch.Conclusion != nil {
		p.Conclusion = *patch.Conclusion
	}
	if patch.SuccessCount != nil {
		p.SuccessCount = *patch.SuccessCount
	}
	if patch.LatestMetrics != nil {
		snap := *patch.LatestMetrics
		p.LatestMetrics = &snap
		p.TotalParticipants = snap.Participants
		p.FailureCount = snap.Failures
	}
	p.UpdatedAt = m.now()
	p = clonePlan(p)
	m.plans[id] = p
	return clonePlan(p), nil
}

func (m *MemoryStore) AppendDeploymentRecord(ctx context.Context, in DeploymentRecordInput) (models.DeploymentRecord, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.updates[in.StrategyUpdateID]; !ok {
		return models.DeploymentRecord{}, fmt.Errorf("insert deployment record: strategy update %s: %w", in.StrategyUpdateID, ErrNotFound)
	}
	created := m.now()
	// Keep timestamps strictly increasing so ordering by time matches append order.
	if n := len(m.records); n > 0 && !created.After(m.records[n-1].CreatedAt) {
		created = m.records[n-1].CreatedAt.Add(time.Microsecond)
	}
	r := cloneRecord(models.DeploymentRecord{
		ID:               in.ID,
		StrategyUpdateID: in.StrategyUpdateID,
		RolloutPlanID:    in.RolloutPlanID,
		AppID:            in.AppID,
		Kind:             in.Kind,
		Phase:            in.Phase,
		Percentage:       in.Percentage,
		Status:           in.Status,
		Criteria:         in.Criteria,
		SuccessCount:     in.SuccessCount,
		SuccessMetrics:   in.SuccessMetrics,
		FailureMetrics:   in.FailureMetrics,
		Emergency:        in.Emergency,
		RollbackReason:   in.RollbackReason,
		CreatedAt:        created,
	})
	m.records = append(m.records, r)
	return cloneRecord(r), nil
}

func (m *MemoryStore) GetDeploymentRecord(ctx context.Context, id uuid.UUID) (models.DeploymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records {
		if r.ID == id {
			return cloneRecord(r), nil
		}
	}
	return models.DeploymentRecord{}, ErrNotFound
}

func (m *MemoryStore) ListDeploymentRecords(ctx context.Context, filter DeploymentFilter) ([]models.DeploymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.DeploymentRecord
	for _, r := range m.records {
		if filter.StrategyUpdateID != nil && r.StrategyUpdateID != *filter.StrategyUpdateID {
			continue
		}
		if filter.AppID != "" && r.AppID != filter.AppID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if len(filter.Kinds) > 0 && !containsKind(filter.Kinds, r.Kind) {
			continue
		}
		if containsKind(filter.ExcludeKinds, r.Kind) {
			continue
		}
		if filter.Emergency != nil && r.Emergency != *filter.Emergency {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	if !filter.Ascending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return paginate(out, filter.Page), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func containsKind(kinds []models.DeploymentKind, k models.DeploymentKind) bool {
	for _, candidate := range kinds {
		if candidate == k {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, p Page) []T {
	if p.Offset > 0 {
		if p.Offset >= len(items) {
			return nil
		}
		items = items[p.Offset:]
	}
	if p.Limit > 0 && len(items) > p.Limit {
		items = items[:p.Limit]
	}
	return items
}
