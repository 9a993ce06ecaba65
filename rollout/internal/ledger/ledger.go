// Package ledger is the append-only audit trail of rollout transitions.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memorymonster/platform/rollout/internal/errs"
	"github.com/memorymonster/platform/rollout/internal/logging"
	"github.com/memorymonster/platform/rollout/internal/metrics"
	"github.com/memorymonster/platform/rollout/internal/models"
	"github.com/memorymonster/platform/rollout/internal/store"
)

const (
	stepAppend  = "ledger.append"
	stepPublish = "ledger.publish"
	stepArchive = "ledger.archive"

	topReasonLimit = 10
	unknownReason  = "Unknown"
)

// Publisher is satisfied by *broker.Producer.
type Publisher interface {
	ProduceJSON(ctx context.Context, key string, v interface{}) (time.Time, error)
}

// Archiver is satisfied by *objectstore.Bucket.
type Archiver interface {
	Key(parts ...string) string
	PutJSON(ctx context.Context, key string, v interface{}) (string, error)
}

type Ledger struct {
	store     store.Store
	publisher Publisher
	archiver  Archiver
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

type Option func(*Ledger)

// WithPublisher streams every appended record to a topic.
func WithPublisher(p Publisher) Option { return func(l *Ledger) { l.publisher = p } }

// WithArchiver copies every appended record to object storage.
func WithArchiver(a Archiver) Option { return func(l *Ledger) { l.archiver = a } }

func WithMetrics(m *metrics.Metrics) Option { return func(l *Ledger) { l.metrics = m } }

func New(st store.Store, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{store: st, logger: logging.OrNop(logger)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends one entry. Failure is logged and returned as a failed side
// effect; it never fails the transition being audited.
func (l *Ledger) Record(ctx context.Context, in store.DeploymentRecordInput) (*models.DeploymentRecord, models.SideEffect) {
	rec, err := l.store.AppendDeploymentRecord(ctx, in)
	effect := models.Effect(stepAppend, err)
	l.metrics.SideEffect(stepAppend, effect.OK)
	if err != nil {
		l.logger.Warn("deployment record append failed",
			zap.String("strategy_update_id", in.StrategyUpdateID.String()),
			zap.String("kind", string(in.Kind)),
			zap.Error(err),
		)
		return nil, effect
	}
	l.fanout(ctx, rec)
	return &rec, effect
}

func (l *Ledger) fanout(ctx context.Context, rec models.DeploymentRecord) {
	if l.publisher != nil {
		_, err := l.publisher.ProduceJSON(ctx, rec.StrategyUpdateID.String(), rec)
		l.metrics.SideEffect(stepPublish, err == nil)
		if err != nil {
			l.logger.Warn("deployment record publish failed", zap.String("record_id", rec.ID.String()), zap.Error(err))
		}
	}
	if l.archiver != nil {
		ts := rec.CreatedAt.UTC()
		key := l.archiver.Key("deployments",
			fmt.Sprintf("%04d", ts.Year()),
			fmt.Sprintf("%02d", int(ts.Month())),
			fmt.Sprintf("%02d", ts.Day()),
			rec.ID.String()+".json",
		)
		_, err := l.archiver.PutJSON(ctx, key, rec)
		l.metrics.SideEffect(stepArchive, err == nil)
		if err != nil {
			l.logger.Warn("deployment record archive failed", zap.String("record_id", rec.ID.String()), zap.Error(err))
		}
	}
}

// History returns every entry for a strategy update, oldest first.
func (l *Ledger) History(ctx context.Context, strategyUpdateID uuid.UUID) ([]models.DeploymentRecord, error) {
	if _, err := l.store.GetStrategyUpdate(ctx, strategyUpdateID); err != nil {
		return nil, errs.Wrap("load strategy update", err)
	}
	recs, err := l.store.ListDeploymentRecords(ctx, store.DeploymentFilter{StrategyUpdateID: &strategyUpdateID, Ascending: true})
	if err != nil {
		return nil, errs.Wrap("list deployment history", err)
	}
	return recs, nil
}

type DeploymentQuery struct {
	Status models.PlanStatus
	AppID  string
	store.Page
}

type DeploymentStats struct {
	Total        int                       `json:"total"`
	ByStatus     map[models.PlanStatus]int `json:"byStatus"`
	TotalUsers   int64                     `json:"totalUsers"`
	AveragePhase float64                   `json:"averagePhase"`
}

type DeploymentPage struct {
	Records []models.DeploymentRecord `json:"records"`
	Stats   DeploymentStats           `json:"stats"`
}

// ListDeployments pages through forward transitions. Stats cover every
// matching record, not only the returned page.
func (l *Ledger) ListDeployments(ctx context.Context, q DeploymentQuery) (DeploymentPage, error) {
	all, err := l.store.ListDeploymentRecords(ctx, store.DeploymentFilter{
		AppID:        q.AppID,
		Status:       q.Status,
		ExcludeKinds: []models.DeploymentKind{models.DeploymentKindRollback},
	})
	if err != nil {
		return DeploymentPage{}, errs.Wrap("list deployments", err)
	}
	stats := DeploymentStats{Total: len(all), ByStatus: map[models.PlanStatus]int{}}
	phaseSum := 0
	for _, r := range all {
		stats.ByStatus[r.Status]++
		stats.TotalUsers += r.SuccessCount
		phaseSum += r.Phase
	}
	if len(all) > 0 {
		stats.AveragePhase = float64(phaseSum) / float64(len(all))
	}
	return DeploymentPage{Records: pageOf(all, q.Page), Stats: stats}, nil
}

type RollbackQuery struct {
	AppID     string
	Emergency *bool
	store.Page
}

type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

type RollbackStats struct {
	Total      int            `json:"total"`
	Emergency  int            `json:"emergency"`
	Planned    int            `json:"planned"`
	ByApp      map[string]int `json:"byApp"`
	TopReasons []ReasonCount  `json:"topReasons"`
}

type RollbackPage struct {
	Records []models.DeploymentRecord `json:"records"`
	Stats   RollbackStats             `json:"stats"`
}

// ListRollbacks pages through rollback entries and ranks their reasons by frequency.
func (l *Ledger) ListRollbacks(ctx context.Context, q RollbackQuery) (RollbackPage, error) {
	all, err := l.store.ListDeploymentRecords(ctx, store.DeploymentFilter{
		AppID:     q.AppID,
		Emergency: q.Emergency,
		Kinds:     []models.DeploymentKind{models.DeploymentKindRollback},
	})
	if err != nil {
		return RollbackPage{}, errs.Wrap("list rollbacks", err)
	}
	stats := RollbackStats{Total: len(all), ByApp: map[string]int{}}
	reasons := map[string]int{}
	for _, r := range all {
		if r.Emergency {
			stats.Emergency++
		} else {
			stats.Planned++
		}
		stats.ByApp[r.AppID]++
		reason := r.RollbackReason
		if reason == "" {
			reason = unknownReason
		}
		reasons[reason]++
	}
	stats.TopReasons = rankReasons(reasons, topReasonLimit)
	return RollbackPage{Records: pageOf(all, q.Page), Stats: stats}, nil
}

func rankReasons(counts map[string]int, limit int) []ReasonCount {
	out := make([]ReasonCount, 0, len(counts))
	for reason, n := range counts {
		out = append(out, ReasonCount{Reason: reason, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func pageOf(recs []models.DeploymentRecord, p store.Page) []models.DeploymentRecord {
	if p.Offset > 0 {
		if p.Offset >= len(recs) {
			return []models.DeploymentRecord{}
		}
		recs = recs[p.Offset:]
	}
	if p.Limit > 0 && len(recs) > p.Limit {
		recs = recs[:p.Limit]
	}
	if recs == nil {
		return []models.DeploymentRecord{}
	}
	return recs
}
