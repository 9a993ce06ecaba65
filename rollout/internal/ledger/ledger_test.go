package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorymonster/platform/rollout/internal/errs"
	"github.com/memorymonster/platform/rollout/internal/ledger"
	"github.com/memorymonster/platform/rollout/internal/models"
	"github.com/memorymonster/platform/rollout/internal/store"
)

type fakePublisher struct {
	keys []string
	err  error
}

func (f *fakePublisher) ProduceJSON(ctx context.Context, key string, v interface{}) (time.Time, error) {
	f.keys = append(f.keys, key)
	return time.Now(), f.err
}

type fakeArchiver struct {
	keys []string
}

func (f *fakeArchiver) Key(parts ...string) string { return "ledger/" + strings.Join(parts, "/") }

func (f *fakeArchiver) PutJSON(ctx context.Context, key string, v interface{}) (string, error) {
	f.keys = append(f.keys, key)
	return "digest", nil
}

type brokenAppendStore struct {
	store.Store
}

func (brokenAppendStore) AppendDeploymentRecord(ctx context.Context, in store.DeploymentRecordInput) (models.DeploymentRecord, error) {
	return models.DeploymentRecord{}, errors.New("connection reset")
}

func seedUpdate(t *testing.T, st store.Store, appID string) models.StrategyUpdate {
	t.Helper()
	u, err := st.CreateStrategyUpdate(context.Background(), store.StrategyUpdateInput{
		AppID:        appID,
		StrategyType: "cache_cleanup",
		UpdateKind:   models.UpdateKindNewAction,
		Payload:      models.Payload{SchemaVersion: 1, Data: json.RawMessage(`{}`)},
		RiskLevel:    models.RiskLow,
	})
	require.NoError(t, err)
	return u
}

func TestRecordPublishesAndArchives(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &fakePublisher{}
	arch := &fakeArchiver{}
	l := ledger.New(st, nil, ledger.WithPublisher(pub), ledger.WithArchiver(arch))
	u := seedUpdate(t, st, "com.google.Chrome")

	rec, effect := l.Record(context.Background(), store.DeploymentRecordInput{
		StrategyUpdateID: u.ID,
		AppID:            u.AppID,
		Kind:             models.DeploymentKindCanary,
		Percentage:       0.001,
		Status:           models.PlanStatusRunning,
	})
	require.True(t, effect.OK)
	require.NotNil(t, rec)
	assert.Equal(t, []string{u.ID.String()}, pub.keys)
	require.Len(t, arch.keys, 1)
	assert.True(t, strings.HasSuffix(arch.keys[0], rec.ID.String()+".json"))
	assert.True(t, strings.HasPrefix(arch.keys[0], "ledger/deployments/"))
}

func TestRecordFailureIsReportedNotRaised(t *testing.T) {
	l := ledger.New(brokenAppendStore{Store: store.NewMemoryStore()}, nil)
	rec, effect := l.Record(context.Background(), store.DeploymentRecordInput{StrategyUpdateID: uuid.New()})
	assert.Nil(t, rec)
	assert.False(t, effect.OK)
	assert.Equal(t, "ledger.append", effect.Step)
	assert.Contains(t, effect.Error, "connection reset")
}

func TestPublishFailureDoesNotFailRecord(t *testing.T) {
	st := store.NewMemoryStore()
	l := ledger.New(st, nil, ledger.WithPublisher(&fakePublisher{err: errors.New("no brokers")}))
	u := seedUpdate(t, st, "com.google.Chrome")

	rec, effect := l.Record(context.Background(), store.DeploymentRecordInput{StrategyUpdateID: u.ID, Kind: models.DeploymentKindCanary})
	assert.True(t, effect.OK)
	assert.NotNil(t, rec)
}

func TestHistoryIsChronological(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := ledger.New(st, nil)
	u := seedUpdate(t, st, "com.google.Chrome")
	for _, k := range []models.DeploymentKind{models.DeploymentKindCanary, models.DeploymentKindLimited, models.DeploymentKindRollback} {
		_, effect := l.Record(ctx, store.DeploymentRecordInput{StrategyUpdateID: u.ID, Kind: k})
		require.True(t, effect.OK)
	}

	hist, err := l.History(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, models.DeploymentKindCanary, hist[0].Kind)
	assert.Equal(t, models.DeploymentKindRollback, hist[2].Kind)

	_, err = l.History(ctx, uuid.New())
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestListDeploymentsStats(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := ledger.New(st, nil)
	chrome := seedUpdate(t, st, "com.google.Chrome")
	slack := seedUpdate(t, st, "com.tinyspeck.slackmacgap")

	entries := []store.DeploymentRecordInput{
		{StrategyUpdateID: chrome.ID, AppID: chrome.AppID, Kind: models.DeploymentKindCanary, Phase: 0, Status: models.PlanStatusRunning},
		{StrategyUpdateID: chrome.ID, AppID: chrome.AppID, Kind: models.DeploymentKindLimited, Phase: 1, Status: models.PlanStatusRunning},
		{StrategyUpdateID: chrome.ID, AppID: chrome.AppID, Kind: models.DeploymentKindFull, Phase: 4, Status: models.PlanStatusCompleted, SuccessCount: 1200},
		{StrategyUpdateID: slack.ID, AppID: slack.AppID, Kind: models.DeploymentKindRollback, Status: models.PlanStatusRolledBack},
	}
	for _, in := range entries {
		_, effect := l.Record(ctx, in)
		require.True(t, effect.OK)
	}

	page, err := l.ListDeployments(ctx, ledger.DeploymentQuery{Page: store.Page{Limit: 2}})
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	assert.Equal(t, 3, page.Stats.Total)
	assert.Equal(t, 2, page.Stats.ByStatus[models.PlanStatusRunning])
	assert.Equal(t, 1, page.Stats.ByStatus[models.PlanStatusCompleted])
	assert.Equal(t, int64(1200), page.Stats.TotalUsers)
	assert.InDelta(t, 5.0/3.0, page.Stats.AveragePhase, 1e-9)

	filtered, err := l.ListDeployments(ctx, ledger.DeploymentQuery{AppID: slack.AppID})
	require.NoError(t, err)
	assert.Empty(t, filtered.Records)
	assert.Equal(t, 0, filtered.Stats.Total)
}

func TestListRollbacksRanksReasons(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := ledger.New(st, nil)
	chrome := seedUpdate(t, st, "com.google.Chrome")
	slack := seedUpdate(t, st, "com.tinyspeck.slackmacgap")

	rollback := func(u models.StrategyUpdate, reason string, emergency bool) {
		_, effect := l.Record(ctx, store.DeploymentRecordInput{
			StrategyUpdateID: u.ID,
			AppID:            u.AppID,
			Kind:             models.DeploymentKindRollback,
			Status:           models.PlanStatusRolledBack,
			Emergency:        emergency,
			RollbackReason:   reason,
		})
		require.True(t, effect.OK)
	}
	rollback(chrome, "crash spike", true)
	rollback(slack, "crash spike", true)
	rollback(slack, "low satisfaction", false)
	rollback(chrome, "", false)

	page, err := l.ListRollbacks(ctx, ledger.RollbackQuery{})
	require.NoError(t, err)
	assert.Len(t, page.Records, 4)
	assert.Equal(t, 2, page.Stats.Emergency)
	assert.Equal(t, 2, page.Stats.Planned)
	assert.Equal(t, 2, page.Stats.ByApp[slack.AppID])
	require.Len(t, page.Stats.TopReasons, 3)
	assert.Equal(t, ledger.ReasonCount{Reason: "crash spike", Count: 2}, page.Stats.TopReasons[0])
	assert.Equal(t, "Unknown", page.Stats.TopReasons[1].Reason)

	emergency := true
	only, err := l.ListRollbacks(ctx, ledger.RollbackQuery{Emergency: &emergency, AppID: chrome.AppID})
	require.NoError(t, err)
	require.Len(t, only.Records, 1)
	assert.Equal(t, "crash spike", only.Records[0].RollbackReason)
}
