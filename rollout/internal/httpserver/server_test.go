package httpserver_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorymonster/platform/rollout/internal/approval"
	"github.com/memorymonster/platform/rollout/internal/auth"
	"github.com/memorymonster/platform/rollout/internal/httpserver"
	"github.com/memorymonster/platform/rollout/internal/ledger"
	"github.com/memorymonster/platform/rollout/internal/metrics"
	"github.com/memorymonster/platform/rollout/internal/rollback"
	"github.com/memorymonster/platform/rollout/internal/rollout"
	"github.com/memorymonster/platform/rollout/internal/store"
)

type testServer struct {
	t  *testing.T
	ts *httptest.Server
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	st := store.NewMemoryStore()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	l := ledger.New(st, nil, ledger.WithMetrics(m))
	gate, err := approval.New(st, nil, nil, approval.Config{Metrics: m})
	require.NoError(t, err)
	verifier, err := auth.NewVerifier(auth.Config{HMACSecret: "test-secret", AllowDevReviewer: true})
	require.NoError(t, err)

	srv := httpserver.New(httpserver.Deps{
		Store:     st,
		Gate:      gate,
		Rollouts:  rollout.New(st, l, nil, rollout.Config{Metrics: m}),
		Rollbacks: rollback.New(st, l, nil, rollback.Config{Metrics: m}),
		Ledger:    l,
		Verifier:  verifier,
		Gatherer:  reg,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return testServer{t: t, ts: ts}
}

// do sends body as JSON. A non-empty reviewer is passed through the dev header.
func (s testServer) do(method, path, reviewer string, body interface{}) (int, map[string]interface{}) {
	s.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, rd)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	if reviewer != "" {
		req.Header.Set(auth.DevReviewerHeader, reviewer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(s.t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func (s testServer) propose(app string) string {
	s.t.Helper()
	code, body := s.do(http.MethodPost, "/strategy-updates", "model-trainer", map[string]interface{}{
		"appId":           app,
		"strategyType":    "cache_cleanup",
		"updateKind":      "new_action",
		"payload":         map[string]interface{}{"schemaVersion": 2, "data": map[string]interface{}{"minAgeDays": 7}},
		"confidenceScore": 0.82,
		"sampleSize":      240,
	})
	require.Equal(s.t, http.StatusCreated, code, body)
	return body["id"].(string)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	code, body := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
}

func TestProposeReviewDeployRollback(t *testing.T) {
	s := newTestServer(t)
	id := s.propose("com.google.Chrome")

	code, body := s.do(http.MethodGet, "/strategy-updates/pending?appId=com.google.Chrome", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["total"])

	code, _ = s.do(http.MethodPost, "/strategy-updates/"+id+"/review", "", map[string]string{"decision": "approved"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body = s.do(http.MethodPost, "/strategy-updates/"+id+"/review", "alice", map[string]string{"decision": "approved", "notes": "looks good"})
	require.Equal(t, http.StatusOK, code, body)
	update := body["update"].(map[string]interface{})
	assert.Equal(t, "approved", update["status"])
	assert.Equal(t, "alice", update["reviewedBy"])
	plan := body["rolloutPlan"].(map[string]interface{})
	planID := plan["id"].(string)
	assert.Equal(t, "not_started", plan["status"])

	code, body = s.do(http.MethodPost, "/deploy", "alice", map[string]string{"action": "start", "strategyUpdateId": id})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "canary", body["record"].(map[string]interface{})["kind"])
	assert.Equal(t, "deploying", body["update"].(map[string]interface{})["status"])

	code, body = s.do(http.MethodPost, "/rollouts/"+planID+"/metrics", "alice", map[string]interface{}{
		"values":       map[string]float64{"effectiveness": 0.9, "crashRate": 0.001},
		"participants": 120,
		"successes":    110,
		"failures":     10,
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, float64(120), body["totalParticipants"])

	code, body = s.do(http.MethodPost, "/deploy", "alice", map[string]string{"action": "advance", "rolloutPlanId": planID})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "limited", body["record"].(map[string]interface{})["kind"])

	code, body = s.do(http.MethodGet, "/rollouts/"+planID, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["currentPhase"])
	assert.Equal(t, 0.01, body["userPercentage"])

	code, body = s.do(http.MethodPost, "/rollback", "bob", map[string]interface{}{"strategyUpdateId": id, "reason": "crash spike", "emergency": true})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "rolled_back", body["update"].(map[string]interface{})["status"])
	assert.Equal(t, "rollback", body["record"].(map[string]interface{})["kind"])

	code, body = s.do(http.MethodGet, "/rollbacks?emergency=true", "", nil)
	require.Equal(t, http.StatusOK, code)
	stats := body["stats"].(map[string]interface{})
	assert.Equal(t, float64(1), stats["total"])
	assert.Equal(t, float64(1), stats["emergency"])

	code, body = s.do(http.MethodGet, "/strategy-updates/"+id+"/history", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["records"], 3)

	code, body = s.do(http.MethodGet, "/deployments?appId=com.google.Chrome", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["records"], 2)

	code, body = s.do(http.MethodGet, "/reviews", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["updates"], 1)

	code, body = s.do(http.MethodPost, "/rollback", "bob", map[string]interface{}{"strategyUpdateId": id, "reason": "again"})
	assert.Equal(t, http.StatusUnprocessableEntity, code, body)
}

func TestDeployRollbackAction(t *testing.T) {
	s := newTestServer(t)
	id := s.propose("com.spotify.client")
	code, body := s.do(http.MethodPost, "/strategy-updates/"+id+"/review", "alice", map[string]string{"decision": "approved"})
	require.Equal(t, http.StatusOK, code, body)
	planID := body["rolloutPlan"].(map[string]interface{})["id"].(string)

	code, body = s.do(http.MethodPost, "/deploy", "alice", map[string]string{"action": "start", "rolloutPlanId": planID})
	require.Equal(t, http.StatusOK, code, body)

	code, body = s.do(http.MethodPost, "/deploy", "alice", map[string]string{"action": "rollback", "rolloutPlanId": planID})
	assert.Equal(t, http.StatusBadRequest, code, body)

	code, body = s.do(http.MethodPost, "/deploy", "alice", map[string]string{"action": "rollback", "rolloutPlanId": planID, "reason": "memory regression"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "rolled_back", body["rolloutPlan"].(map[string]interface{})["status"])
}

func TestDeployRequiresExactlyOneTarget(t *testing.T) {
	s := newTestServer(t)
	id := s.propose("com.spotify.client")
	other := s.propose("com.google.Chrome")
	code, body := s.do(http.MethodPost, "/strategy-updates/"+id+"/review", "alice", map[string]string{"decision": "approved"})
	require.Equal(t, http.StatusOK, code, body)
	planID := body["rolloutPlan"].(map[string]interface{})["id"].(string)

	code, body = s.do(http.MethodPost, "/deploy", "alice", map[string]string{"action": "start", "rolloutPlanId": planID})
	require.Equal(t, http.StatusOK, code, body)

	code, body = s.do(http.MethodPost, "/deploy", "alice", map[string]string{"action": "advance", "rolloutPlanId": planID, "strategyUpdateId": other})
	assert.Equal(t, http.StatusBadRequest, code, body)
	assert.Contains(t, body["error"], "exactly one")

	code, body = s.do(http.MethodPost, "/deploy", "alice", map[string]string{"action": "rollback", "rolloutPlanId": planID, "strategyUpdateId": other, "reason": "memory regression"})
	assert.Equal(t, http.StatusBadRequest, code, body)

	code, body = s.do(http.MethodPost, "/rollback", "alice", map[string]string{"rolloutPlanId": planID, "strategyUpdateId": id, "reason": "memory regression"})
	assert.Equal(t, http.StatusBadRequest, code, body)

	code, body = s.do(http.MethodGet, "/rollouts/"+planID, "", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, float64(0), body["currentPhase"])
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	id := s.propose("com.google.Chrome")

	code, _ := s.do(http.MethodGet, "/strategy-updates/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(http.MethodGet, "/strategy-updates/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body := s.do(http.MethodPost, "/strategy-updates", "x", map[string]interface{}{"strategyType": "cache_cleanup", "updateKind": "correction", "sampleSize": 10})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "AppID failed required")

	code, _ = s.do(http.MethodPost, "/strategy-updates/"+id+"/review", "alice", map[string]string{"decision": "maybe"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(http.MethodPost, "/strategy-updates/"+id+"/review", "alice", map[string]string{"decision": "rejected"})
	require.Equal(t, http.StatusOK, code)
	code, _ = s.do(http.MethodPost, "/strategy-updates/"+id+"/review", "alice", map[string]string{"decision": "approved"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = s.do(http.MethodPost, "/deploy", "alice", map[string]string{"action": "start", "strategyUpdateId": id})
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = s.do(http.MethodPost, "/deploy", "alice", map[string]string{"action": "start"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(http.MethodGet, "/deployments?limit=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(http.MethodGet, "/rollbacks?emergency=sometimes", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.propose("com.google.Chrome")

	resp, err := http.Get(s.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `rollout_transitions_total{operation="propose",result="ok"} 1`)
}
