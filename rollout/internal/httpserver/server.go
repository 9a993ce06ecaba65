package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/memorymonster/platform/rollout/internal/approval"
	"github.com/memorymonster/platform/rollout/internal/auth"
	"github.com/memorymonster/platform/rollout/internal/errs"
	"github.com/memorymonster/platform/rollout/internal/ledger"
	"github.com/memorymonster/platform/rollout/internal/logging"
	"github.com/memorymonster/platform/rollout/internal/models"
	"github.com/memorymonster/platform/rollout/internal/rollback"
	"github.com/memorymonster/platform/rollout/internal/rollout"
	"github.com/memorymonster/platform/rollout/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 500
	maxBodyBytes = 1 << 20
)

type Deps struct {
	Store     store.Store
	Gate      *approval.Gate
	Rollouts  *rollout.Controller
	Rollbacks *rollback.Manager
	Ledger    *ledger.Ledger
	// Verifier guards mutating routes when it has any identification configured.
	Verifier *auth.Verifier
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

type Server struct {
	store     store.Store
	gate      *approval.Gate
	rollouts  *rollout.Controller
	rollbacks *rollback.Manager
	ledger    *ledger.Ledger
	verifier  *auth.Verifier
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
	validate  *validator.Validate
}

func New(d Deps) *Server {
	return &Server{
		store:     d.Store,
		gate:      d.Gate,
		rollouts:  d.Rollouts,
		rollbacks: d.Rollbacks,
		ledger:    d.Ledger,
		verifier:  d.Verifier,
		gatherer:  d.Gatherer,
		logger:    logging.OrNop(d.Logger),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/strategy-updates/pending", s.handleListPending)
	r.Get("/strategy-updates/{id}", s.handleGetUpdate)
	r.Get("/strategy-updates/{id}/history", s.handleHistory)
	r.Get("/reviews", s.handleReviewHistory)
	r.Get("/rollouts/{id}", s.handleGetRollout)
	r.Get("/deployments", s.handleListDeployments)
	r.Get("/rollbacks", s.handleListRollbacks)

	r.Group(func(r chi.Router) {
		if s.verifier != nil && s.verifier.Enabled() {
			r.Use(s.verifier.Middleware)
		}
		r.Post("/strategy-updates", s.handlePropose)
		r.Post("/strategy-updates/{id}/review", s.handleReview)
		r.Post("/deploy", s.handleDeploy)
		r.Post("/rollouts/{id}/metrics", s.handleObserveMetrics)
		r.Post("/rollback", s.handleRollback)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req approval.ProposalRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	u, err := s.gate.Propose(r.Context(), req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, u)
}

func (s *Server) handleGetUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	u, err := s.gate.Get(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	page, ok := pageParams(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	res, err := s.gate.ListPending(r.Context(), approval.PendingQuery{
		AppID:     q.Get("appId"),
		RiskLevel: models.RiskLevel(q.Get("riskLevel")),
		Page:      page,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type reviewRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approved rejected"`
	Notes    string `json:"notes"`
	// Reviewer is only read when no authenticated principal is available.
	Reviewer string `json:"reviewer"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	decision, err := models.ParseDecision(req.Decision)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	reviewer := req.Reviewer
	if principal, ok := auth.PrincipalFrom(r.Context()); ok {
		reviewer = principal
	}
	res, err := s.gate.Review(r.Context(), approval.ReviewRequest{
		StrategyUpdateID: id,
		Decision:         decision,
		Notes:            req.Notes,
		Reviewer:         reviewer,
	})
	if err != nil {
		if res.Update.ID != uuid.Nil {
			// The decision committed but plan creation did not.
			s.logger.Error("review partially applied", zap.String("strategy_update_id", id.String()), zap.Error(err))
			respondJSON(w, errs.HTTPStatus(err), map[string]interface{}{"error": err.Error(), "update": res.Update, "warnings": res.Warnings})
			return
		}
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	recs, err := s.ledger.History(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"strategyUpdateId": id, "records": recs})
}

func (s *Server) handleReviewHistory(w http.ResponseWriter, r *http.Request) {
	page, ok := pageParams(w, r)
	if !ok {
		return
	}
	res, err := s.gate.ReviewHistory(r.Context(), page)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type deployRequest struct {
	Action           string     `json:"action" validate:"required,oneof=start advance complete rollback"`
	RolloutPlanID    *uuid.UUID `json:"rolloutPlanId"`
	StrategyUpdateID *uuid.UUID `json:"strategyUpdateId"`
	Conclusion       string     `json:"conclusion"`
	Reason           string     `json:"reason" validate:"required_if=Action rollback"`
	Emergency        bool       `json:"emergency"`
}

// handleDeploy dispatches an operator action against a rollout plan, which may
// be named directly or through its strategy update.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	action, err := models.ParseRolloutAction(req.Action)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if targets(req.RolloutPlanID, req.StrategyUpdateID) != 1 {
		respondError(w, http.StatusBadRequest, "exactly one of rolloutPlanId or strategyUpdateId required")
		return
	}

	ctx := r.Context()
	if action == models.ActionRollback {
		s.rollback(w, r, rollbackRequest{StrategyUpdateID: req.StrategyUpdateID, RolloutPlanID: req.RolloutPlanID, Reason: req.Reason, Emergency: req.Emergency})
		return
	}

	var planID uuid.UUID
	if req.RolloutPlanID != nil {
		planID = *req.RolloutPlanID
	} else {
		plan, err := s.rollouts.ResolvePlan(ctx, *req.StrategyUpdateID)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		planID = plan.ID
	}

	var res rollout.Result
	switch action {
	case models.ActionStart:
		res, err = s.rollouts.Start(ctx, planID)
	case models.ActionAdvance:
		res, err = s.rollouts.Advance(ctx, planID)
	case models.ActionComplete:
		res, err = s.rollouts.Complete(ctx, planID, req.Conclusion)
	default:
		panic(fmt.Sprintf("unhandled rollout action %q", string(action)))
	}
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetRollout(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	plan, err := s.rollouts.Get(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

func (s *Server) handleObserveMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var snap models.MetricSnapshot
	if !s.decodeValid(w, r, &snap) {
		return
	}
	plan, err := s.rollouts.ObserveMetrics(r.Context(), id, snap)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

type rollbackRequest struct {
	DeploymentRecordID *uuid.UUID `json:"deploymentRecordId"`
	StrategyUpdateID   *uuid.UUID `json:"strategyUpdateId"`
	RolloutPlanID      *uuid.UUID `json:"rolloutPlanId"`
	Reason             string     `json:"reason" validate:"required"`
	Emergency          bool       `json:"emergency"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	s.rollback(w, r, req)
}

func (s *Server) rollback(w http.ResponseWriter, r *http.Request, req rollbackRequest) {
	if targets(req.DeploymentRecordID, req.StrategyUpdateID, req.RolloutPlanID) != 1 {
		respondError(w, http.StatusBadRequest, "exactly one of deploymentRecordId, strategyUpdateId or rolloutPlanId required")
		return
	}
	ctx := r.Context()
	updateID := req.StrategyUpdateID
	if req.RolloutPlanID != nil {
		plan, err := s.rollouts.Get(ctx, *req.RolloutPlanID)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		updateID = &plan.StrategyUpdateID
	}
	requestedBy, _ := auth.PrincipalFrom(ctx)
	res, err := s.rollbacks.Rollback(ctx, rollback.Request{
		DeploymentRecordID: req.DeploymentRecordID,
		StrategyUpdateID:   updateID,
		Reason:             req.Reason,
		Emergency:          req.Emergency,
		RequestedBy:        requestedBy,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// targets counts the ids a request names.
func targets(ids ...*uuid.UUID) int {
	n := 0
	for _, id := range ids {
		if id != nil {
			n++
		}
	}
	return n
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	page, ok := pageParams(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	res, err := s.ledger.ListDeployments(r.Context(), ledger.DeploymentQuery{
		Status: models.PlanStatus(q.Get("status")),
		AppID:  q.Get("appId"),
		Page:   page,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListRollbacks(w http.ResponseWriter, r *http.Request) {
	page, ok := pageParams(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	query := ledger.RollbackQuery{AppID: q.Get("appId"), Page: page}
	if raw := q.Get("emergency"); raw != "" {
		emergency, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid emergency flag")
			return
		}
		query.Emergency = &emergency
	}
	res, err := s.ledger.ListRollbacks(r.Context(), query)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func pageParams(w http.ResponseWriter, r *http.Request) (store.Page, bool) {
	page := store.Page{Limit: defaultLimit}
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxLimit {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxLimit))
			return store.Page{}, false
		}
		page.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return store.Page{}, false
		}
		page.Offset = n
	}
	return page, true
}

// decodeValid decodes the body into v and runs struct validation, answering
// 400 itself on failure.
func (s *Server) decodeValid(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := decodeJSON(w, r, v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			respondError(w, http.StatusBadRequest, strings.Join(msgs, "; "))
			return false
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	respondError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
