// Package api exposes the decision core over HTTP: turns, inbound messages,
// policy, briefings, task inspection and a realtime event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"workspace-assistant/internal/config"
	"workspace-assistant/internal/models"
	"workspace-assistant/internal/orchestrator"
	"workspace-assistant/internal/provider"
	"workspace-assistant/internal/queue"
	"workspace-assistant/internal/ratelimit"
	"workspace-assistant/internal/realtime"
	"workspace-assistant/internal/store"
	"workspace-assistant/internal/telemetry"
)

// Runner executes a turn inline.
type Runner interface {
	Run(ctx context.Context, req orchestrator.TurnRequest) (orchestrator.TurnResult, error)
}

// DLQReader lists dead-lettered turns.
type DLQReader interface {
	DLQPeek(ctx context.Context, count int64) ([]queue.DeadTurn, error)
}

// Deps are the collaborators behind the handlers. Limiter and DLQ are optional.
// Publisher defaults to Hub.
type Deps struct {
	Store     store.Repository
	Runner    Runner
	Queue     orchestrator.Enqueuer
	DLQ       DLQReader
	Limiter   *ratelimit.TokenBucket
	Hub       *realtime.Hub
	Publisher realtime.Publisher
	Logger    *zap.Logger
}

// Server wires HTTP handlers for the assistant API.
type Server struct {
	cfg        config.Config
	store      store.Repository
	runner     Runner
	queue      orchestrator.Enqueuer
	dlq        DLQReader
	limiter    *ratelimit.TokenBucket
	hub        *realtime.Hub
	pub        realtime.Publisher
	dispatcher *orchestrator.Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

// New constructs the API server.
func New(cfg config.Config, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Hub == nil {
		d.Hub = realtime.NewHub(0)
	}
	if d.Publisher == nil {
		d.Publisher = d.Hub
	}
	return &Server{
		cfg:        cfg,
		store:      d.Store,
		runner:     d.Runner,
		queue:      d.Queue,
		dlq:        d.DLQ,
		limiter:    d.Limiter,
		hub:        d.Hub,
		pub:        d.Publisher,
		dispatcher: orchestrator.NewDispatcher(d.Store, d.Queue, d.Logger),
		logger:     d.Logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/turns", s.handleTurn)
	r.Post("/conversations/{id}/messages", s.handlePostMessage)
	r.Post("/conversations/{id}/read", s.handleMarkRead)
	r.Get("/users/{id}/policy", s.handleGetPolicy)
	r.Put("/users/{id}/policy", s.handlePutPolicy)
	r.Get("/users/{id}/briefings", s.handleListBriefings)
	r.Post("/briefings/{id}/status", s.handleBriefingStatus)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Get("/events/stream", s.handleStream)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type enqueueResponse struct {
	Queued      bool                     `json:"queued"`
	TriggerType orchestrator.TriggerType `json:"triggerType"`
}

// handleTurn runs user messages inline and queues everything else.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.TurnRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if !s.allow(w, r, req.UserID) {
		return
	}

	if req.Trigger.Type != orchestrator.TriggerUserMessage {
		if err := s.queue.Enqueue(r.Context(), req); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, enqueueResponse{Queued: true, TriggerType: req.Trigger.Type})
		return
	}

	res, err := s.runner.Run(r.Context(), req)
	if err != nil && res.TaskID == "" {
		writeError(w, err)
		return
	}
	// A failed turn that reached a task is reported through the task status.
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, userID string) bool {
	if s.limiter == nil {
		return true
	}
	d, err := s.limiter.AllowUser(r.Context(), userID)
	if err != nil {
		s.logger.Error("rate limiter", zap.String("user_id", userID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "rate limit error"})
		return false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", Message: "too many turn requests"})
		return false
	}
	return true
}

type postMessageRequest struct {
	SenderID string `json:"senderId" validate:"required"`
	Body     string `json:"body" validate:"required,max=8000"`
}

type postMessageResponse struct {
	Message    models.Message `json:"message"`
	Dispatched int            `json:"dispatched"`
}

// handlePostMessage records a human-authored message and dispatches one
// SYSTEM_EVENT turn per recipient.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if !decode(w, r, &req) || !valid(w, req) {
		return
	}
	convID := chi.URLParam(r, "id")
	conv, err := s.store.GetConversation(r.Context(), convID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !isMember(conv, req.SenderID) {
		writeError(w, fmt.Errorf("%s is not a member of %s: %w", req.SenderID, convID, models.ErrInvalidInput))
		return
	}
	msg, err := s.store.CreateMessage(r.Context(), store.CreateMessageParams{
		ConversationID: convID,
		SenderID:       req.SenderID,
		Body:           req.Body,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.pub.Publish(realtime.Event{Type: "message.created", Reason: "new message", ConversationID: convID, UserIDs: conv.MemberIDs})

	n, err := s.dispatcher.MessageCreated(r.Context(), msg)
	if err != nil {
		s.logger.Warn("dispatch inbound message", zap.String("message_id", msg.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, postMessageResponse{Message: msg, Dispatched: n})
}

type markReadRequest struct {
	UserID string     `json:"userId" validate:"required"`
	At     *time.Time `json:"at"`
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if !decode(w, r, &req) || !valid(w, req) {
		return
	}
	at := s.now()
	if req.At != nil {
		at = req.At.UTC()
	}
	if err := s.store.MarkRead(r.Context(), req.UserID, chi.URLParam(r, "id"), at); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type policyResponse struct {
	Profile models.Profile      `json:"profile"`
	Rules   []models.PolicyRule `json:"rules"`
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if _, err := s.store.GetUser(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	prof, err := s.store.GetProfile(r.Context(), userID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		prof = models.Profile{UserID: userID, DefaultAutonomy: models.AutonomyAuto, AttributionMode: models.AttributionOnBehalf}
	case err != nil:
		writeError(w, err)
		return
	}
	rules, err := s.store.ListPolicyRules(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policyResponse{Profile: prof, Rules: rules})
}

type policyRequest struct {
	DefaultAutonomy models.AutonomyLevel  `json:"default_autonomy" validate:"omitempty,oneof=OFF REVIEW AUTO"`
	AttributionMode string                `json:"attribution_mode"`
	Relevance       models.RelevancePrefs `json:"relevance"`
	Rules           []models.PolicyRule   `json:"rules" validate:"dive"`
}

// handlePutPolicy replaces the profile and the whole rule set.
func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !decode(w, r, &req) || !valid(w, req) {
		return
	}
	userID := chi.URLParam(r, "id")
	if _, err := s.store.GetUser(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	prof, rules, err := s.store.ReplacePolicy(r.Context(), store.ReplacePolicyParams{
		Profile: models.Profile{
			UserID:          userID,
			DefaultAutonomy: req.DefaultAutonomy,
			AttributionMode: req.AttributionMode,
			Relevance:       req.Relevance,
		},
		Rules: req.Rules,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policyResponse{Profile: prof, Rules: rules})
}

func (s *Server) handleListBriefings(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.store.ListBriefingItems(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type briefingStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=ACKED DISMISSED ACTED"`
}

func (s *Server) handleBriefingStatus(w http.ResponseWriter, r *http.Request) {
	var req briefingStatusRequest
	if !decode(w, r, &req) || !valid(w, req) {
		return
	}
	item, err := s.store.UpdateBriefingStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type taskResponse struct {
	Task       models.AgentTask          `json:"task"`
	Actions    []models.Action           `json:"actions"`
	Events     []models.EventLog         `json:"events"`
	Deliveries []models.OutboundDelivery `json:"deliveries"`
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	var (
		resp taskResponse
		err  error
	)
	if resp.Task, err = s.store.GetTask(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	if resp.Actions, err = s.store.ListActions(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	if resp.Events, err = s.store.ListEvents(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	if resp.Deliveries, err = s.store.ListDeliveries(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStream relays realtime events for userId as server-sent events until
// the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, fmt.Errorf("userId is required: %w", models.ErrInvalidInput))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "streaming unsupported"})
		return
	}
	sub := s.hub.Subscribe(userID)
	defer s.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

// handleDLQ returns dead-lettered turns.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []queue.DeadTurn{}})
		return
	}
	items, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func isMember(conv models.Conversation, userID string) bool {
	for _, id := range conv.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusFor(code string) int {
	switch code {
	case "not_found":
		return http.StatusNotFound
	case "invalid_input":
		return http.StatusBadRequest
	case "conflict", "version_conflict", "already_finalized":
		return http.StatusConflict
	case "unresolvable_target":
		return http.StatusUnprocessableEntity
	case "schema_outdated":
		return http.StatusNotImplemented
	case "timeout":
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := models.ErrorCode(err)
	writeJSON(w, statusFor(code), errorBody{Error: code, Message: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input", Message: "invalid json"})
		return false
	}
	return true
}

func valid(w http.ResponseWriter, v any) bool {
	if err := provider.Validator().Struct(v); err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, models.ErrInvalidInput))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
