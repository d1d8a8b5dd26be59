package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/deadletter"
	"github.com/lalithlochan/courier/internal/delivery"
	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/intake"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/template"
)

// EventTypeAPI tags notifications submitted directly over REST.
const EventTypeAPI = "api.notification"

const maxBodyBytes = 1 << 20

type Intake interface {
	Process(ctx context.Context, req intake.Request) (*intake.Outcome, error)
}

// NotificationStore defines the notification reads and the manual update path
type NotificationStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Notification, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*domain.Notification, error)
	Stats(ctx context.Context, since time.Time) (*db.Stats, error)
	Update(ctx context.Context, n *domain.Notification, evs ...*domain.OutboxEvent) error
}

type DeadLetters interface {
	List(ctx context.Context, f db.DeadLetterFilter) ([]*domain.DeadLetter, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.DeadLetter, error)
	Replay(ctx context.Context, id uuid.UUID, reset bool) (*domain.DeadLetter, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps are the services behind the REST surface.
type Deps struct {
	Intake      Intake
	Store       NotificationStore
	DeadLetters DeadLetters
	Events      *events.Router
	// Providers returns the breaker state of every provider.
	Providers func() []circuitbreaker.Stats
	Checks    map[string]HealthCheck
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	deps   Deps
	now    func() time.Time
}

func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	return &Handler{
		logger: logger,
		deps:   deps,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Routes mounts every endpoint. mw applies to the notification and dead-letter
// routes only, leaving health and metrics unthrottled.
func (h *Handler) Routes(mw ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(mw...)

		r.Post("/notifications", h.CreateNotification)
		r.Post("/notifications/welcome", h.createFromEvent(events.TopicUserWelcome))
		r.Post("/notifications/email-verification", h.createFromEvent(events.TopicEmailVerification))
		r.Post("/notifications/password-reset", h.createFromEvent(events.TopicPasswordReset))
		r.Get("/notifications", h.ListNotifications)
		r.Get("/notifications/stats/summary", h.GetStats)
		r.Get("/notifications/{id}", h.GetNotification)
		r.Patch("/notifications/{id}/status", h.UpdateNotificationStatus)

		r.Get("/dlq", h.ListDeadLetters)
		r.Get("/dlq/{id}", h.GetDeadLetter)
		r.Post("/dlq/{id}/replay", h.ReplayDeadLetter)

		r.Get("/providers", h.ListProviders)
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	return r
}

// NotificationRequest represents the body of POST /notifications
type NotificationRequest struct {
	Type           string         `json:"type"`
	Recipient      string         `json:"recipient"`
	UserID         string         `json:"userId"`
	Template       string         `json:"template"`
	Variables      map[string]any `json:"variables"`
	Subject        string         `json:"subject"`
	Content        string         `json:"content"`
	Priority       string         `json:"priority"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"idempotencyKey"`
	EventType      string         `json:"eventType"`
}

// NotificationResponse is the wire form of a notification, recipient included.
type NotificationResponse struct {
	*domain.Notification
	Recipient string `json:"recipient"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func toResponse(n *domain.Notification) NotificationResponse {
	return NotificationResponse{Notification: n, Recipient: n.Recipient.Value}
}

// CreateNotification handles POST /notifications
// The Idempotency-Key header is used when the body carries no key.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	var body NotificationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	req := intake.Request{
		EventType:      body.EventType,
		Recipient:      body.Recipient,
		UserID:         body.UserID,
		Template:       body.Template,
		Variables:      body.Variables,
		Subject:        body.Subject,
		Content:        body.Content,
		Priority:       domain.Priority(strings.ToUpper(body.Priority)),
		Metadata:       body.Metadata,
		IdempotencyKey: body.IdempotencyKey,
	}
	if req.EventType == "" {
		req.EventType = EventTypeAPI
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	if body.Type != "" {
		t, err := domain.ParseType(body.Type)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid type", err.Error())
			return
		}
		req.Type = t
	}
	if req.Priority != "" && !req.Priority.Valid() {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid priority",
			"priority must be one of: LOW, NORMAL, HIGH, URGENT")
		return
	}

	h.process(w, r, req)
}

// createFromEvent accepts the same payload the matching broker topic carries.
func (h *Handler) createFromEvent(topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
			return
		}

		req, err := h.deps.Events.Build(events.Message{Topic: topic, Payload: payload})
		if err != nil {
			if errors.Is(err, events.ErrMalformedPayload) {
				h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
				return
			}
			h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid request", err.Error())
			return
		}
		if key := r.Header.Get("Idempotency-Key"); key != "" {
			req.IdempotencyKey = key
		}

		h.process(w, r, req)
	}
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request, req intake.Request) {
	outcome, err := h.deps.Intake.Process(r.Context(), req)

	var failed *delivery.FailedError
	switch {
	case err == nil:
	case errors.Is(err, intake.ErrValidation):
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid notification", err.Error())
		return
	case errors.Is(err, template.ErrTemplateNotFound):
		h.writeError(w, http.StatusBadRequest, "template_not_found", "Unknown template", err.Error())
		return
	case errors.As(err, &failed) && outcome != nil && outcome.Notification != nil:
		// Recorded as FAILED; the caller sees the stored outcome.
	default:
		h.logger.Error("failed to process notification",
			zap.String("event_type", req.EventType),
			zap.Error(err),
		)
		h.writeError(w, http.StatusInternalServerError, "processing_error", "Failed to process notification", "")
		return
	}

	if outcome.Skipped {
		h.writeError(w, http.StatusConflict, "in_progress", "Request is already being processed",
			"Another request for this recipient and event is in progress")
		return
	}

	resp := toResponse(outcome.Notification)
	resp.Duplicate = outcome.Duplicate

	status := http.StatusAccepted
	if outcome.Duplicate {
		w.Header().Set("X-Idempotency-Replayed", "true")
		status = http.StatusOK
	}

	h.logger.Info("notification accepted",
		zap.String("notification_id", outcome.Notification.ID.String()),
		zap.String("event_type", req.EventType),
		zap.String("status", string(outcome.Notification.Status)),
		zap.Bool("duplicate", outcome.Duplicate),
	)

	h.writeJSON(w, status, resp)
}

// GetNotification handles GET /notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "Invalid notification ID")
	if !ok {
		return
	}

	n, err := h.deps.Store.Get(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "notification", id)
		return
	}

	h.writeJSON(w, http.StatusOK, toResponse(n))
}

// ListNotifications handles GET /notifications?userId=xxx&limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing userId", "userId query parameter is required")
		return
	}
	limit, offset := pagination(r)

	notifications, err := h.deps.Store.ListByUser(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	data := make([]NotificationResponse, len(notifications))
	for i, n := range notifications {
		data[i] = toResponse(n)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   data,
		"limit":  limit,
		"offset": offset,
		"count":  len(data),
	})
}

// GetStats handles GET /notifications/stats/summary?since=<RFC3339>
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid since", "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}

	stats, err := h.deps.Store.Stats(r.Context(), since)
	if err != nil {
		h.logger.Error("failed to compute stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to compute stats", "")
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// UpdateNotificationStatus handles PATCH /notifications/{id}/status
func (h *Handler) UpdateNotificationStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "Invalid notification ID")
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
		// Optional; when set the update only applies to this version.
		Version int64 `json:"version"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	target := domain.Status(strings.ToUpper(req.Status))
	switch target {
	case domain.StatusSent, domain.StatusDelivered, domain.StatusFailed, domain.StatusCancelled:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: SENT, DELIVERED, FAILED, CANCELLED")
		return
	}

	ctx := r.Context()
	n, err := h.deps.Store.Get(ctx, id)
	if err != nil {
		h.writeStoreError(w, err, "notification", id)
		return
	}
	if req.Version != 0 && req.Version != n.Version {
		h.writeError(w, http.StatusConflict, "version_conflict", "Notification was modified",
			"expected version "+strconv.FormatInt(req.Version, 10)+", found "+strconv.FormatInt(n.Version, 10))
		return
	}

	now := h.now()
	if err := n.TransitionTo(target, req.Reason, now); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_transition", "Invalid state transition", err.Error())
		return
	}

	ev, err := domain.NewOutboxEvent(domain.EventNotificationStatusChanged, n, now)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to record change", "")
		return
	}
	if err := h.deps.Store.Update(ctx, n, ev); err != nil {
		if errors.Is(err, db.ErrVersionConflict) {
			h.writeError(w, http.StatusConflict, "version_conflict", "Notification was modified", err.Error())
			return
		}
		h.writeStoreError(w, err, "notification", id)
		return
	}

	h.logger.Info("notification status updated",
		zap.String("notification_id", id.String()),
		zap.String("status", string(target)),
		zap.Int64("version", n.Version),
	)

	h.writeJSON(w, http.StatusOK, toResponse(n))
}

// DeadLetterResponse exposes the stored payload as text.
type DeadLetterResponse struct {
	*domain.DeadLetter
	EventData string `json:"eventData"`
}

func toDeadLetterResponse(rec *domain.DeadLetter) DeadLetterResponse {
	return DeadLetterResponse{DeadLetter: rec, EventData: string(rec.EventData)}
}

// ListDeadLetters handles GET /dlq?status=&eventType=&limit=&offset=
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	filter := db.DeadLetterFilter{
		Status:    domain.DeadLetterStatus(r.URL.Query().Get("status")),
		EventType: r.URL.Query().Get("eventType"),
		Limit:     limit,
		Offset:    offset,
	}

	records, err := h.deps.DeadLetters.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list dead letters", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list dead letters", "")
		return
	}

	data := make([]DeadLetterResponse, len(records))
	for i, rec := range records {
		data[i] = toDeadLetterResponse(rec)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   data,
		"limit":  limit,
		"offset": offset,
		"count":  len(data),
	})
}

// GetDeadLetter handles GET /dlq/{id}
func (h *Handler) GetDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "Invalid DLQ ID")
	if !ok {
		return
	}

	rec, err := h.deps.DeadLetters.Get(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "dead letter", id)
		return
	}

	h.writeJSON(w, http.StatusOK, toDeadLetterResponse(rec))
}

// ReplayDeadLetter handles POST /dlq/{id}/replay?reset=true
func (h *Handler) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "Invalid DLQ ID")
	if !ok {
		return
	}
	reset, _ := strconv.ParseBool(r.URL.Query().Get("reset"))

	rec, err := h.deps.DeadLetters.Replay(r.Context(), id, reset)
	switch {
	case err == nil:
	case errors.Is(err, deadletter.ErrAlreadyReplayed):
		h.writeError(w, http.StatusConflict, "already_replayed", "Dead letter already replayed", err.Error())
		return
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Dead letter not found", "")
		return
	default:
		h.logger.Error("failed to replay dead letter",
			zap.String("dlq_id", id.String()),
			zap.Error(err),
		)
		h.writeError(w, http.StatusBadGateway, "replay_failed", "Failed to replay dead letter", "")
		return
	}

	h.writeJSON(w, http.StatusOK, toDeadLetterResponse(rec))
}

// ListProviders handles GET /providers
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	stats := []circuitbreaker.Stats{}
	if h.deps.Providers != nil {
		stats = h.deps.Providers()
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"providers": stats})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.deps.Checks))
	for name, check := range h.deps.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	h.writeJSON(w, status, map[string]any{"status": overall, "checks": checks})
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}
	return limit, offset
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request, title string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error, what string, id uuid.UUID) {
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", strings.ToUpper(what[:1])+what[1:]+" not found", "")
		return
	}
	h.logger.Error("store call failed",
		zap.String("resource", what),
		zap.String("id", id.String()),
		zap.Error(err),
	)
	h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load "+what, "")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
