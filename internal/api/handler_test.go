package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/db/dbtest"
	"github.com/lalithlochan/courier/internal/deadletter"
	"github.com/lalithlochan/courier/internal/delivery"
	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/intake"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/template"
)

// MockIntake returns a scripted outcome and records the last request
type MockIntake struct {
	outcome *intake.Outcome
	err     error
	last    intake.Request
	called  bool
}

func (m *MockIntake) Process(ctx context.Context, req intake.Request) (*intake.Outcome, error) {
	m.called = true
	m.last = req
	return m.outcome, m.err
}

// MockDeadLetters wraps the in-memory store with a scripted replay result
type MockDeadLetters struct {
	*dbtest.DeadLetters
	replayErr error
	replayed  []uuid.UUID
	reset     bool
}

func (m *MockDeadLetters) Replay(ctx context.Context, id uuid.UUID, reset bool) (*domain.DeadLetter, error) {
	if m.replayErr != nil {
		return nil, m.replayErr
	}
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.replayed = append(m.replayed, id)
	m.reset = reset
	rec.Status = domain.DeadLetterRetried
	return rec, nil
}

type testEnv struct {
	router  http.Handler
	intake  *MockIntake
	store   *dbtest.Notifications
	dlq     *MockDeadLetters
	handler *Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		intake: &MockIntake{},
		store:  dbtest.NewNotifications(),
		dlq:    &MockDeadLetters{DeadLetters: dbtest.NewDeadLetters()},
	}
	env.handler = NewHandler(zap.NewNop(), Deps{
		Intake:      env.intake,
		Store:       env.store,
		DeadLetters: env.dlq,
		Events:      events.NewRouter(events.Settings{BaseURL: "https://app.example.com", AppName: "Acme"}),
		Providers: func() []circuitbreaker.Stats {
			return []circuitbreaker.Stats{{Name: "ses", State: "CLOSED"}}
		},
		Checks: map[string]HealthCheck{
			"postgres": func(ctx context.Context) error { return nil },
		},
	})
	env.router = env.handler.Routes()
	return env
}

func (e *testEnv) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func seedNotification(t *testing.T, store *dbtest.Notifications, userID string) *domain.Notification {
	t.Helper()
	n, err := domain.New(domain.NewParams{
		UserID:    userID,
		Type:      domain.TypeEmail,
		Recipient: "jane@example.com",
		Subject:   "Hi",
		Content:   "Hello",
		EventType: "user.welcome",
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.Create(context.Background(), n); err != nil {
		t.Fatalf("seed create: %v", err)
	}
	return n
}

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}
	var p ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	return p
}

func sentNotification(t *testing.T) *domain.Notification {
	t.Helper()
	n, err := domain.New(domain.NewParams{Type: domain.TypeSMS, Recipient: "+14155552671", Content: "code 1234", EventType: EventTypeAPI})
	if err != nil {
		t.Fatal(err)
	}
	_ = n.MarkAsSent(time.Now())
	return n
}

func TestCreateNotification_Accepted(t *testing.T) {
	env := newTestEnv(t)
	env.intake.outcome = &intake.Outcome{Notification: sentNotification(t)}

	w := env.do("POST", "/notifications", map[string]any{
		"type":      "sms",
		"recipient": "+14155552671",
		"content":   "code 1234",
		"priority":  "high",
	}, "Idempotency-Key", "req-1")

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp["recipient"] != "+14155552671" {
		t.Errorf("recipient = %v", resp["recipient"])
	}
	if resp["status"] != "SENT" {
		t.Errorf("status = %v", resp["status"])
	}

	got := env.intake.last
	if got.Type != domain.TypeSMS || got.Priority != domain.PriorityHigh {
		t.Errorf("request type/priority = %s/%s", got.Type, got.Priority)
	}
	if got.IdempotencyKey != "req-1" {
		t.Errorf("idempotency key = %q, want header value", got.IdempotencyKey)
	}
	if got.EventType != EventTypeAPI {
		t.Errorf("event type = %q", got.EventType)
	}
}

func TestCreateNotification_Outcomes(t *testing.T) {
	failedN := sentNotification(t)
	failedN.Status = domain.StatusFailed

	tests := []struct {
		name       string
		outcome    *intake.Outcome
		err        error
		wantStatus int
		wantType   string
	}{
		{"duplicate", &intake.Outcome{Notification: sentNotification(t), Duplicate: true}, nil, http.StatusOK, ""},
		{"lock held", &intake.Outcome{Skipped: true}, nil, http.StatusConflict, "in_progress"},
		{"validation", nil, fmt.Errorf("%w: bad phone", intake.ErrValidation), http.StatusBadRequest, "validation_error"},
		{"template", nil, fmt.Errorf("render: %w", template.ErrTemplateNotFound), http.StatusBadRequest, "template_not_found"},
		{"provider down", &intake.Outcome{Notification: failedN}, &delivery.FailedError{Retryable: true, Reason: "circuit open"}, http.StatusAccepted, ""},
		{"store down", nil, errors.New("connection refused"), http.StatusInternalServerError, "processing_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.intake.outcome = tt.outcome
			env.intake.err = tt.err

			w := env.do("POST", "/notifications", map[string]any{"type": "SMS", "recipient": "+14155552671", "content": "x"})
			if w.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.wantType != "" {
				if p := decodeProblem(t, w); p.Type != tt.wantType {
					t.Errorf("problem type = %q, want %q", p.Type, tt.wantType)
				}
			}
			if tt.name == "duplicate" && w.Header().Get("X-Idempotency-Replayed") != "true" {
				t.Error("expected X-Idempotency-Replayed header")
			}
		})
	}
}

func TestCreateNotification_BadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"type":`},
		{"unknown type", `{"type":"fax","recipient":"x","content":"y"}`},
		{"unknown priority", `{"type":"email","recipient":"a@b.io","content":"y","priority":"whenever"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do("POST", "/notifications", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			if env.intake.called {
				t.Error("intake should not be called")
			}
		})
	}
}

func TestCreateFromEvent_BuildsTemplatedRequest(t *testing.T) {
	env := newTestEnv(t)
	env.intake.outcome = &intake.Outcome{Notification: sentNotification(t)}

	w := env.do("POST", "/notifications/password-reset", map[string]any{
		"userId": "u-1",
		"email":  "jane@example.com",
		"token":  "tok",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	got := env.intake.last
	if got.Template != template.PasswordReset {
		t.Errorf("template = %q", got.Template)
	}
	if got.Variables["resetUrl"] != "https://app.example.com/reset-password?token=tok" {
		t.Errorf("resetUrl = %v", got.Variables["resetUrl"])
	}
	if got.IdempotencyKey != "user.password.reset:jane@example.com:tok" {
		t.Errorf("derived key = %q", got.IdempotencyKey)
	}
}

func TestCreateFromEvent_Validation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do("POST", "/notifications/email-verification", map[string]any{"email": "jane@example.com"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing token: expected 400, got %d", w.Code)
	}

	w = env.do("POST", "/notifications/welcome", "not json")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed: expected 400, got %d", w.Code)
	}
	if env.intake.called {
		t.Error("intake should not be called")
	}
}

func TestGetNotification(t *testing.T) {
	env := newTestEnv(t)
	n := seedNotification(t, env.store, "u-1")

	w := env.do("GET", "/notifications/"+n.ID.String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp["id"] != n.ID.String() || resp["recipient"] != "jane@example.com" {
		t.Errorf("unexpected body: %v", resp)
	}

	if w := env.do("GET", "/notifications/"+uuid.NewString(), nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown id: expected 404, got %d", w.Code)
	}
	if w := env.do("GET", "/notifications/not-a-uuid", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", w.Code)
	}
}

func TestListNotifications(t *testing.T) {
	env := newTestEnv(t)
	seedNotification(t, env.store, "u-1")
	seedNotification(t, env.store, "u-1")
	seedNotification(t, env.store, "u-2")

	w := env.do("GET", "/notifications?userId=u-1&limit=500", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Data  []map[string]any `json:"data"`
		Limit int              `json:"limit"`
		Count int              `json:"count"`
	}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Count != 2 || len(resp.Data) != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
	if resp.Limit != 20 {
		t.Errorf("out-of-range limit should fall back to 20, got %d", resp.Limit)
	}

	if w := env.do("GET", "/notifications", nil); w.Code != http.StatusBadRequest {
		t.Errorf("missing userId: expected 400, got %d", w.Code)
	}
}

func TestGetStats(t *testing.T) {
	env := newTestEnv(t)
	seedNotification(t, env.store, "u-1")

	w := env.do("GET", "/notifications/stats/summary", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var stats db.Stats
	_ = json.NewDecoder(w.Body).Decode(&stats)
	if stats.Total != 1 || stats.ByStatus[domain.StatusPending] != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	if w := env.do("GET", "/notifications/stats/summary?since=yesterday", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad since: expected 400, got %d", w.Code)
	}
}

func TestUpdateNotificationStatus(t *testing.T) {
	env := newTestEnv(t)
	n := seedNotification(t, env.store, "u-1")
	path := "/notifications/" + n.ID.String() + "/status"

	w := env.do("PATCH", path, map[string]any{"status": "sent", "version": 1})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	stored, _ := env.store.Get(context.Background(), n.ID)
	if stored.Status != domain.StatusSent || stored.Version != 2 {
		t.Errorf("stored = %s v%d", stored.Status, stored.Version)
	}
	if types := env.store.OutboxTypes(); len(types) != 1 || types[0] != domain.EventNotificationStatusChanged {
		t.Errorf("outbox = %v", types)
	}

	// Stale version.
	w = env.do("PATCH", path, map[string]any{"status": "delivered", "version": 1})
	if w.Code != http.StatusConflict {
		t.Errorf("stale version: expected 409, got %d", w.Code)
	}

	// SENT -> CANCELLED is not allowed.
	w = env.do("PATCH", path, map[string]any{"status": "cancelled"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid transition: expected 422, got %d", w.Code)
	}

	w = env.do("PATCH", path, map[string]any{"status": "pending"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown target: expected 400, got %d", w.Code)
	}

	w = env.do("PATCH", "/notifications/"+uuid.NewString()+"/status", map[string]any{"status": "sent"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown id: expected 404, got %d", w.Code)
	}
}

func TestUpdateNotificationStatus_ConcurrentWriter(t *testing.T) {
	env := newTestEnv(t)
	n := seedNotification(t, env.store, "u-1")
	env.store.UpdateErr = fmt.Errorf("%w: notification %s", db.ErrVersionConflict, n.ID)

	w := env.do("PATCH", "/notifications/"+n.ID.String()+"/status", map[string]any{"status": "failed", "reason": "bounced"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if p := decodeProblem(t, w); p.Type != "version_conflict" {
		t.Errorf("problem type = %q", p.Type)
	}
}

func seedDeadLetter(t *testing.T, store *dbtest.DeadLetters, status domain.DeadLetterStatus) *domain.DeadLetter {
	t.Helper()
	rec := &domain.DeadLetter{
		ID:              uuid.New(),
		OriginalEventID: "evt-1",
		EventType:       events.TopicUserWelcome,
		EventData:       []byte(`{"email":"a@b.io"}`),
		FailureReason:   "retry attempts exhausted",
		RetryCount:      3,
		Status:          status,
		FailedAt:        time.Now().UTC(),
	}
	if err := store.Insert(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestDeadLetterEndpoints(t *testing.T) {
	env := newTestEnv(t)
	rec := seedDeadLetter(t, env.dlq.DeadLetters, domain.DeadLetterRetryExhausted)
	seedDeadLetter(t, env.dlq.DeadLetters, domain.DeadLetterFailed)

	w := env.do("GET", "/dlq?status=retry_exhausted", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	var list struct {
		Data []map[string]any `json:"data"`
	}
	_ = json.NewDecoder(w.Body).Decode(&list)
	if len(list.Data) != 1 {
		t.Fatalf("expected 1 filtered record, got %d", len(list.Data))
	}
	if list.Data[0]["eventData"] != `{"email":"a@b.io"}` {
		t.Errorf("eventData = %v", list.Data[0]["eventData"])
	}

	w = env.do("GET", "/dlq/"+rec.ID.String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}

	w = env.do("POST", "/dlq/"+rec.ID.String()+"/replay?reset=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d", w.Code)
	}
	if len(env.dlq.replayed) != 1 || !env.dlq.reset {
		t.Errorf("replayed = %v reset = %v", env.dlq.replayed, env.dlq.reset)
	}

	if w := env.do("GET", "/dlq/"+uuid.NewString(), nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown: expected 404, got %d", w.Code)
	}
}

func TestReplayDeadLetter_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"already replayed", fmt.Errorf("%w: x", deadletter.ErrAlreadyReplayed), http.StatusConflict},
		{"not found", fmt.Errorf("%w: x", db.ErrNotFound), http.StatusNotFound},
		{"broker down", errors.New("kafka: client has run out of available brokers"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.dlq.replayErr = tt.err
			w := env.do("POST", "/dlq/"+uuid.NewString()+"/replay", nil)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestProvidersAndHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do("GET", "/providers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("providers: expected 200, got %d", w.Code)
	}
	var providers struct {
		Providers []circuitbreaker.Stats `json:"providers"`
	}
	_ = json.NewDecoder(w.Body).Decode(&providers)
	if len(providers.Providers) != 1 || providers.Providers[0].Name != "ses" {
		t.Errorf("providers = %+v", providers.Providers)
	}

	if w := env.do("GET", "/health", nil); w.Code != http.StatusOK {
		t.Errorf("health: expected 200, got %d", w.Code)
	}

	env.handler.deps.Checks["redis"] = func(ctx context.Context) error { return errors.New("dial tcp: refused") }
	w = env.do("GET", "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded health: expected 503, got %d", w.Code)
	}
	var health struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	_ = json.NewDecoder(w.Body).Decode(&health)
	if health.Status != "degraded" || health.Checks["postgres"] != "ok" {
		t.Errorf("health = %+v", health)
	}
}

type okSender struct{ calls int }

func (s *okSender) Send(ctx context.Context, n *domain.Notification) (*domain.Receipt, error) {
	s.calls++
	return &domain.Receipt{Provider: "fake", MessageID: "m-" + n.ID.String()}, nil
}

// The real intake pipeline behind the router: a resubmitted verification
// request returns the first notification without a second send.
func TestEmailVerification_ResubmitIsDuplicate(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	client := redis.NewFromClient(rdb, zap.NewNop())
	logger := zap.NewNop()

	store := dbtest.NewNotifications()
	sender := &okSender{}
	coord := intake.NewCoordinator(
		redis.NewLocker(client, 0, logger),
		redis.NewProcessedCache(client, 0, logger),
		store,
		template.NewRenderer(template.NewRegistry(template.DefaultTemplates()...)),
		delivery.NewService(store, sender, logger),
		0,
		logger,
	)

	h := NewHandler(logger, Deps{
		Intake: coord,
		Store:  store,
		Events: events.NewRouter(events.Settings{BaseURL: "https://app.example.com", AppName: "Acme"}),
	})
	router := h.Routes()

	post := func() *httptest.ResponseRecorder {
		body := `{"userId":"u-1","email":"Jane@Example.com","name":"Jane","token":"abc"}`
		req := httptest.NewRequest("POST", "/notifications/email-verification", bytes.NewBufferString(body))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	first := post()
	if first.Code != http.StatusAccepted {
		t.Fatalf("first: expected 202, got %d: %s", first.Code, first.Body.String())
	}
	second := post()
	if second.Code != http.StatusOK {
		t.Fatalf("second: expected 200, got %d: %s", second.Code, second.Body.String())
	}

	var a, b map[string]any
	_ = json.NewDecoder(first.Body).Decode(&a)
	_ = json.NewDecoder(second.Body).Decode(&b)
	if a["id"] != b["id"] {
		t.Errorf("duplicate returned a different notification: %v vs %v", a["id"], b["id"])
	}
	if b["duplicate"] != true {
		t.Errorf("second response should be flagged duplicate")
	}
	if sender.calls != 1 {
		t.Errorf("expected one provider call, got %d", sender.calls)
	}
	if a["recipient"] != "jane@example.com" {
		t.Errorf("recipient = %v", a["recipient"])
	}
}
