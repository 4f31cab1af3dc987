package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/database"
	"github.com/newpush/coach-sub004/internal/middleware"
	"github.com/newpush/coach-sub004/internal/orchestrator"
	"github.com/newpush/coach-sub004/internal/provider"
	"github.com/newpush/coach-sub004/internal/webhook"
)

const testSecret = "test-secret"

type fakeSyncer struct {
	mu       sync.Mutex
	requests []orchestrator.Request
	err      error
}

func (f *fakeSyncer) Sync(_ context.Context, req orchestrator.Request) (orchestrator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	res := orchestrator.Result{Provider: req.Provider, Entity: req.Entity, Outcome: orchestrator.OutcomeSuccess, Upserted: 2}
	if f.err != nil {
		res.Outcome = orchestrator.OutcomeRateLimited
		res.Error = f.err.Error()
	}
	return res, f.err
}

func (f *fakeSyncer) SyncEntity(_ context.Context, userID string, entity canonical.EntityType, start, end time.Time) (orchestrator.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, orchestrator.Request{UserID: userID, Entity: entity, Window: canonical.NewWindow(start, end)})
	if f.err != nil {
		return orchestrator.Summary{}, f.err
	}
	return orchestrator.Summary{Upserted: 3, Outcome: orchestrator.OutcomeSuccess}, nil
}

type testServer struct {
	db     *database.DB
	syncer *fakeSyncer
	auth   *middleware.JWTAuth
	mux    http.Handler
	events *EventsHandler
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	db, err := database.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Init())

	router, err := webhook.NewRouter(db, nil, webhook.DefaultMappers()...)
	require.NoError(t, err)

	s := &testServer{db: db, syncer: &fakeSyncer{}, auth: middleware.NewJWTAuth(testSecret, "coach-sync")}
	s.events = NewEventsHandler(db)
	s.events.pollInterval = 5 * time.Millisecond
	s.events.pollTimeout = 100 * time.Millisecond
	s.mux = Routes{
		Webhooks: NewWebhookHandler(db, router, "verify-me"),
		Sync:     NewSyncHandler(s.syncer),
		Events:   s.events,
		Health:   HealthHandler(db),
		Auth:     s.auth,
	}.Handler()
	return s
}

func (s *testServer) token(t *testing.T, user string, scopes ...string) string {
	t.Helper()
	tok, err := s.auth.GenerateToken(user, scopes, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	return w
}

func (s *testServer) post(t *testing.T, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return s.do(req)
}

func TestHandleVerification(t *testing.T) {
	s := setupServer(t)

	w := s.do(httptest.NewRequest(http.MethodGet, "/webhooks/strava?hub.mode=subscribe&hub.challenge=abc123&hub.verify_token=verify-me", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "abc123", body["hub.challenge"])

	w = s.do(httptest.NewRequest(http.MethodGet, "/webhooks/strava?hub.mode=subscribe&hub.challenge=abc123&hub.verify_token=wrong", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleEventQueuesOnce(t *testing.T) {
	s := setupServer(t)
	body := `{"object_type":"activity","object_id":1,"aspect_type":"create","owner_id":42}`

	w := s.post(t, "/webhooks/strava", "", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"queued"`)

	// Same payload with different whitespace is a retry of the same delivery
	w = s.post(t, "/webhooks/strava", "", `{"object_type": "activity", "object_id": 1, "aspect_type": "create", "owner_id": 42}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"duplicate"`)

	n, err := s.db.GetQueueLength()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, err := s.db.ClaimWebhook(context.Background())
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, canonical.ProviderStrava, item.Provider)
}

func TestHandleEventRejectsInvalidPayloads(t *testing.T) {
	s := setupServer(t)

	w := s.post(t, "/webhooks/strava", "", `{"object_type":"activity"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.post(t, "/webhooks/intervals", "", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.post(t, "/webhooks/garmin", "", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	n, err := s.db.GetQueueLength()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncRequiresToken(t *testing.T) {
	s := setupServer(t)
	w := s.post(t, "/api/sync", "", `{"entity":"activities","start":"2026-03-01","end":"2026-03-02"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	bad := middleware.NewJWTAuth("other-secret", "coach-sync")
	tok, err := bad.GenerateToken("u1", nil, time.Hour)
	require.NoError(t, err)
	w = s.post(t, "/api/sync", tok, `{"entity":"activities","start":"2026-03-01","end":"2026-03-02"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, s.syncer.requests)
}

func TestSyncAllProvidersForTokenUser(t *testing.T) {
	s := setupServer(t)
	w := s.post(t, "/api/sync", s.token(t, "u1"), `{"entity":"wellness","start":"2026-03-01","end":"2026-03-07"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var summary orchestrator.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 3, summary.Upserted)

	require.Len(t, s.syncer.requests, 1)
	assert.Equal(t, "u1", s.syncer.requests[0].UserID)
	assert.Equal(t, canonical.EntityWellness, s.syncer.requests[0].Entity)
}

func TestSyncOneProvider(t *testing.T) {
	s := setupServer(t)
	w := s.post(t, "/api/sync", s.token(t, "u1"),
		`{"provider":"intervals","entity":"planned","start":"2026-03-01","end":"2026-03-28"}`)
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, s.syncer.requests, 1)
	req := s.syncer.requests[0]
	assert.Equal(t, canonical.ProviderIntervals, req.Provider)
	assert.Equal(t, canonical.NewWindow(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 28, 0, 0, 0, 0, time.UTC)), req.Window)
}

func TestSyncOtherUserNeedsAdmin(t *testing.T) {
	s := setupServer(t)
	body := `{"user_id":"u2","entity":"activities","start":"2026-03-01","end":"2026-03-02"}`

	w := s.post(t, "/api/sync", s.token(t, "u1"), body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.post(t, "/api/sync", s.token(t, "ops", middleware.ScopeAdmin), body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u2", s.syncer.requests[0].UserID)
}

func TestSyncValidatesBody(t *testing.T) {
	s := setupServer(t)
	tok := s.token(t, "u1")
	for _, body := range []string{
		`{"entity":"sleep","start":"2026-03-01","end":"2026-03-02"}`,
		`{"entity":"activities","start":"03/01/2026","end":"2026-03-02"}`,
		`{"entity":"activities","start":"2026-03-05","end":"2026-03-02"}`,
		`{`,
	} {
		w := s.post(t, "/api/sync", tok, body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Empty(t, s.syncer.requests)
}

func TestSyncMapsProviderFailures(t *testing.T) {
	s := setupServer(t)
	s.syncer.err = &provider.Error{Kind: provider.KindRateLimited, Provider: canonical.ProviderStrava}

	w := s.post(t, "/api/sync", s.token(t, "u1"), `{"provider":"strava","entity":"activities","start":"2026-03-01","end":"2026-03-02"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), `"rate_limited"`)

	s.syncer.err = orchestrator.ErrNoIntegration
	w = s.post(t, "/api/sync", s.token(t, "u1"), `{"entity":"activities","start":"2026-03-01","end":"2026-03-02"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusOK, statusFor(nil))
	assert.Equal(t, http.StatusConflict, statusFor(orchestrator.ErrNeedsReauth))
	assert.Equal(t, http.StatusBadGateway, statusFor(&provider.Error{Kind: provider.KindTransient}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func seedEvents(t *testing.T, db *database.DB, user string, keys ...string) {
	t.Helper()
	for _, k := range keys {
		_, err := db.InsertOutboxEvent(context.Background(), &database.OutboxEvent{
			EventType: orchestrator.EventSyncCompleted, UserID: user, IdempotencyKey: k, Payload: json.RawMessage(`{}`),
		})
		require.NoError(t, err)
	}
}

type eventsResponse struct {
	Events []database.OutboxEvent `json:"events"`
	Cursor int64                  `json:"cursor"`
}

func (s *testServer) getEvents(t *testing.T, token, query string) (int, eventsResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/events"+query, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := s.do(req)
	var out eventsResponse
	if w.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&out))
	}
	return w.Code, out
}

func TestEventsFeedIsScopedToUser(t *testing.T) {
	s := setupServer(t)
	seedEvents(t, s.db, "u1", "a", "b")
	seedEvents(t, s.db, "u2", "c")
	seedEvents(t, s.db, "u1", "d")

	code, out := s.getEvents(t, s.token(t, "u1"), "?limit=2")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out.Events, 2)
	assert.Equal(t, "a", out.Events[0].IdempotencyKey)
	assert.Equal(t, out.Events[1].ID, out.Cursor)

	code, out = s.getEvents(t, s.token(t, "u1"), "?cursor="+jsonInt(out.Cursor))
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out.Events, 1)
	assert.Equal(t, "d", out.Events[0].IdempotencyKey)

	code, _ = s.getEvents(t, s.token(t, "u1"), "?user_id=u2")
	assert.Equal(t, http.StatusForbidden, code)

	code, out = s.getEvents(t, s.token(t, "ops", middleware.ScopeAdmin), "?user_id=u2")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out.Events, 1)
	assert.Equal(t, "c", out.Events[0].IdempotencyKey)
}

func TestEventsValidatesParams(t *testing.T) {
	s := setupServer(t)
	tok := s.token(t, "u1")
	for _, q := range []string{"?cursor=x", "?limit=0", "?limit=1001", "?limit=abc"} {
		code, _ := s.getEvents(t, tok, q)
		assert.Equal(t, http.StatusBadRequest, code, q)
	}
}

func TestEventsLongPoll(t *testing.T) {
	s := setupServer(t)
	tok := s.token(t, "u1")

	start := time.Now()
	code, out := s.getEvents(t, tok, "?long_poll")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, out.Events)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.db.InsertOutboxEvent(context.Background(), &database.OutboxEvent{
			EventType: orchestrator.EventSyncCompleted, UserID: "u1", IdempotencyKey: "late", Payload: json.RawMessage(`{}`),
		})
	}()
	code, out = s.getEvents(t, tok, "?long_poll=true")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out.Events, 1)
	assert.Equal(t, "late", out.Events[0].IdempotencyKey)
}

func TestHealth(t *testing.T) {
	s := setupServer(t)
	w := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
