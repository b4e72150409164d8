package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/anikeev/wagate/internal/backend"
	"github.com/anikeev/wagate/internal/config"
	"github.com/anikeev/wagate/internal/domain"
	"github.com/anikeev/wagate/internal/registry"
	"github.com/anikeev/wagate/internal/supervisor"
)

type fakeRepo struct {
	mu   sync.Mutex
	recs map[string]*domain.SessionRecord
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{recs: make(map[string]*domain.SessionRecord)}
}

func (f *fakeRepo) GetSession(_ context.Context, id string) (*domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.recs[id]
	if rec == nil {
		return nil, nil
	}
	copy := *rec
	return &copy, nil
}

func (f *fakeRepo) UpsertSession(_ context.Context, rec *domain.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy := *rec
	f.recs[rec.SessionID] = &copy
	return nil
}

func (f *fakeRepo) UpdateLastActivity(context.Context, string, time.Time) error { return nil }
func (f *fakeRepo) SetAuthenticated(context.Context, string, bool) error       { return nil }

func (f *fakeRepo) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recs, id)
	return nil
}

func (f *fakeRepo) Ping(context.Context) error { return nil }
func (f *fakeRepo) Close() error               { return nil }

type fakeBackend struct {
	events   chan backend.Event
	sendText func(ctx context.Context, req backend.SendTextRequest) (string, error)
	chatInfo func(ctx context.Context, chatID string) (*domain.Chat, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{events: make(chan backend.Event, 16)}
}

func (f *fakeBackend) Events() <-chan backend.Event { return f.events }
func (f *fakeBackend) Ping(context.Context) error   { return nil }

func (f *fakeBackend) SendText(ctx context.Context, req backend.SendTextRequest) (string, error) {
	if f.sendText != nil {
		return f.sendText(ctx, req)
	}
	return "sent-1", nil
}

func (f *fakeBackend) SendMedia(context.Context, backend.SendMediaRequest) (string, error) {
	return "sent-media-1", nil
}

func (f *fakeBackend) LookupMessage(_ context.Context, id string) (*backend.MessageRef, error) {
	return &backend.MessageRef{MessageID: id, ChatID: "123@g.us"}, nil
}

func (f *fakeBackend) Forward(context.Context, string, string) (string, error) {
	return "fwd-1", nil
}

func (f *fakeBackend) Chats(context.Context) ([]domain.Chat, error) {
	return []domain.Chat{{ChatID: "123@g.us", Name: "ops", IsGroup: true}}, nil
}

func (f *fakeBackend) ChatInfo(ctx context.Context, chatID string) (*domain.Chat, error) {
	if f.chatInfo != nil {
		return f.chatInfo(ctx, chatID)
	}
	return &domain.Chat{ChatID: chatID, IsGroup: domain.IsGroupChatID(chatID)}, nil
}

func (f *fakeBackend) ClearMessages(context.Context, string) error { return nil }
func (f *fakeBackend) Logout(context.Context) error                { return nil }
func (f *fakeBackend) Close(context.Context) error                 { return nil }

type fakeLauncher struct {
	mu       sync.Mutex
	backends map[string]*fakeBackend
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{backends: make(map[string]*fakeBackend)}
}

func (fl *fakeLauncher) Launch(_ context.Context, cfg backend.LaunchConfig) (backend.Client, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	b := newFakeBackend()
	fl.backends[cfg.SessionID] = b
	return b, nil
}

func (fl *fakeLauncher) backend(id string) *fakeBackend {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.backends[id]
}

type testGateway struct {
	handler  *Handler
	reg      *registry.Registry
	launcher *fakeLauncher
	router   chi.Router
	cfg      *config.Config
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	cfg := &config.Config{
		DefaultSession: "default",
		MediaDir:       t.TempDir(),
		Timeout: config.Timeouts{
			Status:     time.Second,
			Send:       time.Second,
			MediaFetch: time.Second,
			MediaSend:  time.Second,
			Lookup:     time.Second,
			Forward:    time.Second,
			Chats:      time.Second,
		},
	}

	launcher := newFakeLauncher()
	reg := registry.New(registry.Config{
		DataDir:          t.TempDir(),
		MaxSessions:      5,
		WatchdogInterval: time.Hour,
		RestartDebounce:  time.Hour,
		PingBudget:       time.Second,
	}, launcher, newFakeRepo(), supervisor.Hooks{})
	t.Cleanup(reg.Shutdown)

	h := NewHandler(reg, cfg)
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Get("/sessions", h.ListSessions)
	r.Get("/sessions/{id}/status", h.SessionStatus)
	r.Post("/sessions/{id}/initialize", h.InitializeSession)
	r.Post("/sessions/{id}/logout", h.LogoutSession)
	r.Get("/sessions/{id}/chats", h.ListChats)
	r.Post("/send-text", h.SendText)
	r.Post("/forward-message", h.ForwardMessage)
	r.Post("/clear-group-messages", h.ClearGroupMessages)

	return &testGateway{handler: h, reg: reg, launcher: launcher, router: r, cfg: cfg}
}

func (g *testGateway) readySession(t *testing.T, id string) *fakeBackend {
	t.Helper()
	if _, err := g.reg.Create(context.Background(), id); err != nil {
		t.Fatalf("create session: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if b := g.launcher.backend(id); b != nil {
			b.events <- backend.Event{Type: backend.EventReady}
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	for time.Now().Before(deadline) {
		status, err := g.reg.Status(id)
		if err == nil && status.Ready {
			return g.launcher.backend(id)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never became ready", id)
	return nil
}

func (g *testGateway) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("undecodable response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestSendTextDeliversThroughBackend(t *testing.T) {
	g := newTestGateway(t)
	b := g.readySession(t, "default")

	var gotChat string
	b.sendText = func(_ context.Context, req backend.SendTextRequest) (string, error) {
		gotChat = req.ChatID
		return "msg-77", nil
	}

	rec := g.do(t, http.MethodPost, "/send-text", map[string]string{
		"phone": "1555000111", "message": "hi",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeEnvelope(t, rec)
	if body["error"] != false || body["messageId"] != "msg-77" {
		t.Fatalf("unexpected envelope: %v", body)
	}
	if gotChat != "1555000111@c.us" {
		t.Fatalf("bare phone must be normalized, got %q", gotChat)
	}
}

func TestSendTextTimeoutReturns504(t *testing.T) {
	g := newTestGateway(t)
	b := g.readySession(t, "default")
	g.cfg.Timeout.Send = 50 * time.Millisecond

	b.sendText = func(ctx context.Context, _ backend.SendTextRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	rec := g.do(t, http.MethodPost, "/send-text", map[string]string{
		"phone": "1555", "message": "stuck",
	})
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 for a stuck backend, got %d", rec.Code)
	}
	body := decodeEnvelope(t, rec)
	if body["error"] != true {
		t.Fatalf("error envelope must set error=true: %v", body)
	}
	if _, ok := body["timestamp"]; !ok {
		t.Fatalf("error envelope must carry a timestamp: %v", body)
	}
}

func TestSendTextRejectsUnreadySession(t *testing.T) {
	g := newTestGateway(t)
	if _, err := g.reg.Create(context.Background(), "default"); err != nil {
		t.Fatalf("create session: %v", err)
	}

	rec := g.do(t, http.MethodPost, "/send-text", map[string]string{
		"phone": "1555", "message": "too early",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before the session is ready, got %d", rec.Code)
	}
}

func TestSessionQueryParamSelectsSession(t *testing.T) {
	g := newTestGateway(t)
	g.readySession(t, "default")
	g.readySession(t, "second")

	rec := g.do(t, http.MethodPost, "/send-text?session=missing", map[string]string{
		"phone": "1555", "message": "hi",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown session, got %d", rec.Code)
	}

	rec = g.do(t, http.MethodPost, "/send-text?session=second", map[string]string{
		"phone": "1555", "message": "hi",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for the named session, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStatusUnknownSessionReturns404(t *testing.T) {
	g := newTestGateway(t)
	rec := g.do(t, http.MethodGet, "/sessions/ghost/status", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestInitializeDuplicateReturns409(t *testing.T) {
	g := newTestGateway(t)
	g.readySession(t, "dup")

	rec := g.do(t, http.MethodPost, "/sessions/dup/initialize", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a duplicate session, got %d", rec.Code)
	}
}

func TestClearGroupMessagesRejectsIndividualChat(t *testing.T) {
	g := newTestGateway(t)
	g.readySession(t, "default")

	rec := g.do(t, http.MethodPost, "/clear-group-messages", map[string]string{
		"chatId": "1555@c.us",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-group chat, got %d", rec.Code)
	}
}

func TestForwardMessageUsesLookupResult(t *testing.T) {
	g := newTestGateway(t)
	g.readySession(t, "default")

	rec := g.do(t, http.MethodPost, "/forward-message", map[string]string{
		"messageId": "orig-1", "toChatId": "999",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeEnvelope(t, rec)
	if body["messageId"] != "fwd-1" {
		t.Fatalf("unexpected envelope: %v", body)
	}
}

func TestHealthNeedsNoSession(t *testing.T) {
	g := newTestGateway(t)
	rec := g.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeEnvelope(t, rec)
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}
}
