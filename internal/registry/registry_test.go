package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/anikeev/wagate/internal/backend"
	"github.com/anikeev/wagate/internal/domain"
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

func (f *fakeRepo) UpdateLastActivity(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec := f.recs[id]; rec != nil {
		rec.LastActivityAt = at
	}
	return nil
}

func (f *fakeRepo) SetAuthenticated(_ context.Context, id string, authenticated bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec := f.recs[id]; rec != nil {
		rec.Authenticated = authenticated
	}
	return nil
}

func (f *fakeRepo) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recs, id)
	return nil
}

func (f *fakeRepo) Ping(_ context.Context) error { return nil }
func (f *fakeRepo) Close() error                 { return nil }

type fakeBackend struct {
	mu         sync.Mutex
	events     chan backend.Event
	logoutErr  error
	logoutCnt  int
	closeCalls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{events: make(chan backend.Event, 16)}
}

func (f *fakeBackend) Events() <-chan backend.Event { return f.events }
func (f *fakeBackend) Ping(context.Context) error   { return nil }

func (f *fakeBackend) SendText(context.Context, backend.SendTextRequest) (string, error) {
	return "msg-1", nil
}

func (f *fakeBackend) SendMedia(context.Context, backend.SendMediaRequest) (string, error) {
	return "msg-2", nil
}

func (f *fakeBackend) LookupMessage(context.Context, string) (*backend.MessageRef, error) {
	return nil, backend.ErrNotFound
}

func (f *fakeBackend) Forward(context.Context, string, string) (string, error) { return "", nil }
func (f *fakeBackend) Chats(context.Context) ([]domain.Chat, error)            { return nil, nil }

func (f *fakeBackend) ChatInfo(context.Context, string) (*domain.Chat, error) {
	return nil, backend.ErrNotFound
}

func (f *fakeBackend) ClearMessages(context.Context, string) error { return nil }

func (f *fakeBackend) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCnt++
	return f.logoutErr
}

func (f *fakeBackend) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	backends map[string]*fakeBackend
	launches int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{backends: make(map[string]*fakeBackend)}
}

func (fl *fakeLauncher) Launch(_ context.Context, cfg backend.LaunchConfig) (backend.Client, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.launches++
	b := newFakeBackend()
	fl.backends[cfg.SessionID] = b
	return b, nil
}

func (fl *fakeLauncher) backend(id string) *fakeBackend {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.backends[id]
}

func (fl *fakeLauncher) launchCount() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.launches
}

func testRegistry(t *testing.T, maxSessions int) (*Registry, *fakeLauncher, *fakeRepo) {
	t.Helper()
	launcher := newFakeLauncher()
	repo := newFakeRepo()
	r := New(Config{
		DataDir:          t.TempDir(),
		MaxSessions:      maxSessions,
		WatchdogInterval: 50 * time.Millisecond,
		RestartDebounce:  50 * time.Millisecond,
		PingBudget:       50 * time.Millisecond,
		LogoutBudget:     time.Second,
	}, launcher, repo, supervisor.Hooks{})
	t.Cleanup(r.Shutdown)
	return r, launcher, repo
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func markReady(t *testing.T, launcher *fakeLauncher, r *Registry, id string) {
	t.Helper()
	waitFor(t, "backend launch", func() bool { return launcher.backend(id) != nil })
	launcher.backend(id).events <- backend.Event{Type: backend.EventReady}
	waitFor(t, "session ready", func() bool {
		status, err := r.Status(id)
		return err == nil && status.Ready
	})
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	r, _, _ := testRegistry(t, 5)

	if _, err := r.Create(context.Background(), "alpha"); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	_, err := r.Create(context.Background(), "alpha")
	if !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func TestCreateEnforcesCapacity(t *testing.T) {
	r, _, _ := testRegistry(t, 1)

	if _, err := r.Create(context.Background(), "one"); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	_, err := r.Create(context.Background(), "two")
	if !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("expected ErrTooManySessions, got %v", err)
	}
}

func TestCreateRejectsUnsafeID(t *testing.T) {
	r, _, _ := testRegistry(t, 5)
	_, err := r.Create(context.Background(), "../escape")
	if !errors.Is(err, ErrInvalidSessionID) {
		t.Fatalf("expected ErrInvalidSessionID, got %v", err)
	}
}

func TestDestroyAlwaysRemovesEntry(t *testing.T) {
	r, launcher, repo := testRegistry(t, 5)

	if _, err := r.Create(context.Background(), "doomed"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	markReady(t, launcher, r, "doomed")
	launcher.backend("doomed").logoutErr = errors.New("backend wedged")

	if err := r.Destroy(context.Background(), "doomed"); err != nil {
		t.Fatalf("destroy must succeed despite backend failure, got %v", err)
	}
	if _, err := r.Get("doomed"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after destroy, got %v", err)
	}
	if rec, _ := repo.GetSession(context.Background(), "doomed"); rec != nil {
		t.Fatalf("session record must be deleted")
	}
}

func TestDestroyKeepsCredentialDirectory(t *testing.T) {
	r, _, _ := testRegistry(t, 5)

	if _, err := r.Create(context.Background(), "persistent"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	credDir := filepath.Join(r.cfg.DataDir, "persistent")
	if err := r.Destroy(context.Background(), "persistent"); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if _, err := os.Stat(credDir); err != nil {
		t.Fatalf("credential directory is backend-owned and must survive destroy: %v", err)
	}
}

func TestDestroyThenRecreateSucceeds(t *testing.T) {
	r, launcher, _ := testRegistry(t, 5)

	if _, err := r.Create(context.Background(), "phoenix"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	markReady(t, launcher, r, "phoenix")
	if err := r.Destroy(context.Background(), "phoenix"); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}

	// The surviving credential directory must not block the next
	// incarnation of the same id.
	if _, err := r.Create(context.Background(), "phoenix"); err != nil {
		t.Fatalf("recreate after destroy failed: %v", err)
	}
	waitFor(t, "second backend launch", func() bool { return launcher.launchCount() == 2 })
	markReady(t, launcher, r, "phoenix")
}

func TestRestoreSeedsPersistedActivity(t *testing.T) {
	r, _, repo := testRegistry(t, 5)

	created := time.Now().Add(-48 * time.Hour)
	lastSeen := time.Now().Add(-2 * time.Hour)
	if err := repo.UpsertSession(context.Background(), &domain.SessionRecord{
		SessionID:      "dormant",
		CreatedAt:      created,
		LastActivityAt: lastSeen,
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(r.cfg.DataDir, "dormant"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if restored := r.RestoreAll(context.Background()); restored != 1 {
		t.Fatalf("expected 1 restored session, got %d", restored)
	}

	status, err := r.Status("dormant")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !status.CreatedAt.Equal(created) {
		t.Fatalf("restore must keep the persisted creation time, got %v", status.CreatedAt)
	}
	if !status.LastActivityAt.Equal(lastSeen) {
		t.Fatalf("restore must keep the persisted activity time, got %v", status.LastActivityAt)
	}

	// Idle expiry must carry across restarts: a session dormant for two
	// hours is already past a one-hour timeout on the next sweep.
	if swept := r.SweepIdle(context.Background(), time.Hour); swept != 1 {
		t.Fatalf("restored idle session must be swept, got %d", swept)
	}
}

func TestRestoreAllIsIdempotent(t *testing.T) {
	r, _, _ := testRegistry(t, 5)

	for _, id := range []string{"alice", "bob"} {
		if err := os.MkdirAll(filepath.Join(r.cfg.DataDir, id), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	if restored := r.RestoreAll(context.Background()); restored != 2 {
		t.Fatalf("expected 2 restored sessions, got %d", restored)
	}
	if len(r.StatusAll()) != 2 {
		t.Fatalf("expected 2 tracked sessions, got %d", len(r.StatusAll()))
	}

	// Second scan finds every session already present and continues
	// past each rather than failing.
	if restored := r.RestoreAll(context.Background()); restored != 0 {
		t.Fatalf("second restore must adopt nothing, got %d", restored)
	}
	if len(r.StatusAll()) != 2 {
		t.Fatalf("second restore must not duplicate sessions, got %d", len(r.StatusAll()))
	}
}

func TestGetTouchesActivity(t *testing.T) {
	r, _, _ := testRegistry(t, 5)

	sess, err := r.Create(context.Background(), "busy")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	before := sess.LastActivity()

	time.Sleep(10 * time.Millisecond)
	if _, err := r.Get("busy"); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !sess.LastActivity().After(before) {
		t.Fatalf("get must advance last activity")
	}
}

func TestSweepIdleDestroysOnlyStaleSessions(t *testing.T) {
	r, _, _ := testRegistry(t, 5)

	stale, err := r.Create(context.Background(), "stale")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := r.Create(context.Background(), "fresh"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stale.mu.Lock()
	stale.lastActivity = time.Now().Add(-time.Hour)
	stale.mu.Unlock()

	if swept := r.SweepIdle(context.Background(), 30*time.Minute); swept != 1 {
		t.Fatalf("expected 1 swept session, got %d", swept)
	}
	if _, err := r.Get("stale"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale session must be gone, got %v", err)
	}
	if _, err := r.Get("fresh"); err != nil {
		t.Fatalf("fresh session must survive, got %v", err)
	}
}

func TestReadyRejectsUnreadySession(t *testing.T) {
	r, launcher, _ := testRegistry(t, 5)

	if _, err := r.Create(context.Background(), "warming"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, _, err := r.Ready("warming"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady before the backend reports ready, got %v", err)
	}

	markReady(t, launcher, r, "warming")
	if _, _, err := r.Ready("warming"); err != nil {
		t.Fatalf("expected ready session, got %v", err)
	}
}
