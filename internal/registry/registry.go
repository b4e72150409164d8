// Package registry tracks named sessions, enforces the concurrency
// limit, and restores persisted sessions on startup.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/anikeev/wagate/internal/backend"
	"github.com/anikeev/wagate/internal/domain"
	"github.com/anikeev/wagate/internal/guard"
	"github.com/anikeev/wagate/internal/store"
	"github.com/anikeev/wagate/internal/supervisor"
)

var (
	// ErrNotFound means no session with that id exists.
	ErrNotFound = errors.New("session not found")
	// ErrSessionExists means a session with that id already exists.
	ErrSessionExists = errors.New("session already exists")
	// ErrTooManySessions means the configured capacity is exhausted.
	ErrTooManySessions = errors.New("maximum concurrent sessions reached")
	// ErrNotReady means the session exists but cannot take commands yet.
	ErrNotReady = errors.New("session not ready")
	// ErrInvalidSessionID means the id cannot name a credential directory.
	ErrInvalidSessionID = errors.New("invalid session id")
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Launcher constructs backend instances. Satisfied by
// backend.DockerRuntime.
type Launcher interface {
	Launch(ctx context.Context, cfg backend.LaunchConfig) (backend.Client, error)
}

// Config carries the registry's tunables.
type Config struct {
	DataDir          string
	MaxSessions      int
	WatchdogInterval time.Duration
	RestartDebounce  time.Duration
	PingBudget       time.Duration
	LogoutBudget     time.Duration
	ProxyAddr        string
	// ProxyAdvertiseHost is handed to each supervisor; the proxy
	// forwarder advertises it to backends.
	ProxyAdvertiseHost string
	NavGuard           bool
}

// Session is one tracked session: its supervisor plus the activity
// bookkeeping the idle sweeper works from.
type Session struct {
	ID        string
	Sup       *supervisor.Supervisor
	CreatedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
}

// LastActivity returns the session's last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.After(s.lastActivity) {
		s.lastActivity = at
	}
}

// Registry is the authority over session existence. It holds at most
// one entry per id; the supervisor behind the entry is the only owner
// of the live backend handle.
type Registry struct {
	cfg      Config
	launcher Launcher
	repo     store.Repository
	hooks    supervisor.Hooks

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates an empty registry. The hooks are re-armed onto every
// supervisor the registry creates; the registry additionally persists
// authentication transitions into the store.
func New(cfg Config, launcher Launcher, repo store.Repository, hooks supervisor.Hooks) *Registry {
	if cfg.LogoutBudget == 0 {
		cfg.LogoutBudget = 10 * time.Second
	}
	return &Registry{
		cfg:      cfg,
		launcher: launcher,
		repo:     repo,
		hooks:    hooks,
		sessions: make(map[string]*Session),
	}
}

// Create registers a session and requests backend construction. It
// returns once construction is underway, not once the session is Ready.
// The only conflict is a live entry for the same id: persisted state
// left by an earlier incarnation (session record, credential directory)
// is adopted, so destroy-then-recreate and the restore scan both come
// through here. Two live entries for one id are never allowed.
func (r *Registry) Create(ctx context.Context, id string) (*Session, error) {
	if !sessionIDPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}

	credDir := filepath.Join(r.cfg.DataDir, id)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, live := r.sessions[id]; live {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionExists)
	}
	if len(r.sessions) >= r.cfg.MaxSessions {
		return nil, fmt.Errorf("session %s: %w (limit %d)", id, ErrTooManySessions, r.cfg.MaxSessions)
	}

	rec, err := r.repo.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("look up session %s: %w", id, err)
	}

	if err := os.MkdirAll(credDir, 0755); err != nil {
		return nil, fmt.Errorf("create credential directory: %w", err)
	}

	now := time.Now()
	createdAt := now
	lastActivity := now
	if rec != nil {
		// Adopted session: keep the persisted clock so idle expiry
		// carries across process restarts.
		createdAt = rec.CreatedAt
		lastActivity = rec.LastActivityAt
	}

	if err := r.repo.UpsertSession(ctx, &domain.SessionRecord{
		SessionID:      id,
		Authenticated:  rec != nil && rec.Authenticated,
		CreatedAt:      createdAt,
		LastActivityAt: lastActivity,
	}); err != nil {
		return nil, fmt.Errorf("persist session %s: %w", id, err)
	}

	sup := supervisor.New(supervisor.Config{
		SessionID:          id,
		WatchdogInterval:   r.cfg.WatchdogInterval,
		RestartDebounce:    r.cfg.RestartDebounce,
		PingBudget:         r.cfg.PingBudget,
		ProxyAddr:          r.cfg.ProxyAddr,
		ProxyAdvertiseHost: r.cfg.ProxyAdvertiseHost,
	}, r.factoryFor(id, credDir), r.wrapHooks())

	sess := &Session{
		ID:           id,
		Sup:          sup,
		CreatedAt:    createdAt,
		lastActivity: lastActivity,
	}
	r.sessions[id] = sess
	sup.Start()

	slog.Info("Session created", "session_id", id, "adopted", rec != nil)
	return sess, nil
}

// factoryFor builds the supervisor's construction callback. The same
// credential directory is reused on every restart so the backend
// resumes the persisted identity.
func (r *Registry) factoryFor(id, credDir string) supervisor.Factory {
	return func(ctx context.Context, proxyAddr string) (backend.Client, error) {
		return r.launcher.Launch(ctx, backend.LaunchConfig{
			SessionID:     id,
			CredentialDir: credDir,
			ProxyAddr:     proxyAddr,
			NavGuard:      r.cfg.NavGuard,
		})
	}
}

// wrapHooks layers store persistence onto the caller-provided hooks.
func (r *Registry) wrapHooks() supervisor.Hooks {
	outer := r.hooks
	wrapped := outer
	wrapped.OnState = func(sessionID string, state domain.SessionState) {
		if state == domain.StateAuthenticated {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := r.repo.SetAuthenticated(ctx, sessionID, true); err != nil {
					slog.Warn("Failed to persist authentication", "session_id", sessionID, "error", err)
				}
			}()
		}
		if outer.OnState != nil {
			outer.OnState(sessionID, state)
		}
	}
	return wrapped
}

// Get returns a session and touches its activity timestamp; lookups
// count as use for idle-expiry purposes.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	now := time.Now()
	sess.touch(now)
	go r.persistActivity(sess.ID, now)
	return sess, nil
}

// persistActivity mirrors the in-memory activity bump into the store,
// retrying past transient sqlite lock contention.
func (r *Registry) persistActivity(id string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	delay := 50 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		err := r.repo.UpdateLastActivity(ctx, id, at)
		if err == nil {
			return
		}
		if store.IsConflictError(err) && attempt < 2 {
			time.Sleep(delay)
			delay *= 2
			continue
		}
		slog.Warn("Failed to persist session activity", "session_id", id, "error", err)
		return
	}
}

// Ready returns the session's current backend handle if and only if the
// session is Ready.
func (r *Registry) Ready(id string) (*Session, backend.Client, error) {
	sess, err := r.Get(id)
	if err != nil {
		return nil, nil, err
	}
	if !sess.Sup.State().Usable() {
		return nil, nil, fmt.Errorf("session %s is %s: %w", id, sess.Sup.State(), ErrNotReady)
	}
	client := sess.Sup.Client()
	if client == nil {
		return nil, nil, fmt.Errorf("session %s has no live backend: %w", id, ErrNotReady)
	}
	return sess, client, nil
}

// Status returns the snapshot for one session without touching its
// activity timestamp.
func (r *Registry) Status(id string) (*domain.SessionStatus, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return r.snapshot(sess), nil
}

// StatusAll returns snapshots for every tracked session.
func (r *Registry) StatusAll() []*domain.SessionStatus {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	out := make([]*domain.SessionStatus, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, r.snapshot(sess))
	}
	return out
}

func (r *Registry) snapshot(sess *Session) *domain.SessionStatus {
	state := sess.Sup.State()
	return &domain.SessionStatus{
		SessionID:      sess.ID,
		State:          state,
		Ready:          state.Usable(),
		HasQR:          sess.Sup.QR() != "",
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivity(),
	}
}

// Destroy logs the session out best-effort and removes it. The registry
// entry goes away even when every backend call fails; the credential
// directory stays, it belongs to the backend.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	if client := sess.Sup.Client(); client != nil {
		if err := guard.Run(ctx, "logout", r.cfg.LogoutBudget, client.Logout); err != nil {
			slog.Warn("Best-effort logout failed", "session_id", id, "error", err)
		}
	}

	sess.Sup.Destroy()

	if err := r.repo.DeleteSession(ctx, id); err != nil {
		slog.Warn("Failed to delete session record", "session_id", id, "error", err)
	}

	slog.Info("Session destroyed", "session_id", id)
	return nil
}

// RestoreAll scans the credential root for previously created sessions
// and recreates each. One corrupt directory must not block the rest:
// failures are logged and skipped.
func (r *Registry) RestoreAll(ctx context.Context) int {
	entries, err := os.ReadDir(r.cfg.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No credential root yet, nothing to restore", "dir", r.cfg.DataDir)
			return 0
		}
		slog.Error("Failed to scan credential root", "dir", r.cfg.DataDir, "error", err)
		return 0
	}

	restored := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if _, err := r.Create(ctx, id); err != nil {
			if errors.Is(err, ErrSessionExists) {
				slog.Info("Session already present, skipping restore", "session_id", id)
			} else {
				slog.Error("Failed to restore session", "session_id", id, "error", err)
			}
			continue
		}
		restored++
	}

	slog.Info("Session restore complete", "restored", restored, "scanned", len(entries))
	return restored
}

// SweepIdle destroys every session idle for longer than the timeout.
func (r *Registry) SweepIdle(ctx context.Context, timeout time.Duration) int {
	r.mu.Lock()
	var stale []string
	cutoff := time.Now().Add(-timeout)
	for id, sess := range r.sessions {
		if sess.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		slog.Info("Idle sweep destroying session", "session_id", id, "timeout", timeout)
		if err := r.Destroy(ctx, id); err != nil {
			slog.Warn("Idle sweep failed to destroy session", "session_id", id, "error", err)
		}
	}
	return len(stale)
}

// Shutdown tears down every session without logging them out, so they
// can be restored on the next start.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Sup.Destroy()
	}
}
