// Package supervisor owns the lifecycle of one session's automation
// backend: construction, health monitoring, and debounced restarts.
package supervisor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anikeev/wagate/internal/backend"
	"github.com/anikeev/wagate/internal/domain"
	"github.com/anikeev/wagate/internal/guard"
)

// Factory constructs a new backend instance for this session. It is
// invoked on initial start and on every restart; the credential
// directory stays the same, so a restarted backend resumes the same
// identity.
type Factory func(ctx context.Context, proxyAddr string) (backend.Client, error)

// Hooks are invoked on state transitions and inbound messages. A nil
// hook is skipped. OnMessage is only wired when inbound handling is
// enabled for the process.
type Hooks struct {
	OnState   func(sessionID string, state domain.SessionState)
	OnQR      func(sessionID string, qr string)
	OnMessage func(msg domain.InboundMessage)
}

// Config carries the supervisor's tunables.
type Config struct {
	SessionID        string
	WatchdogInterval time.Duration
	RestartDebounce  time.Duration
	PingBudget       time.Duration
	ProxyAddr        string
	// ProxyAdvertiseHost is the address the backend uses to reach the
	// proxy forwarder. It must be routable from inside the backend's
	// network, not the host loopback.
	ProxyAdvertiseHost string
	teardownBudget     time.Duration
}

// Health is the supervisor's view of backend liveness.
type Health struct {
	LastHeartbeatOkAt   time.Time
	ConsecutiveFailures int
	RestartScheduled    bool
}

// instance pairs one live backend handle with the stop signal for its
// monitor goroutines. Swapped wholesale on restart so in-flight callers
// holding the old handle fail or time out instead of touching a
// half-torn-down backend.
type instance struct {
	client      backend.Client
	proxyCloser io.Closer
	stop        chan struct{}

	// A backend may emit ready more than once in its life; the watchdog
	// is armed only on the first.
	watchdogOnce sync.Once
}

// Supervisor drives one session through its connection state machine.
type Supervisor struct {
	cfg     Config
	factory Factory
	hooks   Hooks

	mu      sync.Mutex
	current *instance
	state   domain.SessionState
	qr      string
	health  Health

	// restartScheduled is the one piece of shared mutable restart state;
	// read-and-set must be a single atomic decision so a burst of fault
	// signals schedules exactly one restart.
	restartScheduled atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a supervisor in the Uninitialized state. Start must be
// called to request backend construction.
func New(cfg Config, factory Factory, hooks Hooks) *Supervisor {
	if cfg.teardownBudget == 0 {
		cfg.teardownBudget = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:     cfg,
		factory: factory,
		hooks:   hooks,
		state:   domain.StateUninitialized,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start requests construction of the backend. It returns once the
// request is underway, not once the session is ready; callers poll
// State or subscribe via hooks.
func (s *Supervisor) Start() {
	s.setState(domain.StateInitializing)
	go s.construct()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// QR returns the pending pairing challenge, or "" outside AwaitingAuth.
func (s *Supervisor) QR() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr
}

// Client returns the current backend handle, or nil when none is live.
// The handle may be swapped out by a restart at any moment; callers must
// treat failures on a stale handle as retryable after the session is
// Ready again.
func (s *Supervisor) Client() backend.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.client
}

// Health returns a snapshot of the connection health counters.
func (s *Supervisor) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.health
	h.RestartScheduled = s.restartScheduled.Load()
	return h
}

// construct builds a backend instance and arms its monitors. On failure
// it re-enters the restart debounce instead of giving up: construction
// failure is fatal to the attempt, not to the session.
func (s *Supervisor) construct() {
	if s.ctx.Err() != nil {
		return
	}

	proxyAddr, proxyCloser := s.wrapProxy()

	client, err := s.factory(s.ctx, proxyAddr)
	if err != nil {
		if proxyCloser != nil {
			_ = proxyCloser.Close()
		}
		if s.ctx.Err() != nil {
			return
		}
		slog.Error("Backend construction failed", "session_id", s.cfg.SessionID, "error", err)
		s.scheduleRestart("construction failed")
		return
	}

	inst := &instance{client: client, proxyCloser: proxyCloser, stop: make(chan struct{})}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		s.teardown(inst)
		return
	}
	s.current = inst
	s.health = Health{}
	s.mu.Unlock()

	go s.eventLoop(inst)
}

// wrapProxy prepares the outbound proxy address for this construction.
// Credential-bearing URIs bypass wrapping; a wrap failure falls back to
// the raw address rather than failing startup.
func (s *Supervisor) wrapProxy() (string, io.Closer) {
	if s.cfg.ProxyAddr == "" {
		return "", nil
	}
	addr, closer, err := anonymizeProxy(s.cfg.ProxyAddr, s.cfg.ProxyAdvertiseHost)
	if err != nil {
		slog.Warn("Proxy wrapping failed, using raw address", "session_id", s.cfg.SessionID, "error", err)
		return s.cfg.ProxyAddr, nil
	}
	return addr, closer
}

// eventLoop is the passive monitor: it consumes backend-emitted
// lifecycle and message events until the stream ends or the instance is
// replaced.
func (s *Supervisor) eventLoop(inst *instance) {
	events := inst.client.Events()
	for {
		select {
		case <-inst.stop:
			return
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Stream closed without a fault frame: the backend is
				// gone. Treat it as a failure signal; the debounce
				// collapses it with any fault that preceded it.
				s.failure(inst, "event stream ended")
				return
			}
			s.handleEvent(inst, ev)
		}
	}
}

func (s *Supervisor) handleEvent(inst *instance, ev backend.Event) {
	switch ev.Type {
	case backend.EventQR:
		s.mu.Lock()
		s.qr = ev.QR
		s.mu.Unlock()
		s.setState(domain.StateAwaitingAuth)
		if s.hooks.OnQR != nil {
			s.hooks.OnQR(s.cfg.SessionID, ev.QR)
		}
	case backend.EventAuthenticated:
		s.clearQR()
		s.setState(domain.StateAuthenticated)
	case backend.EventReady:
		s.clearQR()
		s.mu.Lock()
		s.health.LastHeartbeatOkAt = time.Now()
		s.health.ConsecutiveFailures = 0
		s.mu.Unlock()
		s.setState(domain.StateReady)
		inst.watchdogOnce.Do(func() {
			go s.watchdog(inst)
		})
	case backend.EventDisconnected:
		s.setState(domain.StateDisconnected)
		s.failure(inst, "disconnected: "+ev.Reason)
	case backend.EventFault:
		s.setState(domain.StateDegraded)
		s.failure(inst, "fault: "+ev.Reason)
	case backend.EventMessage:
		if ev.Message != nil && s.hooks.OnMessage != nil {
			s.hooks.OnMessage(*ev.Message)
		}
	}
}

// watchdog is the active monitor: a guarded trivial round-trip on a
// fixed interval. A timeout or error counts as a failure signal exactly
// like a passive fault.
func (s *Supervisor) watchdog(inst *instance) {
	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-inst.stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			err := guard.Run(s.ctx, "watchdog ping", s.cfg.PingBudget, inst.client.Ping)
			if err != nil {
				s.mu.Lock()
				s.health.ConsecutiveFailures++
				failures := s.health.ConsecutiveFailures
				s.mu.Unlock()
				slog.Warn("Watchdog probe failed",
					"session_id", s.cfg.SessionID,
					"consecutive_failures", failures,
					"error", err)
				s.setState(domain.StateDegraded)
				s.failure(inst, "watchdog probe failed")
				return
			}
			s.mu.Lock()
			s.health.LastHeartbeatOkAt = time.Now()
			s.health.ConsecutiveFailures = 0
			s.mu.Unlock()
		}
	}
}

// failure funnels every failure signal, passive or active, into the
// single restart entry point.
func (s *Supervisor) failure(inst *instance, reason string) {
	s.mu.Lock()
	stale := s.current != inst
	s.mu.Unlock()
	if stale {
		// Signal from an instance already torn down; the replacement is
		// being handled.
		return
	}
	slog.Warn("Backend failure signal", "session_id", s.cfg.SessionID, "reason", reason)
	s.scheduleRestart(reason)
}

// scheduleRestart arms one debounced restart. While a restart is
// pending, further signals are no-ops, so a burst of simultaneous
// faults produces exactly one teardown/reconstruction cycle.
func (s *Supervisor) scheduleRestart(reason string) {
	if s.ctx.Err() != nil {
		return
	}
	if !s.restartScheduled.CompareAndSwap(false, true) {
		slog.Debug("Restart already scheduled, ignoring signal", "session_id", s.cfg.SessionID, "reason", reason)
		return
	}

	slog.Info("Restart scheduled", "session_id", s.cfg.SessionID, "reason", reason, "debounce", s.cfg.RestartDebounce)
	go func() {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.cfg.RestartDebounce):
		}
		s.restart()
	}()
}

// restart tears down the current instance and constructs a replacement
// with the same session id and persisted credentials.
func (s *Supervisor) restart() {
	s.mu.Lock()
	inst := s.current
	s.current = nil
	s.mu.Unlock()

	if inst != nil {
		s.teardown(inst)
	}

	// New failure signals from here on belong to the next instance and
	// may arm a fresh debounce window.
	s.restartScheduled.Store(false)

	if s.ctx.Err() != nil {
		return
	}
	s.setState(domain.StateInitializing)
	s.construct()
}

// teardown releases one instance. Best effort: errors are swallowed, a
// half-dead backend must not block its replacement.
func (s *Supervisor) teardown(inst *instance) {
	close(inst.stop)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.teardownBudget)
	defer cancel()
	if err := inst.client.Close(ctx); err != nil {
		slog.Warn("Backend teardown error", "session_id", s.cfg.SessionID, "error", err)
	}
	if inst.proxyCloser != nil {
		if err := inst.proxyCloser.Close(); err != nil {
			slog.Debug("Proxy forwarder close error", "session_id", s.cfg.SessionID, "error", err)
		}
	}
}

// Destroy ends the session permanently: monitors stop, the backend is
// released, and the state machine parks in Destroyed.
func (s *Supervisor) Destroy() {
	s.cancel()

	s.mu.Lock()
	inst := s.current
	s.current = nil
	s.mu.Unlock()

	if inst != nil {
		s.teardown(inst)
	}
	s.setState(domain.StateDestroyed)
}

func (s *Supervisor) clearQR() {
	s.mu.Lock()
	s.qr = ""
	s.mu.Unlock()
}

func (s *Supervisor) setState(state domain.SessionState) {
	s.mu.Lock()
	if s.state == state || s.state == domain.StateDestroyed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = state
	s.mu.Unlock()

	slog.Info("Session state changed", "session_id", s.cfg.SessionID, "from", prev, "to", state)
	if s.hooks.OnState != nil {
		s.hooks.OnState(s.cfg.SessionID, state)
	}
}
