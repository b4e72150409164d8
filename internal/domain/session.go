// Package domain defines the core types shared across the gateway.
package domain

import "time"

// SessionState tracks where a session is in its connection lifecycle.
type SessionState string

const (
	StateUninitialized SessionState = "uninitialized"
	StateInitializing  SessionState = "initializing"
	StateAwaitingAuth  SessionState = "awaiting_auth"
	StateAuthenticated SessionState = "authenticated"
	StateReady         SessionState = "ready"
	StateDegraded      SessionState = "degraded"
	StateDisconnected  SessionState = "disconnected"
	StateDestroyed     SessionState = "destroyed"
)

// Usable reports whether the session can accept backend commands.
func (s SessionState) Usable() bool {
	return s == StateReady
}

// SessionRecord is the persisted metadata for a session. The credential
// directory itself is owned by the backend runtime; this record only
// carries what the registry needs for restore and idle-expiry decisions.
type SessionRecord struct {
	SessionID      string
	Authenticated  bool
	CreatedAt      time.Time
	LastActivityAt time.Time
	UpdatedAt      time.Time
}

// SessionStatus is the API-visible snapshot of one session.
type SessionStatus struct {
	SessionID      string       `json:"session_id"`
	State          SessionState `json:"state"`
	Ready          bool         `json:"ready"`
	HasQR          bool         `json:"has_qr"`
	CreatedAt      time.Time    `json:"created_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
}
