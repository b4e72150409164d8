// Package backend defines the narrow interface to the automation-driven
// messaging runtime and its Docker-hosted implementation.
//
// The runtime is treated as an opaque, unreliable collaborator: it can
// hang, disconnect silently, or die mid-call. Everything that crosses
// this boundary is expected to be wrapped by the operation guard.
package backend

import (
	"context"

	"github.com/anikeev/wagate/internal/domain"
)

// EventType classifies the lifecycle and message events a runtime emits.
type EventType string

const (
	// EventQR carries a fresh pairing challenge to scan.
	EventQR EventType = "qr"
	// EventAuthenticated fires when the credential is accepted.
	EventAuthenticated EventType = "authenticated"
	// EventReady fires when the runtime is fully usable.
	EventReady EventType = "ready"
	// EventDisconnected fires when the runtime loses its transport.
	EventDisconnected EventType = "disconnected"
	// EventFault fires when the runtime process or page dies unexpectedly.
	EventFault EventType = "fault"
	// EventMessage carries an inbound message.
	EventMessage EventType = "message"
)

// Event is one lifecycle or message event from a runtime. Lifecycle
// events arrive in backend-emitted order; message events carry no
// ordering guarantee relative to them.
type Event struct {
	Type    EventType              `json:"type"`
	QR      string                 `json:"qr,omitempty"`
	Reason  string                 `json:"reason,omitempty"`
	Message *domain.InboundMessage `json:"message,omitempty"`
}

// SendTextRequest is a text delivery command.
type SendTextRequest struct {
	ChatID   string `json:"chat_id"`
	Body     string `json:"body"`
	QuotedID string `json:"quoted_id,omitempty"`
}

// SendMediaRequest is a media delivery command. Data is the raw bytes;
// the runtime handles encoding for the wire.
type SendMediaRequest struct {
	ChatID   string `json:"chat_id"`
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
	QuotedID string `json:"quoted_id,omitempty"`
}

// MessageRef identifies a previously seen message on the runtime side.
type MessageRef struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
}

// Client is the supervisor-owned handle to one live runtime instance.
// The supervisor is the only component allowed to hold one; everyone
// else borrows the current reference through the supervisor and must
// tolerate it being swapped out during a restart.
type Client interface {
	// Events returns the runtime's event stream. The channel is closed
	// when the runtime goes away; the final events before close may
	// include a fault.
	Events() <-chan Event

	// Ping is the trivial round-trip used by the active watchdog.
	Ping(ctx context.Context) error

	SendText(ctx context.Context, req SendTextRequest) (string, error)
	SendMedia(ctx context.Context, req SendMediaRequest) (string, error)

	// LookupMessage resolves a message id the runtime has seen.
	LookupMessage(ctx context.Context, messageID string) (*MessageRef, error)
	// Forward re-delivers a looked-up message to another chat.
	Forward(ctx context.Context, messageID, toChatID string) (string, error)

	Chats(ctx context.Context) ([]domain.Chat, error)
	ChatInfo(ctx context.Context, chatID string) (*domain.Chat, error)
	ClearMessages(ctx context.Context, chatID string) error

	// Logout invalidates the persisted credential on the runtime side.
	Logout(ctx context.Context) error

	// Close tears the runtime down. Idempotent; safe on a half-dead
	// instance.
	Close(ctx context.Context) error
}

// LaunchConfig describes one runtime instance to construct.
type LaunchConfig struct {
	SessionID     string
	CredentialDir string // host directory bind-mounted into the runtime
	ProxyAddr     string // outbound proxy, already wrapped by the supervisor
	NavGuard      bool   // restrict page navigation to the origin it starts on
}
