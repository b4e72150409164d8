package domain

import (
	"strings"
	"time"
)

const (
	// Chat id suffixes used by the backend runtime.
	UserSuffix  = "@c.us"
	GroupSuffix = "@g.us"
)

// InboundMessage is one message event emitted by a backend. Events are
// consumed exactly once by the relay; nothing persists them.
type InboundMessage struct {
	SessionID  string    `json:"session_id"`
	MessageID  string    `json:"message_id"`
	ChatID     string    `json:"chat_id"`
	SenderID   string    `json:"sender_id"`
	To         string    `json:"to"`
	IsGroup    bool      `json:"is_group"`
	Body       string    `json:"body"`
	QuotedID   string    `json:"quoted_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Chat is one entry from the backend's chat enumeration.
type Chat struct {
	ChatID  string `json:"chat_id"`
	Name    string `json:"name"`
	IsGroup bool   `json:"is_group"`
}

// NormalizeChatID appends the individual-chat suffix to bare phone
// numbers. Ids that already carry a suffix pass through unchanged.
func NormalizeChatID(id string) string {
	if strings.Contains(id, "@") {
		return id
	}
	return id + UserSuffix
}

// IsGroupChatID reports whether a chat id addresses a group.
func IsGroupChatID(id string) bool {
	return strings.HasSuffix(id, GroupSuffix)
}
