package chat

import (
	"slices"
	"strings"
	"time"
)

type ChatType string

const (
	// SUC is a single-user chat with exactly two fixed participants.
	SUC ChatType = "SUC"
	// MUC is a multi-user chat with open-ended membership.
	MUC ChatType = "MUC"
)

func (t ChatType) Valid() bool {
	return t == SUC || t == MUC
}

// ---------------------------------------------
// Database & API Models
// ---------------------------------------------

type Chat struct {
	ID        string    `json:"id"`
	Type      ChatType  `json:"type"`
	Creator   string    `json:"creator"`
	Users     []string  `json:"users,omitempty"` // set only for SUC
	Blocked   bool      `json:"blocked"`
	BlockedBy []string  `json:"blocked_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HasParticipant reports whether userID is one of the fixed SUC users.
func (c *Chat) HasParticipant(userID string) bool {
	return slices.Contains(c.Users, userID)
}

// Other returns the participant of a SUC chat that is not userID.
func (c *Chat) Other(userID string) (string, bool) {
	if c.Type != SUC || !c.HasParticipant(userID) {
		return "", false
	}
	for _, u := range c.Users {
		if u != userID {
			return u, true
		}
	}
	return "", false
}

type Membership struct {
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	Temp      bool      `json:"temp"`
	CreatedAt time.Time `json:"created_at"`
}

type MessageBody struct {
	Text string `json:"text"`
}

// Message is both the wire and the storage shape. ChatID travels as "to".
type Message struct {
	ID        string       `json:"id,omitempty"`
	ChatID    string       `json:"to"`
	From      string       `json:"from,omitempty"`
	Body      *MessageBody `json:"body,omitempty"`
	Typing    *bool        `json:"typing,omitempty"`
	Timestamp int64        `json:"timestamp"` // unix millis
	CreatedAt time.Time    `json:"created_at,omitzero"`
}

// TypingOnly messages are transient and never stored or queued.
func (m *Message) TypingOnly() bool {
	return m.Body == nil && m.Typing != nil
}

// Validate checks the client-supplied part of a message.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.ChatID) == "" {
		return Errorf(ErrValidationFailed, "message has no recipient chat")
	}
	if m.Body == nil && m.Typing == nil {
		return Errorf(ErrValidationFailed, "message needs a body or a typing flag")
	}
	if m.Body != nil && strings.TrimSpace(m.Body.Text) == "" {
		return Errorf(ErrValidationFailed, "message body is empty")
	}
	if m.Timestamp < 0 {
		return Errorf(ErrValidationFailed, "message timestamp is negative")
	}
	return nil
}

// MessageEvent records a message still owed to a user.
type MessageEvent struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"to"`
	ChatID    string    `json:"chat_id"`
	Timestamp int64     `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
}
