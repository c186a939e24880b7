package ws

import (
	"encoding/json"
	"strings"

	"chat-relay/internal/chat"
	"chat-relay/internal/user"
)

// Inbound frame types.
const (
	TypeAck            = "ack"            // transport ack of a delivered frame
	TypeAcknowledgment = "acknowledgment" // application ack of a message
	TypeSendMessage    = "send_message"
	TypeCreateChat     = "create_chat"
	TypeJoinChat       = "join_chat"
	TypeLeaveChat      = "leave_chat"
	TypeLoadArchive    = "load_archive"
	TypeBlockChat      = "block_chat"
	TypeGetUsers       = "get_users"
)

// Outbound frame types.
const (
	TypeMessage   = "message"
	TypeResponse  = "response"
	TypePresence  = "presence"
	TypeConnected = "connected"
)

// Frame is what clients send.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	AckID     uint64          `json:"ack_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// OutFrame is what the server sends. A message frame carrying an ack_id
// must be answered with {"type":"ack","ack_id":...}.
type OutFrame struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	AckID     uint64      `json:"ack_id,omitempty"`
	Payload   any         `json:"payload,omitempty"`
	Result    any         `json:"result,omitempty"`
	Error     *chat.Error `json:"error,omitempty"`
}

type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

type SendResult struct {
	ID string `json:"id,omitempty"`
}

type OKResult struct {
	OK bool `json:"ok"`
}

type AcknowledgmentRequest struct {
	MessageID string `json:"message_id"`
}

func (r AcknowledgmentRequest) Validate() error {
	if r.MessageID == "" {
		return chat.Errorf(chat.ErrMissingParameters, "message_id is required")
	}
	return nil
}

type CreateChatRequest struct {
	Type  chat.ChatType `json:"type"`
	Users []string      `json:"users,omitempty"`
}

func (r CreateChatRequest) Validate() error {
	if !r.Type.Valid() {
		return chat.Errorf(chat.ErrValidationFailed, "type must be SUC or MUC")
	}
	return nil
}

type JoinChatRequest struct {
	ChatID string `json:"chat_id"`
	Temp   bool   `json:"temp,omitempty"`
}

func (r JoinChatRequest) Validate() error {
	if strings.TrimSpace(r.ChatID) == "" {
		return chat.Errorf(chat.ErrMissingParameters, "chat_id is required")
	}
	return nil
}

type LeaveChatRequest struct {
	ChatID string `json:"chat_id"`
}

func (r LeaveChatRequest) Validate() error {
	if strings.TrimSpace(r.ChatID) == "" {
		return chat.Errorf(chat.ErrMissingParameters, "chat_id is required")
	}
	return nil
}

type LoadArchiveRequest struct {
	ChatID string `json:"chat_id"`
	Limit  int    `json:"limit"`
	After  string `json:"after,omitempty"`
}

func (r LoadArchiveRequest) Validate() error {
	if strings.TrimSpace(r.ChatID) == "" || r.Limit <= 0 {
		return chat.Errorf(chat.ErrMissingParameters, "chat_id and a positive limit are required")
	}
	return nil
}

type BlockChatRequest struct {
	ChatID string `json:"chat_id"`
	Block  bool   `json:"block"`
}

func (r BlockChatRequest) Validate() error {
	if strings.TrimSpace(r.ChatID) == "" {
		return chat.Errorf(chat.ErrMissingParameters, "chat_id is required")
	}
	return nil
}

type GetUsersRequest struct {
	State user.State `json:"state,omitempty"`
}

func (r GetUsersRequest) Validate() error {
	switch r.State {
	case "", user.Active, user.Inactive:
		return nil
	}
	return chat.Errorf(chat.ErrValidationFailed, "unknown state %q", r.State)
}
