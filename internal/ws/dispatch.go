package ws

import (
	"context"
	"encoding/json"

	"chat-relay/internal/chat"
)

type validator interface {
	Validate() error
}

// decode unmarshals a frame payload into req and validates it.
func decode(raw json.RawMessage, req validator) error {
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, req); err != nil {
			return chat.Errorf(chat.ErrValidationFailed, "malformed payload: %v", err)
		}
	}
	return req.Validate()
}

// dispatch runs one request frame and answers it when the client asked
// for a response by setting request_id.
func (c *Client) dispatch(ctx context.Context, f Frame) {
	result, err := c.handle(ctx, f)
	var ce *chat.Error
	if err != nil {
		ce = chat.AsError(err)
		if ce.Code == chat.ErrInternalProcessingError.Code {
			c.hub.logger.Error("request failed", "conn_id", c.ID, "user_id", c.UserID, "type", f.Type, "error", err)
		} else {
			c.hub.logger.Debug("request rejected", "conn_id", c.ID, "type", f.Type, "error", err)
		}
	}
	if f.RequestID == "" {
		return
	}
	resp := OutFrame{Type: TypeResponse, RequestID: f.RequestID}
	if ce != nil {
		resp.Error = ce
	} else {
		resp.Result = result
	}
	c.write(resp)
}

func (c *Client) handle(ctx context.Context, f Frame) (any, error) {
	s := c.hub.services

	switch f.Type {
	case TypeAcknowledgment:
		var req AcknowledgmentRequest
		if err := decode(f.Payload, &req); err != nil {
			return nil, err
		}
		if err := s.Router.Acknowledge(ctx, c.UserID, req.MessageID); err != nil {
			return nil, err
		}
		return OKResult{OK: true}, nil

	case TypeSendMessage:
		var msg chat.Message
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &msg); err != nil {
				return nil, chat.Errorf(chat.ErrValidationFailed, "malformed payload: %v", err)
			}
		}
		id, err := s.Router.Send(ctx, c.UserID, msg)
		if err != nil {
			return nil, err
		}
		return SendResult{ID: id}, nil

	case TypeCreateChat:
		var req CreateChatRequest
		if err := decode(f.Payload, &req); err != nil {
			return nil, err
		}
		return s.Router.CreateChat(ctx, c.UserID, req.Type, req.Users)

	case TypeJoinChat:
		var req JoinChatRequest
		if err := decode(f.Payload, &req); err != nil {
			return nil, err
		}
		if err := s.Directory.Join(ctx, req.ChatID, c.UserID, req.Temp); err != nil {
			return nil, err
		}
		return OKResult{OK: true}, nil

	case TypeLeaveChat:
		var req LeaveChatRequest
		if err := decode(f.Payload, &req); err != nil {
			return nil, err
		}
		if err := s.Directory.Leave(ctx, req.ChatID, c.UserID); err != nil {
			return nil, err
		}
		return OKResult{OK: true}, nil

	case TypeLoadArchive:
		var req LoadArchiveRequest
		if err := decode(f.Payload, &req); err != nil {
			return nil, err
		}
		return s.Archive.Load(ctx, req.ChatID, req.Limit, req.After)

	case TypeBlockChat:
		var req BlockChatRequest
		if err := decode(f.Payload, &req); err != nil {
			return nil, err
		}
		return s.Directory.Block(ctx, req.ChatID, c.UserID, req.Block)

	case TypeGetUsers:
		var req GetUsersRequest
		if err := decode(f.Payload, &req); err != nil {
			return nil, err
		}
		return s.Users.List(ctx, req.State)
	}

	return nil, chat.Errorf(chat.ErrValidationFailed, "unknown frame type %q", f.Type)
}
