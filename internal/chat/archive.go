package chat

import (
	"context"
	"errors"
)

const DefaultArchiveMaxLimit = 200

// Archive serves message history newest first, paginated by message id.
type Archive struct {
	repo     Repository
	maxLimit int
}

func NewArchive(repo Repository, maxLimit int) *Archive {
	if maxLimit <= 0 {
		maxLimit = DefaultArchiveMaxLimit
	}
	return &Archive{repo: repo, maxLimit: maxLimit}
}

// Load returns up to limit messages of chatID. With an after id it returns
// the messages strictly older than that message; the anchor itself is
// never part of the page.
func (a *Archive) Load(ctx context.Context, chatID string, limit int, after string) ([]Message, error) {
	if chatID == "" || limit <= 0 {
		return nil, Errorf(ErrMissingParameters, "chat id and a positive limit are required")
	}
	if limit > a.maxLimit {
		limit = a.maxLimit
	}
	if _, err := a.repo.ChatByID(ctx, chatID); err != nil {
		return nil, err
	}

	var anchor *Message
	if after != "" {
		m, err := a.repo.MessageByID(ctx, after)
		if errors.Is(err, ErrMessageNotFound) || (err == nil && m.ChatID != chatID) {
			return nil, Errorf(ErrMessageNotFound, "anchor %s not in chat %s", after, chatID)
		}
		if err != nil {
			return nil, err
		}
		anchor = m
	}

	msgs, err := a.repo.MessagesBefore(ctx, chatID, anchor, limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}
