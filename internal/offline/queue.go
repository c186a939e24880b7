// Package offline keeps the messages still owed to users who did not
// acknowledge them in time.
package offline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chat-relay/internal/chat"

	"github.com/google/uuid"
)

// Notifier is told once about every message that went to the queue.
type Notifier interface {
	NotifyOffline(ctx context.Context, userID string, msg chat.Message) error
}

type Store interface {
	chat.EventRepository
	MessageByID(ctx context.Context, id string) (*chat.Message, error)
}

// Entry is an outstanding event joined with its message.
type Entry struct {
	Event   chat.MessageEvent
	Message chat.Message
}

type Queue struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewQueue(store Store, notifier Notifier, logger *slog.Logger) *Queue {
	return &Queue{
		store:    store,
		notifier: notifier,
		logger:   logger.With("component", "offline_queue"),
		now:      time.Now,
	}
}

// Enqueue records that msg is owed to userID. Enqueuing the same pair
// again is a no-op, and the notifier hears only about the first one.
func (q *Queue) Enqueue(ctx context.Context, userID string, msg chat.Message) error {
	if msg.TypingOnly() {
		return nil
	}
	e := &chat.MessageEvent{
		ID:        uuid.NewString(),
		MessageID: msg.ID,
		UserID:    userID,
		ChatID:    msg.ChatID,
		Timestamp: msg.Timestamp,
		CreatedAt: q.now().UTC(),
	}
	inserted, err := q.store.UpsertEvent(ctx, e)
	if err != nil {
		return err
	}
	if inserted && q.notifier != nil {
		if err := q.notifier.NotifyOffline(ctx, userID, msg); err != nil {
			q.logger.Warn("offline notification failed", "user_id", userID, "message_id", msg.ID, "error", err)
		}
	}
	return nil
}

// Pending lists what userID is owed, newest first. Events whose message no
// longer exists are dropped.
func (q *Queue) Pending(ctx context.Context, userID string) ([]Entry, error) {
	events, err := q.store.EventsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(events))
	for _, e := range events {
		msg, err := q.store.MessageByID(ctx, e.MessageID)
		if errors.Is(err, chat.ErrMessageNotFound) {
			if _, err := q.store.DeleteEvent(ctx, e.MessageID, e.UserID); err != nil {
				q.logger.Warn("dropping orphan event failed", "event_id", e.ID, "error", err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Event: e, Message: *msg})
	}
	return out, nil
}

// Acknowledge deletes the event for (messageID, userID). It reports
// whether an event existed.
func (q *Queue) Acknowledge(ctx context.Context, messageID, userID string) (bool, error) {
	if messageID == "" || userID == "" {
		return false, chat.ErrMissingParameters
	}
	return q.store.DeleteEvent(ctx, messageID, userID)
}
