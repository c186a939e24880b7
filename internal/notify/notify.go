// Package notify tells an external webhook about messages that went to
// the offline queue. Requests are enqueued on asynq and posted by a worker
// so a slow or failing webhook never holds up delivery.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"chat-relay/internal/chat"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const (
	TypeOfflineMessage = "offline:message"
	Queue              = "notifications"
)

type Payload struct {
	UserID  string       `json:"user_id"`
	Message chat.Message `json:"message"`
}

func NewOfflineTask(userID string, msg chat.Message) (*asynq.Task, error) {
	payload, err := json.Marshal(Payload{UserID: userID, Message: msg})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeOfflineMessage, payload), nil
}

// Enqueuer is the part of *asynq.Client the notifier needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type AsynqNotifier struct {
	client   Enqueuer
	maxRetry int
}

func NewAsynqNotifier(client Enqueuer, maxRetry int) *AsynqNotifier {
	return &AsynqNotifier{client: client, maxRetry: maxRetry}
}

func (n *AsynqNotifier) NotifyOffline(ctx context.Context, userID string, msg chat.Message) error {
	task, err := NewOfflineTask(userID, msg)
	if err != nil {
		return err
	}
	_, err = n.client.EnqueueContext(ctx, task,
		asynq.Queue(Queue),
		asynq.MaxRetry(n.maxRetry),
		asynq.Timeout(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("enqueue offline notification: %w", err)
	}
	return nil
}

// WebhookHandler posts offline-message tasks to a URL.
type WebhookHandler struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewWebhookHandler(url string, client *http.Client, logger *slog.Logger) *WebhookHandler {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookHandler{url: url, client: client, logger: logger.With("component", "webhook")}
}

func (h *WebhookHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(t.Payload()))
	if err != nil {
		return fmt.Errorf("build webhook request: %v: %w", err, asynq.SkipRetry)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("webhook rejected notification with %d: %w", resp.StatusCode, asynq.SkipRetry)
	}
	h.logger.Debug("offline notification sent", "user_id", p.UserID, "message_id", p.Message.ID)
	return nil
}

// Worker runs the asynq server that drains the notifications queue.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker shares rdb with the rest of the server; Shutdown leaves it open.
func NewWorker(rdb redis.UniversalClient, handler *WebhookHandler, concurrency int, logger *slog.Logger) *Worker {
	srv := asynq.NewServerFromRedisClient(rdb, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{Queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Warn("offline notification failed", "task", task.Type(), "error", err)
		}),
		ShutdownTimeout: 5 * time.Second,
	})
	mux := asynq.NewServeMux()
	mux.Handle(TypeOfflineMessage, handler)
	return &Worker{server: srv, mux: mux}
}

func (w *Worker) Start() error {
	return w.server.Start(w.mux)
}

func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

// Nop drops every notification. Used when no webhook is configured.
type Nop struct{}

func (Nop) NotifyOffline(context.Context, string, chat.Message) error { return nil }
