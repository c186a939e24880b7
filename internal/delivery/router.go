// Package delivery routes messages from senders to every live connection
// of their recipients and falls back to the offline queue when a
// connection does not acknowledge in time.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chat-relay/internal/chat"
	"chat-relay/internal/offline"
	"chat-relay/internal/presence"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultAckTimeout = 2000 * time.Millisecond

	// EventMessage is the event name deliveries are emitted under.
	EventMessage = "message"
)

// Transport pushes events to a single connection. onAck, when not nil, is
// invoked at most once when the client confirms receipt. Emit fails when
// the connection is gone.
type Transport interface {
	Emit(connID, event string, payload any, onAck func()) error
}

type Connections interface {
	Register(ctx context.Context, userID, connID string) bool
	Unregister(ctx context.Context, connID string) (string, bool)
	LiveConnections(userID string) []presence.Connection
}

type Users interface {
	Touch(ctx context.Context, userID string) error
	MarkInactive(ctx context.Context, userID string) error
}

type Config struct {
	AckTimeout time.Duration
}

type Router struct {
	dir       *chat.Directory
	messages  chat.MessageRepository
	conns     Connections
	queue     *offline.Queue
	users     Users
	transport Transport
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics
	now       func() time.Time

	mu       sync.Mutex
	inflight map[pairKey]map[*emission]struct{}
	wg       sync.WaitGroup
	draining int // Drain calls waiting; no wg.Add while > 0
}


func NewRouter(
	cfg Config,
	dir *chat.Directory,
	messages chat.MessageRepository,
	conns Connections,
	queue *offline.Queue,
	users Users,
	logger *slog.Logger,
) *Router {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	return &Router{
		dir:      dir,
		messages: messages,
		conns:    conns,
		queue:    queue,
		users:    users,
		timeout:  cfg.AckTimeout,
		logger:   logger.With("component", "router"),
		metrics:  newMetrics(),
		now:      time.Now,
		inflight: make(map[pairKey]map[*emission]struct{}),
	}
}

// SetTransport attaches the transport. The websocket hub needs the router
// and the router needs the hub, so one side is wired after construction.
func (r *Router) SetTransport(t Transport) {
	r.transport = t
}

// Send validates msg, persists it unless it is typing-only and fans it
// out asynchronously. It returns the stored id, or "" for typing-only
// messages.
func (r *Router) Send(ctx context.Context, sender string, msg chat.Message) (string, error) {
	if sender == "" {
		return "", chat.ErrMissingParameters
	}
	// ids and creation times are assigned here, never by clients
	msg.ID = ""
	msg.CreatedAt = time.Time{}
	if err := msg.Validate(); err != nil {
		return "", err
	}

	c, err := r.dir.FindByID(ctx, msg.ChatID)
	if err != nil {
		return "", err
	}
	if c.Blocked {
		return "", chat.Errorf(chat.ErrChatBlocked, "chat %s is blocked", c.ID)
	}

	recipients, err := r.recipients(ctx, c, sender)
	if err != nil {
		return "", err
	}

	now := r.now()
	msg.From = sender
	if msg.Timestamp == 0 {
		msg.Timestamp = now.UnixMilli()
	}

	if !msg.TypingOnly() {
		msg.ID = uuid.NewString()
		msg.CreatedAt = now.UTC()
		stored := msg
		stored.Typing = nil
		if err := r.messages.InsertMessage(ctx, &stored); err != nil {
			return "", err
		}
		r.metrics.sent.Add(ctx, 1, metric.WithAttributes(attribute.String("chat_type", string(c.Type))))
	}

	// Everything after the write is best effort: failures are logged and
	// never undo the stored message.
	if !r.track() {
		for _, userID := range recipients {
			r.enqueue(userID, msg)
		}
		return msg.ID, nil
	}
	go func() {
		defer r.wg.Done()
		for _, userID := range recipients {
			r.deliver(userID, msg)
		}
	}()
	return msg.ID, nil
}

// recipients resolves who a message in c goes to. MUC senders who are not
// members are joined permanently, temp members are upgraded.
func (r *Router) recipients(ctx context.Context, c *chat.Chat, sender string) ([]string, error) {
	if c.Type == chat.SUC {
		other, ok := c.Other(sender)
		if !ok {
			return nil, chat.Errorf(chat.ErrForbidden, "%s is not a participant of chat %s", sender, c.ID)
		}
		return []string{other}, nil
	}

	m, err := r.dir.Membership(ctx, c.ID, sender)
	switch {
	case errors.Is(err, chat.ErrNotMember), err == nil && m.Temp:
		if err := r.dir.Join(ctx, c.ID, sender, false); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	members, err := r.dir.Members(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m.UserID != sender {
			out = append(out, m.UserID)
		}
	}
	return out, nil
}

// deliver emits msg to every connection userID has right now. With no
// connections the message goes straight to the offline queue.
func (r *Router) deliver(userID string, msg chat.Message) {
	conns := r.conns.LiveConnections(userID)
	if msg.TypingOnly() {
		for _, c := range conns {
			if err := r.transport.Emit(c.ID, EventMessage, msg, nil); err != nil {
				r.logger.Debug("typing emit failed", "conn_id", c.ID, "error", err)
			}
		}
		return
	}
	if len(conns) == 0 {
		r.enqueue(userID, msg)
		return
	}
	for _, c := range conns {
		r.emit(c.ID, userID, msg)
	}
}

// emit sends msg to one connection and races the transport ack against
// the ack window.
func (r *Router) emit(connID, userID string, msg chat.Message) {
	e := &emission{connID: connID, userID: userID, msg: msg}

	// The timer is armed under the lock so untrack from its callback can
	// never run before track.
	r.mu.Lock()
	if r.draining > 0 {
		r.mu.Unlock()
		r.enqueue(userID, msg)
		return
	}
	r.wg.Add(1)
	e.timer = time.AfterFunc(r.timeout, func() {
		if !e.settle(TransportTimeout) {
			return
		}
		defer r.wg.Done()
		r.untrack(e)
		r.metrics.timeouts.Add(context.Background(), 1)
		r.logger.Debug("delivery timed out", "conn_id", connID, "user_id", userID, "message_id", msg.ID)
		r.enqueue(userID, msg)
	})

	onAck := func() {
		if !e.settle(TransportAcked) {
			return
		}
		defer r.wg.Done()
		e.stop()
		r.untrack(e)
		r.metrics.acks.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", "transport")))
	}
	r.trackLocked(e)
	r.mu.Unlock()

	if err := r.transport.Emit(connID, EventMessage, msg, onAck); err != nil {
		// the connection went away between lookup and emit
		if e.settle(TransportTimeout) {
			defer r.wg.Done()
			e.stop()
			r.untrack(e)
			r.enqueue(userID, msg)
		}
	}
}

func (r *Router) enqueue(userID string, msg chat.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.queue.Enqueue(ctx, userID, msg); err != nil {
		r.logger.Error("offline enqueue failed", "user_id", userID, "message_id", msg.ID, "error", err)
		return
	}
	r.metrics.queued.Add(ctx, 1)
}

func (r *Router) trackLocked(e *emission) {
	set, ok := r.inflight[e.key()]
	if !ok {
		set = make(map[*emission]struct{})
		r.inflight[e.key()] = set
	}
	set[e] = struct{}{}
}

func (r *Router) untrack(e *emission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.inflight[e.key()]
	delete(set, e)
	if len(set) == 0 {
		delete(r.inflight, e.key())
	}
}

// Acknowledge is the application-level acknowledgment: userID has
// processed messageID. Pending emissions of the pair are settled first so
// a late timeout cannot queue the message again.
func (r *Router) Acknowledge(ctx context.Context, userID, messageID string) error {
	if userID == "" || messageID == "" {
		return chat.ErrMissingParameters
	}

	r.mu.Lock()
	var pending []*emission
	for e := range r.inflight[pairKey{messageID: messageID, userID: userID}] {
		pending = append(pending, e)
	}
	r.mu.Unlock()

	for _, e := range pending {
		if e.settle(ApplicationAcked) {
			e.stop()
			r.untrack(e)
			r.wg.Done()
		}
	}

	if _, err := r.queue.Acknowledge(ctx, messageID, userID); err != nil {
		return err
	}
	r.metrics.acks.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "application")))
	return nil
}

// Connect registers a new connection and replays what the user is owed.
func (r *Router) Connect(ctx context.Context, userID, connID string) {
	if r.users != nil {
		go func() {
			if err := r.users.Touch(context.WithoutCancel(ctx), userID); err != nil {
				r.logger.Warn("touch user failed", "user_id", userID, "error", err)
			}
		}()
	}
	r.conns.Register(ctx, userID, connID)
	if err := r.Replay(ctx, userID, connID); err != nil {
		r.logger.Error("replay failed", "user_id", userID, "conn_id", connID, "error", err)
	}
}

// Replay re-emits every outstanding event of userID on connID, newest
// first. Events stay until the client acknowledges them.
func (r *Router) Replay(ctx context.Context, userID, connID string) error {
	entries, err := r.queue.Pending(ctx, userID)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		r.emit(connID, userID, entry.Message)
	}
	if len(entries) > 0 {
		r.logger.Info("replayed offline messages", "user_id", userID, "conn_id", connID, "count", len(entries))
	}
	return nil
}

// Disconnect drops connID. When it was the user's last connection their
// temp memberships are purged and they are marked inactive.
func (r *Router) Disconnect(ctx context.Context, connID string) {
	userID, last := r.conns.Unregister(ctx, connID)
	if userID == "" || !last {
		return
	}
	if err := r.dir.PurgeTempMemberships(ctx, userID); err != nil {
		r.logger.Error("purge temp memberships failed", "user_id", userID, "error", err)
	}
	if r.users != nil {
		if err := r.users.MarkInactive(ctx, userID); err != nil {
			r.logger.Warn("mark inactive failed", "user_id", userID, "error", err)
		}
	}
}

// CreateChat returns the existing SUC chat of a pair or creates a new
// chat and joins its initial members.
func (r *Router) CreateChat(ctx context.Context, creator string, typ chat.ChatType, users []string) (*chat.Chat, error) {
	var (
		c   *chat.Chat
		err error
	)
	if typ == chat.SUC {
		if len(users) != 2 || users[0] == users[1] || (users[0] != creator && users[1] != creator) {
			return nil, chat.Errorf(chat.ErrInvalidChatMembers, "SUC chat needs the creator and one other user")
		}
		var created bool
		c, created, err = r.dir.CreateSUC(ctx, creator, users)
		if err != nil {
			return nil, err
		}
		if !created {
			return c, nil
		}
	} else if c, err = r.dir.Create(ctx, typ, creator, users); err != nil {
		return nil, err
	}

	joiners := []string{creator}
	if typ == chat.SUC {
		joiners = c.Users
	}
	for _, u := range joiners {
		if err := r.dir.Join(ctx, c.ID, u, false); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// track registers a fan-out goroutine with the drain group. It reports
// false while a Drain is waiting.
func (r *Router) track() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining > 0 {
		return false
	}
	r.wg.Add(1)
	return true
}

// Drain waits for in-flight deliveries to settle or for ctx to end. While
// it waits, new deliveries go straight to the offline queue.
func (r *Router) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining++
	r.mu.Unlock()

	// The gate lifts only once Wait has returned, even after ctx ends.
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		r.mu.Lock()
		r.draining--
		r.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
