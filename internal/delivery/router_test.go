package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chat-relay/internal/chat"
	"chat-relay/internal/offline"
	"chat-relay/internal/presence"
)

type sent struct {
	connID string
	msg    chat.Message
	onAck  func()
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []sent
	autoAck bool
	gone    map[string]bool
}

func (t *fakeTransport) Emit(connID, event string, payload any, onAck func()) error {
	t.mu.Lock()
	if t.gone[connID] {
		t.mu.Unlock()
		return errors.New("connection closed")
	}
	msg, _ := payload.(chat.Message)
	t.sent = append(t.sent, sent{connID: connID, msg: msg, onAck: onAck})
	auto := t.autoAck
	t.mu.Unlock()

	if auto && onAck != nil {
		onAck()
	}
	return nil
}

func (t *fakeTransport) sentTo(connID string) []sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []sent
	for _, s := range t.sent {
		if s.connID == connID {
			out = append(out, s)
		}
	}
	return out
}

type fakeUsers struct {
	mu       sync.Mutex
	touched  map[string]int
	inactive map[string]int
}

func (u *fakeUsers) Touch(_ context.Context, id string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.touched[id]++
	return nil
}

func (u *fakeUsers) MarkInactive(_ context.Context, id string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inactive[id]++
	return nil
}

type harness struct {
	router    *Router
	repo      *chat.MemoryRepository
	dir       *chat.Directory
	transport *fakeTransport
	users     *fakeUsers
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := chat.NewMemoryRepository()
	dir := chat.NewDirectory(repo, logger)
	reg := presence.NewRegistry(presence.NewMemoryStore(), "test", logger)
	queue := offline.NewQueue(repo, nil, logger)
	users := &fakeUsers{touched: map[string]int{}, inactive: map[string]int{}}
	tr := &fakeTransport{gone: map[string]bool{}}

	r := NewRouter(Config{AckTimeout: timeout}, dir, repo, reg, queue, users, logger)
	r.SetTransport(tr)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Drain(ctx)
		reg.Wait()
	})
	return &harness{router: r, repo: repo, dir: dir, transport: tr, users: users}
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.router.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
}

func (h *harness) events(t *testing.T, userID string) []chat.MessageEvent {
	t.Helper()
	evs, err := h.repo.EventsForUser(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	return evs
}

func text(s string) *chat.MessageBody { return &chat.MessageBody{Text: s} }

func TestOfflineDeliveryReplayAndAcknowledge(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	h.transport.autoAck = true
	ctx := context.Background()

	c, err := h.router.CreateChat(ctx, "alice", chat.SUC, []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	id, err := h.router.Send(ctx, "alice", chat.Message{ChatID: c.ID, Body: text("hello")})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	h.drain(t)

	evs := h.events(t, "bob")
	if len(evs) != 1 || evs[0].MessageID != id {
		t.Fatalf("events = %+v, want one for %s", evs, id)
	}

	h.router.Connect(ctx, "bob", "b1")
	h.drain(t)
	replayed := h.transport.sentTo("b1")
	if len(replayed) != 1 || replayed[0].msg.ID != id {
		t.Fatalf("replayed = %+v, want message %s", replayed, id)
	}
	// a transport ack alone keeps the event
	if got := len(h.events(t, "bob")); got != 1 {
		t.Fatalf("events after transport ack = %d, want 1", got)
	}

	if err := h.router.Acknowledge(ctx, "bob", id); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if got := len(h.events(t, "bob")); got != 0 {
		t.Fatalf("events after acknowledgment = %d, want 0", got)
	}

	h.router.Connect(ctx, "bob", "b2")
	h.drain(t)
	if got := h.transport.sentTo("b2"); len(got) != 0 {
		t.Fatalf("second replay sent %d messages, want 0", len(got))
	}
}

func TestTransportAckAvoidsQueue(t *testing.T) {
	h := newHarness(t, time.Second)
	h.transport.autoAck = true
	ctx := context.Background()

	c, _ := h.router.CreateChat(ctx, "alice", chat.SUC, []string{"alice", "bob"})
	h.router.Connect(ctx, "bob", "b1")
	h.router.Connect(ctx, "bob", "b2")

	if _, err := h.router.Send(ctx, "alice", chat.Message{ChatID: c.ID, Body: text("hi")}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	h.drain(t)

	if len(h.transport.sentTo("b1")) != 1 || len(h.transport.sentTo("b2")) != 1 {
		t.Fatal("message not delivered to every device")
	}
	if got := len(h.events(t, "bob")); got != 0 {
		t.Fatalf("events = %d, want 0", got)
	}
}

func TestTimeoutQueuesOnce(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	ctx := context.Background()

	c, _ := h.router.CreateChat(ctx, "alice", chat.SUC, []string{"alice", "bob"})
	h.router.Connect(ctx, "bob", "b1")
	h.router.Connect(ctx, "bob", "b2")

	id, _ := h.router.Send(ctx, "alice", chat.Message{ChatID: c.ID, Body: text("hi")})
	h.drain(t)

	evs := h.events(t, "bob")
	if len(evs) != 1 || evs[0].MessageID != id {
		t.Fatalf("events = %+v, want exactly one for %s", evs, id)
	}

	// late acks after the timeout are ignored
	for _, s := range h.transport.sentTo("b1") {
		s.onAck()
	}
	if got := len(h.events(t, "bob")); got != 1 {
		t.Fatalf("events after late ack = %d, want 1", got)
	}
}

func TestEmitToClosedConnectionQueues(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	c, _ := h.router.CreateChat(ctx, "alice", chat.SUC, []string{"alice", "bob"})
	h.router.Connect(ctx, "bob", "b1")
	h.transport.mu.Lock()
	h.transport.gone["b1"] = true
	h.transport.mu.Unlock()

	_, _ = h.router.Send(ctx, "alice", chat.Message{ChatID: c.ID, Body: text("hi")})
	h.drain(t)
	if got := len(h.events(t, "bob")); got != 1 {
		t.Fatalf("events = %d, want 1", got)
	}
}

func TestAcknowledgeSettlesInflight(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	ctx := context.Background()

	c, _ := h.router.CreateChat(ctx, "alice", chat.SUC, []string{"alice", "bob"})
	h.router.Connect(ctx, "bob", "b1")
	id, _ := h.router.Send(ctx, "alice", chat.Message{ChatID: c.ID, Body: text("hi")})

	deadline := time.Now().Add(time.Second)
	for len(h.transport.sentTo("b1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("message never emitted")
		}
		time.Sleep(time.Millisecond)
	}
	if err := h.router.Acknowledge(ctx, "bob", id); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	h.drain(t)
	if got := len(h.events(t, "bob")); got != 0 {
		t.Fatalf("timeout re-queued an acknowledged message: %d events", got)
	}
}

func TestSettleGateIsSingleFlight(t *testing.T) {
	for i := range 200 {
		e := &emission{}
		var wins atomic.Int32
		var wg sync.WaitGroup
		for _, s := range []State{TransportAcked, TransportTimeout, ApplicationAcked} {
			wg.Add(1)
			go func(s State) {
				defer wg.Done()
				if e.settle(s) {
					wins.Add(1)
				}
			}(s)
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Fatalf("iteration %d: %d winners, want 1", i, wins.Load())
		}
		if e.State() == Pending {
			t.Fatalf("iteration %d: state still pending", i)
		}
	}
}

func TestBlockedChatRejectsSend(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	c, _ := h.router.CreateChat(ctx, "alice", chat.SUC, []string{"alice", "bob"})
	if _, err := h.dir.Block(ctx, c.ID, "bob", true); err != nil {
		t.Fatalf("Block() error = %v", err)
	}

	for _, sender := range []string{"alice", "bob"} {
		if _, err := h.router.Send(ctx, sender, chat.Message{ChatID: c.ID, Body: text("hi")}); !errors.Is(err, chat.ErrChatBlocked) {
			t.Fatalf("Send(%s) error = %v, want ErrChatBlocked", sender, err)
		}
	}
	h.drain(t)

	msgs, _ := h.repo.MessagesBefore(ctx, c.ID, nil, 10)
	if len(msgs) != 0 {
		t.Fatalf("blocked chat stored %d messages", len(msgs))
	}
	if len(h.events(t, "alice"))+len(h.events(t, "bob")) != 0 {
		t.Fatal("blocked chat created message events")
	}
}

func TestTypingOnlyIsNeitherStoredNorQueued(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	ctx := context.Background()

	c, _ := h.router.CreateChat(ctx, "alice", chat.SUC, []string{"alice", "bob"})
	h.router.Connect(ctx, "bob", "b1")

	typing := true
	id, err := h.router.Send(ctx, "alice", chat.Message{ID: "client-id", ChatID: c.ID, Typing: &typing})
	if err != nil || id != "" {
		t.Fatalf("Send() = %q, %v; want empty id", id, err)
	}
	h.drain(t)

	got := h.transport.sentTo("b1")
	if len(got) != 1 || got[0].onAck != nil {
		t.Fatalf("typing emissions = %+v, want one without ack", got)
	}
	if got[0].msg.ID != "" {
		t.Fatalf("typing emission carries id %q from the client", got[0].msg.ID)
	}
	if msgs, _ := h.repo.MessagesBefore(ctx, c.ID, nil, 10); len(msgs) != 0 {
		t.Fatal("typing-only message stored")
	}
	if len(h.events(t, "bob")) != 0 {
		t.Fatal("typing-only message queued")
	}
}

func TestTypingWithBodyIsStoredWithoutFlag(t *testing.T) {
	h := newHarness(t, time.Second)
	h.transport.autoAck = true
	ctx := context.Background()

	c, _ := h.router.CreateChat(ctx, "alice", chat.SUC, []string{"alice", "bob"})
	typing := false
	id, err := h.router.Send(ctx, "alice", chat.Message{ChatID: c.ID, Body: text("done"), Typing: &typing})
	if err != nil || id == "" {
		t.Fatalf("Send() = %q, %v", id, err)
	}
	h.drain(t)
	stored, err := h.repo.MessageByID(ctx, id)
	if err != nil {
		t.Fatalf("MessageByID() error = %v", err)
	}
	if stored.Typing != nil || stored.Body.Text != "done" || stored.From != "alice" || stored.Timestamp == 0 {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	c, _ := h.router.CreateChat(ctx, "alice", chat.SUC, []string{"alice", "bob"})

	tests := []struct {
		name    string
		sender  string
		msg     chat.Message
		wantErr error
	}{
		{"no body or typing", "alice", chat.Message{ChatID: c.ID}, chat.ErrValidationFailed},
		{"empty body", "alice", chat.Message{ChatID: c.ID, Body: text("  ")}, chat.ErrValidationFailed},
		{"no chat", "alice", chat.Message{Body: text("x")}, chat.ErrValidationFailed},
		{"unknown chat", "alice", chat.Message{ChatID: "nope", Body: text("x")}, chat.ErrChatNotFound},
		{"outsider on SUC", "carol", chat.Message{ChatID: c.ID, Body: text("x")}, chat.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.router.Send(ctx, tt.sender, tt.msg); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Send() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMUCSenderSelfHeals(t *testing.T) {
	h := newHarness(t, time.Second)
	h.transport.autoAck = true
	ctx := context.Background()

	c, err := h.router.CreateChat(ctx, "alice", chat.MUC, nil)
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	_ = h.dir.Join(ctx, c.ID, "bob", true)
	h.router.Connect(ctx, "alice", "a1")
	h.router.Connect(ctx, "bob", "b1")

	// carol is not a member, bob is only temp
	for _, sender := range []string{"carol", "bob"} {
		if _, err := h.router.Send(ctx, sender, chat.Message{ChatID: c.ID, Body: text("from " + sender)}); err != nil {
			t.Fatalf("Send(%s) error = %v", sender, err)
		}
	}
	h.drain(t)

	for _, u := range []string{"carol", "bob"} {
		m, err := h.dir.Membership(ctx, c.ID, u)
		if err != nil || m.Temp {
			t.Fatalf("%s membership = %+v, %v; want permanent", u, m, err)
		}
	}
	if got := len(h.transport.sentTo("a1")); got != 2 {
		t.Fatalf("alice got %d messages, want 2", got)
	}
	// bob receives carol's message but not his own
	if got := h.transport.sentTo("b1"); len(got) != 1 || got[0].msg.From != "carol" {
		t.Fatalf("bob got %+v, want only carol's message", got)
	}
	// carol is offline, bob's message waits for her
	if got := len(h.events(t, "carol")); got != 1 {
		t.Fatalf("carol events = %d, want 1", got)
	}
}

func TestCreateChatDedupesSUC(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	first, err := h.router.CreateChat(ctx, "alice", chat.SUC, []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	second, err := h.router.CreateChat(ctx, "bob", chat.SUC, []string{"bob", "alice"})
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("second SUC chat %s created, want %s", second.ID, first.ID)
	}
	members, _ := h.dir.Members(ctx, first.ID)
	if len(members) != 2 {
		t.Fatalf("members = %+v, want alice and bob", members)
	}

	bad := [][]string{{"alice"}, {"alice", "alice"}, {"bob", "carol"}}
	for _, users := range bad {
		if _, err := h.router.CreateChat(ctx, "alice", chat.SUC, users); !errors.Is(err, chat.ErrInvalidChatMembers) {
			t.Fatalf("CreateChat(%v) error = %v, want ErrInvalidChatMembers", users, err)
		}
	}
}

func TestSendIgnoresClientSuppliedID(t *testing.T) {
	h := newHarness(t, time.Second)
	h.transport.autoAck = true
	ctx := context.Background()

	c, _ := h.router.CreateChat(ctx, "alice", chat.SUC, []string{"alice", "bob"})
	id, err := h.router.Send(ctx, "alice", chat.Message{ID: "client-id", ChatID: c.ID, Body: text("hi")})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if id == "" || id == "client-id" {
		t.Fatalf("Send() id = %q, want a server-assigned id", id)
	}
	h.drain(t)
}

func TestCreateChatConcurrentSUCReturnsOneChat(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	const callers = 40
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			creator, users := "alice", []string{"alice", "bob"}
			if i%2 == 1 {
				creator, users = "bob", []string{"bob", "alice"}
			}
			c, err := h.router.CreateChat(ctx, creator, chat.SUC, users)
			if err != nil {
				t.Errorf("CreateChat() error = %v", err)
				return
			}
			ids[i] = c.ID
		}()
	}
	wg.Wait()

	for i, id := range ids {
		if id != ids[0] {
			t.Fatalf("caller %d got chat %s, want %s", i, id, ids[0])
		}
	}
	all, _ := h.repo.InactiveChats(ctx, time.Now().Add(time.Hour))
	if len(all) != 1 {
		t.Fatalf("stored chats = %v, want exactly one", all)
	}
	members, _ := h.dir.Members(ctx, ids[0])
	if len(members) != 2 {
		t.Fatalf("members = %+v, want alice and bob", members)
	}
}

func TestSendDuringDrainGoesToQueue(t *testing.T) {
	h := newHarness(t, 500*time.Millisecond)
	ctx := context.Background()

	c, _ := h.router.CreateChat(ctx, "alice", chat.SUC, []string{"alice", "bob"})
	h.router.Connect(ctx, "bob", "b1")
	first, _ := h.router.Send(ctx, "alice", chat.Message{ChatID: c.ID, Body: text("first")})

	deadline := time.Now().Add(2 * time.Second)
	for len(h.transport.sentTo("b1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("message never emitted")
		}
		time.Sleep(time.Millisecond)
	}

	done := make(chan error, 1)
	go func() { done <- h.router.Drain(ctx) }()
	for {
		h.router.mu.Lock()
		waiting := h.router.draining > 0
		h.router.mu.Unlock()
		if waiting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("drain never started")
		}
		time.Sleep(time.Millisecond)
	}

	second, err := h.router.Send(ctx, "alice", chat.Message{ChatID: c.ID, Body: text("second")})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := len(h.transport.sentTo("b1")); got != 1 {
		t.Fatalf("emissions while draining = %d, want only the first", got)
	}
	if err := h.router.Replay(ctx, "bob", "b1"); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if got := len(h.transport.sentTo("b1")); got != 1 {
		t.Fatalf("replay emitted while draining: %d emissions", got)
	}

	if err := <-done; err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	queued := map[string]bool{}
	for _, e := range h.events(t, "bob") {
		queued[e.MessageID] = true
	}
	if !queued[first] || !queued[second] {
		t.Fatalf("queued = %v, want %s and %s", queued, first, second)
	}

	// The gate lifts once the drain is over.
	if err := h.router.Replay(ctx, "bob", "b1"); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if got := len(h.transport.sentTo("b1")); got != 3 {
		t.Fatalf("emissions after drain = %d, want 3", got)
	}
	h.drain(t)
}

func TestDisconnectPurgesTempMembershipsOnLastConnection(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	c, _ := h.router.CreateChat(ctx, "alice", chat.MUC, nil)
	h.router.Connect(ctx, "bob", "b1")
	h.router.Connect(ctx, "bob", "b2")
	_ = h.dir.Join(ctx, c.ID, "bob", true)

	h.router.Disconnect(ctx, "b1")
	if _, err := h.dir.Membership(ctx, c.ID, "bob"); err != nil {
		t.Fatalf("membership purged while bob still connected: %v", err)
	}
	h.router.Disconnect(ctx, "b2")
	if _, err := h.dir.Membership(ctx, c.ID, "bob"); !errors.Is(err, chat.ErrNotMember) {
		t.Fatalf("temp membership error = %v, want ErrNotMember", err)
	}

	h.users.mu.Lock()
	defer h.users.mu.Unlock()
	if h.users.inactive["bob"] != 1 {
		t.Fatalf("bob marked inactive %d times, want 1", h.users.inactive["bob"])
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		Pending:          "PENDING",
		TransportAcked:   "TRANSPORT_ACKED",
		TransportTimeout: "TRANSPORT_TIMEOUT",
		ApplicationAcked: "APPLICATION_ACKED",
	} {
		if got := fmt.Sprint(s); got != want {
			t.Errorf("State(%d) = %q, want %q", s, got, want)
		}
	}
}
