package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const storeTimeout = 5 * time.Second

// tracked pairs a connection with a channel closed once its row has been
// written, so the delete never overtakes the save.
type tracked struct {
	Connection
	saved chan struct{}
}

// Registry tracks the live connections of every user on this instance.
// The in-memory view is authoritative for fan-out; the Store copy is
// written fire-and-forget.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Connection
	byConn map[string]tracked

	store    Store
	instance string
	logger   *slog.Logger
	now      func() time.Time
	pending  sync.WaitGroup
}

func NewRegistry(store Store, instanceID string, logger *slog.Logger) *Registry {
	return &Registry{
		byUser:   make(map[string]map[string]Connection),
		byConn:   make(map[string]tracked),
		store:    store,
		instance: instanceID,
		logger:   logger.With("component", "presence"),
		now:      time.Now,
	}
}

// Purge removes rows a previous run of this instance left in the store.
func (r *Registry) Purge(ctx context.Context) error {
	n, err := r.store.PurgeInstance(ctx, r.instance)
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Info("purged stale connections", "instance_id", r.instance, "count", n)
	}
	return nil
}

// Register records connID for userID and reports whether it is the
// user's first live connection.
func (r *Registry) Register(ctx context.Context, userID, connID string) bool {
	c := Connection{
		ID:         connID,
		UserID:     userID,
		InstanceID: r.instance,
		CreatedAt:  r.now().UTC(),
	}

	r.mu.Lock()
	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]Connection)
		r.byUser[userID] = conns
	}
	first := len(conns) == 0
	conns[connID] = c
	t := tracked{Connection: c, saved: make(chan struct{})}
	r.byConn[connID] = t
	r.mu.Unlock()

	r.background(ctx, "save connection", func(ctx context.Context) error {
		defer close(t.saved)
		return r.store.SaveConnection(ctx, c)
	})
	if first {
		r.announce(ctx, userID, Online)
	}
	return first
}

// Unregister removes connID. It returns the owning user and whether that
// was the user's last live connection. Unknown ids return ("", false).
func (r *Registry) Unregister(ctx context.Context, connID string) (string, bool) {
	r.mu.Lock()
	t, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	c := t.Connection
	delete(r.byConn, connID)
	conns := r.byUser[c.UserID]
	delete(conns, connID)
	last := len(conns) == 0
	if last {
		delete(r.byUser, c.UserID)
	}
	r.mu.Unlock()

	r.background(ctx, "delete connection", func(ctx context.Context) error {
		<-t.saved
		return r.store.DeleteConnection(ctx, c)
	})
	if last {
		r.announce(ctx, c.UserID, Offline)
	}
	return c.UserID, last
}

// LiveConnections returns a snapshot of userID's connections. An empty
// result means the user is offline.
func (r *Registry) LiveConnections(userID string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	out := make([]Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// announce publishes inline so a user's online and offline events leave
// this instance in order.
func (r *Registry) announce(ctx context.Context, userID string, state State) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	e := Event{UserID: userID, State: state, At: r.now().UTC()}
	if err := r.store.Publish(ctx, e); err != nil {
		r.logger.Error("publish presence failed", "user_id", userID, "error", err)
	}
}

func (r *Registry) background(ctx context.Context, op string, fn func(context.Context) error) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.logger.Error(op+" failed", "error", err)
		}
	}()
}

// Wait blocks until all background store writes have finished.
func (r *Registry) Wait() {
	r.pending.Wait()
}
