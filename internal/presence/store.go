package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel is the pub/sub channel presence events travel on between
// server instances.
const Channel = "chat:presence"

// Store persists connection rows and distributes presence events.
type Store interface {
	SaveConnection(ctx context.Context, c Connection) error
	DeleteConnection(ctx context.Context, c Connection) error
	// PurgeInstance drops rows left behind by a previous run of instanceID.
	PurgeInstance(ctx context.Context, instanceID string) (int, error)
	Publish(ctx context.Context, e Event) error
	// Subscribe delivers events until ctx is cancelled.
	Subscribe(ctx context.Context) <-chan Event
}

type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger.With("component", "presence_store")}
}

func connKey(id string) string { return "chat:conn:" + id }
func userKey(id string) string { return "chat:user:" + id + ":conns" }
func instanceKey(id string) string { return "chat:instance:" + id + ":conns" }

func (s *RedisStore) SaveConnection(ctx context.Context, c Connection) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, connKey(c.ID),
			"user_id", c.UserID,
			"instance_id", c.InstanceID,
			"created_at", c.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		pipe.SAdd(ctx, userKey(c.UserID), c.ID)
		pipe.SAdd(ctx, instanceKey(c.InstanceID), c.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save connection: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteConnection(ctx context.Context, c Connection) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, connKey(c.ID))
		pipe.SRem(ctx, userKey(c.UserID), c.ID)
		pipe.SRem(ctx, instanceKey(c.InstanceID), c.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}

func (s *RedisStore) PurgeInstance(ctx context.Context, instanceID string) (int, error) {
	ids, err := s.client.SMembers(ctx, instanceKey(instanceID)).Result()
	if err != nil {
		return 0, fmt.Errorf("list instance connections: %w", err)
	}
	for _, id := range ids {
		userID, err := s.client.HGet(ctx, connKey(id), "user_id").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("read connection %s: %w", id, err)
		}
		c := Connection{ID: id, UserID: userID, InstanceID: instanceID}
		if err := s.DeleteConnection(ctx, c); err != nil {
			return 0, err
		}
	}
	if err := s.client.Del(ctx, instanceKey(instanceID)).Err(); err != nil {
		return 0, fmt.Errorf("delete instance set: %w", err)
	}
	return len(ids), nil
}

func (s *RedisStore) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, Channel, payload).Err()
}

// Subscribe listens for presence events from every instance, this one
// included.
func (s *RedisStore) Subscribe(ctx context.Context) <-chan Event {
	pubsub := s.client.Subscribe(ctx, Channel)
	out := make(chan Event)

	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					s.logger.Warn("dropping malformed presence event", "error", err)
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// MemoryStore is the single-process Store.
type MemoryStore struct {
	mu          sync.Mutex
	conns       map[string]Connection
	subscribers map[chan Event]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conns:       make(map[string]Connection),
		subscribers: make(map[chan Event]struct{}),
	}
}

func (s *MemoryStore) SaveConnection(_ context.Context, c Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.ID] = c
	return nil
}

func (s *MemoryStore) DeleteConnection(_ context.Context, c Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.ID)
	return nil
}

func (s *MemoryStore) PurgeInstance(_ context.Context, instanceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.conns {
		if c.InstanceID == instanceID {
			delete(s.conns, id)
			n++
		}
	}
	return n, nil
}

// Connections returns the stored rows. Only used by tests.
func (s *MemoryStore) Connections() []Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *MemoryStore) Publish(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- e:
		default:
			// slow subscriber, drop
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subscribers, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}
