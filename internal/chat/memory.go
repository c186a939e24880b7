package chat

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryRepository keeps everything in process. Used by tests and by the
// server when STORE_DRIVER=memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	chats    map[string]*Chat
	members  map[string]map[string]*Membership // chat -> user
	messages map[string]*Message
	events   map[[2]string]*MessageEvent // (message, user)
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		chats:    make(map[string]*Chat),
		members:  make(map[string]map[string]*Membership),
		messages: make(map[string]*Message),
		events:   make(map[[2]string]*MessageEvent),
	}
}

func cloneChat(c *Chat) *Chat {
	out := *c
	out.Users = slices.Clone(c.Users)
	out.BlockedBy = slices.Clone(c.BlockedBy)
	return &out
}

// CreateChat rejects a second SUC chat between the same two users.
func (r *MemoryRepository) CreateChat(_ context.Context, c *Chat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.Type == SUC && len(c.Users) == 2 && r.findSUC(c.Users[0], c.Users[1]) != nil {
		return Errorf(ErrInvalidOperation, "SUC chat between %s and %s already exists", c.Users[0], c.Users[1])
	}
	r.chats[c.ID] = cloneChat(c)
	return nil
}

func (r *MemoryRepository) CreateSUC(_ context.Context, c *Chat) (*Chat, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.findSUC(c.Users[0], c.Users[1]); existing != nil {
		return cloneChat(existing), false, nil
	}
	r.chats[c.ID] = cloneChat(c)
	return cloneChat(c), true, nil
}

func (r *MemoryRepository) ChatByID(_ context.Context, id string) (*Chat, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chats[id]
	if !ok {
		return nil, ErrChatNotFound
	}
	return cloneChat(c), nil
}

func (r *MemoryRepository) FindSUC(_ context.Context, a, b string) (*Chat, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	found := r.findSUC(a, b)
	if found == nil {
		return nil, ErrChatNotFound
	}
	return cloneChat(found), nil
}

// findSUC expects r.mu to be held.
func (r *MemoryRepository) findSUC(a, b string) *Chat {
	var found *Chat
	for _, c := range r.chats {
		if c.Type != SUC || !c.HasParticipant(a) || !c.HasParticipant(b) {
			continue
		}
		if found == nil || c.CreatedAt.Before(found.CreatedAt) {
			found = c
		}
	}
	return found
}

func (r *MemoryRepository) SetBlocked(_ context.Context, chatID, userID string, block bool) (*Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	if block {
		if !slices.Contains(c.BlockedBy, userID) {
			c.BlockedBy = append(c.BlockedBy, userID)
		}
	} else {
		c.BlockedBy = slices.DeleteFunc(c.BlockedBy, func(u string) bool { return u == userID })
	}
	c.Blocked = len(c.BlockedBy) > 0
	return cloneChat(c), nil
}

func (r *MemoryRepository) DeleteChat(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chats, id)
	return nil
}

func (r *MemoryRepository) InactiveChats(_ context.Context, cutoff time.Time) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	active := make(map[string]bool)
	for _, m := range r.messages {
		if m.Timestamp >= cutoff.UnixMilli() {
			active[m.ChatID] = true
		}
	}
	var candidates []*Chat
	for _, c := range r.chats {
		if !c.CreatedAt.After(cutoff) && !active[c.ID] {
			candidates = append(candidates, c)
		}
	}
	slices.SortFunc(candidates, func(a, b *Chat) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (r *MemoryRepository) UpsertMembership(_ context.Context, m *Membership) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byUser, ok := r.members[m.ChatID]
	if !ok {
		byUser = make(map[string]*Membership)
		r.members[m.ChatID] = byUser
	}
	if existing, ok := byUser[m.UserID]; ok {
		existing.Temp = existing.Temp && m.Temp
		return nil
	}
	row := *m
	byUser[m.UserID] = &row
	return nil
}

func (r *MemoryRepository) Membership(_ context.Context, chatID, userID string) (*Membership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[chatID][userID]
	if !ok {
		return nil, ErrNotMember
	}
	out := *m
	return &out, nil
}

func (r *MemoryRepository) Memberships(_ context.Context, chatID string) ([]Membership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Membership, 0, len(r.members[chatID]))
	for _, m := range r.members[chatID] {
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b Membership) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.UserID, b.UserID))
	})
	return out, nil
}

func (r *MemoryRepository) DeleteMembership(_ context.Context, chatID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members[chatID], userID)
	return nil
}

func (r *MemoryRepository) DeleteMemberships(_ context.Context, chatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, chatID)
	return nil
}

func (r *MemoryRepository) DeleteTempMemberships(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, byUser := range r.members {
		if m, ok := byUser[userID]; ok && m.Temp {
			delete(byUser, userID)
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) InsertMessage(_ context.Context, m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := *m
	r.messages[m.ID] = &row
	return nil
}

func (r *MemoryRepository) MessageByID(_ context.Context, id string) (*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	out := *m
	return &out, nil
}

func compareMessagesDesc(a, b Message) int {
	return cmp.Or(cmp.Compare(b.Timestamp, a.Timestamp), cmp.Compare(b.ID, a.ID))
}

func (r *MemoryRepository) MessagesBefore(_ context.Context, chatID string, anchor *Message, limit int) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Message
	for _, m := range r.messages {
		if m.ChatID != chatID {
			continue
		}
		// strictly after the anchor in descending order
		if anchor != nil && compareMessagesDesc(*m, *anchor) <= 0 {
			continue
		}
		out = append(out, *m)
	}
	slices.SortFunc(out, compareMessagesDesc)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) DeleteMessages(_ context.Context, chatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range r.messages {
		if m.ChatID == chatID {
			delete(r.messages, id)
		}
	}
	return nil
}

func (r *MemoryRepository) UpsertEvent(_ context.Context, e *MessageEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]string{e.MessageID, e.UserID}
	if _, ok := r.events[key]; ok {
		return false, nil
	}
	row := *e
	r.events[key] = &row
	return true, nil
}

func (r *MemoryRepository) EventsForUser(_ context.Context, userID string) ([]MessageEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []MessageEvent
	for _, e := range r.events {
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	slices.SortFunc(out, func(a, b MessageEvent) int {
		return cmp.Or(cmp.Compare(b.Timestamp, a.Timestamp), b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.ID, a.ID))
	})
	return out, nil
}

func (r *MemoryRepository) DeleteEvent(_ context.Context, messageID, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]string{messageID, userID}
	_, ok := r.events[key]
	delete(r.events, key)
	return ok, nil
}

func (r *MemoryRepository) DeleteEvents(_ context.Context, chatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.events {
		if e.ChatID == chatID {
			delete(r.events, key)
		}
	}
	return nil
}
