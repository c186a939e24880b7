package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Directory owns chat entities and their memberships.
type Directory struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewDirectory(repo Repository, logger *slog.Logger) *Directory {
	return &Directory{
		repo:   repo,
		logger: logger.With("component", "chat_directory"),
		now:    time.Now,
	}
}

// Create stores a new chat. A second SUC chat between the same users is
// rejected with ErrInvalidOperation; use CreateSUC to get the existing one.
func (d *Directory) Create(ctx context.Context, typ ChatType, creator string, users []string) (*Chat, error) {
	c, err := d.newChat(typ, creator, users)
	if err != nil {
		return nil, err
	}
	if err := d.repo.CreateChat(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// CreateSUC returns the SUC chat between users, creating it when none
// exists. Concurrent calls for the same pair all get the same chat.
func (d *Directory) CreateSUC(ctx context.Context, creator string, users []string) (*Chat, bool, error) {
	c, err := d.newChat(SUC, creator, users)
	if err != nil {
		return nil, false, err
	}
	stored, created, err := d.repo.CreateSUC(ctx, c)
	if err != nil {
		return nil, false, err
	}
	if created {
		d.logger.Debug("suc chat created", "chat_id", stored.ID, "users", stored.Users)
	}
	return stored, created, nil
}

func (d *Directory) newChat(typ ChatType, creator string, users []string) (*Chat, error) {
	if !typ.Valid() {
		return nil, Errorf(ErrValidationFailed, "unknown chat type %q", typ)
	}
	if strings.TrimSpace(creator) == "" {
		return nil, Errorf(ErrMissingParameters, "creator is required")
	}

	c := &Chat{
		ID:        uuid.NewString(),
		Type:      typ,
		Creator:   creator,
		CreatedAt: d.now().UTC(),
	}
	if typ == SUC {
		if len(users) != 2 || users[0] == users[1] || users[0] == "" || users[1] == "" {
			return nil, Errorf(ErrInvalidChatMembers, "SUC chat needs exactly two distinct users")
		}
		if users[0] != creator && users[1] != creator {
			return nil, Errorf(ErrInvalidChatMembers, "SUC chat must include its creator")
		}
		c.Users = []string{users[0], users[1]}
	}
	return c, nil
}

// FindSUCByUsers is order independent.
func (d *Directory) FindSUCByUsers(ctx context.Context, a, b string) (*Chat, error) {
	if a == "" || b == "" {
		return nil, ErrMissingParameters
	}
	if a == b {
		return nil, Errorf(ErrInvalidChatMembers, "SUC chat needs two distinct users")
	}
	if a > b {
		a, b = b, a
	}
	return d.repo.FindSUC(ctx, a, b)
}

func (d *Directory) FindByID(ctx context.Context, chatID string) (*Chat, error) {
	if chatID == "" {
		return nil, ErrMissingParameters
	}
	return d.repo.ChatByID(ctx, chatID)
}

// Join adds userID to the chat. Joining again with temp=false upgrades an
// existing temp row in place; a permanent row never becomes temp.
func (d *Directory) Join(ctx context.Context, chatID, userID string, temp bool) error {
	if chatID == "" || userID == "" {
		return ErrMissingParameters
	}
	if _, err := d.repo.ChatByID(ctx, chatID); err != nil {
		return err
	}
	return d.repo.UpsertMembership(ctx, &Membership{
		ChatID:    chatID,
		UserID:    userID,
		Temp:      temp,
		CreatedAt: d.now().UTC(),
	})
}

func (d *Directory) Leave(ctx context.Context, chatID, userID string) error {
	if chatID == "" || userID == "" {
		return ErrMissingParameters
	}
	if _, err := d.repo.ChatByID(ctx, chatID); err != nil {
		return err
	}
	return d.repo.DeleteMembership(ctx, chatID, userID)
}

func (d *Directory) UpgradeToPermanent(ctx context.Context, chatID, userID string) error {
	return d.Join(ctx, chatID, userID, false)
}

// Membership returns ErrNotMember when userID has no row in the chat.
func (d *Directory) Membership(ctx context.Context, chatID, userID string) (*Membership, error) {
	return d.repo.Membership(ctx, chatID, userID)
}

func (d *Directory) Members(ctx context.Context, chatID string) ([]Membership, error) {
	if _, err := d.FindByID(ctx, chatID); err != nil {
		return nil, err
	}
	return d.repo.Memberships(ctx, chatID)
}

// Block sets or clears userID's block on a SUC chat. The chat stays
// blocked while any participant still blocks it.
func (d *Directory) Block(ctx context.Context, chatID, userID string, block bool) (*Chat, error) {
	c, err := d.FindByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if c.Type != SUC {
		return nil, Errorf(ErrInvalidOperation, "only SUC chats can be blocked")
	}
	if !c.HasParticipant(userID) {
		return nil, Errorf(ErrForbidden, "user %s is not a participant", userID)
	}
	return d.repo.SetBlocked(ctx, chatID, userID, block)
}

// DeleteChat removes events, messages, memberships and finally the chat
// row. Every step is idempotent so a failed delete can be retried.
func (d *Directory) DeleteChat(ctx context.Context, chatID string) error {
	if chatID == "" {
		return ErrMissingParameters
	}
	steps := []struct {
		name string
		fn   func(context.Context, string) error
	}{
		{"events", d.repo.DeleteEvents},
		{"messages", d.repo.DeleteMessages},
		{"memberships", d.repo.DeleteMemberships},
		{"chat", d.repo.DeleteChat},
	}
	for _, step := range steps {
		if err := step.fn(ctx, chatID); err != nil {
			return fmt.Errorf("delete chat %s %s: %w", chatID, step.name, err)
		}
	}
	d.logger.Info("chat deleted", "chat_id", chatID)
	return nil
}

// DeleteChats deletes every id and reports all failures together.
func (d *Directory) DeleteChats(ctx context.Context, chatIDs []string) error {
	if len(chatIDs) == 0 {
		return ErrMissingParameters
	}
	var errs []error
	for _, id := range chatIDs {
		if err := d.DeleteChat(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListInactive returns ids of chats created at or before cutoff that have
// no message timestamped at or after it.
func (d *Directory) ListInactive(ctx context.Context, cutoff time.Time) ([]string, error) {
	return d.repo.InactiveChats(ctx, cutoff)
}

// PurgeTempMemberships drops the session-scoped memberships of userID.
func (d *Directory) PurgeTempMemberships(ctx context.Context, userID string) error {
	n, err := d.repo.DeleteTempMemberships(ctx, userID)
	if err != nil {
		return err
	}
	if n > 0 {
		d.logger.Debug("temp memberships purged", "user_id", userID, "count", n)
	}
	return nil
}
