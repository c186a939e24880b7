package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

type ChatRepository interface {
	CreateChat(ctx context.Context, c *Chat) error
	// CreateSUC stores c unless a SUC chat between c.Users already exists,
	// in which case it returns that chat and false. The check and the
	// insert are atomic.
	CreateSUC(ctx context.Context, c *Chat) (*Chat, bool, error)
	ChatByID(ctx context.Context, id string) (*Chat, error)
	FindSUC(ctx context.Context, a, b string) (*Chat, error)
	SetBlocked(ctx context.Context, chatID, userID string, block bool) (*Chat, error)
	DeleteChat(ctx context.Context, id string) error
	InactiveChats(ctx context.Context, cutoff time.Time) ([]string, error)
}

type MembershipRepository interface {
	UpsertMembership(ctx context.Context, m *Membership) error
	Membership(ctx context.Context, chatID, userID string) (*Membership, error)
	Memberships(ctx context.Context, chatID string) ([]Membership, error)
	DeleteMembership(ctx context.Context, chatID, userID string) error
	DeleteMemberships(ctx context.Context, chatID string) error
	DeleteTempMemberships(ctx context.Context, userID string) (int64, error)
}

type MessageRepository interface {
	InsertMessage(ctx context.Context, m *Message) error
	MessageByID(ctx context.Context, id string) (*Message, error)
	// MessagesBefore returns messages ordered by (timestamp, id) descending.
	// A nil anchor starts at the newest message.
	MessagesBefore(ctx context.Context, chatID string, anchor *Message, limit int) ([]Message, error)
	DeleteMessages(ctx context.Context, chatID string) error
}

type EventRepository interface {
	// UpsertEvent keeps one row per (message, user) and reports whether
	// this call inserted it.
	UpsertEvent(ctx context.Context, e *MessageEvent) (bool, error)
	EventsForUser(ctx context.Context, userID string) ([]MessageEvent, error)
	DeleteEvent(ctx context.Context, messageID, userID string) (bool, error)
	DeleteEvents(ctx context.Context, chatID string) error
}

// Repository is the full persistence contract of the chat core.
type Repository interface {
	ChatRepository
	MembershipRepository
	MessageRepository
	EventRepository
}

type PostgresRepository struct {
	db   *sql.DB
	tmap *pgtype.Map
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, tmap: pgtype.NewMap()}
}

const chatColumns = `id, type, creator, users, blocked, blocked_by, created_at`

func (r *PostgresRepository) scanChat(row interface{ Scan(...any) error }) (*Chat, error) {
	c := &Chat{}
	var users, blockedBy []string
	err := row.Scan(&c.ID, &c.Type, &c.Creator, r.tmap.SQLScanner(&users), &c.Blocked, r.tmap.SQLScanner(&blockedBy), &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Users = users
	c.BlockedBy = blockedBy
	return c, nil
}

func (r *PostgresRepository) CreateChat(ctx context.Context, c *Chat) error {
	users := c.Users
	if users == nil {
		users = []string{}
	}
	query := `INSERT INTO chats (id, type, creator, users, created_at) VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.db.ExecContext(ctx, query, c.ID, string(c.Type), c.Creator, users, c.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Errorf(ErrInvalidOperation, "SUC chat between %v already exists", users)
		}
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

const uniqueViolation = "23505"

// CreateSUC relies on chats_suc_pair_idx. A conflicting insert returns no
// row and the stored chat is read back.
func (r *PostgresRepository) CreateSUC(ctx context.Context, c *Chat) (*Chat, bool, error) {
	query := `INSERT INTO chats (id, type, creator, users, created_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ((LEAST(users[1], users[2])), (GREATEST(users[1], users[2]))) WHERE type = 'SUC'
		DO NOTHING
		RETURNING ` + chatColumns
	stored, err := r.scanChat(r.db.QueryRowContext(ctx, query, c.ID, string(c.Type), c.Creator, c.Users, c.CreatedAt))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("insert suc chat: %w", err)
	}
	existing, err := r.FindSUC(ctx, c.Users[0], c.Users[1])
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *PostgresRepository) ChatByID(ctx context.Context, id string) (*Chat, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, id)
	c, err := r.scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select chat: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) FindSUC(ctx context.Context, a, b string) (*Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats
		WHERE type = 'SUC' AND users @> ARRAY[$1, $2]::text[]
		ORDER BY created_at
		LIMIT 1`
	c, err := r.scanChat(r.db.QueryRowContext(ctx, query, a, b))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find suc chat: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) SetBlocked(ctx context.Context, chatID, userID string, block bool) (*Chat, error) {
	query := `UPDATE chats SET blocked_by = CASE
			WHEN NOT $3::boolean THEN array_remove(blocked_by, $2::text)
			WHEN $2::text = ANY(blocked_by) THEN blocked_by
			ELSE array_append(blocked_by, $2::text)
		END
		WHERE id = $1
		RETURNING ` + chatColumns
	c, err := r.scanChat(r.db.QueryRowContext(ctx, query, chatID, userID, block))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update blocked: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) DeleteChat(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM chats WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InactiveChats(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `SELECT c.id FROM chats c
		WHERE c.created_at <= $1
		AND NOT EXISTS (
			SELECT 1 FROM messages m WHERE m.chat_id = c.id AND m.timestamp >= $2
		)
		ORDER BY c.created_at, c.id`
	rows, err := r.db.QueryContext(ctx, query, cutoff, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("select inactive chats: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertMembership inserts or updates a row. temp only ever moves from
// true to false.
func (r *PostgresRepository) UpsertMembership(ctx context.Context, m *Membership) error {
	query := `INSERT INTO chat_members (chat_id, user_id, temp, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chat_id, user_id)
		DO UPDATE SET temp = chat_members.temp AND EXCLUDED.temp`
	if _, err := r.db.ExecContext(ctx, query, m.ChatID, m.UserID, m.Temp, m.CreatedAt); err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Membership(ctx context.Context, chatID, userID string) (*Membership, error) {
	m := &Membership{}
	query := `SELECT chat_id, user_id, temp, created_at FROM chat_members WHERE chat_id = $1 AND user_id = $2`
	err := r.db.QueryRowContext(ctx, query, chatID, userID).Scan(&m.ChatID, &m.UserID, &m.Temp, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotMember
	}
	if err != nil {
		return nil, fmt.Errorf("select membership: %w", err)
	}
	return m, nil
}

func (r *PostgresRepository) Memberships(ctx context.Context, chatID string) ([]Membership, error) {
	query := `SELECT chat_id, user_id, temp, created_at FROM chat_members WHERE chat_id = $1 ORDER BY created_at, user_id`
	rows, err := r.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("select memberships: %w", err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.ChatID, &m.UserID, &m.Temp, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) DeleteMembership(ctx context.Context, chatID, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM chat_members WHERE chat_id = $1 AND user_id = $2`, chatID, userID)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteMemberships(ctx context.Context, chatID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM chat_members WHERE chat_id = $1`, chatID); err != nil {
		return fmt.Errorf("delete memberships: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteTempMemberships(ctx context.Context, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM chat_members WHERE user_id = $1 AND temp`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete temp memberships: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) InsertMessage(ctx context.Context, m *Message) error {
	var text sql.NullString
	if m.Body != nil {
		text = sql.NullString{String: m.Body.Text, Valid: true}
	}
	var typing sql.NullBool
	if m.Typing != nil {
		typing = sql.NullBool{Bool: *m.Typing, Valid: true}
	}
	query := `INSERT INTO messages (id, chat_id, sender, body, typing, timestamp, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.ExecContext(ctx, query, m.ID, m.ChatID, m.From, text, typing, m.Timestamp, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

const messageColumns = `id, chat_id, sender, body, typing, timestamp, created_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var (
		m      Message
		text   sql.NullString
		typing sql.NullBool
	)
	if err := row.Scan(&m.ID, &m.ChatID, &m.From, &text, &typing, &m.Timestamp, &m.CreatedAt); err != nil {
		return m, err
	}
	if text.Valid {
		m.Body = &MessageBody{Text: text.String}
	}
	if typing.Valid {
		m.Typing = &typing.Bool
	}
	return m, nil
}

func (r *PostgresRepository) MessageByID(ctx context.Context, id string) (*Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select message: %w", err)
	}
	return &m, nil
}

func (r *PostgresRepository) MessagesBefore(ctx context.Context, chatID string, anchor *Message, limit int) ([]Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if anchor == nil {
		query := `SELECT ` + messageColumns + ` FROM messages
			WHERE chat_id = $1
			ORDER BY timestamp DESC, id DESC
			LIMIT $2`
		rows, err = r.db.QueryContext(ctx, query, chatID, limit)
	} else {
		query := `SELECT ` + messageColumns + ` FROM messages
			WHERE chat_id = $1 AND (timestamp, id) < ($2, $3)
			ORDER BY timestamp DESC, id DESC
			LIMIT $4`
		rows, err = r.db.QueryContext(ctx, query, chatID, anchor.Timestamp, anchor.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("select archive: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) DeleteMessages(ctx context.Context, chatID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = $1`, chatID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpsertEvent(ctx context.Context, e *MessageEvent) (bool, error) {
	query := `INSERT INTO message_events (id, message_id, user_id, chat_id, timestamp, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id, user_id) DO NOTHING`
	res, err := r.db.ExecContext(ctx, query, e.ID, e.MessageID, e.UserID, e.ChatID, e.Timestamp, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("upsert event: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PostgresRepository) EventsForUser(ctx context.Context, userID string) ([]MessageEvent, error) {
	query := `SELECT id, message_id, user_id, chat_id, timestamp, created_at FROM message_events
		WHERE user_id = $1
		ORDER BY timestamp DESC, created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()

	var out []MessageEvent
	for rows.Next() {
		var e MessageEvent
		if err := rows.Scan(&e.ID, &e.MessageID, &e.UserID, &e.ChatID, &e.Timestamp, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) DeleteEvent(ctx context.Context, messageID, userID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM message_events WHERE message_id = $1 AND user_id = $2`, messageID, userID)
	if err != nil {
		return false, fmt.Errorf("delete event: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresRepository) DeleteEvents(ctx context.Context, chatID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM message_events WHERE chat_id = $1`, chatID); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return nil
}
