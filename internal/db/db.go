package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// Rows are removed by the application in dependency order (events,
// messages, memberships, chat), so foreign keys carry no cascade.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		last_login TIMESTAMPTZ NOT NULL,
		state TEXT NOT NULL DEFAULT 'active' CHECK (state IN ('active', 'inactive'))
	)`,

	`CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL CHECK (type IN ('SUC', 'MUC')),
		creator TEXT NOT NULL,
		users TEXT[],
		blocked_by TEXT[] NOT NULL DEFAULT '{}',
		blocked BOOLEAN GENERATED ALWAYS AS (cardinality(blocked_by) > 0) STORED,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS chats_users_idx ON chats USING GIN (users) WHERE type = 'SUC'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS chats_suc_pair_idx
		ON chats ((LEAST(users[1], users[2])), (GREATEST(users[1], users[2])))
		WHERE type = 'SUC'`,

	`CREATE TABLE IF NOT EXISTS chat_members (
		chat_id TEXT NOT NULL REFERENCES chats(id),
		user_id TEXT NOT NULL,
		temp BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (chat_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS chat_members_user_idx ON chat_members (user_id) WHERE temp`,

	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL REFERENCES chats(id),
		sender TEXT NOT NULL,
		body TEXT,
		typing BOOLEAN,
		timestamp BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS messages_archive_idx ON messages (chat_id, timestamp DESC, id DESC)`,

	`CREATE TABLE IF NOT EXISTS message_events (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL REFERENCES messages(id),
		user_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		timestamp BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (message_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS message_events_user_idx ON message_events (user_id, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS message_events_chat_idx ON message_events (chat_id)`,
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	for _, query := range migrations {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
