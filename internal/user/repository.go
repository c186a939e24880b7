package user

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

type Repository interface {
	Touch(ctx context.Context, id string, at time.Time) error
	SetState(ctx context.Context, id string, state State) error
	List(ctx context.Context, state State) ([]User, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Touch(ctx context.Context, id string, at time.Time) error {
	query := `INSERT INTO users (id, last_login, state) VALUES ($1, $2, 'active')
		ON CONFLICT (id) DO UPDATE SET last_login = EXCLUDED.last_login, state = 'active'`
	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SetState(ctx context.Context, id string, state State) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE users SET state = $2 WHERE id = $1`, id, string(state)); err != nil {
		return fmt.Errorf("set user state: %w", err)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, state State) ([]User, error) {
	q := `SELECT id, last_login, state FROM users WHERE ($1::text = '' OR state = $1::text) ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q, string(state))
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.LastLogin, &u.State); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

type MemoryRepository struct {
	mu    sync.Mutex
	users map[string]User
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]User)}
}

func (r *MemoryRepository) Touch(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[id] = User{ID: id, LastLogin: at, State: Active}
	return nil
}

func (r *MemoryRepository) SetState(_ context.Context, id string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.State = state
		r.users[id] = u
	}
	return nil
}

func (r *MemoryRepository) List(_ context.Context, state State) ([]User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []User
	for _, u := range r.users {
		if state == "" || u.State == state {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b User) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}
