package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists users and the rating ledger in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens a connection pool for dsn and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("user: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("user: ping postgres: %w", err)
	}
	return db, nil
}

// NewPostgresStore creates a store on an open handle. The schema must already
// be migrated (see Migrate).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectUser = `SELECT id, rating, total_chats, blocked_until FROM users WHERE id = $1`

// Register inserts the user with the default rating if absent, then reads it back.
func (s *PostgresStore) Register(ctx context.Context, userID string) (*User, error) {
	const insert = `
		INSERT INTO users (id, rating, total_chats)
		VALUES ($1, $2, 0)
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, insert, userID, DefaultRating); err != nil {
		return nil, fmt.Errorf("user: register: %w", err)
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, selectUser, userID))
	if err != nil {
		return nil, fmt.Errorf("user: register: %w", err)
	}
	return u, nil
}

// Get loads one user.
func (s *PostgresStore) Get(ctx context.Context, userID string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, selectUser, userID))
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("user: get: %w", err)
	}
	return u, nil
}

// ApplyRating records the rating in the ledger and updates the ratee's running
// mean in one transaction. The ledger's primary key rejects a second rating
// by the same rater for the same session.
func (s *PostgresStore) ApplyRating(ctx context.Context, r Rating) (*User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("user: apply rating: begin: %w", err)
	}
	defer tx.Rollback()

	const ledger = `
		INSERT INTO ratings (session_id, rater_id, ratee_id, score, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, rater_id) DO NOTHING`

	res, err := tx.ExecContext(ctx, ledger, r.SessionID, r.RaterID, r.RateeID, r.Score, r.At.UTC())
	if err != nil {
		return nil, fmt.Errorf("user: apply rating: ledger: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("user: apply rating: ledger: %w", err)
	} else if n == 0 {
		return nil, ErrDuplicateRating
	}

	const update = `
		UPDATE users
		SET rating = (rating * total_chats + $2) / (total_chats + 1),
		    total_chats = total_chats + 1
		WHERE id = $1
		RETURNING id, rating, total_chats, blocked_until`

	u, err := scanUser(tx.QueryRowContext(ctx, update, r.RateeID, float64(r.Score)))
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("user: apply rating: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("user: apply rating: commit: %w", err)
	}
	return u, nil
}

// SetBlockedUntil stores or clears the block expiry.
func (s *PostgresStore) SetBlockedUntil(ctx context.Context, userID string, until *time.Time) (*User, error) {
	const update = `
		UPDATE users SET blocked_until = $2
		WHERE id = $1
		RETURNING id, rating, total_chats, blocked_until`

	var arg interface{}
	if until != nil {
		arg = until.UTC()
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, update, userID, arg))
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("user: set blocked: %w", err)
	}
	return u, nil
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u       User
		blocked sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Rating, &u.TotalChats, &blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if blocked.Valid {
		t := blocked.Time.UTC()
		u.BlockedUntil = &t
	}
	return &u, nil
}
