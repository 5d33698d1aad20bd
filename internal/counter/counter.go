package counter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound mirrors the repo sentinel for unknown users.
var ErrNotFound = errors.New("not found")

// UnderflowError reports a decrement against a zero count. That is a logic
// error in the caller's bookkeeping and is never silently clamped.
type UnderflowError struct {
	UserID string
}

func (e UnderflowError) Error() string {
	return fmt.Sprintf("active task count for user %s already zero", e.UserID)
}

// Store owns users.active_task_count. It is the single mutation path for
// the counter; every other component reads through it. Mutations are
// single UPDATE statements, so concurrent calls for the same user cannot
// lose updates.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get returns the current count.
func (s Store) Get(ctx context.Context, userID string) (int, error) {
	return s.get(ctx, s.DB, userID)
}

// GetTx reads inside an open transaction.
func (s Store) GetTx(ctx context.Context, tx *sql.Tx, userID string) (int, error) {
	return s.get(ctx, tx, userID)
}

func (s Store) get(ctx context.Context, q execer, userID string) (int, error) {
	var count int
	err := q.QueryRowContext(ctx, `SELECT active_task_count FROM users WHERE id=?`, userID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return count, err
}

// Increment bumps the count and returns the new value.
func (s Store) Increment(ctx context.Context, userID string) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	count, err := s.IncrementTx(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

// IncrementTx bumps the count inside an open transaction so the engine can
// fold the mutation into its atomic claim sequence.
func (s Store) IncrementTx(ctx context.Context, tx *sql.Tx, userID string) (int, error) {
	now := s.now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE users SET active_task_count=active_task_count+1, updated_at=? WHERE id=?`, now, userID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	return s.get(ctx, tx, userID)
}

// Decrement lowers the count and returns the new value.
func (s Store) Decrement(ctx context.Context, userID string) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	count, err := s.DecrementTx(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

// DecrementTx lowers the count inside an open transaction. The zero guard
// lives in the UPDATE itself, so a racing decrement cannot push the count
// negative.
func (s Store) DecrementTx(ctx context.Context, tx *sql.Tx, userID string) (int, error) {
	now := s.now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE users SET active_task_count=active_task_count-1, updated_at=? WHERE id=? AND active_task_count > 0`, now, userID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.get(ctx, tx, userID); err != nil {
			return 0, err
		}
		return 0, UnderflowError{UserID: userID}
	}
	return s.get(ctx, tx, userID)
}
