package repo

import (
	"context"
	"database/sql"

	"taskmatch/internal/domain"
)

const assignmentColumns = `id,task_id,user_id,status,created_at,updated_at`

func scanAssignment(scan func(dest ...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	err := scan(&a.ID, &a.TaskID, &a.UserID, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// InsertAssignmentTx appends an assignment row. The partial unique index on
// active rows backstops the engine's per-task serialization.
func (r Repo) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(`+assignmentColumns+`) VALUES (?,?,?,?,?,?)`,
		a.ID, a.TaskID, a.UserID, a.Status, a.CreatedAt, a.UpdatedAt)
	return err
}

// ActiveAssignment returns the single ASSIGNED row for a task, or ErrNotFound.
func (r Repo) ActiveAssignment(ctx context.Context, taskID string) (domain.Assignment, error) {
	return activeAssignment(ctx, r.DB, taskID)
}

func (r Repo) ActiveAssignmentTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.Assignment, error) {
	return activeAssignment(ctx, tx, taskID)
}

func activeAssignment(ctx context.Context, q querier, taskID string) (domain.Assignment, error) {
	row := q.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE task_id=? AND status=?`, taskID, domain.AssignmentAssigned)
	return scanAssignment(row.Scan)
}

func (r Repo) SetAssignmentStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAssignments returns the full history for a task, newest first.
func (r Repo) ListAssignments(ctx context.Context, taskID string) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE task_id=? ORDER BY created_at DESC, id DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

// ActiveAssignmentsForUser lists every ASSIGNED row a user currently holds.
func (r Repo) ActiveAssignmentsForUser(ctx context.Context, userID string) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE user_id=? AND status=? ORDER BY created_at ASC, id ASC`, userID, domain.AssignmentAssigned)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

// CountActiveForUser counts ASSIGNED rows referencing the user; it exists
// for invariant checks, not for eligibility reads (those go through the
// counter store).
func (r Repo) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM assignments WHERE user_id=? AND status=?`, userID, domain.AssignmentAssigned).Scan(&n)
	return n, err
}

func collectAssignments(rows *sql.Rows) ([]domain.Assignment, error) {
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}
