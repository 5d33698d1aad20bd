package repo

import (
	"context"
	"database/sql"

	"taskmatch/internal/domain"
)

const userColumns = `id,name,department,experience_years,active_task_count,location,email,created_at,updated_at`

func scanUser(scan func(dest ...any) error) (domain.User, error) {
	var u domain.User
	var location, email sql.NullString
	err := scan(&u.ID, &u.Name, &u.Department, &u.ExperienceYears, &u.ActiveTaskCount, &location, &email, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if location.Valid {
		u.Location = &location.String
	}
	if email.Valid {
		u.Email = &email.String
	}
	return u, nil
}

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Name, u.Department, u.ExperienceYears, u.ActiveTaskCount,
		nullableStringPtr(u.Location), nullableStringPtr(u.Email), u.CreatedAt, u.UpdatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id)
	return scanUser(row.Scan)
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, nil
}

// UpdateUserAttributes replaces the rule-relevant attributes. The caller is
// expected to follow up with the engine's attribute-change hook; the counter
// column is owned by the counter store and untouched here.
func (r Repo) UpdateUserAttributes(ctx context.Context, id, name, department string, experienceYears int, location, email *string, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET name=?, department=?, experience_years=?, location=?, email=?, updated_at=? WHERE id=?`,
		name, department, experienceYears, nullableStringPtr(location), nullableStringPtr(email), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Snapshots returns the current attribute view of the whole population,
// counts included, in stable user-id order.
func (r Repo) Snapshots(ctx context.Context) ([]domain.Snapshot, error) {
	return snapshots(ctx, r.DB)
}

// SnapshotsTx reads the population inside an open transaction so a
// reassignment decision sees counter mutations made earlier in the same
// transaction.
func (r Repo) SnapshotsTx(ctx context.Context, tx *sql.Tx) ([]domain.Snapshot, error) {
	return snapshots(ctx, tx)
}

func snapshots(ctx context.Context, q querier) ([]domain.Snapshot, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,department,experience_years,active_task_count FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Snapshot
	for rows.Next() {
		var s domain.Snapshot
		if err := rows.Scan(&s.UserID, &s.Department, &s.ExperienceYears, &s.ActiveTaskCount); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func (r Repo) Snapshot(ctx context.Context, userID string) (domain.Snapshot, error) {
	return snapshot(ctx, r.DB, userID)
}

func (r Repo) SnapshotTx(ctx context.Context, tx *sql.Tx, userID string) (domain.Snapshot, error) {
	return snapshot(ctx, tx, userID)
}

func snapshot(ctx context.Context, q querier, userID string) (domain.Snapshot, error) {
	var s domain.Snapshot
	err := q.QueryRowContext(ctx, `SELECT id,department,experience_years,active_task_count FROM users WHERE id=?`, userID).
		Scan(&s.UserID, &s.Department, &s.ExperienceYears, &s.ActiveTaskCount)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}
