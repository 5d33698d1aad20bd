package repo

import (
	"context"
	"database/sql"

	"taskmatch/internal/domain"
)

// ReplaceEligibilityTx wipes and rewrites the persisted eligibility entries
// for a task in one transaction, so readers of the table never see a mix of
// old and new verdicts.
func (r Repo) ReplaceEligibilityTx(ctx context.Context, tx *sql.Tx, taskID string, entries []domain.EligibilityEntry) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM eligibility WHERE task_id=?`, taskID); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO eligibility(task_id,user_id,score,computed_at) VALUES (?,?,?,?)`,
			e.TaskID, e.UserID, e.Score, e.ComputedAt); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListEligibility(ctx context.Context, taskID string) ([]domain.EligibilityEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id,user_id,score,computed_at FROM eligibility WHERE task_id=? ORDER BY score DESC, user_id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EligibilityEntry
	for rows.Next() {
		var e domain.EligibilityEntry
		if err := rows.Scan(&e.TaskID, &e.UserID, &e.Score, &e.ComputedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// EligibleTaskIDsForUser lists tasks whose persisted ranking contains the user.
func (r Repo) EligibleTaskIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id FROM eligibility WHERE user_id=? ORDER BY task_id`, userID)
	if err != nil {
		return nil, err
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
	return ids, nil
}
