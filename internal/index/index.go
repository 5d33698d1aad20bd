package index

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"taskmatch/internal/domain"
	"taskmatch/internal/repo"
	"taskmatch/internal/rules"
)

// Index caches, per task, the ranked set of currently-eligible users. A
// ranking is recomputed from scratch against the full user population and
// swapped in wholesale; readers never observe a half-updated ranking.
// Staleness is driven purely by invalidation calls, not wall-clock age.
type Index struct {
	Repo   repo.Repo
	Scorer rules.Scorer
	Now    func() time.Time

	mu       sync.RWMutex
	rankings map[string][]rules.Candidate
}

func New(db *sql.DB, scorer rules.Scorer) *Index {
	return &Index{
		Repo:     repo.Repo{DB: db},
		Scorer:   scorer,
		Now:      time.Now,
		rankings: make(map[string][]rules.Candidate),
	}
}

func (ix *Index) now() time.Time {
	if ix.Now != nil {
		return ix.Now()
	}
	return time.Now()
}

// Rank returns the cached ranking for a task, best first, recomputing on a
// miss. An empty ranking is a normal outcome, not an error.
func (ix *Index) Rank(ctx context.Context, taskID string) ([]rules.Candidate, error) {
	ix.mu.RLock()
	cached, ok := ix.rankings[taskID]
	ix.mu.RUnlock()
	if ok {
		return copyRanking(cached), nil
	}
	return ix.Recompute(ctx, taskID)
}

// Recompute rebuilds the ranking for a task, persists the eligibility
// entries, and swaps the cached ranking in one step.
func (ix *Index) Recompute(ctx context.Context, taskID string) ([]rules.Candidate, error) {
	task, err := ix.Repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	rs, err := rules.Parse(task.RulesJSON)
	if err != nil {
		return nil, err
	}
	snaps, err := ix.Repo.Snapshots(ctx)
	if err != nil {
		return nil, err
	}
	ranked, err := rules.Rank(rs, snaps, ix.Scorer)
	if err != nil {
		return nil, err
	}
	if err := ix.persist(ctx, taskID, ranked); err != nil {
		return nil, err
	}
	ix.mu.Lock()
	ix.rankings[taskID] = copyRanking(ranked)
	ix.mu.Unlock()
	return copyRanking(ranked), nil
}

func (ix *Index) persist(ctx context.Context, taskID string, ranked []rules.Candidate) error {
	computedAt := ix.now().UTC().Format(time.RFC3339)
	entries := make([]domain.EligibilityEntry, 0, len(ranked))
	for _, c := range ranked {
		entries = append(entries, domain.EligibilityEntry{
			TaskID:     taskID,
			UserID:     c.UserID,
			Score:      c.Score,
			ComputedAt: computedAt,
		})
	}
	tx, err := ix.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := ix.Repo.ReplaceEligibilityTx(ctx, tx, taskID, entries); err != nil {
		return err
	}
	return tx.Commit()
}

// Invalidate drops the cached ranking for a task.
func (ix *Index) Invalidate(taskID string) {
	ix.mu.Lock()
	delete(ix.rankings, taskID)
	ix.mu.Unlock()
}

// InvalidateUser drops every cached ranking when a user's department,
// experience, or active count changes. The change can remove the user from
// rankings that hold them, but it can just as well add them to rankings
// that currently exclude them (a transfer into the department, capacity
// freed under a max_active_tasks clause), so no cached ranking survives.
func (ix *Index) InvalidateUser(userID string) {
	ix.mu.Lock()
	ix.rankings = make(map[string][]rules.Candidate)
	ix.mu.Unlock()
}

func copyRanking(in []rules.Candidate) []rules.Candidate {
	if in == nil {
		return nil
	}
	out := make([]rules.Candidate, len(in))
	copy(out, in)
	return out
}
