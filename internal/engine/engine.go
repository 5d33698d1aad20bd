package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskmatch/internal/config"
	"taskmatch/internal/counter"
	"taskmatch/internal/domain"
	"taskmatch/internal/events"
	"taskmatch/internal/index"
	"taskmatch/internal/repo"
	"taskmatch/internal/rules"
)

// Conflict errors: expected outcomes of concurrent or out-of-order calls.
// Reported to the caller as definitive; never retried by the engine.
var (
	ErrAlreadyAssigned = errors.New("task already has an active assignment")
	ErrNotAssigned     = errors.New("task has no active assignment")
	ErrRulesLocked     = errors.New("rules are locked while an assignment is active")
)

// Assignment outcome kinds. NoEligibleUser is a legitimate business result,
// not an error: the task parks in WAITING_FOR_ELIGIBLE_USER.
const (
	OutcomeAssigned       = "ASSIGNED"
	OutcomeNoEligibleUser = "NO_ELIGIBLE_USER"
)

type AssignResult struct {
	Outcome    string             `json:"outcome" enum:"ASSIGNED,NO_ELIGIBLE_USER"`
	TaskStatus string             `json:"task_status"`
	Assignment *domain.Assignment `json:"assignment,omitempty"`
	Score      int                `json:"score,omitempty"`
}

type RecomputeResult struct {
	Ranking []rules.Candidate `json:"ranking"`
	// Retried is set when the recompute found a candidate for a waiting
	// task and drove an assignment.
	Retried *AssignResult `json:"retried,omitempty"`
}

// Engine is the assignment consistency core. All task mutations funnel
// through it; it serializes work per task and keeps the per-user active
// counts consistent with the assignment rows.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Counters counter.Store
	Index    *index.Index
	Events   events.Writer
	Config   *config.Config
	Now      func() time.Time

	locks taskLocks
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Counters: counter.Store{DB: db},
		Index:    index.New(db, cfg.Scorer()),
		Events:   events.Writer{DB: db},
		Config:   cfg,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// taskLocks serializes the check -> decide -> write sequence per task so
// concurrent assigns for the same task yield exactly one winner. Entries
// are kept for the life of the process; the population is bounded by the
// task count.
type taskLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *taskLocks) lock(taskID string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*sync.Mutex)
	}
	tl, ok := l.m[taskID]
	if !ok {
		tl = &sync.Mutex{}
		l.m[taskID] = tl
	}
	l.mu.Unlock()
	tl.Lock()
	return tl.Unlock
}

// ensureTaskTransition validates the task lifecycle. ASSIGNED -> ASSIGNED
// covers the direct reassignment path after a cancel; COMPLETED has no
// exits.
func ensureTaskTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.TaskPending:
		if newStatus == domain.TaskAssigned || newStatus == domain.TaskWaiting {
			return nil
		}
	case domain.TaskAssigned:
		if newStatus == domain.TaskAssigned || newStatus == domain.TaskWaiting || newStatus == domain.TaskCompleted {
			return nil
		}
	case domain.TaskWaiting:
		if newStatus == domain.TaskAssigned || newStatus == domain.TaskWaiting {
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}

// Assign picks the best eligible user for the task and claims the single
// active slot. Returns ErrAlreadyAssigned when the slot is taken; returns
// a NO_ELIGIBLE_USER outcome (not an error) when nobody qualifies.
func (e *Engine) Assign(ctx context.Context, taskID, actorID string) (AssignResult, error) {
	unlock := e.locks.lock(taskID)
	defer unlock()
	return e.assignLocked(ctx, taskID, actorID)
}

func (e *Engine) assignLocked(ctx context.Context, taskID, actorID string) (AssignResult, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return AssignResult{}, err
	}
	if _, err := e.Repo.ActiveAssignment(ctx, taskID); err == nil {
		return AssignResult{}, ErrAlreadyAssigned
	} else if !errors.Is(err, repo.ErrNotFound) {
		return AssignResult{}, err
	}
	if err := ensureTaskTransition(t.Status, domain.TaskAssigned); err != nil {
		return AssignResult{}, err
	}
	ranked, err := e.Index.Rank(ctx, taskID)
	if err != nil {
		return AssignResult{}, err
	}

	rs, err := rules.Parse(t.RulesJSON)
	if err != nil {
		return AssignResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AssignResult{}, err
	}
	defer tx.Rollback()

	// Re-verify candidates inside the transaction: a concurrent decision on
	// another task may have changed a candidate's load since the ranking
	// was computed.
	winner, score, ok, err := e.pickEligibleTx(ctx, tx, rs, ranked, "")
	if err != nil {
		return AssignResult{}, err
	}
	if !ok {
		res, err := e.parkWaitingTx(ctx, tx, t, actorID)
		if err != nil {
			return AssignResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return AssignResult{}, err
		}
		e.Index.Invalidate(taskID)
		return res, nil
	}

	a, err := e.claimTx(ctx, tx, t, winner, score, actorID)
	if err != nil {
		return AssignResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AssignResult{}, err
	}
	e.Index.InvalidateUser(winner)
	return AssignResult{Outcome: OutcomeAssigned, TaskStatus: domain.TaskAssigned, Assignment: &a, Score: score}, nil
}

// pickEligibleTx walks the precomputed ranking and returns the first
// candidate that is still eligible against its in-transaction snapshot.
func (e *Engine) pickEligibleTx(ctx context.Context, tx *sql.Tx, rs rules.RuleSet, ranked []rules.Candidate, exclude string) (string, int, bool, error) {
	for _, c := range ranked {
		if c.UserID == exclude {
			continue
		}
		snap, err := e.Repo.SnapshotTx(ctx, tx, c.UserID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", 0, false, err
		}
		ok, score, err := rules.Evaluate(rs, snap, e.Config.Scorer())
		if err != nil {
			return "", 0, false, err
		}
		if ok {
			return c.UserID, score, true, nil
		}
	}
	return "", 0, false, nil
}

// claimTx performs the atomic unit: create the ASSIGNED row, increment the
// winner's counter, flip the task status, log events. All inside one
// transaction; a failure rolls every effect back.
func (e *Engine) claimTx(ctx context.Context, tx *sql.Tx, t domain.Task, userID string, score int, actorID string) (domain.Assignment, error) {
	// The task lock only serializes this process; another process sharing
	// the workspace may have claimed the slot already. The partial unique
	// index would reject the insert anyway, this check just reports it as
	// the conflict it is.
	if _, err := e.Repo.ActiveAssignmentTx(ctx, tx, t.ID); err == nil {
		return domain.Assignment{}, ErrAlreadyAssigned
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Assignment{}, err
	}
	now := e.nowRFC3339()
	a := domain.Assignment{
		ID:        uuid.New().String(),
		TaskID:    t.ID,
		UserID:    userID,
		Status:    domain.AssignmentAssigned,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertAssignmentTx(ctx, tx, a); err != nil {
		return a, fmt.Errorf("insert assignment: %w", err)
	}
	if _, err := e.Counters.IncrementTx(ctx, tx, userID); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.created", "assignment", a.ID, actorID, events.EventPayload{
		"task_id": t.ID, "user_id": userID, "score": score,
	}); err != nil {
		return a, err
	}
	// A reassignment keeps the task ASSIGNED; only record a transition
	// when the status actually moves.
	if t.Status != domain.TaskAssigned {
		if err := e.Repo.SetTaskStatusTx(ctx, tx, t.ID, domain.TaskAssigned, now); err != nil {
			return a, err
		}
		if err := e.Events.Append(ctx, tx, "task.status.changed", "task", t.ID, actorID, events.EventPayload{
			"from": t.Status, "to": domain.TaskAssigned,
		}); err != nil {
			return a, err
		}
	}
	return a, nil
}

func (e *Engine) parkWaitingTx(ctx context.Context, tx *sql.Tx, t domain.Task, actorID string) (AssignResult, error) {
	if err := ensureTaskTransition(t.Status, domain.TaskWaiting); err != nil {
		return AssignResult{}, err
	}
	if t.Status != domain.TaskWaiting {
		if err := e.Repo.SetTaskStatusTx(ctx, tx, t.ID, domain.TaskWaiting, e.nowRFC3339()); err != nil {
			return AssignResult{}, err
		}
		if err := e.Events.Append(ctx, tx, "task.status.changed", "task", t.ID, actorID, events.EventPayload{
			"from": t.Status, "to": domain.TaskWaiting,
		}); err != nil {
			return AssignResult{}, err
		}
	}
	return AssignResult{Outcome: OutcomeNoEligibleUser, TaskStatus: domain.TaskWaiting}, nil
}

// Cancel releases the active assignment and immediately re-enters the
// selection path for the task, excluding the released user. The released
// row, the counter decrement, and the replacement claim (or the WAITING
// transition) commit as one unit, so an outside reader never sees a
// transient WAITING when a replacement exists.
func (e *Engine) Cancel(ctx context.Context, taskID, actorID string) (AssignResult, error) {
	unlock := e.locks.lock(taskID)
	defer unlock()
	return e.releaseLocked(ctx, taskID, actorID, domain.AssignmentCancelled, "assignment.cancelled")
}

func (e *Engine) releaseLocked(ctx context.Context, taskID, actorID, releaseStatus, evtType string) (AssignResult, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return AssignResult{}, err
	}
	a, err := e.Repo.ActiveAssignment(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return AssignResult{}, ErrNotAssigned
	}
	if err != nil {
		return AssignResult{}, err
	}
	rs, err := rules.Parse(t.RulesJSON)
	if err != nil {
		return AssignResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AssignResult{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	if err := e.Repo.SetAssignmentStatusTx(ctx, tx, a.ID, releaseStatus, now); err != nil {
		return AssignResult{}, err
	}
	if _, err := e.Counters.DecrementTx(ctx, tx, a.UserID); err != nil {
		return AssignResult{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, "assignment", a.ID, actorID, events.EventPayload{
		"task_id": taskID, "user_id": a.UserID,
	}); err != nil {
		return AssignResult{}, err
	}

	// Reassignment ranks inside the transaction so the decision sees the
	// decremented counter.
	snaps, err := e.Repo.SnapshotsTx(ctx, tx)
	if err != nil {
		return AssignResult{}, err
	}
	ranked, err := rules.Rank(rs, snaps, e.Config.Scorer())
	if err != nil {
		return AssignResult{}, err
	}
	winner, score, ok, err := e.pickEligibleTx(ctx, tx, rs, ranked, a.UserID)
	if err != nil {
		return AssignResult{}, err
	}

	var res AssignResult
	if ok {
		replacement, err := e.claimTx(ctx, tx, t, winner, score, actorID)
		if err != nil {
			return AssignResult{}, err
		}
		res = AssignResult{Outcome: OutcomeAssigned, TaskStatus: domain.TaskAssigned, Assignment: &replacement, Score: score}
	} else {
		res, err = e.parkWaitingTx(ctx, tx, t, actorID)
		if err != nil {
			return AssignResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return AssignResult{}, err
	}
	e.Index.Invalidate(taskID)
	e.Index.InvalidateUser(a.UserID)
	if res.Assignment != nil {
		e.Index.InvalidateUser(res.Assignment.UserID)
	}
	return res, nil
}

// Complete marks the active assignment done and the task COMPLETED. No
// reassignment: COMPLETED is terminal.
func (e *Engine) Complete(ctx context.Context, taskID, actorID string) (domain.Assignment, error) {
	unlock := e.locks.lock(taskID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Assignment{}, err
	}
	a, err := e.Repo.ActiveAssignment(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Assignment{}, ErrNotAssigned
	}
	if err != nil {
		return domain.Assignment{}, err
	}
	if err := ensureTaskTransition(t.Status, domain.TaskCompleted); err != nil {
		return domain.Assignment{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	if err := e.Repo.SetAssignmentStatusTx(ctx, tx, a.ID, domain.AssignmentCompleted, now); err != nil {
		return domain.Assignment{}, err
	}
	if _, err := e.Counters.DecrementTx(ctx, tx, a.UserID); err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Repo.SetTaskStatusTx(ctx, tx, taskID, domain.TaskCompleted, now); err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.completed", "assignment", a.ID, actorID, events.EventPayload{
		"task_id": taskID, "user_id": a.UserID,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.status.changed", "task", taskID, actorID, events.EventPayload{
		"from": t.Status, "to": domain.TaskCompleted,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	a.Status = domain.AssignmentCompleted
	a.UpdatedAt = now
	e.Index.Invalidate(taskID)
	e.Index.InvalidateUser(a.UserID)
	return a, nil
}

// Recompute optionally replaces the task's rule set and refreshes its
// eligibility ranking without necessarily creating an assignment. Rule
// replacement is refused while an active assignment exists; releasing the
// assignment first is the supported path. A waiting task with a fresh
// candidate is retried on the spot.
func (e *Engine) Recompute(ctx context.Context, taskID string, newRules *rules.RuleSet, actorID string) (RecomputeResult, error) {
	unlock := e.locks.lock(taskID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return RecomputeResult{}, err
	}
	if newRules != nil {
		if err := newRules.Validate(); err != nil {
			return RecomputeResult{}, err
		}
		if _, err := e.Repo.ActiveAssignment(ctx, taskID); err == nil {
			return RecomputeResult{}, ErrRulesLocked
		} else if !errors.Is(err, repo.ErrNotFound) {
			return RecomputeResult{}, err
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return RecomputeResult{}, err
		}
		defer tx.Rollback()
		if err := e.Repo.SetTaskRulesTx(ctx, tx, taskID, newRules.JSON(), e.nowRFC3339()); err != nil {
			return RecomputeResult{}, err
		}
		if err := e.Events.Append(ctx, tx, "task.rules.changed", "task", taskID, actorID, events.EventPayload{
			"rules": newRules,
		}); err != nil {
			return RecomputeResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return RecomputeResult{}, err
		}
	}

	e.Index.Invalidate(taskID)
	ranked, err := e.Index.Recompute(ctx, taskID)
	if err != nil {
		return RecomputeResult{}, err
	}
	if err := e.appendEvent(ctx, "eligibility.recomputed", "task", taskID, actorID, events.EventPayload{
		"eligible_count": len(ranked),
	}); err != nil {
		return RecomputeResult{}, err
	}

	res := RecomputeResult{Ranking: ranked}
	if t.Status == domain.TaskWaiting && len(ranked) > 0 {
		retry, err := e.assignLocked(ctx, taskID, actorID)
		if err != nil {
			return RecomputeResult{}, err
		}
		res.Retried = &retry
	}
	return res, nil
}

// Rank is the read-only preview of the current ranking for a task.
func (e *Engine) Rank(ctx context.Context, taskID string) ([]rules.Candidate, error) {
	return e.Index.Rank(ctx, taskID)
}

// OnUserAttributesChanged is the notification hook the user directory calls
// after a department or experience change. It invalidates the user's cached
// eligibility, releases any held assignment whose rules the user no longer
// satisfies, and retries tasks parked waiting for an eligible user.
func (e *Engine) OnUserAttributesChanged(ctx context.Context, userID, actorID string) ([]AssignResult, error) {
	if _, err := e.Repo.Snapshot(ctx, userID); err != nil {
		return nil, err
	}
	e.Index.InvalidateUser(userID)

	held, err := e.Repo.ActiveAssignmentsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var results []AssignResult
	for _, a := range held {
		// Re-read the snapshot each time: releasing an assignment lowers
		// the count, which itself feeds the max_active_tasks clause.
		snap, err := e.Repo.Snapshot(ctx, userID)
		if err != nil {
			return results, err
		}
		t, err := e.Repo.GetTask(ctx, a.TaskID)
		if err != nil {
			return results, err
		}
		rs, err := rules.Parse(t.RulesJSON)
		if err != nil {
			return results, err
		}
		ok, _, err := rules.Evaluate(rs, snap, e.Config.Scorer())
		if err != nil {
			return results, err
		}
		if ok {
			continue
		}
		unlock := e.locks.lock(a.TaskID)
		res, err := e.releaseLocked(ctx, a.TaskID, actorID, domain.AssignmentCancelled, "assignment.released")
		unlock()
		if errors.Is(err, ErrNotAssigned) {
			continue
		}
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}

	waiting, err := e.Repo.WaitingTaskIDs(ctx)
	if err != nil {
		return results, err
	}
	for _, id := range waiting {
		res, err := e.Assign(ctx, id, actorID)
		if errors.Is(err, ErrAlreadyAssigned) {
			continue
		}
		if err != nil {
			return results, err
		}
		if res.Outcome == OutcomeAssigned {
			results = append(results, res)
		}
	}
	return results, nil
}

func (e *Engine) appendEvent(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}
