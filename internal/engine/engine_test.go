package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskmatch/internal/config"
	"taskmatch/internal/counter"
	"taskmatch/internal/db"
	"taskmatch/internal/domain"
	"taskmatch/internal/engine"
	"taskmatch/internal/migrate"
	"taskmatch/internal/rules"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) addUser(t *testing.T, name, department string, experience int) domain.User {
	t.Helper()
	u, err := env.Engine.CreateUser(env.Ctx, engine.CreateUserParams{
		Name:            name,
		Department:      department,
		ExperienceYears: experience,
	}, "tester")
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

func (env testEnv) addTask(t *testing.T, title string, rs rules.RuleSet) domain.Task {
	t.Helper()
	task, _, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskParams{
		Title: title,
		Rules: rs,
	}, "tester")
	if err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return task
}

func (env testEnv) activeCount(t *testing.T, userID string) int {
	t.Helper()
	n, err := env.Engine.Counters.Get(env.Ctx, userID)
	if err != nil {
		t.Fatalf("counter get %s: %v", userID, err)
	}
	return n
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func TestAssignPicksBestScore(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, "Alice", "Engineering", 5)
	bob := env.addUser(t, "Bob", "Engineering", 2)
	task := env.addTask(t, "tune indexes", rules.RuleSet{Department: strPtr("Engineering")})

	res, err := env.Engine.Assign(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.Outcome != engine.OutcomeAssigned {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	// Both idle, so the higher experience wins.
	if res.Assignment.UserID != alice.ID {
		t.Fatalf("winner = %s, want alice", res.Assignment.UserID)
	}
	if env.activeCount(t, alice.ID) != 1 || env.activeCount(t, bob.ID) != 0 {
		t.Fatalf("counters wrong: alice=%d bob=%d", env.activeCount(t, alice.ID), env.activeCount(t, bob.ID))
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil || got.Status != domain.TaskAssigned {
		t.Fatalf("task status = %s err=%v", got.Status, err)
	}
}

func TestAssignRespectsMinExperience(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "Alice", "Engineering", 5)
	bob := env.addUser(t, "Bob", "Engineering", 2)
	task := env.addTask(t, "migrate schema", rules.RuleSet{
		Department:    strPtr("Engineering"),
		MinExperience: intPtr(3),
	})

	ranked, err := env.Engine.Rank(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(ranked) != 1 {
		t.Fatalf("eligible = %d, want 1 (bob has too little experience)", len(ranked))
	}
	if ranked[0].UserID == bob.ID {
		t.Fatalf("bob must not be eligible")
	}
}

func TestAssignTwiceConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "Alice", "Engineering", 5)
	task := env.addTask(t, "rotate keys", rules.RuleSet{Department: strPtr("Engineering")})

	if _, err := env.Engine.Assign(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	_, err := env.Engine.Assign(env.Ctx, task.ID, "tester")
	if !errors.Is(err, engine.ErrAlreadyAssigned) {
		t.Fatalf("second assign: %v, want ErrAlreadyAssigned", err)
	}
}

func TestAssignWithoutCandidatesParksWaiting(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "Carol", "Operations", 8)
	task := env.addTask(t, "review design", rules.RuleSet{Department: strPtr("Engineering")})

	res, err := env.Engine.Assign(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.Outcome != engine.OutcomeNoEligibleUser {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskWaiting {
		t.Fatalf("status = %s, want waiting", got.Status)
	}
}

func TestNewUserUnblocksWaitingTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.addTask(t, "patch cluster", rules.RuleSet{Department: strPtr("Engineering")})
	if _, err := env.Engine.Assign(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskWaiting {
		t.Fatalf("precondition: task should wait, got %s", got.Status)
	}

	// Registering a matching user drives the retry.
	dana := env.addUser(t, "Dana", "Engineering", 4)
	got, _ = env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskAssigned {
		t.Fatalf("status after new user = %s, want assigned", got.Status)
	}
	a, err := env.Engine.Repo.ActiveAssignment(env.Ctx, task.ID)
	if err != nil || a.UserID != dana.ID {
		t.Fatalf("active assignment = %+v err=%v", a, err)
	}
}

func TestCancelReassignsToNextCandidate(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, "Alice", "Engineering", 5)
	bob := env.addUser(t, "Bob", "Engineering", 2)
	task := env.addTask(t, "harden backups", rules.RuleSet{Department: strPtr("Engineering")})

	first, err := env.Engine.Assign(env.Ctx, task.ID, "tester")
	if err != nil || first.Assignment.UserID != alice.ID {
		t.Fatalf("setup assign: %+v err=%v", first, err)
	}
	res, err := env.Engine.Cancel(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Outcome != engine.OutcomeAssigned {
		t.Fatalf("outcome = %s, want reassignment", res.Outcome)
	}
	// The released user is excluded from the immediate handoff.
	if res.Assignment.UserID != bob.ID {
		t.Fatalf("replacement = %s, want bob", res.Assignment.UserID)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskAssigned {
		t.Fatalf("task never parks when a replacement exists, got %s", got.Status)
	}
	if env.activeCount(t, alice.ID) != 0 || env.activeCount(t, bob.ID) != 1 {
		t.Fatalf("counters: alice=%d bob=%d", env.activeCount(t, alice.ID), env.activeCount(t, bob.ID))
	}
	history, _ := env.Engine.Repo.ListAssignments(env.Ctx, task.ID)
	if len(history) != 2 {
		t.Fatalf("history rows = %d, want 2", len(history))
	}
}

func TestCancelWithoutReplacementParksWaiting(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, "Alice", "Engineering", 5)
	task := env.addTask(t, "audit access", rules.RuleSet{Department: strPtr("Engineering")})

	if _, err := env.Engine.Assign(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	res, err := env.Engine.Cancel(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Outcome != engine.OutcomeNoEligibleUser {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if env.activeCount(t, alice.ID) != 0 {
		t.Fatalf("alice count = %d", env.activeCount(t, alice.ID))
	}
	if _, err := env.Engine.Cancel(env.Ctx, task.ID, "tester"); !errors.Is(err, engine.ErrNotAssigned) {
		t.Fatalf("cancel with no active assignment: %v", err)
	}
}

func TestCompleteIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, "Alice", "Engineering", 5)
	task := env.addTask(t, "ship release", rules.RuleSet{Department: strPtr("Engineering")})

	if _, err := env.Engine.Assign(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	a, err := env.Engine.Complete(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if a.Status != domain.AssignmentCompleted {
		t.Fatalf("assignment status = %s", a.Status)
	}
	if env.activeCount(t, alice.ID) != 0 {
		t.Fatalf("counter not released: %d", env.activeCount(t, alice.ID))
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskCompleted {
		t.Fatalf("task status = %s", got.Status)
	}
	if _, err := env.Engine.Assign(env.Ctx, task.ID, "tester"); err == nil {
		t.Fatalf("expected transition error on completed task")
	}
	if _, err := env.Engine.Complete(env.Ctx, task.ID, "tester"); !errors.Is(err, engine.ErrNotAssigned) {
		t.Fatalf("double complete: %v", err)
	}
}

func TestRulesLockedWhileAssigned(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "Alice", "Engineering", 5)
	task := env.addTask(t, "upgrade runtime", rules.RuleSet{Department: strPtr("Engineering")})

	if _, err := env.Engine.Assign(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	newRules := rules.RuleSet{Department: strPtr("Operations")}
	_, err := env.Engine.Recompute(env.Ctx, task.ID, &newRules, "tester")
	if !errors.Is(err, engine.ErrRulesLocked) {
		t.Fatalf("recompute with rules while assigned: %v", err)
	}
	// Recompute without a rule change is fine.
	if _, err := env.Engine.Recompute(env.Ctx, task.ID, nil, "tester"); err != nil {
		t.Fatalf("plain recompute: %v", err)
	}
}

func TestRecomputeRetriesWaitingTask(t *testing.T) {
	env := newTestEnv(t)
	carol := env.addUser(t, "Carol", "Operations", 8)
	task := env.addTask(t, "triage queue", rules.RuleSet{Department: strPtr("Engineering")})
	if _, err := env.Engine.Assign(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// Loosening the rules lets the waiting task go out immediately.
	newRules := rules.RuleSet{Department: strPtr("Operations")}
	res, err := env.Engine.Recompute(env.Ctx, task.ID, &newRules, "tester")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if res.Retried == nil || res.Retried.Outcome != engine.OutcomeAssigned {
		t.Fatalf("retried = %+v, want assignment", res.Retried)
	}
	if res.Retried.Assignment.UserID != carol.ID {
		t.Fatalf("winner = %s", res.Retried.Assignment.UserID)
	}
}

func TestUserUpdateRevokesIneligibleAssignment(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, "Alice", "Engineering", 5)
	bob := env.addUser(t, "Bob", "Engineering", 4)
	task := env.addTask(t, "refactor importer", rules.RuleSet{Department: strPtr("Engineering")})

	first, err := env.Engine.Assign(env.Ctx, task.ID, "tester")
	if err != nil || first.Assignment.UserID != alice.ID {
		t.Fatalf("setup: %+v err=%v", first, err)
	}

	// Alice transfers out; she no longer matches the department clause.
	_, moves, err := env.Engine.UpdateUser(env.Ctx, alice.ID, engine.CreateUserParams{
		Name:            "Alice",
		Department:      "Operations",
		ExperienceYears: 5,
	}, "tester")
	if err != nil {
		t.Fatalf("update user: %v", err)
	}
	if len(moves) == 0 {
		t.Fatalf("expected a released-and-reassigned move")
	}
	a, err := env.Engine.Repo.ActiveAssignment(env.Ctx, task.ID)
	if err != nil || a.UserID != bob.ID {
		t.Fatalf("active = %+v err=%v, want bob", a, err)
	}
	if env.activeCount(t, alice.ID) != 0 || env.activeCount(t, bob.ID) != 1 {
		t.Fatalf("counters: alice=%d bob=%d", env.activeCount(t, alice.ID), env.activeCount(t, bob.ID))
	}
}

func TestUserUpdateKeepsEligibleAssignment(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, "Alice", "Engineering", 5)
	task := env.addTask(t, "tune caching", rules.RuleSet{Department: strPtr("Engineering"), MinExperience: intPtr(3)})

	if _, err := env.Engine.Assign(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	// More experience: still eligible, nothing moves.
	_, moves, err := env.Engine.UpdateUser(env.Ctx, alice.ID, engine.CreateUserParams{
		Name:            "Alice",
		Department:      "Engineering",
		ExperienceYears: 6,
	}, "tester")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(moves) != 0 {
		t.Fatalf("unexpected moves: %+v", moves)
	}
	a, _ := env.Engine.Repo.ActiveAssignment(env.Ctx, task.ID)
	if a.UserID != alice.ID {
		t.Fatalf("assignment moved to %s", a.UserID)
	}
}

func TestMaxActiveTasksCapsEligibility(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, "Alice", "Engineering", 5)
	maxActive := 0
	rs := rules.RuleSet{Department: strPtr("Engineering"), MaxActiveTasks: &maxActive}

	t1 := env.addTask(t, "first", rs)
	t2 := env.addTask(t, "second", rs)

	res, err := env.Engine.Assign(env.Ctx, t1.ID, "tester")
	if err != nil || res.Assignment.UserID != alice.ID {
		t.Fatalf("first assign: %+v err=%v", res, err)
	}
	// Count is now 1 > 0, so alice is over the cap for the second task.
	res, err = env.Engine.Assign(env.Ctx, t2.ID, "tester")
	if err != nil {
		t.Fatalf("second assign: %v", err)
	}
	if res.Outcome != engine.OutcomeNoEligibleUser {
		t.Fatalf("outcome = %s, want waiting", res.Outcome)
	}
	// Completing the first frees capacity and retries the waiting task.
	if _, err := env.Engine.Complete(env.Ctx, t1.ID, "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.Engine.OnUserAttributesChanged(env.Ctx, alice.ID, "tester"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, t2.ID)
	if got.Status != domain.TaskAssigned {
		t.Fatalf("second task status = %s", got.Status)
	}
}

func TestCrossingMaxActiveTasksRevokesHeldAssignment(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, "Alice", "Engineering", 5)
	bob := env.addUser(t, "Bob", "Engineering", 3)
	maxActive := 1
	capped := env.addTask(t, "capped rollout", rules.RuleSet{Department: strPtr("Engineering"), MaxActiveTasks: &maxActive})
	other := env.addTask(t, "side project", rules.RuleSet{Department: strPtr("Engineering")})

	first, err := env.Engine.Assign(env.Ctx, capped.ID, "tester")
	if err != nil || first.Assignment.UserID != alice.ID {
		t.Fatalf("capped assign: %+v err=%v", first, err)
	}
	// Alice picks up a second task elsewhere; she now exceeds the capped
	// task's max_active_tasks clause while still holding it.
	second, err := env.Engine.Assign(env.Ctx, other.ID, "tester")
	if err != nil || second.Assignment.UserID != alice.ID {
		t.Fatalf("other assign: %+v err=%v", second, err)
	}

	moves, err := env.Engine.OnUserAttributesChanged(env.Ctx, alice.ID, "tester")
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(moves) != 1 {
		t.Fatalf("moves = %d, want 1", len(moves))
	}
	a, err := env.Engine.Repo.ActiveAssignment(env.Ctx, capped.ID)
	if err != nil || a.UserID != bob.ID {
		t.Fatalf("capped holder = %+v err=%v, want bob", a, err)
	}
	// The uncapped task stays with alice; releasing the capped one
	// brought her back under the threshold.
	a, err = env.Engine.Repo.ActiveAssignment(env.Ctx, other.ID)
	if err != nil || a.UserID != alice.ID {
		t.Fatalf("other holder = %+v err=%v, want alice", a, err)
	}
	if env.activeCount(t, alice.ID) != 1 || env.activeCount(t, bob.ID) != 1 {
		t.Fatalf("counters: alice=%d bob=%d", env.activeCount(t, alice.ID), env.activeCount(t, bob.ID))
	}
}

func TestReassignmentKeepsSingleStatusTransition(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "Alice", "Engineering", 5)
	bob := env.addUser(t, "Bob", "Engineering", 2)
	task := env.addTask(t, "handover", rules.RuleSet{Department: strPtr("Engineering")})

	if _, err := env.Engine.Assign(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	res, err := env.Engine.Cancel(env.Ctx, task.ID, "tester")
	if err != nil || res.Assignment.UserID != bob.ID {
		t.Fatalf("cancel: %+v err=%v", res, err)
	}
	// The task went PENDING -> ASSIGNED once; the handover to bob keeps it
	// ASSIGNED and must not log a second transition.
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "task.status.changed", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("task.status.changed events = %d, want 1", len(events))
	}
}

func TestConcurrentAssignHasSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "Alice", "Engineering", 5)
	env.addUser(t, "Bob", "Engineering", 2)
	task := env.addTask(t, "contended", rules.RuleSet{Department: strPtr("Engineering")})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = env.Engine.Assign(env.Ctx, task.ID, "tester")
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrAlreadyAssigned):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != callers-1 {
		t.Fatalf("wins=%d conflicts=%d", wins, conflicts)
	}
	active, err := env.Engine.Repo.ActiveAssignment(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if n := env.activeCount(t, active.UserID); n != 1 {
		t.Fatalf("winner counter = %d", n)
	}
}

func TestCountersMatchAssignmentRows(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, "Alice", "Engineering", 5)
	rs := rules.RuleSet{Department: strPtr("Engineering")}
	for _, title := range []string{"a", "b", "c"} {
		task := env.addTask(t, title, rs)
		if _, err := env.Engine.Assign(env.Ctx, task.ID, "tester"); err != nil {
			t.Fatalf("assign %s: %v", title, err)
		}
	}
	rows, err := env.Engine.Repo.CountActiveForUser(env.Ctx, alice.ID)
	if err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if got := env.activeCount(t, alice.ID); got != rows || got != 3 {
		t.Fatalf("counter=%d rows=%d, want 3", got, rows)
	}
}

func TestEligibilityPersistedForPreview(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, "Alice", "Engineering", 5)
	task := env.addTask(t, "previewable", rules.RuleSet{Department: strPtr("Engineering")})

	if _, err := env.Engine.Rank(env.Ctx, task.ID); err != nil {
		t.Fatalf("rank: %v", err)
	}
	entries, err := env.Engine.Repo.ListEligibility(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("list eligibility: %v", err)
	}
	if len(entries) != 1 || entries[0].UserID != alice.ID {
		t.Fatalf("entries = %+v", entries)
	}
	ids, err := env.Engine.Repo.EligibleTaskIDsForUser(env.Ctx, alice.ID)
	if err != nil || len(ids) != 1 || ids[0] != task.ID {
		t.Fatalf("eligible tasks = %v err=%v", ids, err)
	}
}

func TestAssignmentEventsLogged(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "Alice", "Engineering", 5)
	task := env.addTask(t, "logged", rules.RuleSet{Department: strPtr("Engineering")})

	if _, err := env.Engine.Assign(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "assignment.created", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("assignment.created events = %d", len(events))
	}
	if events[0].ActorID != "tester" {
		t.Fatalf("actor = %s", events[0].ActorID)
	}
}

func TestCounterNeverNegative(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, "Alice", "Engineering", 5)
	_, err := env.Engine.Counters.Decrement(env.Ctx, alice.ID)
	var ue counter.UnderflowError
	if !errors.As(err, &ue) {
		t.Fatalf("expected underflow, got %v", err)
	}
}
