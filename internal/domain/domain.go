package domain

// Task lifecycle statuses. COMPLETED is terminal.
const (
	TaskPending   = "PENDING"
	TaskAssigned  = "ASSIGNED"
	TaskCompleted = "COMPLETED"
	TaskWaiting   = "WAITING_FOR_ELIGIBLE_USER"
)

// Assignment statuses. Rows are never deleted; terminal states are history.
const (
	AssignmentAssigned  = "ASSIGNED"
	AssignmentCompleted = "COMPLETED"
	AssignmentCancelled = "CANCELLED"
)

type User struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Department      string  `json:"department"`
	ExperienceYears int     `json:"experience_years"`
	ActiveTaskCount int     `json:"active_task_count"`
	Location        *string `json:"location,omitempty"`
	Email           *string `json:"email,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// Snapshot is the attribute view eligibility is decided against. The
// active-task count in it is always read through the counter store, never
// from a stale copy carried around by callers.
type Snapshot struct {
	UserID          string `json:"user_id"`
	Department      string `json:"department"`
	ExperienceYears int    `json:"experience_years"`
	ActiveTaskCount int    `json:"active_task_count"`
}

type Task struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	RulesJSON   string  `json:"rules_json"`
	Status      string  `json:"status" enum:"PENDING,ASSIGNED,COMPLETED,WAITING_FOR_ELIGIBLE_USER"`
	Priority    int     `json:"priority"`
	DueDate     *string `json:"due_date,omitempty" format:"date"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Assignment struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	UserID    string `json:"user_id"`
	Status    string `json:"status" enum:"ASSIGNED,COMPLETED,CANCELLED"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// EligibilityEntry is a cached verdict that the user currently satisfies
// the task's rule set. Derived data: recomputable at any time, stale the
// moment the task's rules or the user's attributes change.
type EligibilityEntry struct {
	TaskID     string `json:"task_id"`
	UserID     string `json:"user_id"`
	Score      int    `json:"score"`
	ComputedAt string `json:"computed_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
