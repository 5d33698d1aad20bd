package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"taskmatch/internal/domain"
	"taskmatch/internal/events"
	"taskmatch/internal/rules"
)

type CreateUserParams struct {
	Name            string
	Department      string
	ExperienceYears int
	Location        *string
	Email           *string
}

func (p CreateUserParams) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("user name is required")
	}
	if strings.TrimSpace(p.Department) == "" {
		return fmt.Errorf("user department is required")
	}
	if p.ExperienceYears < 0 {
		return fmt.Errorf("experience_years must not be negative")
	}
	return nil
}

func (e *Engine) CreateUser(ctx context.Context, p CreateUserParams, actorID string) (domain.User, error) {
	if err := p.validate(); err != nil {
		return domain.User{}, err
	}
	now := e.nowRFC3339()
	u := domain.User{
		ID:              uuid.New().String(),
		Name:            p.Name,
		Department:      p.Department,
		ExperienceYears: p.ExperienceYears,
		ActiveTaskCount: 0,
		Location:        p.Location,
		Email:           p.Email,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Repo.InsertUser(ctx, u); err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	if err := e.appendEvent(ctx, "user.created", "user", u.ID, actorID, events.EventPayload{
		"name": u.Name, "department": u.Department,
	}); err != nil {
		return domain.User{}, err
	}
	// A new user may unblock tasks parked waiting for somebody eligible.
	if _, err := e.OnUserAttributesChanged(ctx, u.ID, actorID); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// UpdateUser rewrites the user's matching attributes and runs the
// consequences: eligibility invalidation, revocation of assignments the
// user no longer qualifies for, retry of waiting tasks. The active counter
// is never written here; only assignment operations move it.
func (e *Engine) UpdateUser(ctx context.Context, userID string, p CreateUserParams, actorID string) (domain.User, []AssignResult, error) {
	if err := p.validate(); err != nil {
		return domain.User{}, nil, err
	}
	prev, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return domain.User{}, nil, err
	}
	now := e.nowRFC3339()
	if err := e.Repo.UpdateUserAttributes(ctx, userID, p.Name, p.Department, p.ExperienceYears, p.Location, p.Email, now); err != nil {
		return domain.User{}, nil, err
	}
	if err := e.appendEvent(ctx, "user.updated", "user", userID, actorID, events.EventPayload{
		"department": p.Department, "experience_years": p.ExperienceYears,
		"prev_department": prev.Department, "prev_experience_years": prev.ExperienceYears,
	}); err != nil {
		return domain.User{}, nil, err
	}
	moves, err := e.OnUserAttributesChanged(ctx, userID, actorID)
	if err != nil {
		return domain.User{}, moves, err
	}
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return domain.User{}, moves, err
	}
	return u, moves, nil
}

type CreateTaskParams struct {
	Title       string
	Description string
	Rules       rules.RuleSet
	Priority    int
	DueDate     *string
	// AutoAssign drives the selection path immediately after insert, the
	// way most callers want a fresh task handled.
	AutoAssign bool
}

func (e *Engine) CreateTask(ctx context.Context, p CreateTaskParams, actorID string) (domain.Task, *AssignResult, error) {
	if strings.TrimSpace(p.Title) == "" {
		return domain.Task{}, nil, fmt.Errorf("task title is required")
	}
	if err := p.Rules.Validate(); err != nil {
		return domain.Task{}, nil, err
	}
	now := e.nowRFC3339()
	t := domain.Task{
		ID:          uuid.New().String(),
		Title:       p.Title,
		Description: p.Description,
		RulesJSON:   p.Rules.JSON(),
		Status:      domain.TaskPending,
		Priority:    p.Priority,
		DueDate:     p.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertTask(ctx, t); err != nil {
		return domain.Task{}, nil, fmt.Errorf("insert task: %w", err)
	}
	if err := e.appendEvent(ctx, "task.created", "task", t.ID, actorID, events.EventPayload{
		"title": t.Title, "rules": p.Rules,
	}); err != nil {
		return domain.Task{}, nil, err
	}
	if !p.AutoAssign {
		return t, nil, nil
	}
	res, err := e.Assign(ctx, t.ID, actorID)
	if err != nil {
		return domain.Task{}, nil, err
	}
	t.Status = res.TaskStatus
	return t, &res, nil
}
