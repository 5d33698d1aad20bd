package server

import (
	"taskmatch/internal/domain"
	"taskmatch/internal/engine"
	"taskmatch/internal/rules"
)

// Request payloads

type RulesRequest struct {
	Department     *string `json:"department,omitempty"`
	MinExperience  *int    `json:"min_experience,omitempty"`
	MaxActiveTasks *int    `json:"max_active_tasks,omitempty"`
}

func (r RulesRequest) toRuleSet() rules.RuleSet {
	return rules.RuleSet{
		Department:     r.Department,
		MinExperience:  r.MinExperience,
		MaxActiveTasks: r.MaxActiveTasks,
	}
}

type CreateUserRequest struct {
	Name            string  `json:"name"`
	Department      string  `json:"department"`
	ExperienceYears int     `json:"experience_years"`
	Location        *string `json:"location,omitempty"`
	Email           *string `json:"email,omitempty"`
}

type UpdateUserRequest struct {
	Name            *string `json:"name,omitempty"`
	Department      *string `json:"department,omitempty"`
	ExperienceYears *int    `json:"experience_years,omitempty"`
	Location        *string `json:"location,omitempty"`
	Email           *string `json:"email,omitempty"`
}

type CreateTaskRequest struct {
	Title       string       `json:"title"`
	Description *string      `json:"description,omitempty"`
	Rules       RulesRequest `json:"rules"`
	Priority    *int         `json:"priority,omitempty"`
	DueDate     *string      `json:"due_date,omitempty" format:"date"`
	AutoAssign  *bool        `json:"auto_assign,omitempty"`
}

type RecomputeRequest struct {
	Rules *RulesRequest `json:"rules,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name"`
}

// Response payloads

type UserResponse struct {
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

type TaskResponse struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Rules       RulesRequest  `json:"rules"`
	Status      string        `json:"status" enum:"PENDING,ASSIGNED,COMPLETED,WAITING_FOR_ELIGIBLE_USER"`
	Priority    int           `json:"priority"`
	DueDate     *string       `json:"due_date,omitempty" format:"date"`
	Assignment  *domain.Assignment `json:"assignment,omitempty"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
	UpdatedAt   string        `json:"updated_at" format:"date-time"`
}

type CandidateResponse struct {
	UserID string `json:"user_id"`
	Score  int    `json:"score"`
}

type AssignmentMoveResponse struct {
	Outcome    string             `json:"outcome" enum:"ASSIGNED,NO_ELIGIBLE_USER"`
	TaskStatus string             `json:"task_status"`
	Assignment *domain.Assignment `json:"assignment,omitempty"`
	Score      int                `json:"score,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only populated on creation; the plaintext is never stored.
	Key string `json:"key,omitempty"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:              u.ID,
		Name:            u.Name,
		Department:      u.Department,
		ExperienceYears: u.ExperienceYears,
		ActiveTaskCount: u.ActiveTaskCount,
		Location:        u.Location,
		Email:           u.Email,
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
	}
}

func mapUsers(users []domain.User) []UserResponse {
	out := make([]UserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userResponse(u))
	}
	return out
}

func taskResponse(t domain.Task, a *domain.Assignment) TaskResponse {
	resp := TaskResponse{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		DueDate:     t.DueDate,
		Assignment:  a,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if rs, err := rules.Parse(t.RulesJSON); err == nil {
		resp.Rules = RulesRequest{
			Department:     rs.Department,
			MinExperience:  rs.MinExperience,
			MaxActiveTasks: rs.MaxActiveTasks,
		}
	}
	return resp
}

func mapTasks(tasks []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse(t, nil))
	}
	return out
}

func mapCandidates(ranked []rules.Candidate) []CandidateResponse {
	out := make([]CandidateResponse, 0, len(ranked))
	for _, c := range ranked {
		out = append(out, CandidateResponse{UserID: c.UserID, Score: c.Score})
	}
	return out
}

func moveResponse(res engine.AssignResult) AssignmentMoveResponse {
	return AssignmentMoveResponse{
		Outcome:    res.Outcome,
		TaskStatus: res.TaskStatus,
		Assignment: res.Assignment,
		Score:      res.Score,
	}
}

func mapEvents(events []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(events))
	for _, evt := range events {
		out = append(out, EventResponse{
			ID:         evt.ID,
			TS:         evt.TS,
			Type:       evt.Type,
			EntityKind: evt.EntityKind,
			EntityID:   evt.EntityID,
			ActorID:    evt.ActorID,
			Payload:    evt.Payload,
		})
	}
	return out
}

func mapAPIKeys(keys []domain.APIKey) []APIKeyResponse {
	out := make([]APIKeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, APIKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt})
	}
	return out
}
