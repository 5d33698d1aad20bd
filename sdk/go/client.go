package taskmatchsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Taskmatch HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Rules is the eligibility rule set attached to a task.
type Rules struct {
	Department     *string `json:"department,omitempty"`
	MinExperience  *int    `json:"min_experience,omitempty"`
	MaxActiveTasks *int    `json:"max_active_tasks,omitempty"`
}

// User represents the API user model.
type User struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Department      string `json:"department"`
	ExperienceYears int    `json:"experience_years"`
	ActiveTaskCount int    `json:"active_task_count"`
}

// Task represents the API task model (partial).
type Task struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Priority int    `json:"priority"`
	Rules    Rules  `json:"rules"`
}

// Assignment represents an assignment row.
type Assignment struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// Move is the outcome of an assignment operation.
type Move struct {
	Outcome    string      `json:"outcome"`
	TaskStatus string      `json:"task_status"`
	Assignment *Assignment `json:"assignment,omitempty"`
	Score      int         `json:"score,omitempty"`
}

// Candidate is one entry of a task's eligibility ranking.
type Candidate struct {
	UserID string `json:"user_id"`
	Score  int    `json:"score"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateUser registers a user.
func (c *Client) CreateUser(ctx context.Context, name, department string, experienceYears int) (User, error) {
	body := map[string]any{
		"name":             name,
		"department":       department,
		"experience_years": experienceYears,
	}
	var resp User
	err := c.do(ctx, http.MethodPost, "users", body, &resp)
	return resp, err
}

// GetUser fetches a user by id.
func (c *Client) GetUser(ctx context.Context, id string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "users/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreateTask creates a task with its eligibility rules.
func (c *Client) CreateTask(ctx context.Context, title string, rules Rules, autoAssign bool) (Task, *Move, error) {
	body := map[string]any{
		"title":       title,
		"rules":       rules,
		"auto_assign": autoAssign,
	}
	var resp struct {
		Task Task  `json:"task"`
		Move *Move `json:"move,omitempty"`
	}
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp.Task, resp.Move, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Assign claims the task's single active slot for the best eligible user.
func (c *Client) Assign(ctx context.Context, taskID string) (Move, error) {
	var resp Move
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/assign", nil, &resp)
	return resp, err
}

// Cancel releases the active assignment and reassigns if possible.
func (c *Client) Cancel(ctx context.Context, taskID string) (Move, error) {
	var resp Move
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/cancel", nil, &resp)
	return resp, err
}

// Complete marks the active assignment done.
func (c *Client) Complete(ctx context.Context, taskID string) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/complete", nil, &resp)
	return resp, err
}

// EligibleUsers returns the ranked candidates for a task.
func (c *Client) EligibleUsers(ctx context.Context, taskID string) ([]Candidate, error) {
	var resp []Candidate
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID)+"/eligible-users", nil, &resp)
	return resp, err
}

// Recompute refreshes a task's ranking; rules may be nil to keep the
// current rule set.
func (c *Client) Recompute(ctx context.Context, taskID string, rules *Rules) ([]Candidate, *Move, error) {
	body := map[string]any{}
	if rules != nil {
		body["rules"] = rules
	}
	var resp struct {
		Ranking []Candidate `json:"ranking"`
		Retried *Move       `json:"retried,omitempty"`
	}
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/recompute", body, &resp)
	return resp.Ranking, resp.Retried, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
