package server_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"taskmatch/internal/config"
	"taskmatch/internal/db"
	"taskmatch/internal/engine"
	"taskmatch/internal/migrate"
	"taskmatch/internal/server"
)

const (
	testSecret = "test-secret"
	adminRole  = "admin"
)

type apiEnv struct {
	Server *httptest.Server
	Engine *engine.Engine
}

func newAPIEnv(t *testing.T) apiEnv {
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
	handler, err := server.New(server.Config{
		Engine: eng,
		Auth: server.AuthConfig{
			JWTSecret: testSecret,
			AdminRole: adminRole,
		},
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return apiEnv{Server: srv, Engine: eng}
}

func adminToken(t *testing.T) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   "admin-1",
		"roles": []string{adminRole},
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func readerToken(t *testing.T) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": "reader-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

type response struct {
	Status int
	Body   map[string]any
	List   []any
}

func (env apiEnv) do(t *testing.T, method, path, token string, payload any) response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, env.Server.URL+"/v0"+path, body)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := env.Server.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := response{Status: resp.StatusCode}
	if len(raw) == 0 {
		return out
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	switch v := decoded.(type) {
	case map[string]any:
		out.Body = v
	case []any:
		out.List = v
	}
	return out
}

func (env apiEnv) createUser(t *testing.T, token, name, department string, experience int) string {
	t.Helper()
	resp := env.do(t, http.MethodPost, "/users", token, map[string]any{
		"name": name, "department": department, "experience_years": experience,
	})
	if resp.Status != http.StatusCreated {
		t.Fatalf("create user %s: status %d body %v", name, resp.Status, resp.Body)
	}
	return resp.Body["id"].(string)
}

func (env apiEnv) createTask(t *testing.T, token, title string, ruleBody map[string]any, autoAssign bool) (string, map[string]any) {
	t.Helper()
	resp := env.do(t, http.MethodPost, "/tasks", token, map[string]any{
		"title": title, "rules": ruleBody, "auto_assign": autoAssign,
	})
	if resp.Status != http.StatusCreated {
		t.Fatalf("create task: status %d body %v", resp.Status, resp.Body)
	}
	task := resp.Body["task"].(map[string]any)
	move, _ := resp.Body["move"].(map[string]any)
	return task["id"].(string), move
}

func errorCode(t *testing.T, resp response) string {
	t.Helper()
	env, ok := resp.Body["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error envelope in %v", resp.Body)
	}
	code, _ := env["code"].(string)
	return code
}

func TestHealthNeedsNoAuth(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.do(t, http.MethodGet, "/health", "", nil)
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d", resp.Status)
	}
	if resp.Body["status"] != "ok" {
		t.Fatalf("body = %v", resp.Body)
	}
}

func TestRequestsWithoutCredentialsRejected(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.do(t, http.MethodGet, "/users", "", nil)
	if resp.Status != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.Status)
	}
	resp = env.do(t, http.MethodGet, "/users", "not-a-jwt", nil)
	if resp.Status != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d", resp.Status)
	}
}

func TestMutationsRequireAdminRole(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.do(t, http.MethodPost, "/users", readerToken(t), map[string]any{
		"name": "Alice", "department": "Engineering", "experience_years": 5,
	})
	if resp.Status != http.StatusForbidden {
		t.Fatalf("status = %d body %v", resp.Status, resp.Body)
	}
	// Reads are open to any authenticated principal.
	resp = env.do(t, http.MethodGet, "/users", readerToken(t), nil)
	if resp.Status != http.StatusOK {
		t.Fatalf("read status = %d", resp.Status)
	}
}

func TestAssignmentFlowOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	token := adminToken(t)
	aliceID := env.createUser(t, token, "Alice", "Engineering", 5)
	env.createUser(t, token, "Bob", "Engineering", 2)

	taskID, move := env.createTask(t, token, "tune indexes", map[string]any{"department": "Engineering"}, true)
	if move == nil || move["outcome"] != "ASSIGNED" {
		t.Fatalf("move = %v", move)
	}
	assignment := move["assignment"].(map[string]any)
	if assignment["user_id"] != aliceID {
		t.Fatalf("winner = %v, want alice", assignment["user_id"])
	}

	// Double assign conflicts with a stable machine-readable code.
	resp := env.do(t, http.MethodPost, "/tasks/"+taskID+"/assign", token, nil)
	if resp.Status != http.StatusConflict {
		t.Fatalf("status = %d body %v", resp.Status, resp.Body)
	}
	if code := errorCode(t, resp); code != "task_already_assigned" {
		t.Fatalf("code = %s", code)
	}

	resp = env.do(t, http.MethodGet, "/tasks/"+taskID, token, nil)
	if resp.Status != http.StatusOK || resp.Body["status"] != "ASSIGNED" {
		t.Fatalf("get task: %d %v", resp.Status, resp.Body)
	}

	resp = env.do(t, http.MethodPost, "/tasks/"+taskID+"/complete", token, nil)
	if resp.Status != http.StatusOK {
		t.Fatalf("complete: %d %v", resp.Status, resp.Body)
	}
	resp = env.do(t, http.MethodGet, "/users/"+aliceID, token, nil)
	if resp.Status != http.StatusOK {
		t.Fatalf("get user: %d", resp.Status)
	}
	if n := resp.Body["active_task_count"].(float64); n != 0 {
		t.Fatalf("active_task_count = %v", n)
	}
}

func TestEligibleUsersRanking(t *testing.T) {
	env := newAPIEnv(t)
	token := adminToken(t)
	aliceID := env.createUser(t, token, "Alice", "Engineering", 5)
	env.createUser(t, token, "Bob", "Engineering", 2)
	env.createUser(t, token, "Carol", "Operations", 8)

	taskID, _ := env.createTask(t, token, "review design", map[string]any{"department": "Engineering", "min_experience": 3}, false)
	resp := env.do(t, http.MethodGet, "/tasks/"+taskID+"/eligible-users", token, nil)
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d", resp.Status)
	}
	if len(resp.List) != 1 {
		t.Fatalf("candidates = %v", resp.List)
	}
	best := resp.List[0].(map[string]any)
	if best["user_id"] != aliceID {
		t.Fatalf("best = %v", best)
	}
}

func TestCancelReassignsOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	token := adminToken(t)
	aliceID := env.createUser(t, token, "Alice", "Engineering", 5)
	bobID := env.createUser(t, token, "Bob", "Engineering", 2)

	taskID, move := env.createTask(t, token, "harden backups", map[string]any{"department": "Engineering"}, true)
	if move["assignment"].(map[string]any)["user_id"] != aliceID {
		t.Fatalf("setup winner = %v", move)
	}
	resp := env.do(t, http.MethodPost, "/tasks/"+taskID+"/cancel", token, nil)
	if resp.Status != http.StatusOK {
		t.Fatalf("cancel: %d %v", resp.Status, resp.Body)
	}
	if resp.Body["outcome"] != "ASSIGNED" {
		t.Fatalf("outcome = %v", resp.Body["outcome"])
	}
	if resp.Body["assignment"].(map[string]any)["user_id"] != bobID {
		t.Fatalf("replacement = %v", resp.Body["assignment"])
	}
}

func TestRecomputeRulesLockedOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	token := adminToken(t)
	env.createUser(t, token, "Alice", "Engineering", 5)
	taskID, _ := env.createTask(t, token, "upgrade runtime", map[string]any{"department": "Engineering"}, true)

	resp := env.do(t, http.MethodPost, "/tasks/"+taskID+"/recompute", token, map[string]any{
		"rules": map[string]any{"department": "Operations"},
	})
	if resp.Status != http.StatusConflict {
		t.Fatalf("status = %d body %v", resp.Status, resp.Body)
	}
	if code := errorCode(t, resp); code != "rules_locked" {
		t.Fatalf("code = %s", code)
	}
}

func TestCreateUserValidation(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.do(t, http.MethodPost, "/users", adminToken(t), map[string]any{
		"department": "Engineering", "experience_years": 5,
	})
	if resp.Status != http.StatusBadRequest {
		t.Fatalf("status = %d body %v", resp.Status, resp.Body)
	}
}

func TestUnknownTaskIs404(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.do(t, http.MethodGet, "/tasks/nope", adminToken(t), nil)
	if resp.Status != http.StatusNotFound {
		t.Fatalf("status = %d", resp.Status)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	token := adminToken(t)
	resp := env.do(t, http.MethodPost, "/keys", token, map[string]any{"name": "ci"})
	if resp.Status != http.StatusCreated {
		t.Fatalf("create key: %d %v", resp.Status, resp.Body)
	}
	plaintext, _ := resp.Body["key"].(string)
	keyID, _ := resp.Body["id"].(string)
	if plaintext == "" || keyID == "" {
		t.Fatalf("key response = %v", resp.Body)
	}

	// Key principals carry the admin role.
	req, _ := http.NewRequest(http.MethodPost, env.Server.URL+"/v0/users", bytes.NewReader([]byte(`{"name":"Dana","department":"Engineering","experience_years":4}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", plaintext)
	raw, err := env.Server.Client().Do(req)
	if err != nil {
		t.Fatalf("api key request: %v", err)
	}
	defer raw.Body.Close()
	if raw.StatusCode != http.StatusCreated {
		t.Fatalf("api key create user: %d", raw.StatusCode)
	}

	// Listing never exposes the plaintext.
	resp = env.do(t, http.MethodGet, "/keys", token, nil)
	if resp.Status != http.StatusOK || len(resp.List) != 1 {
		t.Fatalf("list keys: %d %v", resp.Status, resp.List)
	}
	if _, exposed := resp.List[0].(map[string]any)["key"]; exposed {
		t.Fatalf("plaintext leaked in listing")
	}

	resp = env.do(t, http.MethodDelete, "/keys/"+keyID, token, nil)
	if resp.Status != http.StatusOK && resp.Status != http.StatusNoContent {
		t.Fatalf("delete key: %d", resp.Status)
	}
	req, _ = http.NewRequest(http.MethodGet, env.Server.URL+"/v0/users", nil)
	req.Header.Set("X-Api-Key", plaintext)
	raw, err = env.Server.Client().Do(req)
	if err != nil {
		t.Fatalf("revoked key request: %v", err)
	}
	defer raw.Body.Close()
	if raw.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key status = %d", raw.StatusCode)
	}
}

func TestEventsFeed(t *testing.T) {
	env := newAPIEnv(t)
	token := adminToken(t)
	env.createUser(t, token, "Alice", "Engineering", 5)
	env.createTask(t, token, "logged", map[string]any{"department": "Engineering"}, true)

	resp := env.do(t, http.MethodGet, "/events?type=assignment.created", token, nil)
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d", resp.Status)
	}
	if len(resp.List) != 1 {
		t.Fatalf("events = %v", resp.List)
	}
	evt := resp.List[0].(map[string]any)
	if evt["actor_id"] != "admin-1" {
		t.Fatalf("actor = %v", evt["actor_id"])
	}
}
