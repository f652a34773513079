package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"tradehook/internal/monitor"
	"tradehook/internal/queue"
	"tradehook/internal/webhook"
	"tradehook/pkg/db"
)

func newTestServer(t *testing.T) (*Server, *db.Database, *queue.Durable) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	q, err := queue.NewDurable(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("NewDurable: %v", err)
	}
	t.Cleanup(q.Close)

	webhooks := webhook.NewService(database, q, "http://localhost:8080")
	s := NewServer(database, webhooks, nil, monitor.NewPipelineMetrics(), q, nil, Config{
		JWTSecret:    "test-secret",
		WebhookRate:  1000,
		WebhookBurst: 1000,
	})
	return s, database, q
}

func seedTradingUser(t *testing.T, database *db.Database, userID, password string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	if _, err := database.DB.Exec(
		`INSERT INTO users (id, email, password_hash, is_active) VALUES (?, ?, ?, 1)`,
		userID, userID+"@example.com", string(hash)); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := database.DB.Exec(
		`INSERT INTO bot_settings (user_id, is_enabled) VALUES (?, 1)`, userID); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	if _, err := database.DB.Exec(
		`INSERT INTO webhook_configs (id, user_id, token, is_active) VALUES (?, ?, 'tok', 1)`,
		"wh-"+userID, userID); err != nil {
		t.Fatalf("seed webhook: %v", err)
	}
}

func doJSON(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func TestWebhookIngressAccepts(t *testing.T) {
	s, _, q := newTestServer(t)
	seedTradingUser(t, s.DB, "u1", "pw")

	w := doJSON(s, http.MethodPost, "/webhook/u1/tok", `{"action":"buy","symbol":"BTCUSDT"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s, want 200", w.Code, w.Body.String())
	}

	var resp struct {
		Success      bool   `json:"success"`
		Message      string `json:"message"`
		JobID        string `json:"jobId"`
		ResponseTime string `json:"responseTime"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.Message != "Webhook received" {
		t.Errorf("response = %+v", resp)
	}
	if resp.JobID == "" {
		t.Error("no jobId in response")
	}
	if !strings.HasSuffix(resp.ResponseTime, "ms") {
		t.Errorf("responseTime = %q, want ms suffix", resp.ResponseTime)
	}
	if q.Len() != 1 {
		t.Errorf("queue depth = %d, want 1", q.Len())
	}
}

func TestWebhookIngressStatusCodes(t *testing.T) {
	s, database, _ := newTestServer(t)
	seedTradingUser(t, database, "u1", "pw")

	seedTradingUser(t, database, "u2", "pw")
	database.DB.Exec(`UPDATE bot_settings SET is_enabled = 0 WHERE user_id = 'u2'`)

	valid := `{"action":"buy","symbol":"BTCUSDT"}`
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"wrong token", "/webhook/u1/wrong", valid, http.StatusNotFound},
		{"unknown user", "/webhook/ghost/tok", valid, http.StatusNotFound},
		{"bot disabled", "/webhook/u2/tok", valid, http.StatusForbidden},
		{"malformed json", "/webhook/u1/tok", `{"action":`, http.StatusBadRequest},
		{"invalid action", "/webhook/u1/tok", `{"action":"hold","symbol":"BTCUSDT"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(s, http.MethodPost, tt.path, tt.body, nil)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			var resp struct {
				Success bool   `json:"success"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode rejection: %v", err)
			}
			if resp.Success || resp.Message == "" {
				t.Errorf("rejection body = %s, want success=false with message", w.Body.String())
			}
		})
	}
}

func TestRequestLoggerToleratesShortRequestID(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := doJSON(s, http.MethodGet, "/health", "", map[string]string{"X-Request-ID": "abc"})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d with short X-Request-ID, want 200", w.Code)
	}
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := doJSON(s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func login(t *testing.T, s *Server, email, password string) string {
	t.Helper()
	w := doJSON(s, http.MethodPost, "/api/auth/login",
		`{"email":"`+email+`","password":"`+password+`"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.Token
}

func TestLoginRejectsBadPassword(t *testing.T) {
	s, database, _ := newTestServer(t)
	seedTradingUser(t, database, "u1", "pw")

	w := doJSON(s, http.MethodPost, "/api/auth/login", `{"email":"u1@example.com","password":"nope"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestManagementRequiresAuth(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := doJSON(s, http.MethodGet, "/api/webhook/config", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestWebhookManagementFlow(t *testing.T) {
	s, database, _ := newTestServer(t)
	seedTradingUser(t, database, "u1", "pw")
	token := login(t, s, "u1@example.com", "pw")
	auth := map[string]string{"Authorization": "Bearer " + token}

	// Existing config is returned with its URL.
	w := doJSON(s, http.MethodGet, "/api/webhook/config", "", auth)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/webhook/config = %d body = %s", w.Code, w.Body.String())
	}
	var cfg struct {
		URL      string `json:"url"`
		Token    string `json:"token"`
		IsActive bool   `json:"is_active"`
	}
	json.Unmarshal(w.Body.Bytes(), &cfg)
	if cfg.Token != "tok" || !cfg.IsActive {
		t.Errorf("config = %+v", cfg)
	}
	if !strings.Contains(cfg.URL, "/webhook/u1/tok") {
		t.Errorf("url = %s", cfg.URL)
	}

	// Generate is create-if-absent: an existing webhook comes back unchanged.
	w = doJSON(s, http.MethodPost, "/api/webhook/generate", "", auth)
	if w.Code != http.StatusOK {
		t.Fatalf("generate = %d", w.Code)
	}
	var generated struct {
		Token string `json:"token"`
	}
	json.Unmarshal(w.Body.Bytes(), &generated)
	if generated.Token != "tok" {
		t.Errorf("generate rotated the token to %q, want existing tok", generated.Token)
	}

	// Rotation invalidates the old token.
	w = doJSON(s, http.MethodPost, "/api/webhook/regenerate", "", auth)
	if w.Code != http.StatusOK {
		t.Fatalf("regenerate = %d", w.Code)
	}
	var rotated struct {
		Token string `json:"token"`
	}
	json.Unmarshal(w.Body.Bytes(), &rotated)
	if rotated.Token == "tok" || rotated.Token == "" {
		t.Errorf("rotated token = %q", rotated.Token)
	}

	w = doJSON(s, http.MethodPost, "/webhook/u1/tok", `{"action":"buy","symbol":"BTCUSDT"}`, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("old token ingress = %d, want 404", w.Code)
	}

	// Toggle off blocks ingress with the new token.
	w = doJSON(s, http.MethodPatch, "/api/webhook/toggle", `{"active":false}`, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("toggle = %d body = %s", w.Code, w.Body.String())
	}
	w = doJSON(s, http.MethodPost, "/webhook/u1/"+rotated.Token, `{"action":"buy","symbol":"BTCUSDT"}`, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("disabled ingress = %d, want 403", w.Code)
	}
}

func TestWebhookLogsPagination(t *testing.T) {
	s, database, _ := newTestServer(t)
	seedTradingUser(t, database, "u1", "pw")
	token := login(t, s, "u1@example.com", "pw")
	auth := map[string]string{"Authorization": "Bearer " + token}

	for i := 0; i < 3; i++ {
		w := doJSON(s, http.MethodPost, "/webhook/u1/tok", `{"action":"buy","symbol":"BTCUSDT"}`, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ingress %d = %d", i, w.Code)
		}
	}

	w := doJSON(s, http.MethodGet, "/api/webhook/logs?page=1&limit=2", "", auth)
	if w.Code != http.StatusOK {
		t.Fatalf("logs = %d body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Logs       []json.RawMessage `json:"logs"`
		Pagination struct {
			Page       int   `json:"page"`
			Limit      int   `json:"limit"`
			Total      int64 `json:"total"`
			TotalPages int64 `json:"totalPages"`
		} `json:"pagination"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(resp.Logs) != 2 {
		t.Errorf("logs on page = %d, want 2", len(resp.Logs))
	}
	if resp.Pagination.Total != 3 || resp.Pagination.TotalPages != 2 {
		t.Errorf("pagination = %+v", resp.Pagination)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, database, _ := newTestServer(t)
	seedTradingUser(t, database, "u1", "pw")
	token := login(t, s, "u1@example.com", "pw")
	auth := map[string]string{"Authorization": "Bearer " + token}

	doJSON(s, http.MethodPost, "/webhook/u1/tok", `{"action":"buy","symbol":"BTCUSDT"}`, nil)

	w := doJSON(s, http.MethodGet, "/api/metrics", "", auth)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics = %d", w.Code)
	}
	var snap struct {
		SignalsAccepted uint64 `json:"signals_accepted"`
		QueueDepth      int    `json:"queue_depth"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if snap.SignalsAccepted != 1 {
		t.Errorf("signals_accepted = %d, want 1", snap.SignalsAccepted)
	}
	if snap.QueueDepth != 1 {
		t.Errorf("queue_depth = %d, want 1", snap.QueueDepth)
	}
}
