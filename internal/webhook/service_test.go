package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradehook/internal/queue"
	"tradehook/internal/signal"
	"tradehook/pkg/db"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	return database
}

func seedActiveUser(t *testing.T, database *db.Database, userID string) {
	t.Helper()
	if _, err := database.DB.Exec(
		`INSERT INTO users (id, email, password_hash, is_active) VALUES (?, ?, 'x', 1)`,
		userID, userID+"@example.com"); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := database.DB.Exec(
		`INSERT INTO bot_settings (user_id, is_enabled, max_positions, default_leverage, max_leverage, risk_per_trade)
		 VALUES (?, 1, 5, 10, 50, 2)`, userID); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
}

func seedHook(t *testing.T, database *db.Database, userID, token string, active bool) string {
	t.Helper()
	id := "wh-" + userID
	if _, err := database.DB.Exec(
		`INSERT INTO webhook_configs (id, user_id, token, is_active) VALUES (?, ?, ?, ?)`,
		id, userID, token, active); err != nil {
		t.Fatalf("seed webhook: %v", err)
	}
	return id
}

func validSignal() *signal.Signal {
	return &signal.Signal{Action: "buy", Symbol: "BTCUSDT"}
}

func TestSubmitAcceptsValidSignal(t *testing.T) {
	database := newTestDB(t)
	q := queue.New(10)
	defer q.Close()
	svc := NewService(database, q, "http://localhost:8080")

	ctx := context.Background()
	seedActiveUser(t, database, "u1")
	seedHook(t, database, "u1", "tok", true)

	jobID, err := svc.Submit(ctx, "u1", "tok", validSignal())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rec, err := database.GetJobRecord(ctx, jobID)
	if err != nil || rec == nil {
		t.Fatalf("GetJobRecord: rec=%v err=%v", rec, err)
	}
	if rec.Status != db.StatusPending {
		t.Errorf("Status = %s, want PENDING", rec.Status)
	}

	env, ok := q.Dequeue(time.Second)
	if !ok {
		t.Fatal("no envelope queued")
	}
	if env.JobID != jobID || env.UserID != "u1" {
		t.Errorf("envelope = %+v", env)
	}

	hook, _ := database.GetWebhookForUser(ctx, "u1")
	if hook.TotalTriggers != 1 {
		t.Errorf("TotalTriggers = %d, want 1", hook.TotalTriggers)
	}
}

func TestSubmitRejections(t *testing.T) {
	database := newTestDB(t)
	q := queue.New(10)
	defer q.Close()
	svc := NewService(database, q, "http://localhost:8080")
	ctx := context.Background()

	// u1: healthy. u2: inactive account. u3: bot disabled. u4: webhook off.
	seedActiveUser(t, database, "u1")
	seedHook(t, database, "u1", "tok", true)

	database.DB.Exec(`INSERT INTO users (id, email, password_hash, is_active) VALUES ('u2', 'u2@example.com', 'x', 0)`)
	database.DB.Exec(`INSERT INTO bot_settings (user_id, is_enabled) VALUES ('u2', 1)`)
	seedHook(t, database, "u2", "tok", true)

	seedActiveUser(t, database, "u3")
	database.DB.Exec(`UPDATE bot_settings SET is_enabled = 0 WHERE user_id = 'u3'`)
	seedHook(t, database, "u3", "tok", true)

	seedActiveUser(t, database, "u4")
	seedHook(t, database, "u4", "tok", false)

	tests := []struct {
		name    string
		userID  string
		token   string
		sig     *signal.Signal
		wantErr error
	}{
		{"wrong token", "u1", "nope", validSignal(), ErrInvalidWebhook},
		{"unknown user", "ghost", "tok", validSignal(), ErrInvalidWebhook},
		{"inactive account", "u2", "tok", validSignal(), ErrAccountInactive},
		{"bot disabled", "u3", "tok", validSignal(), ErrBotDisabled},
		{"webhook off", "u4", "tok", validSignal(), ErrWebhookDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(ctx, tt.userID, tt.token, tt.sig)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Submit err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("invalid signal", func(t *testing.T) {
		_, err := svc.Submit(ctx, "u1", "tok", &signal.Signal{Action: "hold", Symbol: "BTCUSDT"})
		if err == nil {
			t.Error("Submit = nil, want validation error")
		}
	})

	if n := q.Len(); n != 0 {
		t.Errorf("queue depth = %d after rejections, want 0", n)
	}
}

func TestSubmitQueueFullFailsRecord(t *testing.T) {
	database := newTestDB(t)
	q := queue.New(1)
	defer q.Close()
	svc := NewService(database, q, "http://localhost:8080")
	ctx := context.Background()

	seedActiveUser(t, database, "u1")
	seedHook(t, database, "u1", "tok", true)

	if _, err := svc.Submit(ctx, "u1", "tok", validSignal()); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	_, err := svc.Submit(ctx, "u1", "tok", validSignal())
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("Submit err = %v, want ErrQueueFull", err)
	}

	recs, _, err := database.ListJobRecords(ctx, "u1", 1, 10)
	if err != nil {
		t.Fatalf("ListJobRecords: %v", err)
	}
	var failed int
	for _, r := range recs {
		if r.Status == db.StatusFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed records = %d, want the overflow job marked FAILED", failed)
	}
}

func TestConfigAutoCreates(t *testing.T) {
	database := newTestDB(t)
	q := queue.New(1)
	defer q.Close()
	svc := NewService(database, q, "https://hooks.example.com")
	ctx := context.Background()
	seedActiveUser(t, database, "u1")

	hook, err := svc.Config(ctx, "u1")
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if len(hook.Token) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(hook.Token))
	}
	if !hook.IsActive {
		t.Error("new webhook should start active")
	}

	again, err := svc.Config(ctx, "u1")
	if err != nil {
		t.Fatalf("Config (second): %v", err)
	}
	if again.Token != hook.Token {
		t.Error("Config created a second webhook for the same user")
	}

	wantURL := "https://hooks.example.com/webhook/u1/" + hook.Token
	if got := svc.URL(hook); got != wantURL {
		t.Errorf("URL = %s, want %s", got, wantURL)
	}
}

func TestRegenerateRotatesToken(t *testing.T) {
	database := newTestDB(t)
	q := queue.New(1)
	defer q.Close()
	svc := NewService(database, q, "http://localhost:8080")
	ctx := context.Background()
	seedActiveUser(t, database, "u1")

	first, err := svc.Config(ctx, "u1")
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	second, err := svc.Regenerate(ctx, "u1")
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if second.Token == first.Token {
		t.Error("Regenerate kept the old token")
	}

	if _, err := svc.Submit(ctx, "u1", first.Token, validSignal()); !errors.Is(err, ErrInvalidWebhook) {
		t.Errorf("old token Submit err = %v, want ErrInvalidWebhook", err)
	}
}
