package db

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func seedUser(t *testing.T, d *Database, id string) {
	t.Helper()
	_, err := d.DB.Exec(`INSERT INTO users (id, email, password_hash, is_active) VALUES (?, ?, 'x', 1)`,
		id, id+"@example.com")
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func TestJobStatusTransitionsAreForwardOnly(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	seedUser(t, d, "u1")

	rec := JobRecord{ID: "job-1", WebhookID: "wh-1", UserID: "u1", Payload: `{"action":"buy"}`, Status: StatusPending}
	if err := d.CreateJobRecord(ctx, rec); err != nil {
		t.Fatalf("CreateJobRecord: %v", err)
	}

	moved, err := d.MarkJobProcessing(ctx, "job-1")
	if err != nil || !moved {
		t.Fatalf("MarkJobProcessing moved=%v err=%v, expected claim from PENDING", moved, err)
	}

	if err := d.MarkJobSuccess(ctx, "job-1", `{"orderId":"1"}`); err != nil {
		t.Fatalf("MarkJobSuccess: %v", err)
	}

	// A settled record must not be claimable again (redelivery guard).
	moved, err = d.MarkJobProcessing(ctx, "job-1")
	if err != nil {
		t.Fatalf("MarkJobProcessing after SUCCESS: %v", err)
	}
	if moved {
		t.Fatal("SUCCESS record was reclaimed, expected forward-only transitions")
	}

	got, err := d.GetJobRecord(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJobRecord: %v", err)
	}
	if got.Status != StatusSuccess {
		t.Fatalf("status=%s, expected SUCCESS", got.Status)
	}
	if got.ProcessedAt == nil {
		t.Fatal("ProcessedAt not set on settled record")
	}
}

func TestStaleProcessingRecordIsReclaimable(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	seedUser(t, d, "u1")

	if err := d.CreateJobRecord(ctx, JobRecord{ID: "job-3", WebhookID: "wh-1", UserID: "u1", Payload: "{}", Status: StatusPending}); err != nil {
		t.Fatalf("CreateJobRecord: %v", err)
	}
	if moved, _ := d.MarkJobProcessing(ctx, "job-3"); !moved {
		t.Fatal("expected claim from PENDING")
	}

	// A record stuck in PROCESSING after an interrupted attempt must be
	// claimable again on redelivery, or the job is lost.
	moved, err := d.MarkJobProcessing(ctx, "job-3")
	if err != nil {
		t.Fatalf("MarkJobProcessing on stale PROCESSING: %v", err)
	}
	if !moved {
		t.Fatal("stale PROCESSING record was not reclaimed")
	}
	if err := d.MarkJobSuccess(ctx, "job-3", "{}"); err != nil {
		t.Fatalf("MarkJobSuccess: %v", err)
	}
}

func TestJobRetryLoop(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	seedUser(t, d, "u1")

	if err := d.CreateJobRecord(ctx, JobRecord{ID: "job-2", WebhookID: "wh-1", UserID: "u1", Payload: "{}", Status: StatusPending}); err != nil {
		t.Fatalf("CreateJobRecord: %v", err)
	}

	if moved, _ := d.MarkJobProcessing(ctx, "job-2"); !moved {
		t.Fatal("expected claim from PENDING")
	}
	if err := d.MarkJobRetryScheduled(ctx, "job-2", "binance: timeout"); err != nil {
		t.Fatalf("MarkJobRetryScheduled: %v", err)
	}

	// Redelivery claims the record back into PROCESSING.
	if moved, _ := d.MarkJobProcessing(ctx, "job-2"); !moved {
		t.Fatal("expected claim from RETRY_SCHEDULED")
	}
	if err := d.MarkJobFailed(ctx, "job-2", "binance: timeout"); err != nil {
		t.Fatalf("MarkJobFailed: %v", err)
	}

	got, _ := d.GetJobRecord(ctx, "job-2")
	if got.Status != StatusFailed {
		t.Fatalf("status=%s, expected FAILED", got.Status)
	}
	if got.ErrorMessage != "binance: timeout" {
		t.Fatalf("error_message=%q", got.ErrorMessage)
	}
}

func TestListJobRecordsPagination(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	seedUser(t, d, "u1")
	seedUser(t, d, "u2")

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		rec := JobRecord{
			ID: "job-" + string(rune('a'+i)), WebhookID: "wh-1", UserID: "u1",
			Payload: "{}", Status: StatusPending, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := d.CreateJobRecord(ctx, rec); err != nil {
			t.Fatalf("CreateJobRecord: %v", err)
		}
	}
	// Another user's record must not leak into the listing.
	if err := d.CreateJobRecord(ctx, JobRecord{ID: "job-z", WebhookID: "wh-2", UserID: "u2", Payload: "{}", Status: StatusPending}); err != nil {
		t.Fatalf("CreateJobRecord: %v", err)
	}

	recs, total, err := d.ListJobRecords(ctx, "u1", 1, 2)
	if err != nil {
		t.Fatalf("ListJobRecords: %v", err)
	}
	if total != 5 {
		t.Fatalf("total=%d, expected 5", total)
	}
	if len(recs) != 2 {
		t.Fatalf("page size=%d, expected 2", len(recs))
	}
	if recs[0].ID != "job-e" {
		t.Fatalf("first record=%s, expected newest (job-e)", recs[0].ID)
	}

	if _, _, err := d.ListJobRecords(ctx, "", 1, 2); err != ErrUserIDRequired {
		t.Fatalf("expected ErrUserIDRequired, got %v", err)
	}
}

func TestPositionCompositeKey(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	seedUser(t, d, "u1")

	p := Position{ID: "p1", UserID: "u1", Exchange: "BINANCE", Symbol: "BTCUSDT", Side: "BUY", Quantity: 1, EntryPrice: 50000, Leverage: 10}
	if err := d.OpenPosition(ctx, p); err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	// Same composite key accumulates instead of inserting a second row.
	p.ID = "p2"
	p.Quantity = 0.5
	if err := d.OpenPosition(ctx, p); err != nil {
		t.Fatalf("OpenPosition upsert: %v", err)
	}
	// Different side is a distinct position.
	if err := d.OpenPosition(ctx, Position{ID: "p3", UserID: "u1", Exchange: "BINANCE", Symbol: "BTCUSDT", Side: "SELL", Quantity: 2}); err != nil {
		t.Fatalf("OpenPosition sell side: %v", err)
	}

	n, err := d.CountOpenPositions(ctx, "u1")
	if err != nil {
		t.Fatalf("CountOpenPositions: %v", err)
	}
	if n != 2 {
		t.Fatalf("open positions=%d, expected 2", n)
	}

	var qty float64
	if err := d.DB.QueryRow(`SELECT quantity FROM positions WHERE user_id='u1' AND symbol='BTCUSDT' AND side='BUY'`).Scan(&qty); err != nil {
		t.Fatalf("query quantity: %v", err)
	}
	if qty != 1.5 {
		t.Fatalf("quantity=%v, expected accumulated 1.5", qty)
	}

	closed, err := d.ClosePositions(ctx, "u1", "BINANCE", "BTCUSDT")
	if err != nil {
		t.Fatalf("ClosePositions: %v", err)
	}
	if closed != 2 {
		t.Fatalf("closed=%d, expected both sides", closed)
	}
	if n, _ := d.CountOpenPositions(ctx, "u1"); n != 0 {
		t.Fatalf("open positions after close=%d, expected 0", n)
	}
}

func TestWebhookTriggerBookkeeping(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	seedUser(t, d, "u1")

	if err := d.CreateWebhook(ctx, WebhookConfig{ID: "wh-1", UserID: "u1", Token: "tok", IsActive: true}); err != nil {
		t.Fatalf("CreateWebhook: %v", err)
	}

	if err := d.TouchWebhookTrigger(ctx, "wh-1"); err != nil {
		t.Fatalf("TouchWebhookTrigger: %v", err)
	}
	if err := d.TouchWebhookTrigger(ctx, "wh-1"); err != nil {
		t.Fatalf("TouchWebhookTrigger: %v", err)
	}

	w, err := d.GetWebhookByUserToken(ctx, "u1", "tok")
	if err != nil {
		t.Fatalf("GetWebhookByUserToken: %v", err)
	}
	if w == nil {
		t.Fatal("webhook not found by user+token")
	}
	if w.TotalTriggers != 2 {
		t.Fatalf("total_triggers=%d, expected 2", w.TotalTriggers)
	}
	if w.LastTriggered == nil {
		t.Fatal("last_triggered not set")
	}

	// Wrong token must not match.
	if w, _ := d.GetWebhookByUserToken(ctx, "u1", "other"); w != nil {
		t.Fatal("webhook matched with wrong token")
	}
}
