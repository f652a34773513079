// Package webhook owns the webhook identity of each user and the acceptance
// path that turns an inbound signal into a queued job.
package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"tradehook/internal/queue"
	"tradehook/internal/signal"
	"tradehook/pkg/db"
)

var (
	// ErrInvalidWebhook means the user/token pair matches no webhook.
	ErrInvalidWebhook = errors.New("invalid webhook")
	// ErrWebhookDisabled means the webhook exists but is switched off.
	ErrWebhookDisabled = errors.New("webhook is disabled")
	// ErrAccountInactive means the owning account is deactivated.
	ErrAccountInactive = errors.New("account is inactive")
	// ErrBotDisabled means the user's trading bot is switched off.
	ErrBotDisabled = errors.New("trading bot is disabled")
)

// Enqueuer is the queue side the service needs.
type Enqueuer interface {
	Enqueue(env queue.Envelope) error
}

// Service validates inbound signals against the caller's webhook identity and
// hands accepted ones to the queue.
type Service struct {
	database  *db.Database
	queue     Enqueuer
	publicURL string
}

func NewService(database *db.Database, q Enqueuer, publicURL string) *Service {
	return &Service{database: database, queue: q, publicURL: publicURL}
}

// Submit runs the acceptance chain for one inbound signal and returns the job
// id. The durable record is created before enqueueing, so a record without a
// queued job can only mean a crash in the narrow window between the two, and
// queue recovery closes even that.
func (s *Service) Submit(ctx context.Context, userID, token string, sig *signal.Signal) (string, error) {
	if err := sig.Validate(); err != nil {
		return "", err
	}

	hook, err := s.database.GetWebhookByUserToken(ctx, userID, token)
	if err != nil {
		return "", fmt.Errorf("lookup webhook: %w", err)
	}
	if hook == nil {
		return "", ErrInvalidWebhook
	}
	if !hook.IsActive {
		return "", ErrWebhookDisabled
	}

	user, err := s.database.GetUserByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("lookup user: %w", err)
	}
	if user == nil || !user.IsActive {
		return "", ErrAccountInactive
	}

	settings, err := s.database.GetBotSettings(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("lookup settings: %w", err)
	}
	if settings == nil || !settings.IsEnabled {
		return "", ErrBotDisabled
	}

	payload, err := json.Marshal(sig)
	if err != nil {
		return "", fmt.Errorf("encode signal: %w", err)
	}

	jobID := uuid.NewString()
	record := db.JobRecord{
		ID:        jobID,
		WebhookID: hook.ID,
		UserID:    userID,
		Payload:   string(payload),
		Status:    db.StatusPending,
	}
	if err := s.database.CreateJobRecord(ctx, record); err != nil {
		return "", fmt.Errorf("create job record: %w", err)
	}
	if err := s.database.TouchWebhookTrigger(ctx, hook.ID); err != nil {
		return "", fmt.Errorf("bump trigger counter: %w", err)
	}

	if err := s.queue.Enqueue(queue.NewEnvelope(jobID, userID, *sig)); err != nil {
		s.failUnqueued(ctx, jobID, err)
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return jobID, nil
}

// failUnqueued settles a record whose envelope never made it into the queue.
// Failure requires a claim first, the record is still PENDING here.
func (s *Service) failUnqueued(ctx context.Context, jobID string, cause error) {
	if _, err := s.database.MarkJobProcessing(ctx, jobID); err != nil {
		return
	}
	_ = s.database.MarkJobFailed(ctx, jobID, cause.Error())
}

// Config returns the caller's webhook, creating one on first access.
func (s *Service) Config(ctx context.Context, userID string) (*db.WebhookConfig, error) {
	hook, err := s.database.GetWebhookForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if hook != nil {
		return hook, nil
	}
	return s.create(ctx, userID)
}

// Regenerate replaces the caller's token, invalidating the old URL.
func (s *Service) Regenerate(ctx context.Context, userID string) (*db.WebhookConfig, error) {
	hook, err := s.database.GetWebhookForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if hook == nil {
		return s.create(ctx, userID)
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	if err := s.database.UpdateWebhookToken(ctx, userID, token); err != nil {
		return nil, fmt.Errorf("rotate token: %w", err)
	}
	return s.database.GetWebhookForUser(ctx, userID)
}

// SetActive toggles the caller's webhook.
func (s *Service) SetActive(ctx context.Context, userID string, active bool) error {
	return s.database.SetWebhookActive(ctx, userID, active)
}

// Logs returns a page of the caller's job records, newest first.
func (s *Service) Logs(ctx context.Context, userID string, page, limit int) ([]db.JobRecord, int64, error) {
	return s.database.ListJobRecords(ctx, userID, page, limit)
}

// URL renders the public ingress URL for a webhook.
func (s *Service) URL(hook *db.WebhookConfig) string {
	return fmt.Sprintf("%s/webhook/%s/%s", s.publicURL, hook.UserID, hook.Token)
}

func (s *Service) create(ctx context.Context, userID string) (*db.WebhookConfig, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	hook := db.WebhookConfig{
		ID:       uuid.NewString(),
		UserID:   userID,
		Token:    token,
		IsActive: true,
	}
	if err := s.database.CreateWebhook(ctx, hook); err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	return s.database.GetWebhookForUser(ctx, userID)
}

// newToken mints a 64-char hex token from 32 random bytes.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
