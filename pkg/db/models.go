package db

import "time"

// Job record statuses. Transitions are forward-only:
// PENDING -> PROCESSING -> {SUCCESS | FAILED}, with RETRY_SCHEDULED
// looping back to PROCESSING on redelivery.
const (
	StatusPending        = "PENDING"
	StatusProcessing     = "PROCESSING"
	StatusRetryScheduled = "RETRY_SCHEDULED"
	StatusSuccess        = "SUCCESS"
	StatusFailed         = "FAILED"
)

// User represents an application user. Rows are provisioned outside the
// pipeline; the pipeline only reads the is_active flag.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// WebhookConfig is a user's webhook identity: one row per user.
type WebhookConfig struct {
	ID            string
	UserID        string
	Token         string
	IsActive      bool
	LastTriggered *time.Time
	TotalTriggers int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// JobRecord is the durable execution-status record for one inbound signal.
// One row per signal regardless of delivery attempts.
type JobRecord struct {
	ID           string
	WebhookID    string
	UserID       string
	Payload      string // serialized Signal JSON
	Status       string
	Response     string
	ErrorMessage string
	CreatedAt    time.Time
	ProcessedAt  *time.Time
}

// BotSettings is the per-user trading policy. Read-only from the pipeline.
type BotSettings struct {
	UserID             string
	IsEnabled          bool
	MaxPositions       int
	DefaultLeverage    int
	MaxLeverage        int
	RiskPerTrade       float64
	AllowedSymbols     []string
	BlacklistedSymbols []string
}

// APIKey holds a user's (encrypted) exchange credentials.
type APIKey struct {
	ID            string
	UserID        string
	Exchange      string
	APIKey        string
	SecretKey     string
	Passphrase    string
	KeyVersion    int
	IsActive      bool
	IsValid       bool
	LastValidated *time.Time
	CreatedAt     time.Time
}

// Order is an executed exchange order. Written once, append-only.
type Order struct {
	ID              string
	UserID          string
	WebhookLogID    string
	Exchange        string
	ExchangeOrderID string
	Symbol          string
	Side            string
	Type            string
	Status          string
	Price           float64
	Quantity        float64
	Leverage        int
	StopLoss        float64
	TakeProfit      float64
	ExecutedAt      time.Time
	CreatedAt       time.Time
}

// Position identity is the composite key (user, exchange, symbol, side).
type Position struct {
	ID         string
	UserID     string
	Exchange   string
	Symbol     string
	Side       string
	Quantity   float64
	EntryPrice float64
	Leverage   int
	IsOpen     bool
	OpenedAt   time.Time
	ClosedAt   *time.Time
}
