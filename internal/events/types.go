package events

import "time"

// TradeResult is published on EventTradeExecuted after an order is confirmed.
type TradeResult struct {
	UserID     string    `json:"userId"`
	JobID      string    `json:"jobId"`
	Exchange   string    `json:"exchange"`
	Symbol     string    `json:"symbol"`
	Action     string    `json:"action"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price,omitempty"`
	OrderID    string    `json:"orderId,omitempty"`
	ExecutedAt time.Time `json:"executedAt"`
}

// TradeError is published on EventTradeError when a job fails terminally.
// Retryable failures stay internal until attempts are exhausted.
type TradeError struct {
	UserID   string    `json:"userId"`
	JobID    string    `json:"jobId"`
	Symbol   string    `json:"symbol"`
	Action   string    `json:"action"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failedAt"`
}

// RetryScheduled is published on EventJobRetry when a failed job is queued
// for another attempt.
type RetryScheduled struct {
	UserID  string        `json:"userId"`
	JobID   string        `json:"jobId"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"-"`
}
