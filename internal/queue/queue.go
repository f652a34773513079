// Package queue buffers accepted signal jobs between the HTTP ingress and the
// worker pool.
package queue

import (
	"errors"
	"time"

	"tradehook/internal/signal"
)

// ErrQueueFull is returned when the buffer is at capacity. The ingress must
// never block on a slow consumer, so a full queue fails fast.
var ErrQueueFull = errors.New("queue full")

// Envelope is the unit carried through the queue. Timestamp is epoch
// milliseconds at acceptance. Attempt counts deliveries so far: 0 on first
// enqueue, incremented on each retry redelivery.
type Envelope struct {
	JobID     string        `json:"jobId"`
	UserID    string        `json:"userId"`
	Signal    signal.Signal `json:"signal"`
	Timestamp int64         `json:"timestamp"`
	Attempt   int           `json:"attempt,omitempty"`
}

// NewEnvelope stamps a signal for queueing.
func NewEnvelope(jobID, userID string, sig signal.Signal) Envelope {
	return Envelope{
		JobID:     jobID,
		UserID:    userID,
		Signal:    sig,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Queue is a bounded in-memory FIFO.
type Queue struct {
	ch chan Envelope
}

func New(size int) *Queue {
	if size <= 0 {
		size = 1000
	}
	return &Queue{ch: make(chan Envelope, size)}
}

// Enqueue adds an envelope without blocking.
func (q *Queue) Enqueue(env Envelope) error {
	select {
	case q.ch <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue waits up to timeout for the next envelope. ok is false on timeout
// or when the queue has been closed and drained.
func (q *Queue) Dequeue(timeout time.Duration) (Envelope, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env, open := <-q.ch:
		if !open {
			return Envelope{}, false
		}
		return env, true
	case <-timer.C:
		return Envelope{}, false
	}
}

// Len returns the current depth.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the buffer capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

func (q *Queue) Close() {
	close(q.ch)
}
