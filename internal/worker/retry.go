package worker

import (
	"log"
	"sync"
	"time"

	"tradehook/internal/queue"
)

// Requeuer re-enqueues an envelope for another delivery.
type Requeuer interface {
	Requeue(env queue.Envelope) error
}

// Scheduler owns delayed redelivery of failed jobs. Attempts are counted per
// job with an expiring counter, delays grow exponentially. Timers fire even
// while workers are busy, so a retry never parks a worker goroutine.
type Scheduler struct {
	mu       sync.Mutex
	counters map[string]*retryCounter
	timers   map[string]*time.Timer

	queue       Requeuer
	maxAttempts int
	baseDelay   time.Duration
	counterTTL  time.Duration

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

type retryCounter struct {
	attempts int
	resetAt  time.Time
}

// NewScheduler creates a retry scheduler. maxAttempts is the number of
// redeliveries booked per job, so 3 means one initial try plus three retries;
// the failure after the last retry is terminal.
func NewScheduler(q Requeuer, maxAttempts int, baseDelay, counterTTL time.Duration) *Scheduler {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if counterTTL <= 0 {
		counterTTL = time.Hour
	}
	s := &Scheduler{
		counters:    make(map[string]*retryCounter),
		timers:      make(map[string]*time.Timer),
		queue:       q,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		counterTTL:  counterTTL,
		stopCh:      make(chan struct{}),
	}

	s.wg.Add(1)
	go s.cleanupLoop()
	return s
}

// Schedule books a redelivery for the envelope. It returns the attempt number
// just consumed and false when the job is out of attempts.
func (s *Scheduler) Schedule(env queue.Envelope) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return 0, false
	}

	counter := s.counters[env.JobID]
	if counter == nil || time.Now().After(counter.resetAt) {
		counter = &retryCounter{resetAt: time.Now().Add(s.counterTTL)}
		s.counters[env.JobID] = counter
	}
	counter.attempts++

	if counter.attempts > s.maxAttempts {
		delete(s.counters, env.JobID)
		return counter.attempts, false
	}

	attempt := counter.attempts
	delay := s.baseDelay * (1 << attempt) // 2^attempt * base

	env.Attempt = attempt
	s.timers[env.JobID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, env.JobID)
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		if err := s.queue.Requeue(env); err != nil {
			log.Printf("❌ retry: requeue job %s: %v", env.JobID, err)
		}
	})
	return attempt, true
}

// Forget drops retry state for a job that settled through another path.
func (s *Scheduler) Forget(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, jobID)
	if timer, ok := s.timers[jobID]; ok {
		timer.Stop()
		delete(s.timers, jobID)
	}
}

// Pending returns the number of jobs currently waiting on a retry timer.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels all pending timers. Jobs with a pending retry stay in the WAL
// and are redelivered on the next start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.counterTTL / 4)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for id, counter := range s.counters {
				if now.After(counter.resetAt) {
					delete(s.counters, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
