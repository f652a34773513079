package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Durable wraps Queue with a write-ahead log so accepted jobs survive a
// process crash. An envelope is logged before it is visible to workers and
// marked complete only after a terminal outcome, so an envelope that was
// mid-flight at crash time is redelivered on the next start.
type Durable struct {
	queue   *Queue
	walPath string
	walFile *os.File
	mu      sync.Mutex
	metrics DurableMetrics
	pending map[string]bool
	closed  bool
}

// DurableMetrics tracks persistence statistics.
type DurableMetrics struct {
	Written   uint64
	Recovered uint64
	Completed uint64
	Failed    uint64
}

type walEntry struct {
	Action    string    `json:"action"` // "ENQUEUE" or "COMPLETE"
	Envelope  Envelope  `json:"envelope"`
	Timestamp time.Time `json:"timestamp"`
}

// NewDurable creates a durable queue with its WAL under walDir.
func NewDurable(walDir string, size int) (*Durable, error) {
	if err := os.MkdirAll(walDir, 0755); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}

	walPath := filepath.Join(walDir, "signal_queue.wal")
	file, err := os.OpenFile(walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open WAL file: %w", err)
	}

	return &Durable{
		queue:   New(size),
		walPath: walPath,
		walFile: file,
		pending: make(map[string]bool),
	}, nil
}

// Recover re-enqueues envelopes that were logged but never completed. Call
// once before workers start. Retry redeliveries append a second ENQUEUE entry
// for the same job ID, so recovery keeps only the latest entry per ID.
func (d *Durable) Recover() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	file, err := os.Open(d.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open WAL for recovery: %w", err)
	}
	defer file.Close()

	enqueued := make(map[string]Envelope)
	completed := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		var entry walEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			log.Printf("⚠️ WAL parse error (skipping): %v", err)
			continue
		}
		switch entry.Action {
		case "ENQUEUE":
			enqueued[entry.Envelope.JobID] = entry.Envelope
		case "COMPLETE":
			completed[entry.Envelope.JobID] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("WAL scan error: %w", err)
	}

	recovered := 0
	for id, env := range enqueued {
		if completed[id] {
			continue
		}
		if err := d.queue.Enqueue(env); err != nil {
			log.Printf("⚠️ WAL recovery: queue full, dropping job %s", id)
			continue
		}
		d.pending[id] = true
		recovered++
	}

	atomic.AddUint64(&d.metrics.Recovered, uint64(recovered))
	if recovered > 0 {
		log.Printf("🔄 Recovered %d pending jobs from WAL", recovered)
	}

	if recovered > 0 || len(completed) > 10 {
		if err := d.compact(enqueued, completed); err != nil {
			log.Printf("⚠️ WAL compaction failed: %v", err)
		}
	}
	return nil
}

// compact rewrites the WAL with only pending entries.
func (d *Durable) compact(enqueued map[string]Envelope, completed map[string]bool) error {
	tempPath := d.walPath + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(tempFile)
	kept := 0
	for id, env := range enqueued {
		if completed[id] {
			continue
		}
		entry := walEntry{Action: "ENQUEUE", Envelope: env, Timestamp: time.Now()}
		if err := encoder.Encode(entry); err != nil {
			tempFile.Close()
			os.Remove(tempPath)
			return err
		}
		kept++
	}

	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return err
	}
	tempFile.Close()

	d.walFile.Close()
	if err := os.Rename(tempPath, d.walPath); err != nil {
		return err
	}
	d.walFile, err = os.OpenFile(d.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	log.Printf("✓ WAL compacted: kept %d pending entries", kept)
	return nil
}

// Enqueue logs the envelope then makes it visible to workers. The WAL write
// is fsynced so acceptance is durable before the HTTP response goes out.
func (d *Durable) Enqueue(env Envelope) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("queue closed")
	}

	entry := walEntry{Action: "ENQUEUE", Envelope: env, Timestamp: time.Now()}
	data, err := json.Marshal(entry)
	if err != nil {
		d.mu.Unlock()
		atomic.AddUint64(&d.metrics.Failed, 1)
		return fmt.Errorf("WAL marshal: %w", err)
	}
	if _, err := d.walFile.Write(append(data, '\n')); err != nil {
		d.mu.Unlock()
		atomic.AddUint64(&d.metrics.Failed, 1)
		return fmt.Errorf("WAL write: %w", err)
	}
	if err := d.walFile.Sync(); err != nil {
		d.mu.Unlock()
		atomic.AddUint64(&d.metrics.Failed, 1)
		return fmt.Errorf("WAL sync: %w", err)
	}

	d.pending[env.JobID] = true
	atomic.AddUint64(&d.metrics.Written, 1)
	d.mu.Unlock()

	if err := d.queue.Enqueue(env); err != nil {
		// Roll the WAL entry back so the job is not resurrected on restart.
		d.MarkComplete(env.JobID)
		return err
	}
	return nil
}

// MarkComplete records a terminal outcome for the job. Not fsynced: a crash
// in the window redelivers an already-finished job, which the idempotency
// guard at the worker absorbs.
func (d *Durable) MarkComplete(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.pending[jobID] {
		return
	}

	entry := walEntry{Action: "COMPLETE", Envelope: Envelope{JobID: jobID}, Timestamp: time.Now()}
	data, _ := json.Marshal(entry)
	d.walFile.Write(append(data, '\n'))

	delete(d.pending, jobID)
	atomic.AddUint64(&d.metrics.Completed, 1)
}

// Dequeue waits up to timeout for the next envelope.
func (d *Durable) Dequeue(timeout time.Duration) (Envelope, bool) {
	return d.queue.Dequeue(timeout)
}

// Requeue re-enqueues a retry redelivery, logging a fresh WAL entry so the
// bumped attempt count survives a crash.
func (d *Durable) Requeue(env Envelope) error {
	d.mu.Lock()
	delete(d.pending, env.JobID)
	d.mu.Unlock()
	return d.Enqueue(env)
}

// Metrics returns a snapshot of persistence counters.
func (d *Durable) Metrics() DurableMetrics {
	return DurableMetrics{
		Written:   atomic.LoadUint64(&d.metrics.Written),
		Recovered: atomic.LoadUint64(&d.metrics.Recovered),
		Completed: atomic.LoadUint64(&d.metrics.Completed),
		Failed:    atomic.LoadUint64(&d.metrics.Failed),
	}
}

// Len returns queue depth.
func (d *Durable) Len() int { return d.queue.Len() }

// Cap returns queue capacity.
func (d *Durable) Cap() int { return d.queue.Cap() }

// Close closes the queue and the WAL file.
func (d *Durable) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.queue.Close()
	if d.walFile != nil {
		d.walFile.Sync()
		d.walFile.Close()
	}
	log.Printf("✓ Durable queue closed: written=%d completed=%d",
		atomic.LoadUint64(&d.metrics.Written),
		atomic.LoadUint64(&d.metrics.Completed))
}
