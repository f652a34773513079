package common

import (
	"sync"
	"time"
)

// TimeSync tracks the offset between local and venue server time. Signed
// endpoints reject requests whose timestamp drifts outside the recv window,
// so clients stamp requests with Now() after an initial Sync.
type TimeSync struct {
	mu            sync.RWMutex
	getServerTime func() (int64, error)
	offset        int64 // milliseconds, server - local
	lastSync      time.Time
}

// NewTimeSync creates a time offset tracker backed by the venue's server-time endpoint.
func NewTimeSync(getServerTime func() (int64, error)) *TimeSync {
	return &TimeSync{getServerTime: getServerTime}
}

// Sync measures the offset once, assuming symmetric network latency.
func (ts *TimeSync) Sync() error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime()
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()
	localMid := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = serverTime - localMid
	ts.lastSync = time.Now()
	ts.mu.Unlock()
	return nil
}

// Now returns the current time in venue milliseconds.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the current offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
