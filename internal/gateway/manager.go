package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradehook/pkg/crypto"
	"tradehook/pkg/db"
	"tradehook/pkg/exchanges/common"
)

var (
	// ErrNoCredential means the user has no active, validated API key.
	ErrNoCredential = errors.New("no active exchange credential")
	// ErrAdapterUnhealthy means the circuit breaker for the credential is open.
	ErrAdapterUnhealthy = errors.New("exchange adapter is unhealthy")
	// ErrPoolFull means the cache is at capacity and nothing could be evicted.
	ErrPoolFull = errors.New("adapter pool is full")
)

// cachedAdapter holds an adapter with lifecycle metadata.
type cachedAdapter struct {
	adapter   common.Adapter
	apiKeyID  string
	userID    string
	exchange  string
	createdAt time.Time
	lastUsed  time.Time
	healthyAt time.Time
	failures  int
}

// Config tunes the adapter cache.
type Config struct {
	MaxSize          int
	IdleTimeout      time.Duration
	FailureThreshold int
	CircuitTimeout   time.Duration
	Testnet          bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager caches one adapter per credential, keyed by api key id, with LRU
// eviction, idle cleanup and a failure-count circuit breaker.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]*cachedAdapter
	lruOrder []string

	config   Config
	keys     *crypto.KeyManager
	database *db.Database
	factory  Factory

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates an adapter manager.
func NewManager(database *db.Database, keys *crypto.KeyManager, factory Factory, cfg Config) *Manager {
	return &Manager{
		adapters: make(map[string]*cachedAdapter),
		config:   cfg,
		keys:     keys,
		database: database,
		factory:  factory,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background idle-cleanup goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()
}

// Stop shuts the manager down and drops all cached adapters.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters = make(map[string]*cachedAdapter)
	m.lruOrder = nil
}

// Resolve returns a ready adapter for the user's active credential, building
// and caching one if needed. The credential row is returned alongside so the
// caller can attribute orders to it.
func (m *Manager) Resolve(ctx context.Context, userID string) (common.Adapter, *db.APIKey, error) {
	key, err := m.database.GetActiveAPIKey(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("load credential: %w", err)
	}
	if key == nil {
		return nil, nil, ErrNoCredential
	}

	m.mu.RLock()
	if cached, ok := m.adapters[key.ID]; ok {
		if cached.failures >= m.config.FailureThreshold &&
			time.Since(cached.healthyAt) < m.config.CircuitTimeout {
			m.mu.RUnlock()
			return nil, nil, ErrAdapterUnhealthy
		}
		adapter := cached.adapter
		m.mu.RUnlock()
		m.touch(key.ID)
		return adapter, key, nil
	}
	m.mu.RUnlock()

	adapter, err := m.create(key)
	if err != nil {
		return nil, nil, err
	}
	return adapter, key, nil
}

func (m *Manager) create(key *db.APIKey) (common.Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.adapters[key.ID]; ok {
		m.touchLocked(key.ID)
		return cached.adapter, nil
	}

	if len(m.adapters) >= m.config.MaxSize {
		if !m.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	creds, err := m.decrypt(key)
	if err != nil {
		return nil, err
	}

	adapter, err := m.factory(key.Exchange, creds, m.config.Testnet)
	if err != nil {
		return nil, fmt.Errorf("create adapter: %w", err)
	}

	now := time.Now()
	m.adapters[key.ID] = &cachedAdapter{
		adapter:   adapter,
		apiKeyID:  key.ID,
		userID:    key.UserID,
		exchange:  key.Exchange,
		createdAt: now,
		lastUsed:  now,
		healthyAt: now,
	}
	m.lruOrder = append(m.lruOrder, key.ID)
	return adapter, nil
}

func (m *Manager) decrypt(key *db.APIKey) (Credentials, error) {
	if m.keys == nil {
		return Credentials{}, errors.New("no master encryption key configured")
	}
	apiKey, err := m.keys.Decrypt(key.APIKey)
	if err != nil {
		return Credentials{}, fmt.Errorf("decrypt api key: %w", err)
	}
	secret, err := m.keys.Decrypt(key.SecretKey)
	if err != nil {
		return Credentials{}, fmt.Errorf("decrypt api secret: %w", err)
	}
	creds := Credentials{APIKey: apiKey, APISecret: secret}
	if key.Passphrase != "" {
		creds.Passphrase, err = m.keys.Decrypt(key.Passphrase)
		if err != nil {
			return Credentials{}, fmt.Errorf("decrypt passphrase: %w", err)
		}
	}
	return creds, nil
}

// Invalidate drops the cached adapter for a credential, forcing a rebuild on
// next use. Called when a key is rotated or deactivated.
func (m *Manager) Invalidate(apiKeyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adapters[apiKeyID]; ok {
		delete(m.adapters, apiKeyID)
		m.removeLRULocked(apiKeyID)
	}
}

// RecordFailure bumps the failure counter feeding the circuit breaker.
func (m *Manager) RecordFailure(apiKeyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.adapters[apiKeyID]; ok {
		cached.failures++
		if cached.failures == m.config.FailureThreshold {
			cached.healthyAt = time.Now()
		}
	}
}

// RecordSuccess resets the failure counter.
func (m *Manager) RecordSuccess(apiKeyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.adapters[apiKeyID]; ok {
		cached.failures = 0
		cached.healthyAt = time.Now()
	}
}

// Stats returns pool statistics for the metrics endpoint.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		Total:      len(m.adapters),
		MaxSize:    m.config.MaxSize,
		ByExchange: make(map[string]int),
	}
	for _, cached := range m.adapters {
		stats.ByExchange[cached.exchange]++
		if cached.failures >= m.config.FailureThreshold {
			stats.Unhealthy++
		}
	}
	return stats
}

// PoolStats describes the adapter cache.
type PoolStats struct {
	Total      int            `json:"total"`
	MaxSize    int            `json:"maxSize"`
	ByExchange map[string]int `json:"byExchange"`
	Unhealthy  int            `json:"unhealthy"`
}

func (m *Manager) touch(apiKeyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked(apiKeyID)
}

func (m *Manager) touchLocked(apiKeyID string) {
	if cached, ok := m.adapters[apiKeyID]; ok {
		cached.lastUsed = time.Now()
	}
	for i, id := range m.lruOrder {
		if id == apiKeyID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, apiKeyID)
			break
		}
	}
}

func (m *Manager) removeLRULocked(apiKeyID string) {
	for i, id := range m.lruOrder {
		if id == apiKeyID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldest := m.lruOrder[0]
	delete(m.adapters, oldest)
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, cached := range m.adapters {
		if now.Sub(cached.lastUsed) > m.config.IdleTimeout {
			delete(m.adapters, id)
			m.removeLRULocked(id)
		}
	}
}
