// Package gateway caches authenticated venue clients per account. Clients
// are expensive to build (credential decryption, clock sync) and hold
// per-account pacing state, so one instance per (account, market type) is
// shared by every caller.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"exec-engine/internal/ratelimit"
	"exec-engine/pkg/crypto"
	"exec-engine/pkg/db"
	"exec-engine/pkg/exchanges/common"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrAccountInactive  = errors.New("account is inactive")
	ErrClientUnhealthy  = errors.New("venue client is unhealthy")
	ErrPoolFull         = errors.New("client pool is full")
	ErrMarketNotOffered = errors.New("exchange does not offer this market type")
)

// Factory builds one venue client from decrypted credentials.
type Factory func(acct *db.Account, apiKey, apiSecret string, market common.MarketType, pacer common.Pacer) (common.Client, error)

// Config tunes the pool.
type Config struct {
	MaxSize          int
	TTL              time.Duration
	FailureThreshold int
	CircuitTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		TTL:              time.Hour,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

type cachedClient struct {
	client    common.Client
	accountID string
	exchange  string
	createdAt time.Time
	lastUsed  time.Time
	healthyAt time.Time
	failures  int
}

// Pool hands out venue clients keyed by (account, market type) with LRU
// eviction, TTL expiry and a per-entry failure circuit.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*cachedClient
	lru     []string

	cfg     Config
	queries *db.Queries
	vault   *crypto.Vault
	limits  *ratelimit.Registry
	factory Factory
}

func NewPool(queries *db.Queries, vault *crypto.Vault, limits *ratelimit.Registry, factory Factory, cfg Config) *Pool {
	return &Pool{
		clients: make(map[string]*cachedClient),
		cfg:     cfg,
		queries: queries,
		vault:   vault,
		limits:  limits,
		factory: factory,
	}
}

func clientKey(accountID string, market common.MarketType) string {
	return accountID + ":" + string(market)
}

// ClientFor returns the cached client for the account and market type,
// building one when the cache has none or the entry expired.
func (p *Pool) ClientFor(ctx context.Context, accountID string, market common.MarketType) (common.Client, error) {
	key := clientKey(accountID, market)

	p.mu.RLock()
	cached, ok := p.clients[key]
	if ok && time.Since(cached.createdAt) < p.cfg.TTL {
		if cached.failures >= p.cfg.FailureThreshold && time.Since(cached.healthyAt) < p.cfg.CircuitTimeout {
			p.mu.RUnlock()
			return nil, fmt.Errorf("%w: account %s", ErrClientUnhealthy, accountID)
		}
		client := cached.client
		p.mu.RUnlock()
		p.touch(key)
		return client, nil
	}
	p.mu.RUnlock()

	return p.create(ctx, accountID, market, key)
}

func (p *Pool) create(ctx context.Context, accountID string, market common.MarketType, key string) (common.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Another caller may have built it while we waited for the lock.
	if cached, ok := p.clients[key]; ok && time.Since(cached.createdAt) < p.cfg.TTL {
		p.touchLocked(key)
		return cached.client, nil
	}

	acct, err := p.queries.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if !acct.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrAccountInactive, accountID)
	}

	apiKey, err := p.vault.Decrypt(acct.APIKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := p.vault.Decrypt(acct.APISecretEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt api secret: %w", err)
	}

	pacer := p.limits.For(acct.Exchange, acct.ID)
	client, err := p.factory(acct, apiKey, apiSecret, market, pacer)
	if err != nil {
		return nil, fmt.Errorf("build %s client: %w", acct.Exchange, err)
	}

	if _, exists := p.clients[key]; !exists && len(p.clients) >= p.cfg.MaxSize {
		if !p.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	now := time.Now()
	p.clients[key] = &cachedClient{
		client:    client,
		accountID: accountID,
		exchange:  acct.Exchange,
		createdAt: now,
		lastUsed:  now,
		healthyAt: now,
	}
	p.removeLRULocked(key)
	p.lru = append(p.lru, key)
	return client, nil
}

// Invalidate drops every cached client of one account. Credential updates
// call this so the next use picks up the new keys.
func (p *Pool) Invalidate(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, cached := range p.clients {
		if cached.accountID == accountID {
			delete(p.clients, key)
			p.removeLRULocked(key)
		}
	}
}

// RecordFailure bumps the failure count; at the threshold the circuit opens
// until CircuitTimeout passes or a success lands.
func (p *Pool) RecordFailure(accountID string, market common.MarketType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.clients[clientKey(accountID, market)]; ok {
		cached.failures++
	}
}

// RecordSuccess closes the circuit.
func (p *Pool) RecordSuccess(accountID string, market common.MarketType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.clients[clientKey(accountID, market)]; ok {
		cached.failures = 0
		cached.healthyAt = time.Now()
	}
}

// Start runs TTL cleanup until ctx is done.
func (p *Pool) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.cfg.TTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.expire()
			}
		}
	}()
}

func (p *Pool) expire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, cached := range p.clients {
		if time.Since(cached.createdAt) >= p.cfg.TTL {
			delete(p.clients, key)
			p.removeLRULocked(key)
		}
	}
}

// PoolStats summarizes the pool for the admin surface.
type PoolStats struct {
	Clients    int            `json:"clients"`
	MaxSize    int            `json:"max_size"`
	ByExchange map[string]int `json:"by_exchange"`
	Unhealthy  int            `json:"unhealthy"`
}

func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stats := PoolStats{
		Clients:    len(p.clients),
		MaxSize:    p.cfg.MaxSize,
		ByExchange: make(map[string]int),
	}
	for _, cached := range p.clients {
		stats.ByExchange[cached.exchange]++
		if cached.failures >= p.cfg.FailureThreshold {
			stats.Unhealthy++
		}
	}
	return stats
}

func (p *Pool) touch(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touchLocked(key)
}

func (p *Pool) touchLocked(key string) {
	if cached, ok := p.clients[key]; ok {
		cached.lastUsed = time.Now()
	}
	for i, k := range p.lru {
		if k == key {
			p.lru = append(p.lru[:i], p.lru[i+1:]...)
			p.lru = append(p.lru, key)
			break
		}
	}
}

func (p *Pool) removeLRULocked(key string) {
	for i, k := range p.lru {
		if k == key {
			p.lru = append(p.lru[:i], p.lru[i+1:]...)
			break
		}
	}
}

func (p *Pool) evictOldestLocked() bool {
	if len(p.lru) == 0 {
		return false
	}
	oldest := p.lru[0]
	delete(p.clients, oldest)
	p.lru = p.lru[1:]
	return true
}
