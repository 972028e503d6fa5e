// Package ratelimit provides token-bucket admission control per named
// resource key. One Limiter is shared process-wide; every external call
// (catalog search, catalog read, analysis) consumes a token first.
package ratelimit

import (
	"sync"
	"time"
)

// Well-known resource keys.
const (
	KeyCatalogSearch = "catalog-search"
	KeyCatalogRead   = "catalog-read"
	KeyAnalysis      = "analysis-call"
)

// ResourceConfig configures one bucket.
type ResourceConfig struct {
	Key          string        `yaml:"key"`
	Capacity     int           `yaml:"capacity"`
	RefillAmount int           `yaml:"refill_amount"`
	RefillEvery  time.Duration `yaml:"refill_every"`
}

// DefaultResources returns conservative buckets for the known keys.
func DefaultResources() []ResourceConfig {
	return []ResourceConfig{
		{Key: KeyCatalogSearch, Capacity: 10, RefillAmount: 10, RefillEvery: time.Minute},
		{Key: KeyCatalogRead, Capacity: 60, RefillAmount: 60, RefillEvery: time.Minute},
		{Key: KeyAnalysis, Capacity: 20, RefillAmount: 20, RefillEvery: time.Minute},
	}
}

// Status is an operational snapshot of one bucket.
type Status struct {
	Key       string    `json:"key"`
	Remaining int       `json:"remaining"`
	Capacity  int       `json:"capacity"`
	ResetAt   time.Time `json:"reset_at"` // when the next token becomes available
}

type bucket struct {
	capacity   int
	ratePerSec float64 // refill rate in tokens per second
	tokens     float64
	lastRefill time.Time
}

// Limiter is a token-bucket limiter keyed by resource name. Safe for
// concurrent use; token state per key never loses updates.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// New creates a Limiter with the given buckets, all starting full. Unknown
// keys consulted later get a bucket from DefaultResources' smallest config.
func New(resources []ResourceConfig) *Limiter {
	return newLimiter(resources, time.Now)
}

// newLimiter lets tests supply the clock before any bucket stamps its
// first refill time.
func newLimiter(resources []ResourceConfig, now func() time.Time) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		now:     now,
	}
	for _, rc := range resources {
		l.buckets[rc.Key] = newBucket(rc, l.now())
	}
	return l
}

func newBucket(rc ResourceConfig, now time.Time) *bucket {
	capacity := rc.Capacity
	if capacity <= 0 {
		capacity = 10
	}
	every := rc.RefillEvery
	if every <= 0 {
		every = time.Minute
	}
	amount := rc.RefillAmount
	if amount <= 0 {
		amount = capacity
	}
	return &bucket{
		capacity:   capacity,
		ratePerSec: float64(amount) / every.Seconds(),
		tokens:     float64(capacity),
		lastRefill: now,
	}
}

// CheckLimit consumes a token for key if one is available and reports
// whether the call may proceed. Never blocks.
func (l *Limiter) CheckLimit(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketLocked(key)
	b.refill(l.now())
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// WaitTime returns how long until the next token for key becomes available.
// Zero means a token is available now. Does not consume anything.
func (l *Limiter) WaitTime(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketLocked(key)
	b.refill(l.now())
	if b.tokens >= 1 {
		return 0
	}
	deficit := 1 - b.tokens
	return time.Duration(deficit / b.ratePerSec * float64(time.Second))
}

// GetStatus returns an operational snapshot for key.
func (l *Limiter) GetStatus(key string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketLocked(key)
	now := l.now()
	b.refill(now)

	resetAt := now
	if b.tokens < 1 {
		deficit := 1 - b.tokens
		resetAt = now.Add(time.Duration(deficit / b.ratePerSec * float64(time.Second)))
	}
	return Status{
		Key:       key,
		Remaining: int(b.tokens),
		Capacity:  b.capacity,
		ResetAt:   resetAt,
	}
}

// Keys returns all configured resource keys.
func (l *Limiter) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]string, 0, len(l.buckets))
	for k := range l.buckets {
		keys = append(keys, k)
	}
	return keys
}

// Reset refills every bucket to capacity. Only for tests and explicit
// operational requests; normal operation never resets silently.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, b := range l.buckets {
		b.tokens = float64(b.capacity)
		b.lastRefill = now
	}
}

func (l *Limiter) bucketLocked(key string) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(ResourceConfig{Key: key, Capacity: 10, RefillEvery: time.Minute}, l.now())
		l.buckets[key] = b
	}
	return b
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed.Seconds() * b.ratePerSec
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.lastRefill = now
}
