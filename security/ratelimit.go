// Package security provides the rate/concurrency guard and the security
// audit logger consulted by the grant authority.
package security

import (
	"container/list"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// guardEntry tracks a limiter and its last access time for LRU eviction.
type guardEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateGuard bounds grant attempts per (identity, grant type) key using a
// token bucket per key, with LRU eviction to keep memory bounded. It is
// admission control, not a lock: rejected requests never reach the store.
type RateGuard struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // of *guardEntry

	limit      rate.Limit
	burst      int
	maxEntries int

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger

	evictions int64
}

const defaultMaxGuardEntries = 10000

// NewRateGuard creates a guard allowing attemptsPerSecond sustained and
// burst instantaneous attempts per key. A background goroutine drops keys
// idle for 30 minutes.
func NewRateGuard(attemptsPerSecond float64, burst int, logger *slog.Logger) *RateGuard {
	if logger == nil {
		logger = slog.Default()
	}

	g := &RateGuard{
		entries:         make(map[string]*list.Element),
		lru:             list.New(),
		limit:           rate.Limit(attemptsPerSecond),
		burst:           burst,
		maxEntries:      defaultMaxGuardEntries,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
		logger:          logger,
	}

	go g.cleanupLoop()

	return g
}

// Key builds the guard key for a principal-or-client identity and grant type.
func Key(identity, grantType string) string {
	return strings.Join([]string{identity, grantType}, "|")
}

// Allow reports whether an attempt under the given key is admitted.
func (g *RateGuard) Allow(key string) bool {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if elem, ok := g.entries[key]; ok {
		g.lru.MoveToFront(elem)
		entry := elem.Value.(*guardEntry)
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	if g.maxEntries > 0 && len(g.entries) >= g.maxEntries {
		g.evictOldest()
	}

	entry := &guardEntry{
		key:        key,
		limiter:    rate.NewLimiter(g.limit, g.burst),
		lastAccess: now,
	}
	g.entries[key] = g.lru.PushFront(entry)

	return entry.limiter.Allow()
}

// evictOldest removes the least recently used key. Caller holds the mutex.
func (g *RateGuard) evictOldest() {
	elem := g.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*guardEntry)
	delete(g.entries, entry.key)
	g.lru.Remove(elem)
	g.evictions++

	g.logger.Debug("rate guard evicted key",
		"key", entry.key,
		"total_evictions", g.evictions)
}

func (g *RateGuard) cleanupLoop() {
	ticker := time.NewTicker(g.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.Cleanup(30 * time.Minute)
		case <-g.stopCleanup:
			return
		}
	}
}

// Cleanup drops keys that have not been touched within maxIdle.
func (g *RateGuard) Cleanup(maxIdle time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := g.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*guardEntry)
		if now.Sub(entry.lastAccess) > maxIdle {
			delete(g.entries, entry.key)
			g.lru.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		g.logger.Debug("rate guard cleanup completed",
			"removed", removed,
			"remaining", len(g.entries))
	}
}

// Len returns the number of tracked keys.
func (g *RateGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Stop terminates the cleanup goroutine.
func (g *RateGuard) Stop() {
	g.stopOnce.Do(func() { close(g.stopCleanup) })
}
