package ratelimit

import (
	"sync"
	"time"
)

// localWindows is the in-process degradation path used while Redis is
// unreachable. It mirrors the fixed-window semantics of the Lua script but
// only sees this replica's traffic, so limits are effectively multiplied by
// the replica count until Redis recovers.
type localWindows struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	stopCh  chan struct{}
}

type localEntry struct {
	count     int64
	expiresAt time.Time
}

func newLocalWindows() *localWindows {
	lw := &localWindows{
		entries: make(map[string]*localEntry),
		stopCh:  make(chan struct{}),
	}
	go lw.cleanup()
	return lw
}

// cleanup drops expired windows so an outage spanning many distinct keys does
// not grow the map without bound.
func (lw *localWindows) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lw.mu.Lock()
			now := time.Now()
			for key, entry := range lw.entries {
				if now.After(entry.expiresAt) {
					delete(lw.entries, key)
				}
			}
			lw.mu.Unlock()
		case <-lw.stopCh:
			return
		}
	}
}

func (lw *localWindows) stop() {
	close(lw.stopCh)
}

// check applies the same deny-without-charging rule as the Redis script.
func (lw *localWindows) check(key string, limit int, increment int64, window time.Duration) (allowed bool, current int64, ttl time.Duration) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	now := time.Now()
	entry, ok := lw.entries[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &localEntry{expiresAt: now.Add(window)}
		lw.entries[key] = entry
	}

	ttl = time.Until(entry.expiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}

	if entry.count+increment > int64(limit) {
		return false, entry.count, ttl
	}

	entry.count += increment
	return true, entry.count, ttl
}
