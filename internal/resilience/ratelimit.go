package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// RateLimitRegistry tracks channel addresses the provider has rate limited.
// Sends to a limited address are skipped, not queued, until the window closes.
type RateLimitRegistry struct {
	mu    sync.Mutex
	until map[string]time.Time
}

// NewRateLimitRegistry creates an empty registry.
func NewRateLimitRegistry() *RateLimitRegistry {
	return &RateLimitRegistry{until: make(map[string]time.Time)}
}

// Limit marks an address as rate limited for the given window.
func (r *RateLimitRegistry) Limit(address string, window time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deadline := time.Now().Add(window)
	if existing, ok := r.until[address]; !ok || deadline.After(existing) {
		r.until[address] = deadline
	}
	slog.Info("RateLimitRegistry address marked rate limited", "address", address, "window", window)
}

// IsLimited reports whether sends to the address are currently skipped.
// Expired entries are pruned on access.
func (r *RateLimitRegistry) IsLimited(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	deadline, ok := r.until[address]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(r.until, address)
		return false
	}
	return true
}

// Count returns the number of currently limited addresses.
func (r *RateLimitRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	n := 0
	for address, deadline := range r.until {
		if now.After(deadline) {
			delete(r.until, address)
			continue
		}
		n++
	}
	return n
}
