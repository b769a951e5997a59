// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Revocation registry tuning.
const (
	// RevocationFallbackTTL is how long an entry is retained when the
	// token's own expiry cannot be recovered. Garbage presented for
	// revocation still blocks for this long.
	RevocationFallbackTTL = 24 * time.Hour

	// DefaultSweepInterval is the default interval between background
	// purges of expired entries.
	DefaultSweepInterval = time.Hour
)

// RevocationRegistry tracks revoked tokens until their natural expiry.
// It is safe for concurrent use: revoke, lookup, and purge are mutually
// atomic, and no decoding happens while the lock is held.
//
// The registry runs a background goroutine that periodically purges
// entries whose tokens have expired. Call Close() to stop it.
type RevocationRegistry struct {
	mu      sync.Mutex
	revoked map[string]time.Time

	// Background sweep
	stopChan chan struct{}
	wg       sync.WaitGroup

	// Metrics (nil if no registry provided)
	sizeGauge   prometheus.Gauge
	purgedTotal prometheus.Counter
}

// NewRevocationRegistry creates a registry and starts its background
// sweep. A non-positive sweepInterval falls back to DefaultSweepInterval.
// Call Close() to stop the sweep goroutine.
func NewRevocationRegistry(sweepInterval time.Duration) *RevocationRegistry {
	return newRevocationRegistry(sweepInterval, nil)
}

// NewRevocationRegistryWithMetrics additionally registers a size gauge and
// purge counter with the provided Prometheus registry. A nil registry
// behaves like NewRevocationRegistry.
func NewRevocationRegistryWithMetrics(sweepInterval time.Duration, reg prometheus.Registerer) *RevocationRegistry {
	return newRevocationRegistry(sweepInterval, reg)
}

func newRevocationRegistry(sweepInterval time.Duration, reg prometheus.Registerer) *RevocationRegistry {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	r := &RevocationRegistry{
		revoked:  make(map[string]time.Time),
		stopChan: make(chan struct{}),
	}

	if reg != nil {
		r.sizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyfold_revoked_tokens",
			Help: "Current number of tokens held in the revocation registry",
		})
		r.purgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyfold_revoked_tokens_purged_total",
			Help: "Total number of expired entries removed from the revocation registry",
		})
		reg.MustRegister(r.sizeGauge)
		reg.MustRegister(r.purgedTotal)
	}

	r.wg.Add(1)
	go r.sweepLoop(sweepInterval)

	return r
}

// Revoke adds a token to the registry. The retention deadline is read from
// the token's own expiry claim without verifying the signature, so even
// tokens this process cannot validate stay blocked; when no expiry can be
// recovered the entry is retained for RevocationFallbackTTL. Revoking an
// already-revoked token is a no-op.
func (r *RevocationRegistry) Revoke(token string) {
	// Decode outside the lock; only the map write is serialized.
	expiry, ok := peekExpiry(token)
	if !ok {
		expiry = time.Now().Add(RevocationFallbackTTL)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.revoked[token] = expiry
	if r.sizeGauge != nil {
		r.sizeGauge.Set(float64(len(r.revoked)))
	}
}

// IsRevoked reports whether the token is in the registry. Entries past
// their retention deadline still count as revoked until the next sweep;
// such tokens fail expiry checks anyway.
func (r *RevocationRegistry) IsRevoked(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.revoked[token]
	return ok
}

// Remove deletes a single entry, un-revoking the token.
func (r *RevocationRegistry) Remove(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.revoked, token)
	if r.sizeGauge != nil {
		r.sizeGauge.Set(float64(len(r.revoked)))
	}
}

// Clear empties the registry.
func (r *RevocationRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.revoked = make(map[string]time.Time)
	if r.sizeGauge != nil {
		r.sizeGauge.Set(0)
	}
}

// Size returns the number of tracked tokens.
func (r *RevocationRegistry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.revoked)
}

// PurgeExpired removes entries whose retention deadline has passed and
// returns the number removed. The background sweep calls this on its
// interval; it may also be called directly.
func (r *RevocationRegistry) PurgeExpired() int {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for token, expiry := range r.revoked {
		if expiry.Before(now) {
			delete(r.revoked, token)
			removed++
		}
	}

	if removed > 0 && r.purgedTotal != nil {
		r.purgedTotal.Add(float64(removed))
	}
	if r.sizeGauge != nil {
		r.sizeGauge.Set(float64(len(r.revoked)))
	}
	return removed
}

// sweepLoop runs periodic purges in the background.
func (r *RevocationRegistry) sweepLoop(interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.PurgeExpired()
		}
	}
}

// Close stops the background sweep goroutine and releases resources.
// It blocks until the goroutine has stopped.
func (r *RevocationRegistry) Close() {
	close(r.stopChan)
	r.wg.Wait()
}

// Compile-time interface check.
var _ TokenRevocations = (*RevocationRegistry)(nil)
