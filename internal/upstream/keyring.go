// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package upstream

import (
	"errors"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/config"
)

// ErrNoHealthyKey reports that every configured key is cooling down or
// disabled. The pipeline surfaces it as a rate-limit failure so the
// dispatcher cools the pipeline down rather than blacklisting it; the ring
// heals as key cooldowns lapse.
var ErrNoHealthyKey = errors.New("no healthy API key available")

// keyEntry tracks one key's health. Guarded by the ring mutex.
type keyEntry struct {
	value string
	// streak counts consecutive non-429 failures; threshold disables.
	streak int
	// lifetime counts every failure for health-based ranking.
	lifetime  int
	coolUntil time.Time
	disabled  bool
}

func (k *keyEntry) available(now time.Time) bool {
	return !k.disabled && !now.Before(k.coolUntil)
}

func (k *keyEntry) state(now time.Time) string {
	switch {
	case k.disabled:
		return "disabled"
	case now.Before(k.coolUntil):
		return "cooling-down"
	default:
		return "active"
	}
}

// Keyring rotates a provider's API keys and tracks their health. A ring
// with no keys is valid for keyless local servers: Pick returns the empty
// key and never fails.
type Keyring struct {
	mu        sync.Mutex
	keys      []*keyEntry
	cursor    int
	strategy  config.RotationStrategy
	cooldown  time.Duration
	threshold int

	now func() time.Time
}

// NewKeyring builds the ring from the provider's key list and rotation
// settings.
func NewKeyring(provider *config.Provider) *Keyring {
	r := &Keyring{
		strategy:  provider.KeyRotation,
		cooldown:  time.Duration(provider.KeyCooldownMillis) * time.Millisecond,
		threshold: provider.KeyDisableThreshold,
		now:       time.Now,
	}
	if r.threshold <= 0 {
		r.threshold = config.DefaultKeyDisableThreshold
	}
	for _, key := range provider.APIKey {
		r.keys = append(r.keys, &keyEntry{value: key})
	}
	return r
}

// StartAt seeds the round-robin cursor so pipelines sharing a provider
// spread their first picks across the key list.
func (r *Keyring) StartAt(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) == 0 || i < 0 {
		return
	}
	r.cursor = i % len(r.keys)
}

// Pick returns the key to spend on the next exchange. Round-robin walks
// the ring past unavailable keys; health-based picks the available key
// with the fewest lifetime failures, lowest index winning ties.
func (r *Keyring) Pick() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.keys) == 0 {
		return "", nil
	}
	now := r.now()

	if r.strategy == config.RotationHealthBased {
		var best *keyEntry
		for _, k := range r.keys {
			if !k.available(now) {
				continue
			}
			if best == nil || k.lifetime < best.lifetime {
				best = k
			}
		}
		if best == nil {
			return "", ErrNoHealthyKey
		}
		return best.value, nil
	}

	for range r.keys {
		k := r.keys[r.cursor%len(r.keys)]
		r.cursor++
		if k.available(now) {
			return k.value, nil
		}
	}
	return "", ErrNoHealthyKey
}

// ReportRateLimited rests the key for the configured cooldown. Rate limits
// do not count toward the disable streak.
func (r *Keyring) ReportRateLimited(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		if k.value == key {
			k.coolUntil = r.now().Add(r.cooldown)
			k.lifetime++
		}
	}
}

// ReportFailure counts a non-429 failure. Reaching the disable threshold
// takes the key out of rotation until Reset.
func (r *Keyring) ReportFailure(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		if k.value == key {
			k.streak++
			k.lifetime++
			if k.streak >= r.threshold {
				k.disabled = true
			}
		}
	}
}

// ReportSuccess clears the key's failure streak and any cooldown.
func (r *Keyring) ReportSuccess(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		if k.value == key {
			k.streak = 0
			k.coolUntil = time.Time{}
		}
	}
}

// Reset restores every key to active with clean counters.
func (r *Keyring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		k.streak = 0
		k.lifetime = 0
		k.coolUntil = time.Time{}
		k.disabled = false
	}
	r.cursor = 0
}

// KeyStatus is one key's health as surfaced on the status endpoint.
type KeyStatus struct {
	// Fingerprint identifies the key without leaking it.
	Fingerprint string `json:"fingerprint"`
	// State is active, cooling-down, or disabled.
	State string `json:"state"`
	// ConsecutiveFailures is the current disable streak.
	ConsecutiveFailures int `json:"consecutiveFailures"`
}

// Snapshot reports the health of every key in configuration order.
func (r *Keyring) Snapshot() []KeyStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	statuses := make([]KeyStatus, 0, len(r.keys))
	for _, k := range r.keys {
		statuses = append(statuses, KeyStatus{
			Fingerprint:         maskKey(k.value),
			State:               k.state(now),
			ConsecutiveFailures: k.streak,
		})
	}
	return statuses
}

// maskKey keeps just enough of the key to tell entries apart.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:3] + "..." + key[len(key)-4:]
}
