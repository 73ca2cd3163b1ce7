// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package router

import (
	"sync"
	"time"
)

// Status is a pipeline's standing on the health board.
type Status string

const (
	// StatusHealthy pipelines are eligible for selection.
	StatusHealthy Status = "healthy"
	// StatusBlocked pipelines sit out an exponential cooldown after a
	// recoverable failure and heal lazily once it expires.
	StatusBlocked Status = "temporarily-blocked"
	// StatusBlacklisted pipelines failed non-recoverably and stay out until
	// an operator resets them. Success elsewhere never reinstates them.
	StatusBlacklisted Status = "blacklisted"
	// StatusDestroyed pipelines are gone for good; Reset does not revive
	// them.
	StatusDestroyed Status = "destroyed"
)

// View is the externally visible health record of one pipeline.
type View struct {
	Status              Status     `json:"status"`
	ConsecutiveFailures int        `json:"consecutiveFailures,omitempty"`
	LastFailure         *time.Time `json:"lastFailure,omitempty"`
	CooldownUntil       *time.Time `json:"cooldownUntil,omitempty"`
}

// Board tracks pipeline health across requests. Pipelines start healthy and
// get a record on their first report. All methods are safe for concurrent
// use.
type Board struct {
	mu      sync.Mutex
	records map[string]*record
	base    time.Duration
	limit   time.Duration
	now     func() time.Time
}

type record struct {
	status      Status
	consecutive int
	lastFailure time.Time
	coolUntil   time.Time
}

// NewBoard builds a board whose cooldowns grow from base, doubling per
// consecutive failure, up to limit.
func NewBoard(base, limit time.Duration) *Board {
	if base <= 0 {
		base = time.Second
	}
	if limit < base {
		limit = base
	}
	return &Board{
		records: make(map[string]*record),
		base:    base,
		limit:   limit,
		now:     time.Now,
	}
}

// Status reports the pipeline's standing. Unknown ids are healthy.
func (b *Board) Status(id string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return StatusHealthy
	}
	return b.statusLocked(rec)
}

// Healthy reports whether the pipeline may serve requests.
func (b *Board) Healthy(id string) bool {
	return b.Status(id) == StatusHealthy
}

// statusLocked heals an expired cooldown in place. The failure streak
// survives until a success so the next cooldown keeps growing.
func (b *Board) statusLocked(rec *record) Status {
	if rec.status == StatusBlocked && !b.now().Before(rec.coolUntil) {
		rec.status = StatusHealthy
		rec.coolUntil = time.Time{}
	}
	return rec.status
}

// ReportFailure records a recoverable failure: the streak grows and the
// pipeline sits out base*2^(streak-1), capped at the limit.
func (b *Board) ReportFailure(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.ensure(id)
	switch rec.status {
	case StatusBlacklisted, StatusDestroyed:
		return
	}
	rec.consecutive++
	rec.lastFailure = b.now()
	rec.status = StatusBlocked
	rec.coolUntil = rec.lastFailure.Add(b.cooldown(rec.consecutive))
}

// ReportSuccess clears the pipeline's own streak. It never reinstates a
// blacklisted or destroyed pipeline.
func (b *Board) ReportSuccess(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return
	}
	switch rec.status {
	case StatusBlacklisted, StatusDestroyed:
		return
	}
	*rec = record{status: StatusHealthy}
}

// Blacklist takes the pipeline out of rotation until an operator resets it.
func (b *Board) Blacklist(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.ensure(id)
	if rec.status == StatusDestroyed {
		return
	}
	rec.consecutive++
	rec.lastFailure = b.now()
	rec.status = StatusBlacklisted
	rec.coolUntil = time.Time{}
}

// Destroy removes the pipeline permanently.
func (b *Board) Destroy(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	*b.ensure(id) = record{status: StatusDestroyed}
}

// Reset wipes the pipeline's record, the operator escape hatch for
// blacklisted pipelines. Destroyed pipelines stay destroyed.
func (b *Board) Reset(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok || rec.status == StatusDestroyed {
		return
	}
	delete(b.records, id)
}

// rank is the tie-break key for equally healthy candidates: fewer
// consecutive failures first, then the earlier last failure.
func (b *Board) rank(id string) (int, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return 0, time.Time{}
	}
	return rec.consecutive, rec.lastFailure
}

func (b *Board) ensure(id string) *record {
	rec, ok := b.records[id]
	if !ok {
		rec = &record{status: StatusHealthy}
		b.records[id] = rec
	}
	return rec
}

func (b *Board) cooldown(n int) time.Duration {
	d := b.base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= b.limit || d <= 0 {
			return b.limit
		}
	}
	return min(d, b.limit)
}

// View reports the full record for one pipeline.
func (b *Board) View(id string) View {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return View{Status: StatusHealthy}
	}
	return b.viewLocked(rec)
}

// Snapshot copies every record, healing expired cooldowns on the way out.
// Pipelines that never reported are absent.
func (b *Board) Snapshot() map[string]View {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]View, len(b.records))
	for id, rec := range b.records {
		out[id] = b.viewLocked(rec)
	}
	return out
}

func (b *Board) viewLocked(rec *record) View {
	v := View{
		Status:              b.statusLocked(rec),
		ConsecutiveFailures: rec.consecutive,
	}
	if !rec.lastFailure.IsZero() {
		t := rec.lastFailure
		v.LastFailure = &t
	}
	if !rec.coolUntil.IsZero() {
		t := rec.coolUntil
		v.CooldownUntil = &t
	}
	return v
}
