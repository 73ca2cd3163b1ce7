// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Priority orders processors within a conversation queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ParsePriority maps a client-supplied string onto a Priority.
func ParsePriority(s string) (Priority, bool) {
	switch Priority(s) {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(s), true
	}
	return "", false
}

// Status is a processor's position in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusAborted    Status = "aborted"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// transitions lists every legal status move. A processing processor may
// return to pending only through the retry path.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusAborted:    true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusAborted:   true,
		StatusPending:   true,
	},
}

// ErrAborted is reported by processors cancelled before completion.
var ErrAborted = errors.New("processor aborted")

// Processor is one request travelling through the flow controller. The
// identity fields are immutable after Submit; everything else is read
// through accessors. Consumers wait on Done (or Wait) and then read Result
// and Err.
type Processor struct {
	ID             string
	SessionID      string
	ConversationID string
	Priority       Priority

	// Payload is the work item handed to the dispatch function, opaque to
	// the scheduler.
	Payload any

	// ctx governs both the queue wait and the dispatch call; cancel fires
	// on Cancel, conversation cancellation, sweeps, and terminal states.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	status      Status
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	retryCount  int
	result      any
	err         error

	done chan struct{}
}

func newProcessor(ctx context.Context, req Request, priority Priority, at time.Time) *Processor {
	pctx, cancel := context.WithCancel(ctx)
	return &Processor{
		ID:             req.RequestID,
		SessionID:      req.SessionID,
		ConversationID: req.ConversationID,
		Priority:       priority,
		Payload:        req.Payload,
		ctx:            pctx,
		cancel:         cancel,
		status:         StatusPending,
		createdAt:      at,
		done:           make(chan struct{}),
	}
}

// Context returns the processor's lifetime context.
func (p *Processor) Context() context.Context { return p.ctx }

// Done closes when the processor reaches a terminal status.
func (p *Processor) Done() <-chan struct{} { return p.done }

// Wait blocks until the processor terminates or ctx expires, returning the
// processor's error in the first case.
func (p *Processor) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the current lifecycle status.
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Result is the dispatch function's return value, valid once Done closes on
// a completed processor.
func (p *Processor) Result() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Err is the terminal error, nil for completed processors.
func (p *Processor) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// RetryCount is the number of re-enqueues so far.
func (p *Processor) RetryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retryCount
}

// CreatedAt is when Submit accepted the processor.
func (p *Processor) CreatedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createdAt
}

// StartedAt is when the latest dispatch attempt began, zero while pending.
func (p *Processor) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// CompletedAt is when the processor reached a terminal status.
func (p *Processor) CompletedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completedAt
}

// advance moves the processor to the next status, failing on any move the
// transition table does not allow.
func (p *Processor) advance(to Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.advanceLocked(to)
}

// finish performs the terminal transition and stores the outcome
// atomically, so a reader woken by Done never sees a half-written result.
func (p *Processor) finish(to Status, result any, err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err2 := p.advanceLocked(to); err2 != nil {
		return err2
	}
	p.result, p.err = result, err
	return nil
}

func (p *Processor) advanceLocked(to Status) error {
	if !transitions[p.status][to] {
		return fmt.Errorf("processor %s: illegal status transition from %s to %s", p.ID, p.status, to)
	}
	from := p.status
	p.status = to
	switch {
	case to == StatusProcessing:
		p.startedAt = time.Now()
	case to == StatusPending && from == StatusProcessing:
		p.retryCount++
	case to.Terminal():
		p.completedAt = time.Now()
		close(p.done)
	}
	return nil
}
