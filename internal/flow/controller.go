// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package flow schedules inbound requests through a session, conversation,
// processor tree: conversations run their processors strictly one at a
// time in priority order, sessions isolate clients from each other, and an
// idle sweeper reclaims abandoned branches.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelmux/modelmux/internal/apierror"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/router"
)

// ErrQueueFull rejects a Submit that would exceed a capacity cap. Existing
// entries are never displaced to make room.
var ErrQueueFull = errors.New("queue full")

// DispatchFunc executes one processor. The context fires when the client
// disconnects or the processor is cancelled.
type DispatchFunc func(ctx context.Context, p *Processor) (any, error)

// Request is the intake form for Submit.
type Request struct {
	SessionID      string
	ConversationID string
	RequestID      string
	Priority       Priority
	Payload        any
}

// Controller is the scheduler root. The sessions map is guarded by mu;
// everything below a session is guarded by that session's own lock, so
// traffic on one session never contends with another. The only nesting is
// taking mu inside a session lock, never the reverse.
type Controller struct {
	dispatch DispatchFunc
	logger   *slog.Logger
	now      func() time.Time

	maxSessions      int
	maxConversations int
	maxRequests      int
	maxRetries       int
	backoffBase      time.Duration
	sessionIdle      time.Duration
	conversationIdle time.Duration
	sweepInterval    time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	procs    map[string]*Processor

	completed atomic.Int64
	failed    atomic.Int64
	aborted   atomic.Int64
	retried   atomic.Int64
}

type session struct {
	id string

	mu            sync.Mutex
	conversations map[string]*conversation
	lastActive    time.Time
	// gone marks a session the sweeper removed; a Submit that raced the
	// sweep drops it and starts over.
	gone bool
}

// conversation holds one FIFO per priority. All fields are guarded by the
// owning session's lock.
type conversation struct {
	id      string
	buckets [3][]*Processor
	// inflight is the single processor allowed in processing status.
	inflight   *Processor
	running    bool
	lastActive time.Time
}

var bucketOrder = [3]Priority{PriorityHigh, PriorityMedium, PriorityLow}

func bucketIndex(pr Priority) int {
	switch pr {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

func (cv *conversation) depth() int {
	return len(cv.buckets[0]) + len(cv.buckets[1]) + len(cv.buckets[2])
}

func (cv *conversation) push(p *Processor) {
	i := bucketIndex(p.Priority)
	cv.buckets[i] = append(cv.buckets[i], p)
}

// pushFront puts a retried processor ahead of its bucket so it runs before
// every waiter of the same priority.
func (cv *conversation) pushFront(p *Processor) {
	i := bucketIndex(p.Priority)
	cv.buckets[i] = append([]*Processor{p}, cv.buckets[i]...)
}

func (cv *conversation) pop() *Processor {
	for i := range cv.buckets {
		if len(cv.buckets[i]) == 0 {
			continue
		}
		p := cv.buckets[i][0]
		cv.buckets[i] = cv.buckets[i][1:]
		return p
	}
	return nil
}

func (cv *conversation) drain() []*Processor {
	var out []*Processor
	for i := range cv.buckets {
		out = append(out, cv.buckets[i]...)
		cv.buckets[i] = nil
	}
	return out
}

// New builds a controller around the dispatch function. Zero config fields
// fall back to the package defaults so hand-built configs behave like
// loaded ones.
func New(cfg config.FlowConfig, dispatch DispatchFunc, logger *slog.Logger) *Controller {
	if dispatch == nil {
		panic("flow: dispatch function is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		dispatch:         dispatch,
		logger:           logger,
		now:              time.Now,
		maxSessions:      intOr(cfg.MaxSessions, config.DefaultMaxSessions),
		maxConversations: intOr(cfg.MaxConversationsPerSession, config.DefaultMaxConversationsPerSession),
		maxRequests:      intOr(cfg.MaxRequestsPerConversation, config.DefaultMaxRequestsPerConversation),
		maxRetries:       intOr(cfg.MaxRequestRetries, config.DefaultMaxRequestRetries),
		backoffBase:      msOr(cfg.RetryBackoffBaseMillis, config.DefaultRetryBackoffBaseMillis),
		sessionIdle:      msOr(cfg.SessionIdleMillis, config.DefaultSessionIdleMillis),
		conversationIdle: msOr(cfg.ConversationIdleMillis, config.DefaultConversationIdleMillis),
		sweepInterval:    msOr(cfg.SweepIntervalMillis, config.DefaultSweepIntervalMillis),
		sessions:         make(map[string]*session),
		procs:            make(map[string]*Processor),
	}
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func msOr(v, def int64) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Millisecond
}

// Submit queues one request. Capacity is checked on every level before
// anything is created, and a full queue never displaces existing entries.
// The returned processor terminates through completion, failure, abort, or
// ctx expiry.
func (c *Controller) Submit(ctx context.Context, req Request) (*Processor, error) {
	if req.SessionID == "" || req.ConversationID == "" || req.RequestID == "" {
		return nil, fmt.Errorf("flow: session, conversation and request ids are required")
	}
	priority := req.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if _, ok := ParsePriority(string(priority)); !ok {
		return nil, fmt.Errorf("flow: unknown priority %q", priority)
	}

	for {
		sess, err := c.lookupSession(req.SessionID)
		if err != nil {
			return nil, err
		}

		sess.mu.Lock()
		if sess.gone {
			sess.mu.Unlock()
			c.dropSession(sess)
			continue
		}
		conv, ok := sess.conversations[req.ConversationID]
		if !ok {
			if len(sess.conversations) >= c.maxConversations {
				sess.mu.Unlock()
				return nil, fmt.Errorf("session %s conversations at capacity (%d): %w",
					req.SessionID, c.maxConversations, ErrQueueFull)
			}
			conv = &conversation{id: req.ConversationID, lastActive: c.now()}
			sess.conversations[req.ConversationID] = conv
		}
		occupancy := conv.depth()
		if conv.inflight != nil {
			occupancy++
		}
		if occupancy >= c.maxRequests {
			sess.mu.Unlock()
			return nil, fmt.Errorf("conversation %s queue at capacity (%d): %w",
				req.ConversationID, c.maxRequests, ErrQueueFull)
		}

		p := newProcessor(ctx, req, priority, c.now())
		conv.push(p)
		now := c.now()
		conv.lastActive, sess.lastActive = now, now
		c.register(p)
		if !conv.running {
			conv.running = true
			go c.drive(sess, conv)
		}
		sess.mu.Unlock()
		return p, nil
	}
}

func (c *Controller) lookupSession(sid string) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.sessions[sid]; ok {
		return sess, nil
	}
	if len(c.sessions) >= c.maxSessions {
		return nil, fmt.Errorf("sessions at capacity (%d): %w", c.maxSessions, ErrQueueFull)
	}
	sess := &session{
		id:            sid,
		conversations: make(map[string]*conversation),
		lastActive:    c.now(),
	}
	c.sessions[sid] = sess
	return sess, nil
}

func (c *Controller) dropSession(sess *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[sess.id] == sess {
		delete(c.sessions, sess.id)
	}
}

func (c *Controller) register(p *Processor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.procs[p.ID] = p
}

func (c *Controller) unregister(p *Processor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.procs[p.ID] == p {
		delete(c.procs, p.ID)
	}
}

// drive is the conversation's dispatch loop. Exactly one runs per
// conversation while its queue is non-empty.
func (c *Controller) drive(sess *session, conv *conversation) {
	for {
		p := c.next(sess, conv)
		if p == nil {
			return
		}
		c.execute(sess, conv, p)
		c.clearInflight(sess, conv)
	}
}

// next pops the highest-priority pending processor and makes it the
// conversation's single inflight slot. Returning nil also parks the loop.
func (c *Controller) next(sess *session, conv *conversation) *Processor {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for {
		p := conv.pop()
		if p == nil {
			conv.inflight = nil
			conv.running = false
			return nil
		}
		if p.Status() != StatusPending {
			continue
		}
		conv.inflight = p
		return p
	}
}

func (c *Controller) clearInflight(sess *session, conv *conversation) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	conv.inflight = nil
	now := c.now()
	conv.lastActive, sess.lastActive = now, now
}

func (c *Controller) execute(sess *session, conv *conversation, p *Processor) {
	if p.ctx.Err() != nil {
		c.abort(p)
		return
	}
	if err := p.advance(StatusProcessing); err != nil {
		// Cancelled between the pop and here; the canceller owned the
		// terminal transition.
		c.unregister(p)
		return
	}

	result, err := c.dispatch(p.ctx, p)
	switch {
	case err == nil:
		if p.finish(StatusCompleted, result, nil) == nil {
			c.completed.Add(1)
		}
	case p.ctx.Err() != nil:
		c.abort(p)
		return
	case c.shouldRetry(p, err):
		c.retried.Add(1)
		if c.backoffWait(p) {
			if p.advance(StatusPending) == nil {
				c.requeue(sess, conv, p)
				return
			}
		}
		c.abort(p)
		return
	default:
		if p.finish(StatusFailed, nil, err) == nil {
			c.failed.Add(1)
		}
	}
	c.unregister(p)
	p.cancel()
}

func (c *Controller) abort(p *Processor) {
	if p.finish(StatusAborted, nil, ErrAborted) == nil {
		c.aborted.Add(1)
	}
	c.unregister(p)
	p.cancel()
}

// shouldRetry re-enqueues only failures the failover loop itself considers
// recoverable, while retries remain.
func (c *Controller) shouldRetry(p *Processor, err error) bool {
	if p.RetryCount() >= c.maxRetries {
		return false
	}
	return router.Classify(apierror.AsError(err)) == router.Recoverable
}

// backoffWait sleeps backoffBase*2^retryCount, reporting false when the
// processor was cancelled instead.
func (c *Controller) backoffWait(p *Processor) bool {
	timer := time.NewTimer(c.backoffBase << p.RetryCount())
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (c *Controller) requeue(sess *session, conv *conversation, p *Processor) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	conv.pushFront(p)
	conv.lastActive = c.now()
}

// Cancel aborts the processor. Pending processors terminate immediately;
// processing ones have their context cancelled and terminate when the
// dispatch call returns. Unknown ids report false.
func (c *Controller) Cancel(processorID string) bool {
	c.mu.Lock()
	p, ok := c.procs[processorID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.cancel()
	if p.finish(StatusAborted, nil, ErrAborted) == nil {
		c.aborted.Add(1)
		c.unregister(p)
	}
	return true
}

// CancelConversation aborts every queued processor of the conversation in
// every session carrying that id, and cancels the inflight one.
func (c *Controller) CancelConversation(conversationID string) int {
	cancelled := 0
	for _, sess := range c.sessionList() {
		var queued []*Processor
		var inflight *Processor
		sess.mu.Lock()
		if conv, ok := sess.conversations[conversationID]; ok {
			queued = conv.drain()
			inflight = conv.inflight
		}
		sess.mu.Unlock()

		for _, p := range queued {
			p.cancel()
			if p.finish(StatusAborted, nil, ErrAborted) == nil {
				c.aborted.Add(1)
				cancelled++
			}
			c.unregister(p)
		}
		if inflight != nil {
			inflight.cancel()
			cancelled++
		}
	}
	return cancelled
}

func (c *Controller) sessionList() []*session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// Run drives the idle sweeper until ctx fires.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes conversations and sessions idle past their deadlines.
// Conversations with a live dispatch loop are never touched; queued
// processors of a removed conversation abort.
func (c *Controller) sweep() {
	now := c.now()
	for _, sess := range c.sessionList() {
		var orphans []*Processor

		sess.mu.Lock()
		for cid, conv := range sess.conversations {
			if conv.running || conv.inflight != nil {
				continue
			}
			if now.Sub(conv.lastActive) < c.conversationIdle {
				continue
			}
			orphans = append(orphans, conv.drain()...)
			delete(sess.conversations, cid)
		}
		if len(sess.conversations) == 0 && now.Sub(sess.lastActive) >= c.sessionIdle {
			sess.gone = true
		}
		gone := sess.gone
		sess.mu.Unlock()

		for _, p := range orphans {
			p.cancel()
			if p.finish(StatusAborted, nil, ErrAborted) == nil {
				c.aborted.Add(1)
			}
			c.unregister(p)
		}
		if gone {
			c.dropSession(sess)
		}
	}
}

// Stats is the scheduler snapshot served by the stats endpoint.
type Stats struct {
	Sessions      int              `json:"sessions"`
	Conversations int              `json:"conversations"`
	Pending       int              `json:"pending"`
	Processing    int              `json:"processing"`
	Completed     int64            `json:"completed"`
	Failed        int64            `json:"failed"`
	Aborted       int64            `json:"aborted"`
	Retried       int64            `json:"retried"`
	QueueDepths   map[Priority]int `json:"queueDepths"`
}

// Stats walks the live tree and merges it with the lifetime counters.
func (c *Controller) Stats() Stats {
	st := Stats{
		QueueDepths: map[Priority]int{PriorityHigh: 0, PriorityMedium: 0, PriorityLow: 0},
		Completed:   c.completed.Load(),
		Failed:      c.failed.Load(),
		Aborted:     c.aborted.Load(),
		Retried:     c.retried.Load(),
	}
	sessions := c.sessionList()
	st.Sessions = len(sessions)
	for _, sess := range sessions {
		sess.mu.Lock()
		st.Conversations += len(sess.conversations)
		for _, conv := range sess.conversations {
			if conv.inflight != nil {
				st.Processing++
			}
			for i := range conv.buckets {
				n := 0
				for _, p := range conv.buckets[i] {
					if p.Status() == StatusPending {
						n++
					}
				}
				st.Pending += n
				st.QueueDepths[bucketOrder[i]] += n
			}
		}
		sess.mu.Unlock()
	}
	return st
}
