// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/modelmux/modelmux/internal/apierror"
	"github.com/modelmux/modelmux/internal/apischema/anthropic"
	"github.com/modelmux/modelmux/internal/flow"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/pipeline"
)

const (
	headerSessionID      = "x-session-id"
	headerConversationID = "x-conversation-id"
	headerRequestID      = "x-request-id"
	headerPriority       = "x-priority"
)

// identity is the scheduling coordinate of one inbound request.
type identity struct {
	session      string
	conversation string
	request      string
	priority     flow.Priority
}

// requestIdentity resolves ids header-first, then from request metadata,
// then mints fresh ones. Priority follows the header when present,
// otherwise background work drops to low.
func requestIdentity(r *http.Request, meta *anthropic.Metadata) (identity, error) {
	id := identity{
		session:      strings.TrimSpace(r.Header.Get(headerSessionID)),
		conversation: strings.TrimSpace(r.Header.Get(headerConversationID)),
		request:      strings.TrimSpace(r.Header.Get(headerRequestID)),
	}
	if meta != nil {
		if id.session == "" && meta.UserID != nil {
			id.session = *meta.UserID
		}
		if id.conversation == "" && meta.ConversationID != nil {
			id.conversation = *meta.ConversationID
		}
		if id.request == "" && meta.RequestID != nil {
			id.request = *meta.RequestID
		}
	}
	if id.session == "" {
		id.session = uuid.NewString()
	}
	if id.conversation == "" {
		id.conversation = uuid.NewString()
	}
	if id.request == "" {
		id.request = uuid.NewString()
	}

	switch raw := r.Header.Get(headerPriority); {
	case raw != "":
		p, ok := flow.ParsePriority(raw)
		if !ok {
			return id, apierror.New(apierror.KindValidation, "unknown priority %q", raw)
		}
		id.priority = p
	case meta != nil && meta.Background:
		id.priority = flow.PriorityLow
	default:
		id.priority = flow.PriorityMedium
	}
	return id, nil
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, "", apierror.New(apierror.KindValidation, "read request body: %v", err), nil)
		return
	}
	var req anthropic.MessagesRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, "", apierror.New(apierror.KindValidation, "malformed request body: %v", err), nil)
		return
	}
	if err := s.validateRequest(&req); err != nil {
		s.writeError(w, "", err, nil)
		return
	}
	id, err := requestIdentity(r, req.Metadata)
	w.Header().Set(headerRequestID, id.request)
	if err != nil {
		s.writeError(w, id.request, err, nil)
		return
	}

	var m metrics.Messages
	if s.metricsFactory != nil {
		m = s.metricsFactory()
		m.StartRequest()
		m.SetModel(req.Model)
	}

	ctx := r.Context()
	if timeout := s.cfg.RequestTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ex := &pipeline.Exchange{
		RequestID:    id.request,
		Raw:          body,
		Request:      &req,
		ClientStream: req.Stream,
		Trace:        s.tracer.Request(id.request),
		Metrics:      m,
	}
	t := &task{ex: ex, w: w}

	proc, err := s.flow.Submit(ctx, flow.Request{
		SessionID:      id.session,
		ConversationID: id.conversation,
		RequestID:      id.request,
		Priority:       id.priority,
		Payload:        t,
	})
	if err != nil {
		if errors.Is(err, flow.ErrQueueFull) {
			err = apierror.New(apierror.KindRateLimit, "server overloaded: %v", err)
		}
		s.recordCompletion(ctx, m, false)
		s.writeError(w, id.request, err, nil)
		return
	}

	<-proc.Done()
	if err := proc.Err(); err != nil {
		s.recordCompletion(ctx, m, false)
		if t.wrote.Load() {
			// The stream already carried its own terminal error event.
			return
		}
		if errors.Is(err, flow.ErrAborted) {
			switch {
			case r.Context().Err() != nil:
				// Client is gone; there is nobody to answer.
				return
			case errors.Is(ctx.Err(), context.DeadlineExceeded):
				err = apierror.New(apierror.KindUpstreamTimeout, "request timed out")
			default:
				err = apierror.New(apierror.KindInternal, "request aborted before completion")
			}
		}
		s.writeError(w, id.request, err, ex.ErrorEnvelope)
		return
	}

	if m != nil {
		u := ex.Usage
		m.RecordTokenUsage(ctx, u.InputTokens, u.OutputTokens, u.TotalTokens)
		m.RecordRequestCompletion(ctx, true)
	}
	if t.wrote.Load() {
		return
	}
	if ex.Response == nil {
		s.writeError(w, id.request, apierror.New(apierror.KindInternal, "pipeline produced no response"), nil)
		return
	}
	writeJSON(w, http.StatusOK, ex.Response)
}

func (s *Server) recordCompletion(ctx context.Context, m metrics.Messages, success bool) {
	if m != nil {
		m.RecordRequestCompletion(ctx, success)
	}
}

// validateRequest runs the struct constraints, role enumeration, and tool
// schema compilation. All failures are client errors.
func (s *Server) validateRequest(req *anthropic.MessagesRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return apierror.New(apierror.KindValidation, "invalid request: %s", firstViolation(err))
	}
	for i := range req.Messages {
		switch req.Messages[i].Role {
		case anthropic.MessageRoleUser, anthropic.MessageRoleAssistant, anthropic.MessageRoleSystem:
		default:
			return apierror.New(apierror.KindValidation, "messages[%d]: unknown role %q", i, req.Messages[i].Role)
		}
	}
	for i := range req.Tools {
		if err := compileToolSchema(req.Tools[i].InputSchema); err != nil {
			return apierror.New(apierror.KindValidation, "tools[%d] (%s): input_schema is not a valid JSON schema: %v",
				i, req.Tools[i].Name, err)
		}
	}
	return nil
}

// compileToolSchema rejects tool declarations whose input_schema no
// downstream translator could honor.
func compileToolSchema(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("tool.json", doc); err != nil {
		return err
	}
	_, err = c.Compile("tool.json")
	return err
}

func firstViolation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	v := verrs[0]
	switch v.Tag() {
	case "required":
		return v.Field() + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", v.Field(), v.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", v.Field(), v.Param())
	default:
		return fmt.Sprintf("%s fails the %s constraint", v.Field(), v.Tag())
	}
}

// task is the flow payload: the exchange plus the response writer the
// streaming path writes to from the dispatch goroutine. The handler
// goroutine blocks on the processor until dispatch finishes, so exactly one
// goroutine touches the writer at any time.
type task struct {
	ex *pipeline.Exchange
	w  http.ResponseWriter
	// wrote flips once any stream byte reaches the client; from then on the
	// request can never be replayed and the handler must not write.
	wrote    atomic.Bool
	attempts int
}

// dispatch runs one flow attempt: route, execute, and for streaming
// requests the full SSE write. Returning after bytes went out is the point
// of no return, so replays are refused up front.
func (s *Server) dispatch(ctx context.Context, p *flow.Processor) (any, error) {
	t, ok := p.Payload.(*task)
	if !ok {
		return nil, apierror.New(apierror.KindInternal, "unexpected flow payload %T", p.Payload)
	}
	if t.wrote.Load() {
		return nil, apierror.New(apierror.KindInternal, "stream already started; request cannot be replayed").WithRequestID(t.ex.RequestID)
	}
	if t.attempts > 0 {
		t.ex.Reset()
	}
	t.attempts++

	if err := s.router.Dispatch(ctx, t.ex); err != nil {
		return nil, err
	}
	if t.ex.Events != nil {
		if err := t.writeStream(ctx); err != nil {
			return nil, err
		}
	}
	return t.ex, nil
}

// writeStream relays canonical events as server-sent events, flushing per
// event. A failure mid-stream emits a final error event; the returned error
// carries no upstream status or transport hint, so it classifies terminal
// and the attempt is never replayed.
func (t *task) writeStream(ctx context.Context) error {
	h := t.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	t.w.WriteHeader(http.StatusOK)
	t.wrote.Store(true)
	flusher, _ := t.w.(http.Flusher)

	var deltas uint32
	for item := range t.ex.Events {
		if item.Err != nil {
			e := apierror.AsError(item.Err)
			_ = t.writeEvent(anthropic.NewErrorEvent(e.AnthropicType(), e.Message), flusher)
			return apierror.Wrap(apierror.KindInternal, item.Err, "stream ended early after an upstream failure").WithRequestID(t.ex.RequestID)
		}
		if err := t.writeEvent(item.Event, flusher); err != nil {
			return apierror.Wrap(apierror.KindInternal, err, "client write failed mid-stream").WithRequestID(t.ex.RequestID)
		}
		if t.ex.Metrics != nil {
			if _, ok := item.Event.(*anthropic.ContentBlockDeltaEvent); ok {
				deltas++
				t.ex.Metrics.RecordTokenLatency(ctx, deltas)
			}
		}
	}
	return nil
}

func (t *task) writeEvent(ev anthropic.StreamEvent, flusher http.Flusher) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", ev.EventType(), data); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}
