// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package debugtrace dumps per-request JSON trace files, one per layer
// transition, when debug mode is enabled. Traces are an operator aid: a
// failure to write one is logged at warn level and never fails the request.
package debugtrace

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"
)

// Direction tells whether a payload was flowing toward the upstream or back
// toward the client.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// Entry is the on-disk shape of one trace file.
type Entry struct {
	RequestID string    `json:"requestId"`
	Layer     string    `json:"layer"`
	Direction Direction `json:"direction"`
	Timestamp time.Time `json:"timestamp"`
	// Payload must marshal without cycles. Layers pass wire bodies as
	// json.RawMessage and runtime objects as flat snapshots of primitive
	// fields and ids.
	Payload any `json:"payload"`
	// MarshalError is set instead of Payload when the payload could not be
	// serialized.
	MarshalError string `json:"marshalError,omitempty"`
}

// Tracer writes trace files under {logDir}/{port}/{date}/. The zero value
// and nil are both inert.
type Tracer struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Tracer rooted at logDir/port, or nil when disabled. A nil
// Tracer is valid and records nothing.
func New(enabled bool, logDir string, port int, logger *slog.Logger) *Tracer {
	if !enabled {
		return nil
	}
	return &Tracer{
		root:   filepath.Join(logDir, strconv.Itoa(port)),
		logger: logger,
		now:    time.Now,
	}
}

// Enabled reports whether the tracer records anything.
func (t *Tracer) Enabled() bool { return t != nil }

// Request returns the per-request trace handle. Safe on a nil Tracer.
func (t *Tracer) Request(requestID string) *RequestTrace {
	if t == nil {
		return nil
	}
	return &RequestTrace{tracer: t, requestID: requestID}
}

// RequestTrace numbers the layer transitions of one request so files sort in
// transition order. Safe for concurrent use; nil records nothing.
type RequestTrace struct {
	tracer    *Tracer
	requestID string
	seq       atomic.Int64
}

// Record writes one trace file for a layer transition. Errors are logged and
// swallowed.
func (rt *RequestTrace) Record(layer string, direction Direction, payload any) {
	if rt == nil {
		return
	}
	t := rt.tracer
	now := t.now()
	entry := Entry{
		RequestID: rt.requestID,
		Layer:     layer,
		Direction: direction,
		Timestamp: now,
		Payload:   payload,
	}
	data, err := json.MarshalIndent(&entry, "", "  ")
	if err != nil {
		// Cyclic or otherwise unserializable payloads degrade to a stub so
		// the transition is still visible on disk.
		entry.Payload = nil
		entry.MarshalError = fmt.Sprintf("%T: %v", payload, err)
		if data, err = json.MarshalIndent(&entry, "", "  "); err != nil {
			t.logger.Warn("debug trace serialization failed",
				slog.String("requestId", rt.requestID),
				slog.String("layer", layer),
				slog.String("error", err.Error()))
			return
		}
	}

	dir := filepath.Join(t.root, now.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.logger.Warn("cannot create debug trace directory",
			slog.String("dir", dir),
			slog.String("error", err.Error()))
		return
	}
	name := fmt.Sprintf("%s_%s_%03d_%s_%s.json",
		now.Format("150405.000"), rt.requestID, rt.seq.Add(1), layer, direction)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil { // #nosec G306: traces are operator-readable diagnostics
		t.logger.Warn("cannot write debug trace file",
			slog.String("file", name),
			slog.String("error", err.Error()))
	}
}
