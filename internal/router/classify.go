// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package router

import (
	"strings"

	"github.com/modelmux/modelmux/internal/apierror"
)

// Recoverability classifies a failed attempt for the failover loop.
type Recoverability int

const (
	// Terminal errors surface to the client immediately; the pipeline keeps
	// its standing.
	Terminal Recoverability = iota
	// NonRecoverable errors blacklist the pipeline and switch to the next
	// one on the route.
	NonRecoverable
	// Recoverable errors put the pipeline in cooldown and retry while the
	// budget lasts.
	Recoverable
)

func (r Recoverability) String() string {
	switch r {
	case NonRecoverable:
		return "non_recoverable"
	case Recoverable:
		return "recoverable"
	default:
		return "terminal"
	}
}

// recoverableHints mark transport-level failures that a different pipeline,
// or the same one after a cooldown, can plausibly serve.
var recoverableHints = []string{"timeout", "deadline exceeded", "connection refused"}

// Classify decides what the failover loop does with a failed attempt. The
// upstream status code wins when present; otherwise the error kind decides,
// with a message scan for transport failures wrapped in generic kinds.
// Anything unrecognized is terminal so unknown failures surface instead of
// burning the retry budget.
func Classify(err *apierror.Error) Recoverability {
	switch status := err.UpstreamStatus; {
	case status == 400, status == 413, status == 414, status == 415:
		return Terminal
	case status == 401, status == 403, status == 404, status == 500:
		return NonRecoverable
	case status == 408, status == 429:
		return Recoverable
	case status > 500:
		return Recoverable
	case status >= 400:
		return Terminal
	}

	switch err.Kind {
	case apierror.KindValidation, apierror.KindTransform,
		apierror.KindConfiguration, apierror.KindRouting:
		return Terminal
	case apierror.KindAuth:
		return NonRecoverable
	case apierror.KindRateLimit, apierror.KindUpstreamTimeout,
		apierror.KindUpstreamServer, apierror.KindUpstreamProtocol:
		return Recoverable
	}

	msg := strings.ToLower(err.Message)
	for _, hint := range recoverableHints {
		if strings.Contains(msg, hint) {
			return Recoverable
		}
	}
	return Terminal
}
