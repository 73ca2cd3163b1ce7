// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package compat

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// fixFunc repairs one provider quirk. Input may or may not exhibit the
// defect; output satisfies the corresponding invariant. Every fixFunc is
// idempotent. A body sjson cannot edit is returned unchanged; the
// transformer downstream reports it as a protocol error with more context
// than this layer has.
type fixFunc func(body []byte) []byte

// setOptions skips sjson's pessimistic re-validation; bodies here already
// passed the protocol layer's JSON framing.
var setOptions = &sjson.Options{Optimistic: true}

// fixMissingID fills an absent or empty id with a fresh chatcmpl id.
func fixMissingID(body []byte) []byte {
	if gjson.GetBytes(body, "id").String() != "" {
		return body
	}
	out, err := sjson.SetBytesOptions(body, "id", "chatcmpl-"+uuid.NewString(), setOptions)
	if err != nil {
		return body
	}
	return out
}

// fixMissingCreated fills an absent or zero created timestamp and truncates
// the fractional timestamps some local servers emit.
func fixMissingCreated(body []byte) []byte {
	created := gjson.GetBytes(body, "created")
	v := created.Float()
	if created.Exists() && v != 0 && v == math.Trunc(v) {
		return body
	}
	stamp := int64(v)
	if stamp == 0 {
		stamp = time.Now().Unix()
	}
	out, err := sjson.SetBytesOptions(body, "created", stamp, setOptions)
	if err != nil {
		return body
	}
	return out
}

// fixMissingObject fills an absent object discriminator.
func fixMissingObject(body []byte) []byte {
	if gjson.GetBytes(body, "object").String() != "" {
		return body
	}
	out, err := sjson.SetBytesOptions(body, "object", "chat.completion", setOptions)
	if err != nil {
		return body
	}
	return out
}

// fixMissingUsage guarantees a usage block with all three token fields.
// Absent counters become zero; an absent total becomes the sum.
func fixMissingUsage(body []byte) []byte {
	usage := gjson.GetBytes(body, "usage")
	prompt := usage.Get("prompt_tokens")
	completion := usage.Get("completion_tokens")
	total := usage.Get("total_tokens")
	if prompt.Exists() && completion.Exists() && total.Exists() {
		return body
	}
	out := body
	var err error
	if !prompt.Exists() {
		if out, err = sjson.SetBytesOptions(out, "usage.prompt_tokens", 0, setOptions); err != nil {
			return body
		}
	}
	if !completion.Exists() {
		if out, err = sjson.SetBytesOptions(out, "usage.completion_tokens", 0, setOptions); err != nil {
			return body
		}
	}
	if !total.Exists() {
		sum := prompt.Int() + completion.Int()
		if out, err = sjson.SetBytesOptions(out, "usage.total_tokens", sum, setOptions); err != nil {
			return body
		}
	}
	return out
}

// fixChoicesArray rebuilds the choices array when a provider answered with
// a bare top-level message or text instead, and normalises null choices to
// an empty array.
func fixChoicesArray(body []byte) []byte {
	if gjson.GetBytes(body, "choices").IsArray() {
		return body
	}
	if msg := gjson.GetBytes(body, "message"); msg.IsObject() {
		finish := gjson.GetBytes(body, "finish_reason").String()
		if finish == "" {
			finish = "stop"
		}
		out, err := sjson.SetRawBytes(body, "choices.0.message", []byte(msg.Raw))
		if err != nil {
			return body
		}
		out, _ = sjson.SetBytesOptions(out, "choices.0.index", 0, setOptions)
		out, _ = sjson.SetBytesOptions(out, "choices.0.finish_reason", finish, setOptions)
		out, _ = sjson.DeleteBytes(out, "message")
		out, _ = sjson.DeleteBytes(out, "finish_reason")
		return out
	}
	if text := gjson.GetBytes(body, "text"); text.Type == gjson.String {
		out, err := sjson.SetBytesOptions(body, "choices.0.message.role", "assistant", setOptions)
		if err != nil {
			return body
		}
		out, _ = sjson.SetBytesOptions(out, "choices.0.message.content", text.String(), setOptions)
		out, _ = sjson.SetBytesOptions(out, "choices.0.index", 0, setOptions)
		out, _ = sjson.SetBytesOptions(out, "choices.0.finish_reason", "stop", setOptions)
		out, _ = sjson.DeleteBytes(out, "text")
		return out
	}
	out, err := sjson.SetRawBytes(body, "choices", []byte("[]"))
	if err != nil {
		return body
	}
	return out
}

// fixToolCallsFormat normalises tool call entries: missing ids, missing
// type discriminators and object-valued arguments that should have been a
// JSON string.
func fixToolCallsFormat(body []byte) []byte {
	for i, choice := range gjson.GetBytes(body, "choices").Array() {
		for j, call := range choice.Get("message.tool_calls").Array() {
			prefix := fmt.Sprintf("choices.%d.message.tool_calls.%d", i, j)
			if call.Get("id").String() == "" {
				body, _ = sjson.SetBytesOptions(body, prefix+".id", "call_"+uuid.NewString(), setOptions)
			}
			if call.Get("type").String() == "" {
				body, _ = sjson.SetBytesOptions(body, prefix+".type", "function", setOptions)
			}
			if args := call.Get("function.arguments"); args.IsObject() {
				body, _ = sjson.SetBytesOptions(body, prefix+".function.arguments", args.Raw, setOptions)
			}
		}
	}
	return body
}
