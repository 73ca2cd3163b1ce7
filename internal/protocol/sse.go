// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package protocol

import (
	"bufio"
	"bytes"
	"io"

	"github.com/modelmux/modelmux/internal/apierror"
)

var (
	eventPrefix = []byte("event:")
	dataPrefix  = []byte("data:")
	doneData    = []byte("[DONE]")

	frameSepLF   = []byte("\n\n")
	frameSepCRLF = []byte("\n\r\n")
)

const (
	// initialFrameBuffer sizes the scanner buffer most frames fit in.
	initialFrameBuffer = 64 << 10
	// maxFrameSize caps a single frame; tool arguments and inline media
	// can run large.
	maxFrameSize = 10 << 20
)

// Frame is one decoded server-sent event.
type Frame struct {
	// Event is the event field, empty when the server sent none.
	Event string
	// Data is the data payload. Multiple data lines concatenate.
	Data []byte
	// Done marks the [DONE] sentinel that ends chat completions streams.
	Done bool
}

// WriteTo encodes the frame in wire form. Frames with Done set encode the
// [DONE] sentinel regardless of Data.
func (f Frame) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	if f.Event != "" {
		buf.WriteString("event: ")
		buf.WriteString(f.Event)
		buf.WriteByte('\n')
	}
	buf.WriteString("data: ")
	if f.Done {
		buf.Write(doneData)
	} else {
		buf.Write(f.Data)
	}
	buf.WriteString("\n\n")
	return buf.WriteTo(w)
}

// ScanSSE is a bufio.SplitFunc that tokenizes a server-sent event stream
// into frame blocks. Frames end at a blank line; LF and CRLF line endings
// both count. A trailing block without its blank line is returned at EOF.
func ScanSSE(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if frame, n, ok := cutFrame(data); ok {
		return n, frame, nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// cutFrame finds the first blank line. Lines may end in \n or \r\n, so the
// separator is "\n\n" or "\n\r\n"; any \r left at the end of a line is
// stripped by ParseFrame.
func cutFrame(data []byte) (frame []byte, advance int, ok bool) {
	lf := bytes.Index(data, frameSepLF)
	crlf := bytes.Index(data, frameSepCRLF)
	switch {
	case lf < 0 && crlf < 0:
		return nil, 0, false
	case crlf < 0 || (lf >= 0 && lf < crlf):
		return data[:lf], lf + len(frameSepLF), true
	default:
		return data[:crlf], crlf + len(frameSepCRLF), true
	}
}

// ParseFrame decodes one frame block produced by ScanSSE. Comment lines and
// unknown fields are skipped per the SSE grammar. A data line with no space
// after the colon is accepted, and data split across multiple lines is
// concatenated the way Anthropic streams it.
func ParseFrame(block []byte) Frame {
	var f Frame
	for line := range bytes.SplitSeq(block, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if after, ok := bytes.CutPrefix(line, eventPrefix); ok {
			f.Event = string(bytes.TrimSpace(after))
		} else if after, ok := bytes.CutPrefix(line, dataPrefix); ok {
			f.Data = append(f.Data, bytes.TrimSpace(after)...)
		}
	}
	if bytes.Equal(f.Data, doneData) {
		return Frame{Event: f.Event, Done: true}
	}
	return f
}

// FrameScanner reads decoded frames off an upstream response body.
type FrameScanner struct {
	sc        *bufio.Scanner
	done      bool
	frames    int
	discarded []byte
}

// NewFrameScanner wraps the response body of a streaming exchange.
func NewFrameScanner(r io.Reader) *FrameScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, initialFrameBuffer), maxFrameSize)
	sc.Split(ScanSSE)
	return &FrameScanner{sc: sc}
}

// Next returns the next data-bearing frame. io.EOF ends the stream, whether
// the upstream sent the [DONE] sentinel or simply closed the body. A body
// that never frames as SSE comes back as an upstream protocol error; read
// errors pass through unchanged.
func (s *FrameScanner) Next() (Frame, error) {
	if s.done {
		return Frame{}, io.EOF
	}
	for s.sc.Scan() {
		block := s.sc.Bytes()
		frame := ParseFrame(block)
		if frame.Done {
			s.done = true
			return Frame{}, io.EOF
		}
		if len(frame.Data) == 0 {
			if s.frames == 0 && s.discarded == nil && !looksLikeSSE(block) {
				if trimmed := bytes.TrimSpace(block); len(trimmed) > 0 {
					s.discarded = bytes.Clone(trimmed)
				}
			}
			continue
		}
		s.frames++
		return frame, nil
	}
	s.done = true
	if err := s.sc.Err(); err != nil {
		return Frame{}, err
	}
	if s.frames == 0 && len(s.discarded) > 0 {
		return Frame{}, apierror.New(apierror.KindUpstreamProtocol,
			"upstream answered a streaming request with a non-SSE body: %s", sampleText(s.discarded))
	}
	return Frame{}, io.EOF
}

// looksLikeSSE reports whether the block carries at least one line the SSE
// grammar recognizes, telling keepalive comments and field-only frames
// apart from plain JSON or HTML error bodies.
func looksLikeSSE(block []byte) bool {
	for line := range bytes.SplitSeq(block, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 {
			continue
		}
		if line[0] == ':' {
			return true
		}
		name, _, _ := bytes.Cut(line, []byte(":"))
		switch string(name) {
		case "data", "event", "id", "retry":
			return true
		}
	}
	return false
}

// sampleText renders the head of a discarded body for an error message.
func sampleText(b []byte) string {
	const limit = 200
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
