// Package agentproc runs the coding-agent subprocess and decodes its
// newline-delimited JSON event stream.
package agentproc

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"sync/atomic"
)

// Event is one line of the agent's stdout stream. Unknown variants decode
// with Kind preserved so detectors can still count them; unknown fields are
// ignored.
type Event struct {
	Kind   string          `json:"type"`
	Tool   string          `json:"tool,omitempty"`
	CallID string          `json:"call_id,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Text   string          `json:"text,omitempty"`
	// Tokens carries usage on message records.
	Tokens int64 `json:"tokens,omitempty"`
	// SessionID appears on session-level events.
	SessionID string `json:"session_id,omitempty"`
	// Raw is the original line, for diagnostics.
	Raw string `json:"-"`
}

// Well-known event kinds. The stream may carry others; they pass through.
const (
	KindToolStart    = "tool.start"
	KindToolProgress = "tool.progress"
	KindToolEnd      = "tool.end"
	KindText         = "text"
	KindMessage      = "message"
	KindResult       = "result"
)

// finalMarkerPrefix starts the last-line structured result: RALPH_<KIND>:<json>.
const finalMarkerPrefix = "RALPH_"

// ParseFinalMarker extracts the structured result from a final marker line.
// Returns ok=false when the line is not a marker.
func ParseFinalMarker(line string) (kind string, payload json.RawMessage, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, finalMarkerPrefix) {
		return "", nil, false
	}
	rest := line[len(finalMarkerPrefix):]
	name, body, found := strings.Cut(rest, ":")
	if !found || name == "" {
		return "", nil, false
	}
	for _, r := range name {
		if r != '_' && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", nil, false
		}
	}
	if !json.Valid([]byte(body)) {
		return "", nil, false
	}
	return name, json.RawMessage(body), true
}

// StreamDecoder turns an agent stdout reader into events. Malformed lines
// are dropped and counted; they never halt the stream.
type StreamDecoder struct {
	scanner     *bufio.Scanner
	parseErrors atomic.Int64
	lastLine    string
}

func NewStreamDecoder(r io.Reader) *StreamDecoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &StreamDecoder{scanner: sc}
}

// Next returns the next decoded event, io.EOF at end of stream, or the
// scanner's error. Undecodable lines are skipped.
func (d *StreamDecoder) Next() (Event, error) {
	for d.scanner.Scan() {
		line := strings.TrimSpace(d.scanner.Text())
		if line == "" {
			continue
		}
		d.lastLine = line

		// The final marker is not an event; the caller reads it via LastLine
		// after the stream ends.
		if strings.HasPrefix(line, finalMarkerPrefix) {
			if _, _, ok := ParseFinalMarker(line); ok {
				continue
			}
		}

		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			d.parseErrors.Add(1)
			continue
		}
		ev.Raw = line
		return ev, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// ParseErrors reports how many lines were dropped as malformed.
func (d *StreamDecoder) ParseErrors() int64 { return d.parseErrors.Load() }

// LastLine returns the last non-empty line observed, which carries the final
// marker on a clean agent exit.
func (d *StreamDecoder) LastLine() string { return d.lastLine }
