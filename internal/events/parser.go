// Package events converts agent output lines into typed events and fans
// them out to per-task subscribers.
package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/aluengo/zagal/pkg/models"
)

// wireEvent is the self-describing record shape the agent emits, one JSON
// object per line. Field names vary slightly between agent versions, so
// both spellings are decoded where applicable.
type wireEvent struct {
	Type       string          `json:"type"`
	Tool       string          `json:"tool,omitempty"`
	Name       string          `json:"name,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Content    string          `json:"content,omitempty"`
	Text       string          `json:"text,omitempty"`
	Role       string          `json:"role,omitempty"`
	Operation  string          `json:"operation,omitempty"`
	Op         string          `json:"op,omitempty"`
	Path       string          `json:"path,omitempty"`
	Command    string          `json:"command,omitempty"`
	Status     string          `json:"status,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Summary    json.RawMessage `json:"summary,omitempty"`
}

// ParseLine converts one output line into exactly one AgentEvent. Decode
// failures and unrecognized type values degrade to a RawOutput event;
// parsing never fails the task.
func ParseLine(line string) models.AgentEvent {
	line = strings.TrimRight(line, "\r")

	var wire wireEvent
	if err := json.Unmarshal([]byte(line), &wire); err != nil {
		return rawEvent(line)
	}

	now := time.Now().UTC()

	switch models.EventType(wire.Type) {
	case models.EventToolUse:
		ev := models.AgentEvent{Type: models.EventToolUse, Timestamp: now}
		ev.Tool = wire.Tool
		if ev.Tool == "" {
			ev.Tool = wire.Name
		}
		ev.Arguments = wire.Parameters
		if len(ev.Arguments) == 0 {
			ev.Arguments = wire.Arguments
		}
		return ev

	case models.EventMessage:
		return models.AgentEvent{
			Type:      models.EventMessage,
			Timestamp: now,
			Role:      defaultString(wire.Role, "assistant"),
			Text:      firstNonEmpty(wire.Text, wire.Content),
		}

	case models.EventFileOperation:
		return models.AgentEvent{
			Type:      models.EventFileOperation,
			Timestamp: now,
			Op:        firstNonEmpty(wire.Op, wire.Operation),
			Path:      wire.Path,
		}

	case models.EventCommandExecution:
		return models.AgentEvent{
			Type:      models.EventCommandExecution,
			Timestamp: now,
			Command:   wire.Command,
		}

	case models.EventStatus:
		return models.AgentEvent{
			Type:      models.EventStatus,
			Timestamp: now,
			Text:      firstNonEmpty(wire.Text, wire.Content, wire.Status),
		}

	case models.EventError:
		return models.AgentEvent{
			Type:      models.EventError,
			Timestamp: now,
			Text:      firstNonEmpty(rawToString(wire.Error), wire.Text, wire.Content),
		}

	case models.EventCompletion:
		success := wire.Status == "completed"
		if wire.Success != nil {
			success = *wire.Success
		}
		return models.AgentEvent{
			Type:      models.EventCompletion,
			Timestamp: now,
			Success:   success,
			Summary:   rawToString(wire.Summary),
		}
	}

	return rawEvent(line)
}

func rawEvent(line string) models.AgentEvent {
	return models.AgentEvent{
		Type:      models.EventRawOutput,
		Timestamp: time.Now().UTC(),
		Raw:       line,
	}
}

// rawToString renders a JSON fragment as plain text: JSON strings are
// unquoted, everything else keeps its JSON encoding.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Parser reassembles an incremental byte stream into complete lines and
// decodes each into an AgentEvent. It keeps the trailing incomplete line
// buffered between Feed calls so a line split across two read chunks still
// yields exactly one event.
type Parser struct {
	pending bytes.Buffer
}

// NewParser creates a stream parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes the next chunk of agent output and returns the events for
// every complete line it contains, in emission order.
func (p *Parser) Feed(chunk []byte) []models.AgentEvent {
	p.pending.Write(chunk)

	var out []models.AgentEvent
	for {
		data := p.pending.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := string(data[:idx])
		p.pending.Next(idx + 1)
		out = append(out, ParseLine(line))
	}
	return out
}

// Flush emits the trailing partial line, if any. Call once after the
// stream ends.
func (p *Parser) Flush() []models.AgentEvent {
	if p.pending.Len() == 0 {
		return nil
	}
	line := p.pending.String()
	p.pending.Reset()
	return []models.AgentEvent{ParseLine(line)}
}
