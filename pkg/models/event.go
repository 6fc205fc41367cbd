package models

import (
	"encoding/json"
	"time"
)

// EventType discriminates the AgentEvent variants. The wire value is the
// `type` field of each JSON line the agent emits.
type EventType string

const (
	EventToolUse          EventType = "tool_use"
	EventMessage          EventType = "message"
	EventFileOperation    EventType = "file_operation"
	EventCommandExecution EventType = "command_execution"
	EventStatus           EventType = "status"
	EventError            EventType = "error"
	EventCompletion       EventType = "completion"
	// EventRawOutput is the fallback for non-JSON lines and unknown types.
	EventRawOutput EventType = "raw_output"
)

// AgentEvent is one structured unit of progress derived from exactly one
// line of agent output. It is a closed tagged variant: only the fields
// relevant to Type are populated.
type AgentEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// tool_use
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// message
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`

	// file_operation
	Op   string `json:"op,omitempty"`
	Path string `json:"path,omitempty"`

	// command_execution
	Command string `json:"command,omitempty"`

	// completion
	Success bool   `json:"success,omitempty"`
	Summary string `json:"summary,omitempty"`

	// raw_output fallback; also carries status/error text via Text.
	Raw string `json:"raw,omitempty"`
}

// ResultSummary aggregates what the agent did over a task's lifetime.
type ResultSummary struct {
	TotalEvents  int      `json:"total_events"`
	ToolsUsed    []string `json:"tools_used,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

// TaskResult accumulates over a task's lifetime and becomes immutable once
// State is terminal. A failed task keeps whatever partial event list was
// collected before the failure.
type TaskResult struct {
	TaskID      string        `json:"task_id"`
	State       TaskState     `json:"state"`
	Events      []AgentEvent  `json:"events,omitempty"`
	Error       string        `json:"error,omitempty"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	ExitCode    *int          `json:"exit_code,omitempty"`
	Artifacts   []string      `json:"artifacts,omitempty"`
	Summary     ResultSummary `json:"summary"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// TaskRecord is the persisted pairing of a descriptor with its lifecycle.
type TaskRecord struct {
	Descriptor  TaskDescriptor `json:"descriptor"`
	State       TaskState      `json:"state"`
	Result      *TaskResult    `json:"result,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// ToSummary converts a TaskRecord to a TaskSummary.
func (r *TaskRecord) ToSummary() TaskSummary {
	summary := TaskSummary{
		ID:            r.Descriptor.ID,
		State:         r.State,
		Mode:          r.Descriptor.Mode,
		RepositoryURL: r.Descriptor.RepositoryURL,
		PromptExcerpt: truncateString(r.Descriptor.Prompt, 100),
		CreatedAt:     r.CreatedAt,
		CompletedAt:   r.CompletedAt,
	}
	if r.CompletedAt != nil && r.StartedAt != nil {
		summary.Duration = r.CompletedAt.Sub(*r.StartedAt).String()
	}
	return summary
}
