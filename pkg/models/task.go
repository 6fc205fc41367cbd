// Package models defines the core domain types for the zagal agent runner.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TaskState represents the current state of a task. Transitions are
// one-directional: Pending -> Running -> {Completed | Failed | Cancelled}.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// Terminal returns true for states that permit no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateCancelled
}

// Mode is the capability profile under which the agent runs. Read-only
// modes forbid write/edit tools; write mode permits them.
type Mode string

const (
	ModeWrite   Mode = "write"
	ModeReview  Mode = "review"
	ModeAsk     Mode = "ask"
	ModeAnalyze Mode = "analyze"
)

// ValidMode checks if a mode is one of the known capability profiles.
func ValidMode(m Mode) bool {
	switch m {
	case ModeWrite, ModeReview, ModeAsk, ModeAnalyze:
		return true
	}
	return false
}

// ReadOnly reports whether the mode forbids mutating tools.
func (m Mode) ReadOnly() bool {
	return m != ModeWrite
}

// DefaultMode returns the default capability profile.
func DefaultMode() Mode {
	return ModeWrite
}

// TaskDescriptor is the immutable input describing one agent task. It is
// created by the task source (API or queue) and read-only from the core's
// perspective.
type TaskDescriptor struct {
	ID            string   `json:"id"`
	Prompt        string   `json:"prompt"`
	Mode          Mode     `json:"mode"`
	RepositoryURL string   `json:"repository_url,omitempty"`
	MaxTurns      int      `json:"max_turns,omitempty"`
	Model         string   `json:"model,omitempty"`
	Timeout       Duration `json:"timeout,omitempty"`
}

// Validate checks the descriptor before it is allowed to reach Running.
func (d *TaskDescriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if strings.TrimSpace(d.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if !ValidMode(d.Mode) {
		return fmt.Errorf("invalid mode: %q (valid: write, review, ask, analyze)", d.Mode)
	}
	if d.MaxTurns < 0 {
		return fmt.Errorf("max_turns must be positive, got %d", d.MaxTurns)
	}
	return nil
}

// Duration is a wrapper around time.Duration for JSON marshaling.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler. Strings are parsed with
// time.ParseDuration; bare numbers are nanoseconds, matching
// time.Duration's own encoding.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*d = 0
			return nil
		}
		dur, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(dur)
		return nil
	}

	var ns int64
	if err := json.Unmarshal(b, &ns); err != nil {
		return fmt.Errorf("invalid duration: %s", string(b))
	}
	*d = Duration(ns)
	return nil
}

// SubmitRequest is the task source's wire shape for creating a task.
// A missing id is filled in by the orchestrator; a missing mode defaults
// to write.
type SubmitRequest struct {
	ID            string `json:"id,omitempty"`
	Prompt        string `json:"prompt"`
	Mode          Mode   `json:"mode,omitempty"`
	RepositoryURL string `json:"repository_url,omitempty"`
	MaxTurns      int    `json:"max_turns,omitempty"`
	Model         string `json:"model,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
}

// ListRequest represents a request to list tasks.
type ListRequest struct {
	States []TaskState `json:"states,omitempty"`
	Limit  int         `json:"limit,omitempty"`
	Offset int         `json:"offset,omitempty"`
}

// TaskSummary provides a condensed view of a task for listing.
type TaskSummary struct {
	ID            string     `json:"id"`
	State         TaskState  `json:"state"`
	Mode          Mode       `json:"mode"`
	RepositoryURL string     `json:"repository_url,omitempty"`
	PromptExcerpt string     `json:"prompt_excerpt"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Duration      string     `json:"duration,omitempty"`
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
