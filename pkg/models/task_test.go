package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTaskStateTerminal(t *testing.T) {
	terminal := []TaskState{TaskStateCompleted, TaskStateFailed, TaskStateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
	}

	nonTerminal := []TaskState{TaskStatePending, TaskStateRunning}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("Expected %s to not be terminal", s)
		}
	}
}

func TestModeReadOnly(t *testing.T) {
	if ModeWrite.ReadOnly() {
		t.Error("Expected write mode to allow writes")
	}
	for _, m := range []Mode{ModeReview, ModeAsk, ModeAnalyze} {
		if !m.ReadOnly() {
			t.Errorf("Expected %s mode to be read-only", m)
		}
	}
}

func TestValidMode(t *testing.T) {
	for _, m := range []Mode{ModeWrite, ModeReview, ModeAsk, ModeAnalyze} {
		if !ValidMode(m) {
			t.Errorf("Expected %s to be valid", m)
		}
	}
	if ValidMode(Mode("debug")) {
		t.Error("Expected 'debug' to be invalid")
	}
	if ValidMode(Mode("")) {
		t.Error("Expected empty mode to be invalid")
	}
}

func TestTaskDescriptorValidate(t *testing.T) {
	valid := TaskDescriptor{
		ID:     "task-1",
		Prompt: "do something",
		Mode:   ModeWrite,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Expected valid descriptor, got error: %v", err)
	}

	tests := []struct {
		name string
		desc TaskDescriptor
	}{
		{"missing id", TaskDescriptor{Prompt: "p", Mode: ModeWrite}},
		{"missing prompt", TaskDescriptor{ID: "t", Mode: ModeWrite}},
		{"whitespace prompt", TaskDescriptor{ID: "t", Prompt: "   \n", Mode: ModeWrite}},
		{"invalid mode", TaskDescriptor{ID: "t", Prompt: "p", Mode: "turbo"}},
		{"negative max_turns", TaskDescriptor{ID: "t", Prompt: "p", Mode: ModeAsk, MaxTurns: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.desc.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestDurationJSON(t *testing.T) {
	d := Duration(90 * time.Second)
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Failed to marshal duration: %v", err)
	}
	if string(data) != `"1m30s"` {
		t.Errorf("Expected \"1m30s\", got %s", data)
	}

	var parsed Duration
	if err := json.Unmarshal([]byte(`"2h45m"`), &parsed); err != nil {
		t.Fatalf("Failed to unmarshal duration: %v", err)
	}
	if time.Duration(parsed) != 2*time.Hour+45*time.Minute {
		t.Errorf("Expected 2h45m, got %s", time.Duration(parsed))
	}

	var empty Duration
	if err := json.Unmarshal([]byte(`""`), &empty); err != nil {
		t.Fatalf("Failed to unmarshal empty duration: %v", err)
	}
	if empty != 0 {
		t.Errorf("Expected zero duration, got %s", time.Duration(empty))
	}

	// Bare numbers are nanoseconds, like time.Duration's own encoding.
	var numeric Duration
	if err := json.Unmarshal([]byte(`5000000000`), &numeric); err != nil {
		t.Fatalf("Failed to unmarshal numeric duration: %v", err)
	}
	if time.Duration(numeric) != 5*time.Second {
		t.Errorf("Expected 5s, got %s", time.Duration(numeric))
	}

	var bad Duration
	if err := json.Unmarshal([]byte(`"bogus"`), &bad); err == nil {
		t.Error("Expected error for unparseable duration string")
	}
	if err := json.Unmarshal([]byte(`true`), &bad); err == nil {
		t.Error("Expected error for non-duration JSON value")
	}
}

func TestTaskRecordToSummary(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	completed := time.Now()
	rec := &TaskRecord{
		Descriptor: TaskDescriptor{
			ID:     "task-sum",
			Prompt: "short prompt",
			Mode:   ModeReview,
		},
		State:       TaskStateCompleted,
		CreatedAt:   started,
		StartedAt:   &started,
		CompletedAt: &completed,
	}

	summary := rec.ToSummary()
	if summary.ID != "task-sum" {
		t.Errorf("Expected ID task-sum, got %s", summary.ID)
	}
	if summary.PromptExcerpt != "short prompt" {
		t.Errorf("Expected full prompt in excerpt, got %q", summary.PromptExcerpt)
	}
	if summary.Duration == "" {
		t.Error("Expected duration to be set")
	}

	long := &TaskRecord{
		Descriptor: TaskDescriptor{
			ID:     "task-long",
			Prompt: string(make([]byte, 500)),
			Mode:   ModeWrite,
		},
		State:     TaskStatePending,
		CreatedAt: time.Now(),
	}
	if got := long.ToSummary().PromptExcerpt; len(got) > 100 {
		t.Errorf("Expected excerpt <= 100 chars, got %d", len(got))
	}
}
