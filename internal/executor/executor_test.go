package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aluengo/zagal/internal/events"
	"github.com/aluengo/zagal/internal/session"
	"github.com/aluengo/zagal/pkg/models"
)

type fakeCloner struct {
	err    error
	called bool
}

func (f *fakeCloner) Clone(ctx context.Context, url, dir string, env []string) error {
	f.called = true
	if f.err != nil {
		return f.err
	}
	return os.MkdirAll(dir, 0755)
}

type testHarness struct {
	exec     *Executor
	sessions *session.Manager
	bus      *events.Bus
	cloner   *fakeCloner
}

func newHarness(t *testing.T, script string, timeout time.Duration) *testHarness {
	t.Helper()

	sessions, err := session.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create session manager: %v", err)
	}

	binary := ""
	if script != "" {
		binary = filepath.Join(t.TempDir(), "fake-agent.sh")
		if err := os.WriteFile(binary, []byte("#!/bin/sh\n"+script), 0755); err != nil {
			t.Fatalf("Failed to write fake agent: %v", err)
		}
	}

	h := &testHarness{
		sessions: sessions,
		bus:      events.NewBus(),
		cloner:   &fakeCloner{},
	}
	h.exec = New(Config{
		Sessions:       sessions,
		Cloner:         h.cloner,
		Bus:            h.bus,
		Binary:         binary,
		BaseEnv:        os.Environ(),
		DefaultTimeout: timeout,
	})
	return h
}

func descriptor(id string) models.TaskDescriptor {
	return models.TaskDescriptor{
		ID:     id,
		Prompt: "do the thing",
		Mode:   models.ModeWrite,
	}
}

func TestExecuteCompleted(t *testing.T) {
	h := newHarness(t, `echo '{"type":"message","text":"hi"}'`, 0)

	res := h.exec.Execute(context.Background(), descriptor("task-ok"))

	if res.State != models.TaskStateCompleted {
		t.Fatalf("Expected completed, got %s (error: %s)", res.State, res.Error)
	}
	if len(res.Events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(res.Events))
	}
	if res.Events[0].Type != models.EventMessage || res.Events[0].Text != "hi" {
		t.Errorf("Expected message event 'hi', got %+v", res.Events[0])
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %v", res.ExitCode)
	}
	if res.StartedAt == nil || res.CompletedAt == nil {
		t.Error("Expected start and completion timestamps")
	}
	if res.Summary.TotalEvents != 1 {
		t.Errorf("Expected summary total 1, got %d", res.Summary.TotalEvents)
	}
	if h.sessions.ActiveCount() != 0 {
		t.Errorf("Expected session released, %d still active", h.sessions.ActiveCount())
	}
}

func TestExecuteZeroOutputCompletes(t *testing.T) {
	h := newHarness(t, `exit 0`, 0)

	res := h.exec.Execute(context.Background(), descriptor("task-silent"))

	if res.State != models.TaskStateCompleted {
		t.Fatalf("Expected completed, got %s", res.State)
	}
	if len(res.Events) != 0 {
		t.Errorf("Expected empty event list, got %d", len(res.Events))
	}
}

func TestExecuteFailedNonZeroExit(t *testing.T) {
	h := newHarness(t, `exit 1`, 0)

	res := h.exec.Execute(context.Background(), descriptor("task-fail"))

	if res.State != models.TaskStateFailed {
		t.Fatalf("Expected failed, got %s", res.State)
	}
	if res.Error == "" {
		t.Error("Expected error to be populated")
	}
	if res.ErrorKind != string(KindRuntime) {
		t.Errorf("Expected runtime error kind, got %s", res.ErrorKind)
	}
	if res.ExitCode == nil || *res.ExitCode != 1 {
		t.Errorf("Expected exit code 1, got %v", res.ExitCode)
	}
	if h.sessions.ActiveCount() != 0 {
		t.Error("Expected session released after failure")
	}
}

func TestExecuteFailureCauseFromErrorEvent(t *testing.T) {
	h := newHarness(t, `echo '{"type":"error","error":"model refused"}'
exit 2`, 0)

	res := h.exec.Execute(context.Background(), descriptor("task-cause"))

	if res.State != models.TaskStateFailed {
		t.Fatalf("Expected failed, got %s", res.State)
	}
	if want := "model refused"; res.Error == "" || !contains(res.Summary.Errors, want) {
		t.Errorf("Expected error event text %q in summary, got %+v", want, res.Summary.Errors)
	}
	// The event list keeps what arrived before the failure.
	if len(res.Events) != 1 {
		t.Errorf("Expected the partial event list to survive, got %d events", len(res.Events))
	}
}

func TestExecuteValidationFailsFast(t *testing.T) {
	h := newHarness(t, `exit 0`, 0)

	res := h.exec.Execute(context.Background(), models.TaskDescriptor{ID: "task-bad"})

	if res.State != models.TaskStateFailed {
		t.Fatalf("Expected failed, got %s", res.State)
	}
	if res.ErrorKind != string(KindValidation) {
		t.Errorf("Expected validation error kind, got %s", res.ErrorKind)
	}
	if res.StartedAt != nil {
		t.Error("Expected task to never reach running")
	}
	if h.sessions.ActiveCount() != 0 {
		t.Error("Expected no session held for invalid task")
	}
}

func TestExecuteCloneFailure(t *testing.T) {
	h := newHarness(t, `exit 0`, 0)
	h.cloner.err = errors.New("remote hung up")

	desc := descriptor("task-clone")
	desc.RepositoryURL = "https://github.com/org/missing"

	res := h.exec.Execute(context.Background(), desc)

	if res.State != models.TaskStateFailed {
		t.Fatalf("Expected failed, got %s", res.State)
	}
	if res.ErrorKind != string(KindRepository) {
		t.Errorf("Expected repository error kind, got %s", res.ErrorKind)
	}
	if !h.cloner.called {
		t.Error("Expected cloner to be invoked")
	}
	if h.sessions.ActiveCount() != 0 {
		t.Error("Expected session released after clone failure")
	}
}

func TestExecuteTimeout(t *testing.T) {
	h := newHarness(t, `exec sleep 30`, 300*time.Millisecond)

	start := time.Now()
	res := h.exec.Execute(context.Background(), descriptor("task-slow"))

	if res.State != models.TaskStateFailed {
		t.Fatalf("Expected failed, got %s", res.State)
	}
	if res.ErrorKind != string(KindTimeout) {
		t.Errorf("Expected timeout error kind, got %s", res.ErrorKind)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Expected timely termination, took %s", elapsed)
	}
	if h.sessions.ActiveCount() != 0 {
		t.Error("Expected session released after timeout")
	}
}

func TestExecuteCancellation(t *testing.T) {
	h := newHarness(t, `echo '{"type":"message","text":"one"}'
echo '{"type":"message","text":"two"}'
echo '{"type":"message","text":"three"}'
exec sleep 30
echo '{"type":"message","text":"never"}'`, 0)

	sub := h.bus.Subscribe("task-cancel", 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resCh := make(chan *models.TaskResult, 1)
	go func() {
		resCh <- h.exec.Execute(ctx, descriptor("task-cancel"))
	}()

	// Cancel once the first events have flowed through the bus.
	seen := 0
	for range sub.C {
		seen++
		if seen == 3 {
			cancel()
			break
		}
	}

	var res *models.TaskResult
	select {
	case res = <-resCh:
	case <-time.After(15 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}

	if res.State != models.TaskStateCancelled {
		t.Fatalf("Expected cancelled, got %s", res.State)
	}
	if res.ErrorKind != string(KindCancelled) {
		t.Errorf("Expected cancelled error kind, got %s", res.ErrorKind)
	}
	if len(res.Events) > 3 {
		t.Errorf("Expected no events past the cancellation point, got %d", len(res.Events))
	}
	if h.sessions.ActiveCount() != 0 {
		t.Error("Expected session released after cancellation")
	}
}

func TestExecuteStreamClosedAfterTerminal(t *testing.T) {
	h := newHarness(t, `echo '{"type":"completion","success":true}'`, 0)

	sub := h.bus.Subscribe("task-close", 16)

	res := h.exec.Execute(context.Background(), descriptor("task-close"))
	if res.State != models.TaskStateCompleted {
		t.Fatalf("Expected completed, got %s", res.State)
	}

	// Drain: buffered events first, then the closed channel.
	got := 0
	for range sub.C {
		got++
	}
	if got != 1 {
		t.Errorf("Expected 1 published event before close, got %d", got)
	}
}

func TestExecuteCollectsArtifacts(t *testing.T) {
	h := newHarness(t, `echo "report contents" > "$ARTIFACTS_DIR/report.md"`, 0)

	res := h.exec.Execute(context.Background(), descriptor("task-artifacts"))

	if res.State != models.TaskStateCompleted {
		t.Fatalf("Expected completed, got %s (error: %s)", res.State, res.Error)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0] != "report.md" {
		t.Errorf("Expected artifacts [report.md], got %v", res.Artifacts)
	}
}

func TestExecuteSummaryAccumulation(t *testing.T) {
	h := newHarness(t, `echo '{"type":"tool_use","tool":"Edit"}'
echo '{"type":"tool_use","tool":"Edit"}'
echo '{"type":"file_operation","op":"edit","path":"a.go"}'
echo '{"type":"file_operation","op":"edit","path":"b.go"}'`, 0)

	res := h.exec.Execute(context.Background(), descriptor("task-summary"))

	if res.State != models.TaskStateCompleted {
		t.Fatalf("Expected completed, got %s", res.State)
	}
	if len(res.Summary.ToolsUsed) != 1 || res.Summary.ToolsUsed[0] != "Edit" {
		t.Errorf("Expected deduplicated tools [Edit], got %v", res.Summary.ToolsUsed)
	}
	if len(res.Summary.FilesChanged) != 2 {
		t.Errorf("Expected 2 changed files, got %v", res.Summary.FilesChanged)
	}
	if res.Summary.TotalEvents != 4 {
		t.Errorf("Expected 4 total events, got %d", res.Summary.TotalEvents)
	}
}
