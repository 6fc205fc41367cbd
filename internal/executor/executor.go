package executor

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/aluengo/zagal/internal/agent"
	"github.com/aluengo/zagal/internal/events"
	"github.com/aluengo/zagal/internal/repo"
	"github.com/aluengo/zagal/internal/session"
	"github.com/aluengo/zagal/pkg/models"
)

// Config holds the executor's collaborators and explicit environment.
// Nothing here is read from ambient process state.
type Config struct {
	Sessions *session.Manager
	Cloner   repo.Cloner
	Bus      *events.Bus
	// Binary is the agent CLI to invoke.
	Binary string
	// BaseEnv is the environment handed to child processes.
	BaseEnv []string
	// DefaultTimeout applies when the descriptor carries none. Zero means
	// no wall-clock limit.
	DefaultTimeout time.Duration
	// OnTransition, when set, observes every lifecycle state change.
	OnTransition func(taskID string, state models.TaskState)
}

// Executor runs tasks. One Execute call drives exactly one task; multiple
// tasks may execute concurrently, each with its own session, process and
// parser. The bus is the only state shared across tasks.
type Executor struct {
	cfg Config
}

// New creates a task executor.
func New(cfg Config) *Executor {
	if cfg.Binary == "" {
		cfg.Binary = agent.DefaultBinary
	}
	return &Executor{cfg: cfg}
}

// Execute runs one task to a terminal state and returns its result.
// Errors are surfaced inside the result, never returned: the caller always
// gets exactly one terminal TaskResult. Cancelling ctx short-circuits the
// task to Cancelled and terminates the agent process.
func (e *Executor) Execute(ctx context.Context, desc models.TaskDescriptor) *models.TaskResult {
	res := &models.TaskResult{
		TaskID: desc.ID,
		State:  models.TaskStatePending,
	}

	if err := desc.Validate(); err != nil {
		// Invalid input fails fast; the task never reaches Running and
		// holds no resources.
		e.fail(res, taskErr(KindValidation, "invalid task descriptor: %w", err))
		return res
	}

	e.transition(res, models.TaskStateRunning)
	now := time.Now()
	res.StartedAt = &now

	e.run(ctx, desc, res)

	e.cfg.Bus.Close(desc.ID)
	done := time.Now()
	res.CompletedAt = &done
	res.Summary.TotalEvents = len(res.Events)
	return res
}

// run performs steps 2-8 of the task lifecycle. The session release in its
// defer is the single release point for every exit path, including panics
// in later stages.
func (e *Executor) run(ctx context.Context, desc models.TaskDescriptor, res *models.TaskResult) {
	sess, err := e.cfg.Sessions.Acquire(desc.ID)
	if err != nil {
		e.fail(res, taskErr(KindResource, "session acquire: %w", err))
		return
	}
	defer func() {
		e.collectArtifacts(sess, res)
		if err := e.cfg.Sessions.Release(sess); err != nil {
			log.Printf("task_event=session_release_failed task_id=%s error=%q", desc.ID, err.Error())
		}
	}()

	workDir := sess.WorkspaceDir()
	env := sess.Env(e.cfg.BaseEnv, desc.RepositoryURL)

	if desc.RepositoryURL != "" {
		log.Printf("task_event=cloning task_id=%s repository=%q", desc.ID, desc.RepositoryURL)
		if err := e.cfg.Cloner.Clone(ctx, desc.RepositoryURL, sess.RepoDir(), env); err != nil {
			if ctx.Err() != nil {
				e.cancel(res)
				return
			}
			e.fail(res, taskErr(KindRepository, "clone %s: %w", desc.RepositoryURL, err))
			return
		}
		workDir = sess.RepoDir()
	}

	if ctx.Err() != nil {
		e.cancel(res)
		return
	}

	args := agent.BuildArgs(desc.Mode, desc.MaxTurns, desc.Model)
	prompt := agent.EnforcedPrompt(desc.Mode, desc.Prompt, sess.ArtifactsDir())

	timeout := time.Duration(desc.Timeout)
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	logFile, err := os.Create(filepath.Join(sess.LogsDir(), "agent.log"))
	if err != nil {
		e.fail(res, taskErr(KindResource, "create agent log: %w", err))
		return
	}
	defer logFile.Close()

	proc, err := agent.Start(ctx, agent.StartOptions{
		Command: e.cfg.Binary,
		Args:    args,
		Dir:     workDir,
		Env:     env,
		Input:   prompt,
		Timeout: timeout,
		Mirror:  logFile,
	})
	if err != nil {
		e.fail(res, taskErr(KindLaunch, "start agent: %w", err))
		return
	}

	log.Printf("task_event=agent_started task_id=%s pid=%d mode=%s work_dir=%q",
		desc.ID, proc.PID(), desc.Mode, workDir)

	// Cancellation is cooperative at the chunk boundary, but the process
	// itself is told to stop immediately.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			proc.Terminate()
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	parser := events.NewParser()
	cancelled := false
	for chunk := range proc.Output() {
		if ctx.Err() != nil {
			// Stop feeding new lines into the parser after the signal;
			// in-flight reads are allowed to complete.
			cancelled = true
			break
		}
		e.emit(res, desc.ID, parser.Feed(chunk))
	}
	if !cancelled && ctx.Err() == nil {
		e.emit(res, desc.ID, parser.Flush())
	}

	code, waitErr := proc.Wait()
	res.ExitCode = &code

	switch {
	case ctx.Err() != nil:
		e.cancel(res)
	case errors.Is(waitErr, agent.ErrTimeout):
		e.fail(res, taskErr(KindTimeout, "agent exceeded %s wall-clock timeout", timeout))
	case waitErr != nil:
		e.fail(res, taskErr(KindRuntime, "wait for agent: %w", waitErr))
	case code != 0:
		e.fail(res, taskErr(KindRuntime, "agent exited with code %d: %s", code, e.failureCause(res, proc.StderrTail())))
	default:
		e.transition(res, models.TaskStateCompleted)
	}
}

// emit appends parsed events to the result in emission order and hands
// each to the publisher.
func (e *Executor) emit(res *models.TaskResult, taskID string, evs []models.AgentEvent) {
	for _, ev := range evs {
		res.Events = append(res.Events, ev)
		e.accumulate(res, ev)
		e.cfg.Bus.Publish(taskID, ev)
	}
}

func (e *Executor) accumulate(res *models.TaskResult, ev models.AgentEvent) {
	switch ev.Type {
	case models.EventToolUse:
		if ev.Tool != "" && !contains(res.Summary.ToolsUsed, ev.Tool) {
			res.Summary.ToolsUsed = append(res.Summary.ToolsUsed, ev.Tool)
		}
	case models.EventFileOperation:
		if ev.Path != "" && !contains(res.Summary.FilesChanged, ev.Path) {
			res.Summary.FilesChanged = append(res.Summary.FilesChanged, ev.Path)
		}
	case models.EventError:
		if ev.Text != "" {
			res.Summary.Errors = append(res.Summary.Errors, ev.Text)
		}
	}
}

// failureCause picks the most recent Error or Status event text as the
// human-readable cause, falling back to the stderr tail.
func (e *Executor) failureCause(res *models.TaskResult, stderrTail string) string {
	for i := len(res.Events) - 1; i >= 0; i-- {
		ev := res.Events[i]
		if ev.Type == models.EventError || ev.Type == models.EventStatus {
			if ev.Text != "" {
				return ev.Text
			}
		}
	}
	if stderrTail != "" {
		return stderrTail
	}
	return "no diagnostic output"
}

// collectArtifacts records the files the agent left in the artifacts dir.
// The paths are recorded before the workspace is removed; durable storage
// of their contents is an external collaborator's job.
func (e *Executor) collectArtifacts(sess *session.Session, res *models.TaskResult) {
	filepath.Walk(sess.ArtifactsDir(), func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(sess.ArtifactsDir(), path)
		if relErr != nil {
			return nil
		}
		res.Artifacts = append(res.Artifacts, rel)
		return nil
	})
}

func (e *Executor) transition(res *models.TaskResult, state models.TaskState) {
	if res.State.Terminal() {
		// No transition out of a terminal state is permitted.
		return
	}
	res.State = state
	if e.cfg.OnTransition != nil {
		e.cfg.OnTransition(res.TaskID, state)
	}
}

func (e *Executor) fail(res *models.TaskResult, err *TaskError) {
	res.Error = err.Err.Error()
	res.ErrorKind = string(err.Kind)
	e.transition(res, models.TaskStateFailed)
}

func (e *Executor) cancel(res *models.TaskResult) {
	res.Error = "task cancelled"
	res.ErrorKind = string(KindCancelled)
	e.transition(res, models.TaskStateCancelled)
}

// contains is a tiny helper kept local; the summary lists stay small.
func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
