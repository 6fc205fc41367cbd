// Package orchestrator coordinates concurrent agent task execution.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/aluengo/zagal/internal/events"
	"github.com/aluengo/zagal/internal/executor"
	"github.com/aluengo/zagal/internal/repo"
	"github.com/aluengo/zagal/internal/session"
	"github.com/aluengo/zagal/internal/store"
	"github.com/aluengo/zagal/pkg/models"
)

// Config holds orchestrator configuration.
type Config struct {
	StorePath      string
	SessionDir     string
	MaxParallel    int
	AgentBinary    string
	BaseEnv        []string
	DefaultTimeout time.Duration
	GitToken       string
}

// Orchestrator owns the task store, the event bus and one executor, and
// runs each submitted task in its own goroutine bounded by a max-parallel
// gate. Tasks share no mutable state beyond the bus and the store.
type Orchestrator struct {
	store    store.Store
	sessions *session.Manager
	bus      *events.Bus
	exec     *executor.Executor
	sem      *semaphore.Weighted

	running map[string]context.CancelFunc
	runMu   sync.Mutex

	subscribers map[string][]chan *models.TaskRecord
	subMu       sync.RWMutex

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 5
	}

	fileStore, err := store.NewFileStore(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	sessions, err := session.NewManager(cfg.SessionDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		store:       fileStore,
		sessions:    sessions,
		bus:         events.NewBus(),
		sem:         semaphore.NewWeighted(int64(cfg.MaxParallel)),
		running:     make(map[string]context.CancelFunc),
		subscribers: make(map[string][]chan *models.TaskRecord),
		ctx:         ctx,
		cancel:      cancel,
	}

	o.exec = executor.New(executor.Config{
		Sessions:       sessions,
		Cloner:         &repo.GitCloner{Token: cfg.GitToken},
		Bus:            o.bus,
		Binary:         cfg.AgentBinary,
		BaseEnv:        cfg.BaseEnv,
		DefaultTimeout: cfg.DefaultTimeout,
		OnTransition:   o.onTransition,
	})

	return o, nil
}

// Bus exposes the live event channel registry for the status API.
func (o *Orchestrator) Bus() *events.Bus {
	return o.bus
}

// Submit validates and enqueues a new task. The descriptor is rejected
// before anything reaches Running; accepted tasks start as soon as the
// max-parallel gate admits them.
func (o *Orchestrator) Submit(req models.SubmitRequest) (*models.TaskRecord, error) {
	var timeout models.Duration
	if req.Timeout != "" {
		dur, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		timeout = models.Duration(dur)
	}

	mode := req.Mode
	if mode == "" {
		mode = models.DefaultMode()
	}

	desc := models.TaskDescriptor{
		ID:            req.ID,
		Prompt:        req.Prompt,
		Mode:          mode,
		RepositoryURL: req.RepositoryURL,
		MaxTurns:      req.MaxTurns,
		Model:         req.Model,
		Timeout:       timeout,
	}
	if desc.ID == "" {
		desc.ID = generateID()
	}

	if err := desc.Validate(); err != nil {
		return nil, err
	}

	if _, err := o.store.Get(desc.ID); err == nil {
		return nil, fmt.Errorf("task already exists: %s", desc.ID)
	}

	rec := &models.TaskRecord{
		Descriptor: desc,
		State:      models.TaskStatePending,
		CreatedAt:  time.Now(),
	}

	logTaskReceived(rec)

	if err := o.store.Save(rec); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}

	taskCtx, cancelTask := context.WithCancel(o.ctx)
	o.runMu.Lock()
	o.running[desc.ID] = cancelTask
	o.runMu.Unlock()

	o.wg.Add(1)
	go o.runTask(taskCtx, rec)

	return rec, nil
}

func (o *Orchestrator) runTask(ctx context.Context, rec *models.TaskRecord) {
	defer o.wg.Done()
	id := rec.Descriptor.ID

	defer func() {
		o.runMu.Lock()
		delete(o.running, id)
		o.runMu.Unlock()
	}()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		// Cancelled or shut down while queued; the task never ran.
		now := time.Now()
		rec.State = models.TaskStateCancelled
		rec.CompletedAt = &now
		rec.Result = &models.TaskResult{
			TaskID:    id,
			State:     models.TaskStateCancelled,
			Error:     "task cancelled before start",
			ErrorKind: string(executor.KindCancelled),
		}
		o.store.Save(rec)
		logTaskFinished(rec)
		o.notify(rec)
		return
	}
	defer o.sem.Release(1)

	res := o.exec.Execute(ctx, rec.Descriptor)

	now := time.Now()
	rec.State = res.State
	rec.Result = res
	rec.StartedAt = res.StartedAt
	rec.CompletedAt = &now

	o.store.Save(rec)
	logTaskFinished(rec)
	o.notify(rec)
}

func (o *Orchestrator) onTransition(taskID string, state models.TaskState) {
	if state != models.TaskStateRunning {
		return
	}
	if rec, err := o.store.Get(taskID); err == nil {
		now := time.Now()
		rec.State = models.TaskStateRunning
		rec.StartedAt = &now
		o.store.Save(rec)
		logTaskStarted(rec)
	}
}

func (o *Orchestrator) notify(rec *models.TaskRecord) {
	o.subMu.RLock()
	subs := o.subscribers[rec.Descriptor.ID]
	o.subMu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- rec:
		default:
		}
	}

	o.subMu.Lock()
	delete(o.subscribers, rec.Descriptor.ID)
	o.subMu.Unlock()
}

// GetTask retrieves a task record by ID.
func (o *Orchestrator) GetTask(taskID string) (*models.TaskRecord, error) {
	return o.store.Get(taskID)
}

// ListTasks lists task records matching the filter.
func (o *Orchestrator) ListTasks(req models.ListRequest) ([]*models.TaskRecord, error) {
	return o.store.List(store.ListFilter{
		States: req.States,
		Limit:  req.Limit,
		Offset: req.Offset,
	})
}

// Cancel requests cancellation of a queued or running task. The executor
// terminates the agent process, releases the session and finalizes the
// task as Cancelled.
func (o *Orchestrator) Cancel(taskID string) error {
	rec, err := o.store.Get(taskID)
	if err != nil {
		return err
	}
	if rec.State.Terminal() {
		return fmt.Errorf("task %s is already in terminal state: %s", taskID, rec.State)
	}

	o.runMu.Lock()
	cancelTask, exists := o.running[taskID]
	o.runMu.Unlock()

	if !exists {
		return fmt.Errorf("task not running: %s", taskID)
	}

	cancelTask()
	return nil
}

// Wait blocks until the task reaches a terminal state, the context is
// cancelled, or the timeout elapses. The current record is returned even
// on timeout.
func (o *Orchestrator) Wait(ctx context.Context, taskID string, timeout time.Duration) (*models.TaskRecord, error) {
	rec, err := o.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if rec.State.Terminal() {
		return rec, nil
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ch := make(chan *models.TaskRecord, 1)
	o.subMu.Lock()
	o.subscribers[taskID] = append(o.subscribers[taskID], ch)
	o.subMu.Unlock()

	defer func() {
		o.subMu.Lock()
		subs := o.subscribers[taskID]
		for i, sub := range subs {
			if sub == ch {
				o.subscribers[taskID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		o.subMu.Unlock()
	}()

	// Re-check after subscribing in case the task finished in between.
	if rec, err := o.store.Get(taskID); err == nil && rec.State.Terminal() {
		return rec, nil
	}

	select {
	case <-waitCtx.Done():
		rec, _ = o.store.Get(taskID)
		return rec, fmt.Errorf("timeout waiting for task %s: %w", taskID, waitCtx.Err())
	case rec := <-ch:
		return rec, nil
	}
}

// Delete removes a terminal task record from the store.
func (o *Orchestrator) Delete(taskID string) error {
	rec, err := o.store.Get(taskID)
	if err != nil {
		return err
	}
	if !rec.State.Terminal() {
		return fmt.Errorf("task %s is still %s; cancel it first", taskID, rec.State)
	}
	return o.store.Delete(taskID)
}

// Stats holds orchestrator statistics.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// GetStats returns counts of tasks by state.
func (o *Orchestrator) GetStats() Stats {
	recs, _ := o.store.List(store.ListFilter{})

	var stats Stats
	for _, rec := range recs {
		stats.Total++
		switch rec.State {
		case models.TaskStatePending:
			stats.Pending++
		case models.TaskStateRunning:
			stats.Running++
		case models.TaskStateCompleted:
			stats.Completed++
		case models.TaskStateFailed:
			stats.Failed++
		case models.TaskStateCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// Shutdown cancels all running tasks, waits for their executors to
// finalize, and closes the store.
func (o *Orchestrator) Shutdown() error {
	o.cancel()
	o.wg.Wait()
	return o.store.Close()
}

func generateID() string {
	return fmt.Sprintf("task-%s", uuid.New().String()[:8])
}

func logTaskReceived(rec *models.TaskRecord) {
	d := rec.Descriptor
	log.Printf(
		"task_event=received task_id=%s state=%s mode=%s repository=%q max_turns=%d timeout=%q prompt_len=%d prompt_preview=%q",
		d.ID,
		rec.State,
		d.Mode,
		d.RepositoryURL,
		d.MaxTurns,
		time.Duration(d.Timeout).String(),
		len(d.Prompt),
		truncateForLog(d.Prompt, 160),
	)
}

func logTaskStarted(rec *models.TaskRecord) {
	log.Printf(
		"task_event=started task_id=%s state=%s mode=%s repository=%q",
		rec.Descriptor.ID,
		rec.State,
		rec.Descriptor.Mode,
		rec.Descriptor.RepositoryURL,
	)
}

func logTaskFinished(rec *models.TaskRecord) {
	duration := ""
	if rec.StartedAt != nil && rec.CompletedAt != nil {
		duration = rec.CompletedAt.Sub(*rec.StartedAt).String()
	}

	errMsg := ""
	eventsCount := 0
	exitCode := ""
	if rec.Result != nil {
		errMsg = rec.Result.Error
		eventsCount = len(rec.Result.Events)
		if rec.Result.ExitCode != nil {
			exitCode = fmt.Sprintf("%d", *rec.Result.ExitCode)
		}
	}

	log.Printf(
		"task_event=finished task_id=%s state=%s exit_code=%s events=%d error=%q duration=%q",
		rec.Descriptor.ID,
		rec.State,
		exitCode,
		eventsCount,
		strings.TrimSpace(errMsg),
		duration,
	)
}

func truncateForLog(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
