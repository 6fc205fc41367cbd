// Package session manages per-task isolated filesystem workspaces.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the isolated workspace owned by exactly one running task.
// It is created at task start and removed when the task terminates,
// regardless of outcome.
type Session struct {
	ID        string
	TaskID    string
	Dir       string
	CreatedAt time.Time
}

// WorkspaceDir is where the repository is cloned and the agent runs.
func (s *Session) WorkspaceDir() string {
	return filepath.Join(s.Dir, "workspace")
}

// ArtifactsDir is where read-only modes persist their outputs.
func (s *Session) ArtifactsDir() string {
	return filepath.Join(s.Dir, "artifacts")
}

// LogsDir holds the raw agent output log.
func (s *Session) LogsDir() string {
	return filepath.Join(s.Dir, "logs")
}

// RepoDir is the clone target inside the workspace.
func (s *Session) RepoDir() string {
	return filepath.Join(s.WorkspaceDir(), "repo")
}

// Env returns the session-scoped environment on top of base. The core
// never reads ambient process environment itself; callers pass base in.
func (s *Session) Env(base []string, repoURL string) []string {
	env := append([]string(nil), base...)
	env = append(env,
		"TASK_ID="+s.TaskID,
		"SESSION_ID="+s.ID,
		"WORKSPACE_DIR="+s.WorkspaceDir(),
		"ARTIFACTS_DIR="+s.ArtifactsDir(),
	)
	if repoURL != "" {
		env = append(env, "REPO_URL="+repoURL)
	}
	return env
}

// Manager allocates and releases sessions under a base directory.
type Manager struct {
	baseDir string
	active  map[string]*Session
	mu      sync.Mutex
}

// NewManager creates a session manager rooted at baseDir.
func NewManager(baseDir string) (*Manager, error) {
	if abs, err := filepath.Abs(baseDir); err == nil {
		baseDir = abs
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session base dir: %w", err)
	}
	return &Manager{
		baseDir: baseDir,
		active:  make(map[string]*Session),
	}, nil
}

// Acquire creates a fresh workspace exclusively for taskID. It fails if a
// session for that task is already active or the filesystem is unwritable.
func (m *Manager) Acquire(taskID string) (*Session, error) {
	m.mu.Lock()
	if _, exists := m.active[taskID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session already active for task %s", taskID)
	}
	// Reserve the slot before touching the filesystem so concurrent
	// acquires for the same task cannot race past the check.
	m.active[taskID] = nil
	m.mu.Unlock()

	sessionID := fmt.Sprintf("%s-%s", taskID, uuid.New().String()[:8])
	dir := filepath.Join(m.baseDir, sessionID)

	sess := &Session{
		ID:        sessionID,
		TaskID:    taskID,
		Dir:       dir,
		CreatedAt: time.Now(),
	}

	for _, d := range []string{sess.WorkspaceDir(), sess.ArtifactsDir(), sess.LogsDir()} {
		if err := os.MkdirAll(d, 0755); err != nil {
			m.mu.Lock()
			delete(m.active, taskID)
			m.mu.Unlock()
			os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to create session dir: %w", err)
		}
	}

	m.mu.Lock()
	m.active[taskID] = sess
	m.mu.Unlock()

	return sess, nil
}

// Release removes the session workspace recursively. It is idempotent:
// releasing an already-released session is a no-op.
func (m *Manager) Release(sess *Session) error {
	if sess == nil {
		return nil
	}

	m.mu.Lock()
	current, exists := m.active[sess.TaskID]
	if exists && (current == nil || current.ID == sess.ID) {
		delete(m.active, sess.TaskID)
	}
	m.mu.Unlock()

	if err := os.RemoveAll(sess.Dir); err != nil {
		return fmt.Errorf("failed to remove session dir: %w", err)
	}
	return nil
}

// Active reports whether a session is currently held for taskID.
func (m *Manager) Active(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.active[taskID]
	return exists
}

// ActiveCount returns the number of sessions currently held.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
