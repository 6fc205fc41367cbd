package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestManagerAcquireRelease(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	sess, err := mgr.Acquire("task-1")
	if err != nil {
		t.Fatalf("Failed to acquire session: %v", err)
	}

	for _, dir := range []string{sess.WorkspaceDir(), sess.ArtifactsDir(), sess.LogsDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("Expected dir %s to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("Expected %s to be a directory", dir)
		}
	}

	if !mgr.Active("task-1") {
		t.Error("Expected task-1 to be active")
	}
	if mgr.ActiveCount() != 1 {
		t.Errorf("Expected 1 active session, got %d", mgr.ActiveCount())
	}

	if err := mgr.Release(sess); err != nil {
		t.Fatalf("Failed to release session: %v", err)
	}
	if _, err := os.Stat(sess.Dir); !os.IsNotExist(err) {
		t.Error("Expected session dir to be removed")
	}
	if mgr.Active("task-1") {
		t.Error("Expected task-1 to be inactive after release")
	}
}

func TestManagerExclusiveAcquire(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	sess, err := mgr.Acquire("task-1")
	if err != nil {
		t.Fatalf("Failed to acquire session: %v", err)
	}

	if _, err := mgr.Acquire("task-1"); err == nil {
		t.Error("Expected second acquire for same task to fail")
	}

	// A different task is unaffected.
	other, err := mgr.Acquire("task-2")
	if err != nil {
		t.Fatalf("Failed to acquire session for other task: %v", err)
	}

	mgr.Release(sess)
	mgr.Release(other)

	// After release the task can be acquired again.
	again, err := mgr.Acquire("task-1")
	if err != nil {
		t.Fatalf("Failed to re-acquire after release: %v", err)
	}
	mgr.Release(again)
}

func TestManagerReleaseIdempotent(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	sess, err := mgr.Acquire("task-1")
	if err != nil {
		t.Fatalf("Failed to acquire session: %v", err)
	}

	if err := mgr.Release(sess); err != nil {
		t.Fatalf("First release failed: %v", err)
	}
	if err := mgr.Release(sess); err != nil {
		t.Errorf("Second release should be a no-op, got: %v", err)
	}
	if err := mgr.Release(nil); err != nil {
		t.Errorf("Releasing nil should be a no-op, got: %v", err)
	}
}

func TestSessionLayout(t *testing.T) {
	sess := &Session{ID: "task-1-abcd1234", TaskID: "task-1", Dir: "/base/task-1-abcd1234"}

	if sess.WorkspaceDir() != filepath.Join(sess.Dir, "workspace") {
		t.Errorf("Unexpected workspace dir: %s", sess.WorkspaceDir())
	}
	if sess.RepoDir() != filepath.Join(sess.Dir, "workspace", "repo") {
		t.Errorf("Unexpected repo dir: %s", sess.RepoDir())
	}
	if sess.ArtifactsDir() != filepath.Join(sess.Dir, "artifacts") {
		t.Errorf("Unexpected artifacts dir: %s", sess.ArtifactsDir())
	}
	if sess.LogsDir() != filepath.Join(sess.Dir, "logs") {
		t.Errorf("Unexpected logs dir: %s", sess.LogsDir())
	}
}

func TestSessionEnv(t *testing.T) {
	sess := &Session{ID: "sid", TaskID: "task-1", Dir: "/base/sid"}

	env := sess.Env([]string{"PATH=/usr/bin"}, "https://github.com/org/repo")

	want := []string{
		"PATH=/usr/bin",
		"TASK_ID=task-1",
		"SESSION_ID=sid",
		"REPO_URL=https://github.com/org/repo",
	}
	joined := strings.Join(env, "\n")
	for _, entry := range want {
		if !strings.Contains(joined, entry) {
			t.Errorf("Expected env to contain %q, got:\n%s", entry, joined)
		}
	}

	// No repo URL: the variable is omitted entirely.
	env = sess.Env(nil, "")
	for _, entry := range env {
		if strings.HasPrefix(entry, "REPO_URL=") {
			t.Errorf("Expected no REPO_URL entry, got %q", entry)
		}
	}
}
