// Package repo is the VCS collaborator boundary: cloning a repository into
// a task workspace. Commit/push/PR creation stay with the external git
// provider and are out of scope here.
package repo

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Cloner clones a repository URL into a target directory.
type Cloner interface {
	Clone(ctx context.Context, url, dir string, env []string) error
}

// GitCloner shells out to the git CLI. An optional access token is
// injected into https GitHub URLs so private repositories clone without
// interactive auth.
type GitCloner struct {
	// Token, when set, authenticates https clones against github.com.
	Token string
	// UserName/UserEmail configure the clone's commit identity so
	// write-mode agents can commit without global git config.
	UserName  string
	UserEmail string
}

// Clone runs `git clone url dir` and then sets the commit identity inside
// the fresh clone.
func (g *GitCloner) Clone(ctx context.Context, url, dir string, env []string) error {
	cloneURL := url
	if g.Token != "" {
		cloneURL = strings.Replace(cloneURL,
			"https://github.com/",
			fmt.Sprintf("https://x-access-token:%s@github.com/", g.Token), 1)
		env = append(append([]string(nil), env...), "GH_TOKEN="+g.Token)
	}

	cmd := exec.CommandContext(ctx, "git", "clone", cloneURL, dir)
	cmd.Env = env
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to clone repository: %s: %w", sanitizeOutput(string(out), g.Token), err)
	}

	identity := [][]string{
		{"config", "user.name", defaultIfEmpty(g.UserName, "Zagal Agent")},
		{"config", "user.email", defaultIfEmpty(g.UserEmail, "zagal@example.com")},
	}
	for _, args := range identity {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = dir
		cmd.Env = env
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("failed to configure git identity: %w", err)
		}
	}

	return nil
}

// sanitizeOutput keeps the token out of error messages and logs.
func sanitizeOutput(out, token string) string {
	out = strings.TrimSpace(out)
	if token != "" {
		out = strings.ReplaceAll(out, token, "***")
	}
	return out
}

func defaultIfEmpty(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
