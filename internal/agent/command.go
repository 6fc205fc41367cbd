// Package agent launches and supervises the external coding-agent CLI.
package agent

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/aluengo/zagal/pkg/models"
)

// DefaultBinary is the agent CLI invoked when discovery finds nothing
// better.
const DefaultBinary = "claude"

// wellKnownPaths are checked when the binary is not on PATH.
var wellKnownPaths = []string{
	"/usr/local/bin/claude",
	"/usr/bin/claude",
	"/home/node/.npm-global/bin/claude",
	"/usr/local/lib/node_modules/@anthropic-ai/claude-code/bin/claude",
}

// FindBinary locates the agent CLI: PATH first, then common install
// locations, falling back to the bare name.
func FindBinary() string {
	if path, err := exec.LookPath(DefaultBinary); err == nil {
		return path
	}
	for _, p := range wellKnownPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return DefaultBinary
}

// Capability profiles: read-only modes never get write/edit tools, write
// mode never gets web tools.
var (
	readOnlyAllowed    = "Read,Grep,Glob,LS,Bash"
	readOnlyDisallowed = "Write,Edit,MultiEdit"
	writeAllowed       = "Read,Write,Edit,MultiEdit,Grep,Glob,LS,Bash"
	writeDisallowed    = "WebSearch,WebFetch"
)

// BuildArgs constructs the agent command line for a task. The mode selects
// the tool restrictions and maxTurns caps agent iterations (0 = no cap).
func BuildArgs(mode models.Mode, maxTurns int, model string) []string {
	args := []string{
		"-p", // read prompt from stdin
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}

	if maxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(maxTurns))
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	if mode.ReadOnly() {
		args = append(args,
			"--allowedTools", readOnlyAllowed,
			"--disallowedTools", readOnlyDisallowed,
		)
	} else {
		args = append(args,
			"--allowedTools", writeAllowed,
			"--disallowedTools", writeDisallowed,
		)
	}

	return args
}

// EnforcedPrompt prepends the mode-specific system preamble to the user
// prompt. Write mode mandates commit/PR steps; read-only modes forbid code
// changes and direct outputs to the artifacts directory.
func EnforcedPrompt(mode models.Mode, prompt, artifactsDir string) string {
	if mode == models.ModeWrite {
		return fmt.Sprintf("[SYSTEM: You MUST commit all changes and create a PR before finishing. "+
			"Include these as todos: git add, git commit, git push, gh pr create. This is MANDATORY.]\n\n%s", prompt)
	}
	return fmt.Sprintf("[SYSTEM: This is %s mode - a READ-ONLY operation. Do NOT make any code changes. "+
		"Save all outputs to %s/. The artifacts directory is mounted and will persist after the container exits.]\n\n%s",
		strings.ToUpper(string(mode)), artifactsDir, prompt)
}
