// Package gitcmd executes git subcommands in clone working directories.
//
// Authentication happens through a separate credential helper executable
// that git invokes via GIT_ASKPASS. The helper prints the token for the
// matching host and a sentinel for everything else, git can never block on an
// interactive credential prompt.
package gitcmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/octobot/octobot/internal/logfields"
)

const loggerName = "git"

// Error is returned for git invocations that exited with a non-zero status.
// It carries the captured stderr of the subprocess.
type Error struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), e.Err)
	}

	return fmt.Sprintf("git %s: %s: %s", strings.Join(e.Args, " "), e.Err, stderr)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Runner executes git commands for one host with the credential helper
// configured.
type Runner struct {
	host        string
	token       string
	askPassPath string
	logger      *zap.Logger
}

func NewRunner(host, token, askPassPath string) *Runner {
	return &Runner{
		host:        host,
		token:       token,
		askPassPath: askPassPath,
		logger:      zap.L().Named(loggerName).With(logfields.Host(host)),
	}
}

// Run executes git with the given arguments in dir and returns its trimmed
// stdout.
// A non-zero exit status is returned as *Error, the process is never
// terminated because of it.
func (r *Runner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	return r.run(ctx, dir, "", args)
}

// RunWithStdin is Run with the given string provided on stdin, needed for
// commands like "commit --amend -F -".
func (r *Runner) RunWithStdin(ctx context.Context, dir, stdin string, args ...string) (string, error) {
	return r.run(ctx, dir, stdin, args)
}

func (r *Runner) run(ctx context.Context, dir, stdin string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	cmd.Env = append(os.Environ(),
		"GIT_ASKPASS="+r.askPassPath,
		"GIT_TERMINAL_PROMPT=0",
		"OCTOBOT_HOST="+r.host,
		"OCTOBOT_PASS="+r.token,
	)

	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug(
		"running git command",
		logfields.Event("git_command_running"),
		zap.Strings("git.args", args),
		logfields.CloneDir(dir),
	)

	if err := cmd.Run(); err != nil {
		return "", &Error{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}

	return strings.TrimSpace(stdout.String()), nil
}

// CurrentBranch returns the branch dir is checked out to.
func (r *Runner) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return r.Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// HasBranch returns true when a local branch with the name exists in dir.
func (r *Runner) HasBranch(ctx context.Context, dir, branch string) bool {
	_, err := r.Run(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// AuthedCloneURL composes the https clone URL for the repository.
// The URL carries only the placeholder user, the credential helper provides
// the token when git asks for it.
func (r *Runner) AuthedCloneURL(owner, repo string) string {
	return fmt.Sprintf("https://x-access-token@%s/%s/%s", r.host, owner, repo)
}
