package gitcmd

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gitAvailable(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is not installed")
	}
}

func newTestRunner() *Runner {
	return NewRunner("git.example.com", "secret-token", "/usr/bin/false")
}

func TestErrorCarriesStderr(t *testing.T) {
	err := &Error{
		Args:   []string{"cherry-pick", "-X", "ignore-all-space", "deadbee"},
		Stderr: "error: could not apply deadbee\n",
		Err:    errors.New("exit status 1"),
	}

	assert.Contains(t, err.Error(), "git cherry-pick -X ignore-all-space deadbee")
	assert.Contains(t, err.Error(), "could not apply deadbee")
	assert.Contains(t, err.Error(), "exit status 1")
}

func TestErrorWithoutStderr(t *testing.T) {
	err := &Error{
		Args: []string{"fetch"},
		Err:  errors.New("exit status 128"),
	}

	assert.Equal(t, "git fetch: exit status 128", err.Error())
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("exit status 1")
	err := &Error{Args: []string{"fetch"}, Err: inner}

	assert.ErrorIs(t, err, inner)
}

func TestAuthedCloneURL(t *testing.T) {
	r := NewRunner("git.example.com", "secret-token", "/usr/local/bin/octobot-askpass")

	url := r.AuthedCloneURL("acme", "widget")
	assert.Equal(t, "https://x-access-token@git.example.com/acme/widget", url)

	// the token never appears in the clone URL, git requests it through
	// the credential helper
	assert.NotContains(t, url, "secret-token")
}

func TestRunExecutesGitInDir(t *testing.T) {
	gitAvailable(t)

	dir := t.TempDir()
	r := newTestRunner()

	_, err := r.Run(context.Background(), dir, "init")
	require.NoError(t, err)

	out, err := r.Run(context.Background(), dir, "rev-parse", "--is-inside-work-tree")
	require.NoError(t, err)
	assert.Equal(t, "true", out)
}

func TestRunReturnsStructuredErrorWithStderr(t *testing.T) {
	gitAvailable(t)

	dir := t.TempDir()
	r := newTestRunner()

	_, err := r.Run(context.Background(), dir, "init")
	require.NoError(t, err)

	_, err = r.Run(context.Background(), dir, "rev-parse", "--verify", "refs/heads/missing")
	require.Error(t, err)

	var gitErr *Error
	require.ErrorAs(t, err, &gitErr)
	assert.NotEmpty(t, gitErr.Stderr)
	assert.Contains(t, gitErr.Error(), "rev-parse")
}

func TestRunWithStdinProvidesInput(t *testing.T) {
	gitAvailable(t)

	dir := t.TempDir()
	r := newTestRunner()

	_, err := r.Run(context.Background(), dir, "init")
	require.NoError(t, err)

	sha, err := r.RunWithStdin(context.Background(), dir, "stdin content\n", "hash-object", "-w", "--stdin")
	require.NoError(t, err)
	require.Len(t, sha, 40)

	content, err := r.Run(context.Background(), dir, "cat-file", "-p", sha)
	require.NoError(t, err)
	assert.Equal(t, "stdin content", content)
}

func TestCurrentBranchAndHasBranch(t *testing.T) {
	gitAvailable(t)

	dir := t.TempDir()
	r := newTestRunner()

	_, err := r.Run(context.Background(), dir, "init")
	require.NoError(t, err)

	_, err = r.Run(context.Background(), dir, "checkout", "-b", "work")
	require.NoError(t, err)

	_, err = r.Run(context.Background(), dir,
		"-c", "user.name=octobot-test",
		"-c", "user.email=octobot-test@example.com",
		"commit", "--allow-empty", "-m", "initial",
	)
	require.NoError(t, err)

	branch, err := r.CurrentBranch(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "work", branch)

	assert.True(t, r.HasBranch(context.Background(), dir, "work"))
	assert.False(t, r.HasBranch(context.Background(), dir, "missing"))
}
