package backport

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/octobot/octobot/internal/clonepool"
	"github.com/octobot/octobot/internal/event"
)

// The tests in this file run real git against a bare origin repository in a
// temporary directory and drive the whole engine through fetch, reset,
// cherry-pick, amend, the ls-remote guard and push.

func gitAvailable(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is not installed")
	}
}

func setGitIdentity(t *testing.T) {
	t.Helper()

	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	t.Setenv("GIT_AUTHOR_NAME", "octobot-test")
	t.Setenv("GIT_AUTHOR_EMAIL", "octobot-test@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "octobot-test")
	t.Setenv("GIT_COMMITTER_EMAIL", "octobot-test@example.com")
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v failed: %s", args, out)

	return strings.TrimSpace(string(out))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

type gitFixture struct {
	originDir string
	seedDir   string
	cloneRoot string
	mergeSHA  string
}

func (f *gitFixture) poolDir() string {
	return filepath.Join(f.cloneRoot, "git.example.com", "acme", "widget", "1")
}

// setupGitRepos builds a bare origin with a master branch, a release/1.5
// branch and a squash-merge commit on master, plus a pre-seeded pool clone.
// With conflicting=true the merge commit collides with a change on
// release/1.5 so that cherry-picking it fails.
func setupGitRepos(t *testing.T, conflicting bool) *gitFixture {
	t.Helper()

	gitAvailable(t)
	setGitIdentity(t)

	tmp := t.TempDir()
	originDir := filepath.Join(tmp, "origin.git")
	seedDir := filepath.Join(tmp, "seed")

	runGit(t, tmp, "init", "--bare", originDir)
	runGit(t, tmp, "clone", originDir, seedDir)

	runGit(t, seedDir, "checkout", "-b", "master")
	writeFile(t, filepath.Join(seedDir, "base.txt"), "base content\n")
	runGit(t, seedDir, "add", ".")
	runGit(t, seedDir, "commit", "-m", "base")
	runGit(t, seedDir, "push", "origin", "master")

	runGit(t, seedDir, "branch", "release/1.5")

	if conflicting {
		runGit(t, seedDir, "checkout", "release/1.5")
		writeFile(t, filepath.Join(seedDir, "base.txt"), "release change\n")
		runGit(t, seedDir, "add", ".")
		runGit(t, seedDir, "commit", "-m", "release change")
		runGit(t, seedDir, "push", "origin", "release/1.5")
		runGit(t, seedDir, "checkout", "master")

		writeFile(t, filepath.Join(seedDir, "base.txt"), "master change\n")
	} else {
		runGit(t, seedDir, "push", "origin", "release/1.5")

		writeFile(t, filepath.Join(seedDir, "feature.txt"), "feature\n")
	}

	runGit(t, seedDir, "add", ".")
	runGit(t, seedDir, "commit", "-m", "Fix the frobnicator (#22)", "-m", "body text")
	mergeSHA := runGit(t, seedDir, "rev-parse", "HEAD")
	runGit(t, seedDir, "push", "origin", "master")

	runGit(t, originDir, "symbolic-ref", "HEAD", "refs/heads/master")

	fixture := gitFixture{
		originDir: originDir,
		seedDir:   seedDir,
		cloneRoot: filepath.Join(tmp, "repos"),
		mergeSHA:  mergeSHA,
	}

	require.NoError(t, os.MkdirAll(filepath.Dir(fixture.poolDir()), 0o755))
	runGit(t, tmp, "clone", originDir, fixture.poolDir())
	runGit(t, fixture.poolDir(), "checkout", "master")

	return &fixture
}

// recordingSession is a fake API session whose repository lives in the local
// bare origin.
type recordingSession struct {
	pr *event.PullRequest

	created      *event.PullRequest
	createdTitle string
	createdBody  string
	createdHead  string
	createdBase  string
	assignedTo   []string
}

func (s *recordingSession) Host() string  { return "git.example.com" }
func (s *recordingSession) Token() string { return "unused-token" }

func (s *recordingSession) GetPullRequest(context.Context, string, string, int) (*event.PullRequest, error) {
	return s.pr, nil
}

func (s *recordingSession) ListOpenPullRequests(context.Context, string, string) ([]*event.PullRequest, error) {
	return nil, nil
}

func (s *recordingSession) CreatePullRequest(_ context.Context, _, _, title, body, head, base string) (*event.PullRequest, error) {
	s.createdTitle = title
	s.createdBody = body
	s.createdHead = head
	s.createdBase = base

	s.created = &event.PullRequest{
		Number:  23,
		Title:   title,
		Body:    body,
		HTMLURL: "https://git.example.com/acme/widget/pull/23",
		Head:    event.Ref{Ref: head},
		Base:    event.Ref{Ref: base},
	}

	return s.created, nil
}

func (s *recordingSession) AssignPullRequest(_ context.Context, _, _ string, _ int, assignees []string) error {
	s.assignedTo = assignees
	return nil
}

type staticSessions struct {
	session HostSession
}

func (s *staticSessions) ForHost(string) (HostSession, error) {
	return s.session, nil
}

func newGitTestEngine(fixture *gitFixture, session *recordingSession) *Engine {
	return NewEngine(
		&staticSessions{session: session},
		clonepool.New(fixture.cloneRoot, 1),
		"/usr/bin/false",
	)
}

func sourcePullRequest(mergeSHA string) *event.PullRequest {
	return &event.PullRequest{
		Number:         22,
		Title:          "Fix the frobnicator (#22)",
		HTMLURL:        "https://git.example.com/acme/widget/pull/22",
		User:           event.User{Login: "alice"},
		Assignees:      []event.User{{Login: "bob-jones"}, {Login: "carol"}},
		Merged:         true,
		MergeCommitSHA: mergeSHA,
		Head:           event.Ref{Ref: "feature"},
		Base:           event.Ref{Ref: "master"},
	}
}

func TestRunBackportsMergeCommitEndToEnd(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	fixture := setupGitRepos(t, false)
	session := &recordingSession{pr: sourcePullRequest(fixture.mergeSHA)}
	engine := newGitTestEngine(fixture, session)

	job := Job{Key: testKey, SrcPRNumber: 22, TargetBranch: "release/1.5"}

	newPR, err := engine.Run(context.Background(), &job)
	require.NoError(t, err)
	require.NotNil(t, newPR)
	assert.Equal(t, 23, newPR.Number)

	assert.Equal(t, "feature-1.5", session.createdHead)
	assert.Equal(t, "release/1.5", session.createdBase)
	assert.Equal(t, "master->1.5: Fix the frobnicator", session.createdTitle)
	assert.Equal(t,
		"body text\n\n(cherry-picked from "+fixture.mergeSHA[:7]+", PR #22)",
		session.createdBody,
	)
	assert.Equal(t, []string{"bob-jones", "carol"}, session.assignedTo)

	// the derived branch was pushed to origin with the cherry-picked
	// change and the rewritten commit message
	content := runGit(t, fixture.originDir, "show", "refs/heads/feature-1.5:feature.txt")
	assert.Equal(t, "feature", content)

	msg := runGit(t, fixture.originDir, "log", "-1", "--pretty=%B", "refs/heads/feature-1.5")
	assert.Equal(t, session.createdTitle+"\n\n"+session.createdBody, msg)

	// re-submitting the same job fails because the derived branch already
	// exists on origin, the remote is not mutated
	before := runGit(t, fixture.originDir, "rev-parse", "refs/heads/feature-1.5")

	_, err = engine.Run(context.Background(), &job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	after := runGit(t, fixture.originDir, "rev-parse", "refs/heads/feature-1.5")
	assert.Equal(t, before, after)
}

func TestRunDoesNotPushWhenBranchExistsOnOrigin(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	fixture := setupGitRepos(t, false)

	runGit(t, fixture.seedDir, "push", "origin", "master:feature-1.5")
	before := runGit(t, fixture.originDir, "rev-parse", "refs/heads/feature-1.5")

	session := &recordingSession{pr: sourcePullRequest(fixture.mergeSHA)}
	engine := newGitTestEngine(fixture, session)

	_, err := engine.Run(context.Background(), &Job{
		Key:          testKey,
		SrcPRNumber:  22,
		TargetBranch: "release/1.5",
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	assert.Empty(t, session.createdHead, "a pull request was created despite the collision")

	after := runGit(t, fixture.originDir, "rev-parse", "refs/heads/feature-1.5")
	assert.Equal(t, before, after)
}

func TestRunFailsOnCherryPickConflict(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	fixture := setupGitRepos(t, true)
	session := &recordingSession{pr: sourcePullRequest(fixture.mergeSHA)}
	engine := newGitTestEngine(fixture, session)

	_, err := engine.Run(context.Background(), &Job{
		Key:          testKey,
		SrcPRNumber:  22,
		TargetBranch: "release/1.5",
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cherry-picking")
	assert.Empty(t, session.createdHead)

	// the conflicted cherry-pick was aborted, the worktree is usable for
	// the next job
	_, statErr := os.Stat(filepath.Join(fixture.poolDir(), ".git", "CHERRY_PICK_HEAD"))
	assert.True(t, os.IsNotExist(statErr))
}
