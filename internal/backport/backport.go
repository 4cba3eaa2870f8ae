// Package backport propagates merged pull requests to maintenance branches.
//
// A job cherry-picks the merge commit of a merged pull request onto the
// target branch in a leased clone directory, pushes the resulting branch and
// opens a derived pull request for it.
//
// A job is a linear state machine:
//
//	Pending -> Validating -> Preparing -> CherryPicking -> Pushing -> Opening -> Done
//
// Every state can fail, a failed job releases its clone lease and is not
// retried. Re-labeling the source pull request schedules a new job.
package backport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/octobot/octobot/internal/clonepool"
	"github.com/octobot/octobot/internal/event"
	"github.com/octobot/octobot/internal/gitcmd"
	"github.com/octobot/octobot/internal/logfields"
)

const loggerName = "backport"

const releaseBranchPrefix = "release/"

var prRefSuffixRe = regexp.MustCompile(`(\s*\(#\d+\))+$`)

// Job describes one backport of a merged pull request to a target branch.
// Its identity is (Key, SrcPRNumber, TargetBranch).
type Job struct {
	Key          event.RepoKey
	SrcPRNumber  int
	TargetBranch string
}

func (j *Job) String() string {
	return fmt.Sprintf("backport of %s pr #%d to %s", j.Key, j.SrcPRNumber, j.TargetBranch)
}

func (j *Job) LogFields() []zap.Field {
	return append(j.Key.LogFields(),
		logfields.PullRequest(j.SrcPRNumber),
		logfields.TargetBranch(j.TargetBranch),
	)
}

// HostSession is the hosting platform API surface the engine needs.
type HostSession interface {
	Host() string
	Token() string
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*event.PullRequest, error)
	ListOpenPullRequests(ctx context.Context, owner, repo string) ([]*event.PullRequest, error)
	CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (*event.PullRequest, error)
	AssignPullRequest(ctx context.Context, owner, repo string, number int, assignees []string) error
}

// SessionSource hands out the API session for a host.
type SessionSource interface {
	ForHost(host string) (HostSession, error)
}

// Engine runs backport jobs.
type Engine struct {
	sessions    SessionSource
	pool        *clonepool.Pool
	askPassPath string
	logger      *zap.Logger
}

func NewEngine(sessions SessionSource, pool *clonepool.Pool, askPassPath string) *Engine {
	return &Engine{
		sessions:    sessions,
		pool:        pool,
		askPassPath: askPassPath,
		logger:      zap.L().Named(loggerName),
	}
}

// Run executes the job and returns the opened derived pull request.
func (e *Engine) Run(ctx context.Context, job *Job) (*event.PullRequest, error) {
	logger := e.logger.With(job.LogFields()...)

	session, err := e.sessions.ForHost(job.Key.Host)
	if err != nil {
		return nil, err
	}

	logger.Debug("validating source pull request", logfields.Event("backport_validating"))

	pr, err := session.GetPullRequest(ctx, job.Key.Owner, job.Key.Repo, job.SrcPRNumber)
	if err != nil {
		return nil, fmt.Errorf("fetching source pull request: %w", err)
	}

	if !pr.Merged {
		return nil, fmt.Errorf("pull request #%d is not yet merged", pr.Number)
	}

	if pr.MergeCommitSHA == "" {
		return nil, fmt.Errorf("pull request #%d has no merge commit", pr.Number)
	}

	derivedBranch := lastSegment(pr.Head.Ref) + "-" + lastSegment(job.TargetBranch)

	openPRs, err := session.ListOpenPullRequests(ctx, job.Key.Owner, job.Key.Repo)
	if err != nil {
		return nil, fmt.Errorf("listing open pull requests: %w", err)
	}

	for _, open := range openPRs {
		if open.Head.Ref == derivedBranch {
			return nil, fmt.Errorf("pull request already opened for branch %q: #%d", derivedBranch, open.Number)
		}
	}

	lease, err := e.pool.Acquire(ctx, job.Key)
	if err != nil {
		return nil, fmt.Errorf("acquiring clone directory: %w", err)
	}
	defer e.pool.Release(lease)

	logger = logger.With(logfields.CloneDir(lease.Path()), logfields.Branch(derivedBranch))
	logger.Debug("preparing worktree", logfields.Event("backport_preparing"))

	git := gitcmd.NewRunner(session.Host(), session.Token(), e.askPassPath)

	title, body, err := e.cherryPick(ctx, git, lease.Path(), job, pr, derivedBranch, logger)
	if err != nil {
		return nil, err
	}

	logger.Debug("pushing derived branch", logfields.Event("backport_pushing"))

	if err := e.push(ctx, git, lease.Path(), derivedBranch); err != nil {
		return nil, err
	}

	logger.Debug("opening derived pull request", logfields.Event("backport_opening"))

	newPR, err := session.CreatePullRequest(ctx, job.Key.Owner, job.Key.Repo, title, body, derivedBranch, job.TargetBranch)
	if err != nil {
		return nil, fmt.Errorf("creating derived pull request: %w", err)
	}

	assignees := make([]string, 0, len(pr.Assignees))
	for _, a := range pr.Assignees {
		assignees = append(assignees, a.Login)
	}

	if err := session.AssignPullRequest(ctx, job.Key.Owner, job.Key.Repo, newPR.Number, assignees); err != nil {
		return nil, fmt.Errorf("assigning derived pull request: %w", err)
	}

	logger.Info(
		"backport pull request opened",
		logfields.Event("backport_done"),
		zap.Int("github.derived_pull_request", newPR.Number),
	)

	return newPR, nil
}

// prepareWorktree brings the clone directory to a fresh checkout of the
// derived branch on top of origin/<target>.
func (e *Engine) prepareWorktree(ctx context.Context, git *gitcmd.Runner, dir string, job *Job, derivedBranch string) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating clone directory: %w", err)
		}

		if _, err := git.Run(ctx, dir, "clone", git.AuthedCloneURL(job.Key.Owner, job.Key.Repo), "."); err != nil {
			return fmt.Errorf("cloning repository: %w", err)
		}
	} else {
		if _, err := git.Run(ctx, dir, "fetch"); err != nil {
			return fmt.Errorf("fetching origin: %w", err)
		}
	}

	remoteTarget := "origin/" + job.TargetBranch

	if _, err := git.Run(ctx, dir, "reset", "--hard", remoteTarget); err != nil {
		return fmt.Errorf("resetting to %s: %w", remoteTarget, err)
	}

	if _, err := git.Run(ctx, dir, "clean", "-fdx"); err != nil {
		return fmt.Errorf("cleaning worktree: %w", err)
	}

	currentBranch, err := git.CurrentBranch(ctx, dir)
	if err != nil {
		return fmt.Errorf("reading current branch: %w", err)
	}

	if currentBranch != derivedBranch {
		// delete a leftover branch from an earlier job, a failure is
		// expected when none exists
		_, _ = git.Run(ctx, dir, "branch", "-d", derivedBranch)

		if _, err := git.Run(ctx, dir, "checkout", "-f", "-b", derivedBranch, remoteTarget); err != nil {
			return fmt.Errorf("checking out %s: %w", derivedBranch, err)
		}
	}

	return nil
}

func (e *Engine) cherryPick(ctx context.Context, git *gitcmd.Runner, dir string, job *Job, pr *event.PullRequest, derivedBranch string, logger *zap.Logger) (title, body string, err error) {
	if err := e.prepareWorktree(ctx, git, dir, job, derivedBranch); err != nil {
		return "", "", err
	}

	logger.Debug("cherry-picking merge commit", logfields.Event("backport_cherry_picking"))

	if _, err := git.Run(ctx, dir, "cherry-pick", "-X", "ignore-all-space", pr.MergeCommitSHA); err != nil {
		_, _ = git.Run(ctx, dir, "cherry-pick", "--abort")
		return "", "", fmt.Errorf("cherry-picking %s onto %s: %w", pr.MergeCommitSHA, job.TargetBranch, err)
	}

	origTitle, origBody, err := e.commitDesc(ctx, git, dir, pr.MergeCommitSHA)
	if err != nil {
		return "", "", err
	}

	title = composeTitle(origTitle, pr.Base.Ref, job.TargetBranch)
	body = composeBody(origBody, pr.MergeCommitSHA, pr.Number)

	if _, err := git.RunWithStdin(ctx, dir, title+"\n\n"+body, "commit", "--amend", "-F", "-"); err != nil {
		return "", "", fmt.Errorf("amending commit message: %w", err)
	}

	return title, body, nil
}

func (e *Engine) push(ctx context.Context, git *gitcmd.Runner, dir, derivedBranch string) error {
	remotes, err := git.Run(ctx, dir, "ls-remote", "--heads")
	if err != nil {
		return fmt.Errorf("listing remote branches: %w", err)
	}

	if strings.Contains(remotes, "refs/heads/"+derivedBranch) {
		return fmt.Errorf("branch %q already exists on origin", derivedBranch)
	}

	if _, err := git.Run(ctx, dir, "push", "origin", derivedBranch+":"+derivedBranch); err != nil {
		return fmt.Errorf("pushing %s: %w", derivedBranch, err)
	}

	return nil
}

// commitDesc returns the title and body of the commit message.
func (e *Engine) commitDesc(ctx context.Context, git *gitcmd.Runner, dir, sha string) (title, body string, err error) {
	out, err := git.Run(ctx, dir, "log", "-1", "--pretty=%B", sha)
	if err != nil {
		return "", "", fmt.Errorf("reading commit message of %s: %w", sha, err)
	}

	lines := strings.Split(out, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}

	if len(lines) == 0 || lines[0] == "" {
		return "", "", errors.New("empty commit message found")
	}

	title = lines[0]

	if len(lines) > 2 {
		body = strings.Join(lines[2:], "\n")
	}

	return title, body, nil
}

// composeTitle rewrites the original commit title for the derived pull
// request: "<base>-><target>: <title>", with trailing "(#N)" references
// stripped from the title and a leading release branch prefix stripped from
// both branch names.
func composeTitle(origTitle, origBase, targetBranch string) string {
	title := prRefSuffixRe.ReplaceAllString(origTitle, "")

	return fmt.Sprintf("%s->%s: %s",
		strings.TrimPrefix(origBase, releaseBranchPrefix),
		strings.TrimPrefix(targetBranch, releaseBranchPrefix),
		title,
	)
}

func composeBody(origBody, mergeCommitSHA string, srcPRNumber int) string {
	body := strings.TrimSpace(origBody)
	if body != "" {
		body += "\n\n"
	}

	return body + fmt.Sprintf("(cherry-picked from %s, PR #%d)", shortSHA(mergeCommitSHA), srcPRNumber)
}

func shortSHA(sha string) string {
	if len(sha) <= 7 {
		return sha
	}

	return sha[:7]
}

func lastSegment(branch string) string {
	if idx := strings.LastIndex(branch, "/"); idx >= 0 {
		return branch[idx+1:]
	}

	return branch
}
