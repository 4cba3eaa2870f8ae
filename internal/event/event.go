// Package event contains the typed model for webhook events received from a
// github-like hosting platform.
//
// Incoming webhook payloads are parsed into one variant of the WebhookEvent
// sum type. Every variant carries the repository the event belongs to and the
// user that triggered it.
package event

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/octobot/octobot/internal/logfields"
)

// RepoKey identifies a repository on a hosting platform uniquely.
// It is the identity used for config lookups, work queue routing and clone
// pool partitioning.
type RepoKey struct {
	Host  string
	Owner string
	Repo  string
}

func (k RepoKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Host, k.Owner, k.Repo)
}

func (k RepoKey) LogFields() []zap.Field {
	return []zap.Field{
		logfields.Host(k.Host),
		logfields.RepositoryOwner(k.Owner),
		logfields.Repository(k.Repo),
	}
}

// User is a hosting platform account.
type User struct {
	Login string `json:"login"`
}

// Repository is the repository reference carried in webhook payloads.
type Repository struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Owner    User   `json:"owner"`
	HTMLURL  string `json:"html_url"`
}

// Key derives the RepoKey from the repository HTML URL host plus owner and
// name.
func (r *Repository) Key() (RepoKey, error) {
	u, err := url.Parse(r.HTMLURL)
	if err != nil {
		return RepoKey{}, fmt.Errorf("parsing repository url %q: %w", r.HTMLURL, err)
	}

	if u.Host == "" || r.Owner.Login == "" || r.Name == "" {
		return RepoKey{}, fmt.Errorf("repository reference is incomplete: url: %q, owner: %q, name: %q",
			r.HTMLURL, r.Owner.Login, r.Name)
	}

	return RepoKey{
		Host:  u.Host,
		Owner: r.Owner.Login,
		Repo:  r.Name,
	}, nil
}

// Label is a pull request label.
type Label struct {
	Name string `json:"name"`
}

// PullRequest is the pull request object carried in webhook payloads and
// returned by the hosting platform client.
type PullRequest struct {
	Number         int     `json:"number"`
	Title          string  `json:"title"`
	Body           string  `json:"body"`
	HTMLURL        string  `json:"html_url"`
	User           User    `json:"user"`
	Assignees      []User  `json:"assignees"`
	Labels         []Label `json:"labels"`
	Merged         bool    `json:"merged"`
	MergeCommitSHA string  `json:"merge_commit_sha"`
	Head           Ref     `json:"head"`
	Base           Ref     `json:"base"`
}

// Ref is a branch reference of a pull request.
type Ref struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// Comment is a review-, issue- or commit comment.
type Comment struct {
	Body     string `json:"body"`
	HTMLURL  string `json:"html_url"`
	User     User   `json:"user"`
	CommitID string `json:"commit_id"`
	Path     string `json:"path"`
}

// Review is a submitted pull request review.
type Review struct {
	State   string `json:"state"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
	User    User   `json:"user"`
}

// Issue is the issue object of issue_comment events. Pull requests are issues
// on the hosting platform, the comment handling only needs title, url and
// user.
type Issue struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	HTMLURL   string `json:"html_url"`
	User      User   `json:"user"`
	Assignees []User `json:"assignees"`
}

// PushCommit is one commit of a push event payload.
type PushCommit struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	URL     string `json:"url"`
	Author  User   `json:"author"`
}

// WebhookEvent is the sum of all webhook event variants that the daemon
// processes.
type WebhookEvent interface {
	// Kind returns the hosting platform event name, e.g. "pull_request".
	Kind() string
	// Repo returns the repository the event belongs to.
	Repo() *Repository
	// TriggeredBy returns the user that caused the event.
	TriggeredBy() *User
}

type common struct {
	Repository Repository
	Sender     User
}

func (c *common) Repo() *Repository { return &c.Repository }
func (c *common) TriggeredBy() *User {
	return &c.Sender
}

// SetCommon sets the repository and sender shared by all variants, used by
// the payload parser.
func (c *common) SetCommon(repo Repository, sender User) {
	c.Repository = repo
	c.Sender = sender
}

type Ping struct {
	common
}

func (*Ping) Kind() string { return "ping" }

type Push struct {
	common

	Ref     string
	Before  string
	After   string
	Created bool
	Deleted bool
	Forced  bool
	Compare string
	Commits []PushCommit
}

func (*Push) Kind() string { return "push" }

// Branch returns the pushed branch name without the refs/heads/ prefix.
func (p *Push) Branch() string {
	return strings.TrimPrefix(p.Ref, "refs/heads/")
}

type PullRequestEvent struct {
	common

	Action      string
	PullRequest PullRequest
	// Label is only set for labeled/unlabeled actions.
	Label *Label
}

func (*PullRequestEvent) Kind() string { return "pull_request" }

type ReviewEvent struct {
	common

	Action      string
	PullRequest PullRequest
	Review      Review
}

func (*ReviewEvent) Kind() string { return "pull_request_review" }

type PullRequestCommentEvent struct {
	common

	Action      string
	PullRequest PullRequest
	Comment     Comment
}

func (*PullRequestCommentEvent) Kind() string { return "pull_request_review_comment" }

type IssueCommentEvent struct {
	common

	Action  string
	Issue   Issue
	Comment Comment
}

func (*IssueCommentEvent) Kind() string { return "issue_comment" }

type CommitCommentEvent struct {
	common

	Action  string
	Comment Comment
}

func (*CommitCommentEvent) Kind() string { return "commit_comment" }

type StatusEvent struct {
	common

	SHA         string
	State       string
	Description string
	TargetURL   string
	Context     string
}

func (*StatusEvent) Kind() string { return "status" }
