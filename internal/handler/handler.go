// Package handler dispatches normalized webhook events to their effects:
// chat notifications, backport jobs on the per-repository work queue and
// issue tracker transitions.
//
// For a single webhook, notifications are always emitted before a backport
// job is enqueued, chat ordering reflects causality.
package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/octobot/octobot/internal/backport"
	"github.com/octobot/octobot/internal/event"
	"github.com/octobot/octobot/internal/githubclt"
	"github.com/octobot/octobot/internal/logfields"
	"github.com/octobot/octobot/internal/notify"
	"github.com/octobot/octobot/internal/store"
)

const loggerName = "event-handler"

//go:generate mockgen -destination=mocks/mock_githubclient.go -package=mocks github.com/octobot/octobot/internal/handler GithubClient

// GithubClient is the per-host hosting platform API surface the handler
// needs.
type GithubClient interface {
	AuthenticatedLogin(ctx context.Context) (string, error)
	ListLabels(ctx context.Context, owner, repo string, number int) ([]string, error)
	ListOpenPullRequests(ctx context.Context, owner, repo string) ([]*event.PullRequest, error)
	ListPullRequestCommits(ctx context.Context, owner, repo string, number int) ([]*event.PushCommit, error)
}

// SessionSource hands out the API client for a host.
type SessionSource interface {
	ForHost(host string) (GithubClient, error)
}

// Notifier fans out chat messages, implemented by notify.Notifier.
type Notifier interface {
	SendToAll(ctx context.Context, msg string, attachments []notify.Attachment, owner, sender *event.User, repo *event.Repository, participants []event.User)
	SendToOwner(ctx context.Context, msg string, attachments []notify.Attachment, owner *event.User, repo *event.Repository)
}

// Backporter runs one backport job, implemented by backport.Engine.
type Backporter interface {
	Run(ctx context.Context, job *backport.Job) (*event.PullRequest, error)
}

// Enqueuer appends jobs to the per-repository work queues, implemented by
// workqueue.Registry.
type Enqueuer interface {
	Enqueue(key event.RepoKey, name string, fn func(context.Context) error) error
}

// IssueTracker ties pull request lifecycle to tracker transitions,
// implemented by jira.Coordinator.
type IssueTracker interface {
	SubmitForReview(ctx context.Context, pr *event.PullRequest, commits []*event.PushCommit, projects []string)
	ResolveMerged(ctx context.Context, pr *event.PullRequest, version string, projects []string)
}

// EventHandler reacts to webhook events.
type EventHandler struct {
	store      *store.Store
	notifier   Notifier
	sessions   SessionSource
	backporter Backporter
	queues     Enqueuer
	// tracker is nil when no issue tracker is configured
	tracker IssueTracker

	logger *zap.Logger
}

func New(st *store.Store, notifier Notifier, sessions SessionSource, backporter Backporter, queues Enqueuer, tracker IssueTracker) *EventHandler {
	return &EventHandler{
		store:      st,
		notifier:   notifier,
		sessions:   sessions,
		backporter: backporter,
		queues:     queues,
		tracker:    tracker,
		logger:     zap.L().Named(loggerName),
	}
}

// HandleEvent runs the effects of the event and returns the http status for
// the webhook response.
func (h *EventHandler) HandleEvent(ctx context.Context, ev event.WebhookEvent) int {
	switch ev := ev.(type) {
	case *event.Ping:
		return http.StatusOK

	case *event.Push:
		return h.handlePush(ctx, ev)

	case *event.PullRequestEvent:
		return h.handlePullRequest(ctx, ev)

	case *event.ReviewEvent:
		return h.handleReview(ctx, ev)

	case *event.PullRequestCommentEvent:
		if ev.Action == "created" {
			h.doSubjectComment(ctx, ev.Repo(), &ev.Sender, commentSubject{
				owner:     ev.PullRequest.User,
				title:     ev.PullRequest.Title,
				htmlURL:   ev.PullRequest.HTMLURL,
				number:    ev.PullRequest.Number,
				assignees: ev.PullRequest.Assignees,
			}, ev.Comment.Body, ev.Comment.HTMLURL, ev.Comment.User)
		}
		return http.StatusOK

	case *event.IssueCommentEvent:
		if ev.Action == "created" {
			h.doSubjectComment(ctx, ev.Repo(), &ev.Sender, commentSubject{
				owner:     ev.Issue.User,
				title:     ev.Issue.Title,
				htmlURL:   ev.Issue.HTMLURL,
				number:    ev.Issue.Number,
				assignees: ev.Issue.Assignees,
			}, ev.Comment.Body, ev.Comment.HTMLURL, ev.Comment.User)
		}
		return http.StatusOK

	case *event.CommitCommentEvent:
		return h.handleCommitComment(ctx, ev)

	case *event.StatusEvent:
		return h.handleStatus(ctx, ev)

	default:
		h.logger.Warn(
			"no handler for event variant",
			logfields.Event("event_variant_unhandled"),
			zap.String("event_kind", ev.Kind()),
		)
		return http.StatusOK
	}
}

func (h *EventHandler) handlePullRequest(ctx context.Context, ev *event.PullRequestEvent) int {
	key, err := ev.Repository.Key()
	if err != nil {
		h.logger.Error(
			"dropping event, repository reference is invalid",
			logfields.Event("event_repository_invalid"),
			zap.Error(err),
		)
		return http.StatusBadRequest
	}

	pr := &ev.PullRequest
	merged := ev.Action == "closed" && pr.Merged

	var verb string
	switch ev.Action {
	case "opened":
		verb = "opened by " + h.chatHandle(key.Host, pr.User.Login)
	case "closed":
		if pr.Merged {
			verb = "merged"
		} else {
			verb = "closed"
		}
	case "reopened":
		verb = "reopened"
	case "assigned":
		verb = "assigned to " + strings.Join(h.mentions(key.Host, pr.Assignees), ", ")
	case "unassigned":
		verb = "unassigned"
	case "labeled":
		if ev.Label != nil {
			verb = "labeled with " + ev.Label.Name
		}
	}

	if verb != "" {
		commits := h.pullRequestCommits(ctx, key, pr.Number)

		attachments := []notify.Attachment{
			notify.NewAttachmentBuilder("").
				Title(fmt.Sprintf("Pull Request #%d: \"%s\"", pr.Number, pr.Title)).
				TitleLink(pr.HTMLURL).
				Build(),
		}

		h.notifier.SendToAll(ctx, "Pull Request "+verb, attachments,
			&pr.User, &ev.Sender, &ev.Repository, participants(pr, commits))

		repoCfg := h.store.RepoConfigOrDefault(key)

		if h.tracker != nil && repoCfg.JiraEnabled() {
			switch {
			case ev.Action == "opened" || ev.Action == "reopened":
				h.tracker.SubmitForReview(ctx, pr, commits, repoCfg.JiraProjects)
			case merged:
				h.tracker.ResolveMerged(ctx, pr, "", repoCfg.JiraProjects)
			}
		}
	}

	// notifications above are sent before any job is enqueued
	if ev.Action == "labeled" && ev.Label != nil {
		h.scheduleBackport(ctx, key, &ev.Repository, pr, ev.Label.Name)
	} else if merged {
		h.backportAllLabels(ctx, key, &ev.Repository, pr)
	}

	return http.StatusOK
}

func (h *EventHandler) handleReview(ctx context.Context, ev *event.ReviewEvent) int {
	if ev.Action != "submitted" {
		return http.StatusOK
	}

	key, err := ev.Repository.Key()
	if err != nil {
		h.logger.Error(
			"dropping event, repository reference is invalid",
			logfields.Event("event_repository_invalid"),
			zap.Error(err),
		)
		return http.StatusBadRequest
	}

	pr := &ev.PullRequest

	// a review in state "commented" is an ordinary comment
	if ev.Review.State == "commented" {
		h.doSubjectComment(ctx, &ev.Repository, &ev.Sender, commentSubject{
			owner:     pr.User,
			title:     pr.Title,
			htmlURL:   pr.HTMLURL,
			number:    pr.Number,
			assignees: pr.Assignees,
		}, ev.Review.Body, ev.Review.HTMLURL, ev.Review.User)

		return http.StatusOK
	}

	var actionMsg, stateMsg, color string
	switch ev.Review.State {
	case "approved":
		actionMsg, stateMsg, color = "approved", "Approved", "good"
	case "changes_requested":
		actionMsg, stateMsg, color = "requested changes to", "Changes Requested", "danger"
	default:
		return http.StatusOK
	}

	msg := fmt.Sprintf("%s %s PR \"%s\"",
		h.chatHandle(key.Host, ev.Review.User.Login),
		actionMsg,
		notify.MakeLink(pr.HTMLURL, pr.Title),
	)

	attachments := []notify.Attachment{
		notify.NewAttachmentBuilder(ev.Review.Body).
			Title("Review: " + stateMsg).
			TitleLink(ev.Review.HTMLURL).
			Color(color).
			Build(),
	}

	commits := h.pullRequestCommits(ctx, key, pr.Number)
	h.notifier.SendToAll(ctx, msg, attachments, &pr.User, &ev.Sender, &ev.Repository, participants(pr, commits))

	return http.StatusOK
}

type commentSubject struct {
	owner     event.User
	title     string
	htmlURL   string
	number    int
	assignees []event.User
}

// doSubjectComment notifies about a comment on a pull request or issue.
// Whitespace-only bodies and comments written by the daemon's own account
// are dropped.
func (h *EventHandler) doSubjectComment(ctx context.Context, repo *event.Repository, sender *event.User, subject commentSubject, body, commentURL string, author event.User) {
	if strings.TrimSpace(body) == "" {
		return
	}

	key, err := repo.Key()
	if err != nil {
		h.logger.Error(
			"dropping event, repository reference is invalid",
			logfields.Event("event_repository_invalid"),
			zap.Error(err),
		)
		return
	}

	if h.isOwnComment(ctx, key.Host, author.Login) {
		h.logger.Info(
			"ignoring comment written by own account",
			logfields.Event("own_comment_ignored"),
			zap.String("github.comment_author", author.Login),
		)
		return
	}

	msg := fmt.Sprintf("Comment on \"%s\"", notify.MakeLink(subject.htmlURL, subject.title))

	attachments := []notify.Attachment{
		notify.NewAttachmentBuilder(strings.TrimSpace(body)).
			Title(h.chatHandle(key.Host, author.Login) + " said:").
			TitleLink(commentURL).
			Build(),
	}

	pr := event.PullRequest{
		Number:    subject.number,
		User:      subject.owner,
		Assignees: subject.assignees,
	}
	commits := h.pullRequestCommits(ctx, key, subject.number)

	h.notifier.SendToAll(ctx, msg, attachments, &subject.owner, sender, repo, participants(&pr, commits))
}

func (h *EventHandler) handleCommitComment(ctx context.Context, ev *event.CommitCommentEvent) int {
	if ev.Action != "created" {
		return http.StatusOK
	}

	if strings.TrimSpace(ev.Comment.Body) == "" {
		return http.StatusOK
	}

	key, err := ev.Repository.Key()
	if err != nil {
		h.logger.Error(
			"dropping event, repository reference is invalid",
			logfields.Event("event_repository_invalid"),
			zap.Error(err),
		)
		return http.StatusBadRequest
	}

	if ev.Comment.CommitID == "" {
		return http.StatusOK
	}

	if h.isOwnComment(ctx, key.Host, ev.Comment.User.Login) {
		return http.StatusOK
	}

	commit := shortSHA(ev.Comment.CommitID)
	commitURL := fmt.Sprintf("%s/commit/%s", ev.Repository.HTMLURL, ev.Comment.CommitID)

	commitPath := ev.Comment.Path
	if commitPath == "" {
		commitPath = commit
	}

	msg := fmt.Sprintf("Comment on \"%s\" (%s)", commitPath, notify.MakeLink(commitURL, commit))

	attachments := []notify.Attachment{
		notify.NewAttachmentBuilder(strings.TrimSpace(ev.Comment.Body)).
			Title(h.chatHandle(key.Host, ev.Comment.User.Login) + " said:").
			TitleLink(ev.Comment.HTMLURL).
			Build(),
	}

	h.notifier.SendToAll(ctx, msg, attachments, &ev.Comment.User, &ev.Sender, &ev.Repository, nil)

	return http.StatusOK
}

func (h *EventHandler) handleStatus(ctx context.Context, ev *event.StatusEvent) int {
	var msg, color string
	switch ev.State {
	case "success":
		msg, color = "Build succeeded", "good"
	case "failure", "error":
		msg, color = "Build failed", "danger"
	default:
		return http.StatusOK
	}

	key, err := ev.Repository.Key()
	if err != nil {
		h.logger.Error(
			"dropping event, repository reference is invalid",
			logfields.Event("event_repository_invalid"),
			zap.Error(err),
		)
		return http.StatusBadRequest
	}

	if ev.Context != "" {
		msg = fmt.Sprintf("%s: %s", msg, ev.Context)
	}

	attachments := []notify.Attachment{
		notify.NewAttachmentBuilder(ev.Description).
			Title(ev.Context).
			TitleLink(ev.TargetURL).
			Color(color).
			Build(),
	}

	for _, pr := range h.openPullRequestsBySHA(ctx, key, ev.SHA) {
		prAttachments := append([]notify.Attachment{
			notify.NewAttachmentBuilder("").
				Title(fmt.Sprintf("Pull Request #%d: \"%s\"", pr.Number, pr.Title)).
				TitleLink(pr.HTMLURL).
				Build(),
		}, attachments...)

		h.notifier.SendToAll(ctx, msg, prAttachments, &pr.User, &ev.Sender, &ev.Repository, pr.Assignees)
	}

	return http.StatusOK
}

func (h *EventHandler) handlePush(ctx context.Context, ev *event.Push) int {
	// branch create and delete pushes carry no commits to report
	if ev.Created || ev.Deleted {
		return http.StatusOK
	}

	if ev.Ref == "" || ev.After == "" || ev.Before == "" {
		return http.StatusOK
	}

	key, err := ev.Repository.Key()
	if err != nil {
		h.logger.Error(
			"dropping event, repository reference is invalid",
			logfields.Event("event_repository_invalid"),
			zap.Error(err),
		)
		return http.StatusBadRequest
	}

	prs := h.openPullRequestsBySHA(ctx, key, ev.After)
	if len(prs) == 0 {
		h.logger.Debug(
			"no open pull requests found for pushed commit",
			append(key.LogFields(),
				logfields.Event("push_without_pull_request"),
				logfields.Branch(ev.Branch()),
			)...,
		)
		return http.StatusOK
	}

	commitAttachments := make([]notify.Attachment, 0, len(ev.Commits))
	for _, commit := range ev.Commits {
		firstLine, _, _ := strings.Cut(commit.Message, "\n")
		text := fmt.Sprintf("%s: %s", notify.MakeLink(commit.URL, shortSHA(commit.ID)), firstLine)
		commitAttachments = append(commitAttachments, notify.NewAttachmentBuilder(text).Build())
	}

	msg := fmt.Sprintf("%s pushed %d commit(s) to branch %s",
		h.chatHandle(key.Host, ev.Sender.Login),
		len(commitAttachments),
		ev.Branch(),
	)

	for _, pr := range prs {
		attachments := append([]notify.Attachment{
			notify.NewAttachmentBuilder("").
				Title(fmt.Sprintf("Pull Request #%d: \"%s\"", pr.Number, pr.Title)).
				TitleLink(pr.HTMLURL).
				Build(),
		}, commitAttachments...)

		commits := h.pullRequestCommits(ctx, key, pr.Number)
		h.notifier.SendToAll(ctx, msg, attachments, &pr.User, &ev.Sender, &ev.Repository, participants(pr, commits))
	}

	return http.StatusOK
}

// scheduleBackport enqueues a backport job when the label matches the
// backport policy and the pull request is merged.
func (h *EventHandler) scheduleBackport(ctx context.Context, key event.RepoKey, repo *event.Repository, pr *event.PullRequest, labelName string) {
	if !pr.Merged {
		return
	}

	repoCfg := h.store.RepoConfigOrDefault(key)
	if !repoCfg.BackportEnabled {
		return
	}

	targetBranch, ok := repoCfg.BackportTarget(labelName)
	if !ok {
		return
	}

	job := backport.Job{
		Key:          key,
		SrcPRNumber:  pr.Number,
		TargetBranch: targetBranch,
	}

	logger := h.logger.With(job.LogFields()...)

	owner := pr.User
	repoCopy := *repo
	srcTitle := pr.Title
	srcURL := pr.HTMLURL

	err := h.queues.Enqueue(key, job.String(), func(jobCtx context.Context) error {
		_, err := h.backporter.Run(jobCtx, &job)
		if err != nil {
			attachments := []notify.Attachment{
				notify.NewAttachmentBuilder(backportErrorText(err)).
					Color("danger").
					Build(),
			}
			h.notifier.SendToOwner(jobCtx, "Error creating merge Pull Request", attachments, &owner, &repoCopy)

			return err
		}

		attachments := []notify.Attachment{
			notify.NewAttachmentBuilder("").
				Title(fmt.Sprintf("Pull Request #%d: \"%s\"", job.SrcPRNumber, srcTitle)).
				TitleLink(srcURL).
				Build(),
		}
		h.notifier.SendToOwner(jobCtx, "Created merge Pull Request", attachments, &owner, &repoCopy)

		return nil
	})
	if err != nil {
		logger.Error(
			"enqueueing backport job failed",
			logfields.Event("backport_enqueue_failed"),
			zap.Error(err),
		)

		attachments := []notify.Attachment{
			notify.NewAttachmentBuilder(err.Error()).
				Color("danger").
				Build(),
		}
		h.notifier.SendToOwner(ctx, "Error scheduling backport", attachments, &owner, repo)

		return
	}

	logger.Debug("backport job enqueued", logfields.Event("backport_enqueued"))
}

// backportAllLabels enqueues one backport job per matching label of a merged
// pull request.
func (h *EventHandler) backportAllLabels(ctx context.Context, key event.RepoKey, repo *event.Repository, pr *event.PullRequest) {
	if !pr.Merged {
		return
	}

	client, err := h.sessions.ForHost(key.Host)
	if err != nil {
		h.logger.Error(
			"no api session for host",
			append(key.LogFields(), logfields.Event("session_lookup_failed"), zap.Error(err))...,
		)
		return
	}

	labels, err := client.ListLabels(ctx, key.Owner, key.Repo, pr.Number)
	if err != nil {
		attachments := []notify.Attachment{
			notify.NewAttachmentBuilder(backportErrorText(err)).
				Color("danger").
				Build(),
		}
		h.notifier.SendToOwner(ctx, "Error getting Pull Request labels", attachments, &pr.User, repo)

		return
	}

	for _, label := range labels {
		h.scheduleBackport(ctx, key, repo, pr, label)
	}
}

// pullRequestCommits returns the commits of the pull request, an empty slice
// when the lookup fails.
func (h *EventHandler) pullRequestCommits(ctx context.Context, key event.RepoKey, number int) []*event.PushCommit {
	client, err := h.sessions.ForHost(key.Host)
	if err != nil {
		return nil
	}

	commits, err := client.ListPullRequestCommits(ctx, key.Owner, key.Repo, number)
	if err != nil {
		h.logger.Error(
			"looking up pull request commits failed",
			append(key.LogFields(),
				logfields.Event("pull_request_commits_lookup_failed"),
				logfields.PullRequest(number),
				zap.Error(err),
			)...,
		)
		return nil
	}

	return commits
}

func (h *EventHandler) openPullRequestsBySHA(ctx context.Context, key event.RepoKey, sha string) []*event.PullRequest {
	client, err := h.sessions.ForHost(key.Host)
	if err != nil {
		return nil
	}

	prs, err := client.ListOpenPullRequests(ctx, key.Owner, key.Repo)
	if err != nil {
		h.logger.Error(
			"looking up open pull requests failed",
			append(key.LogFields(),
				logfields.Event("open_pull_requests_lookup_failed"),
				zap.Error(err),
			)...,
		)
		return nil
	}

	var result []*event.PullRequest
	for _, pr := range prs {
		if pr.Head.SHA == sha {
			result = append(result, pr)
		}
	}

	return result
}

func (h *EventHandler) isOwnComment(ctx context.Context, host, authorLogin string) bool {
	client, err := h.sessions.ForHost(host)
	if err != nil {
		return false
	}

	login, err := client.AuthenticatedLogin(ctx)
	if err != nil {
		return false
	}

	return login != "" && login == authorLogin
}

func (h *EventHandler) chatHandle(host, login string) string {
	handle, _ := h.store.ChatHandle(host, login)
	return handle
}

func (h *EventHandler) mentions(host string, users []event.User) []string {
	result := make([]string, 0, len(users))
	for _, u := range users {
		result = append(result, notify.Mention(h.chatHandle(host, u.Login)))
	}

	return result
}

// participants merges the assignees of the pull request with the authors of
// its commits, deduplicated by login.
func participants(pr *event.PullRequest, commits []*event.PushCommit) []event.User {
	seen := map[string]struct{}{}
	var result []event.User

	add := func(u event.User) {
		if u.Login == "" {
			return
		}

		if _, exist := seen[u.Login]; exist {
			return
		}
		seen[u.Login] = struct{}{}

		result = append(result, u)
	}

	for _, a := range pr.Assignees {
		add(a)
	}

	for _, c := range commits {
		add(c.Author)
	}

	return result
}

// backportErrorText composes the user visible text of a backport failure,
// for hosting platform API errors the decoded error messages of the
// response.
func backportErrorText(err error) string {
	return strings.Join(githubclt.ErrorMessages(err), "\n")
}

func shortSHA(sha string) string {
	if len(sha) <= 7 {
		return sha
	}

	return sha[:7]
}
