package jira

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/octobot/octobot/internal/cfg"
	"github.com/octobot/octobot/internal/event"
	"github.com/octobot/octobot/internal/logfields"
	"github.com/octobot/octobot/internal/retry"
)

var (
	issueKeyRe = regexp.MustCompile(`\b([A-Z]+-[0-9]+)\b`)
	// fixMarkerRe matches "Fix [ABC-123][OTHER-567], [YEAH-999]" style
	// markers, keys carrying one are resolved instead of only referenced.
	fixMarkerRe  = regexp.MustCompile(`(?i)(?:Fix(?:es|ed)?):?\s*((\[?[A-Z]+-[0-9]+(?:\]|\b)[\s,]*)+)`)
	projectKeyRe = regexp.MustCompile(`^([A-Za-z]+)-[0-9]+$`)
)

// Tracker is the issue tracker API surface the coordinator needs, implemented
// by Session.
type Tracker interface {
	CommentIssue(ctx context.Context, key, comment string) error
	Transitions(ctx context.Context, key string) ([]Transition, error)
	TransitionIssue(ctx context.Context, key string, req *TransitionRequest) error
	SearchIssues(ctx context.Context, jql string) ([]Issue, error)
	SetIssueField(ctx context.Context, key, field string, value any) error
}

// Authenticator verifies admin credentials.
// Whether it checks a local password table or an LDAP directory is decided by
// the auth service configuration, not here.
type Authenticator interface {
	Authenticate(ctx context.Context, login, password string) error
}

// Coordinator ties pull request lifecycle events to issue tracker
// transitions.
type Coordinator struct {
	tracker Tracker
	config  *cfg.Jira
	auth    Authenticator
	retryer *retry.Retryer
	logger  *zap.Logger
}

func NewCoordinator(tracker Tracker, config *cfg.Jira, auth Authenticator, retryer *retry.Retryer) *Coordinator {
	return &Coordinator{
		tracker: tracker,
		config:  config,
		auth:    auth,
		retryer: retryer,
		logger:  zap.L().Named("jira_coordinator"),
	}
}

// issueKeys extracts the issue keys of the configured projects from the
// strings, sorted and deduplicated.
func issueKeys(strs []string, projects []string) []string {
	var keys []string

	for _, s := range strs {
		for _, m := range issueKeyRe.FindAllStringSubmatch(s, -1) {
			key := m[1]
			if projectConfigured(key, projects) {
				keys = append(keys, key)
			}
		}
	}

	sort.Strings(keys)
	return dedup(keys)
}

// fixedIssueKeys extracts the keys that carry a fix marker.
func fixedIssueKeys(strs []string, projects []string) []string {
	var marked []string

	for _, s := range strs {
		for _, m := range fixMarkerRe.FindAllStringSubmatch(s, -1) {
			marked = append(marked, m[1])
		}
	}

	return issueKeys(marked, projects)
}

// referencedIssueKeys extracts the keys without a fix marker.
func referencedIssueKeys(strs []string, projects []string) []string {
	fixed := map[string]struct{}{}
	for _, key := range fixedIssueKeys(strs, projects) {
		fixed[key] = struct{}{}
	}

	var result []string
	for _, key := range issueKeys(strs, projects) {
		if _, exist := fixed[key]; !exist {
			result = append(result, key)
		}
	}

	return result
}

func projectConfigured(key string, projects []string) bool {
	m := projectKeyRe.FindStringSubmatch(key)
	if m == nil {
		return false
	}

	for _, p := range projects {
		if p == m[1] {
			return true
		}
	}

	return false
}

func dedup(sorted []string) []string {
	var result []string

	for i, s := range sorted {
		if i > 0 && sorted[i-1] == s {
			continue
		}
		result = append(result, s)
	}

	return result
}

// SubmitForReview comments on the issues referenced by an opened or reopened
// pull request. Issues with a fix marker are transitioned into the progress
// and review states, the other referenced issues into the progress state only.
// Keys are parsed from the pull request title and the messages of its
// commits.
func (c *Coordinator) SubmitForReview(ctx context.Context, pr *event.PullRequest, commits []*event.PushCommit, projects []string) {
	texts := []string{pr.Title}
	for _, commit := range commits {
		texts = append(texts, commit.Message)
	}

	for _, key := range fixedIssueKeys(texts, projects) {
		comment := fmt.Sprintf("Review submitted for branch %s: %s", pr.Base.Ref, pr.HTMLURL)
		if err := c.commentIssue(ctx, key, comment); err != nil {
			c.logger.Error(
				"commenting on issue failed",
				logfields.Event("jira_comment_failed"),
				zap.String("jira.issue", key),
				zap.Error(err),
			)
			continue
		}

		c.tryTransition(ctx, key, c.config.ProgressStates, nil)
		c.tryTransition(ctx, key, c.config.ReviewStates, nil)
	}

	for _, key := range referencedIssueKeys(texts, projects) {
		comment := fmt.Sprintf("Referenced by review submitted for branch %s: %s", pr.Base.Ref, pr.HTMLURL)
		if err := c.commentIssue(ctx, key, comment); err != nil {
			c.logger.Error(
				"commenting on issue failed",
				logfields.Event("jira_comment_failed"),
				zap.String("jira.issue", key),
				zap.Error(err),
			)
			continue
		}

		c.tryTransition(ctx, key, c.config.ProgressStates, nil)
	}
}

// ResolveMerged transitions the issues with a fix marker in a merged pull
// request into a resolved state, with a fixed resolution and, when configured,
// the fix version field set. Issues referenced without a fix marker only get
// a comment.
func (c *Coordinator) ResolveMerged(ctx context.Context, pr *event.PullRequest, version string, projects []string) {
	desc := pr.Title
	if body := strings.TrimSpace(pr.Body); body != "" {
		desc += "\n{quote}" + body + "{quote}"
	}

	versionDesc := ""
	if version != "" {
		versionDesc = "\nIncluded in version " + version
	}

	texts := []string{pr.Title, pr.Body}

	for _, key := range fixedIssueKeys(texts, projects) {
		comment := fmt.Sprintf("Merged into branch %s: %s%s", pr.Base.Ref, desc, versionDesc)
		if err := c.commentIssue(ctx, key, comment); err != nil {
			c.logger.Error(
				"commenting on issue failed",
				logfields.Event("jira_comment_failed"),
				zap.String("jira.issue", key),
				zap.Error(err),
			)
		}

		fields := map[string]any{}
		if version != "" && c.config.FixVersionField != "" {
			fields[c.config.FixVersionField] = []map[string]string{{"name": version}}
		}

		c.resolveIssue(ctx, key, fields)
	}

	for _, key := range referencedIssueKeys(texts, projects) {
		comment := fmt.Sprintf("Referenced by commit merged into branch %s: %s%s", pr.Base.Ref, desc, versionDesc)
		if err := c.commentIssue(ctx, key, comment); err != nil {
			c.logger.Error(
				"commenting on issue failed",
				logfields.Event("jira_comment_failed"),
				zap.String("jira.issue", key),
				zap.Error(err),
			)
		}
	}
}

// MergeVersions aggregates the in-progress issues of the project and sets
// their fix version.
// The admin credentials are re-verified through the auth service before
// anything is mutated.
func (c *Coordinator) MergeVersions(ctx context.Context, project, version, adminLogin, adminPassword string) ([]string, error) {
	if c.auth == nil {
		return nil, errors.New("no authenticator configured")
	}

	if err := c.auth.Authenticate(ctx, adminLogin, adminPassword); err != nil {
		return nil, fmt.Errorf("authenticating %q failed: %w", adminLogin, err)
	}

	if c.config.FixVersionField == "" {
		return nil, errors.New("no fix_version_field configured")
	}

	jql := fmt.Sprintf("project = %s AND status in (%s)", project, quoteJoin(c.config.ProgressStates))

	var issues []Issue
	err := c.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		issues, err = c.tracker.SearchIssues(ctx, jql)
		return err
	}, []zap.Field{zap.String("jira.project", project)})
	if err != nil {
		return nil, fmt.Errorf("searching in-progress issues: %w", err)
	}

	var updated []string
	for _, issue := range issues {
		value := []map[string]string{{"name": version}}
		if err := c.tracker.SetIssueField(ctx, issue.Key, c.config.FixVersionField, value); err != nil {
			c.logger.Error(
				"setting fix version failed",
				logfields.Event("jira_fix_version_failed"),
				zap.String("jira.issue", issue.Key),
				zap.Error(err),
			)
			continue
		}

		updated = append(updated, issue.Key)
	}

	return updated, nil
}

func (c *Coordinator) commentIssue(ctx context.Context, key, comment string) error {
	return c.retryer.Run(ctx, func(ctx context.Context) error {
		return c.tracker.CommentIssue(ctx, key, comment)
	}, []zap.Field{zap.String("jira.issue", key)})
}

// tryTransition executes the first transition of the issue whose target
// state is in states. Issues that offer no matching transition are left
// unchanged.
func (c *Coordinator) tryTransition(ctx context.Context, key string, states []string, fields map[string]any) {
	transition, err := c.findTransition(ctx, key, states)
	if err != nil {
		c.logger.Error(
			"looking up transitions failed",
			logfields.Event("jira_transition_lookup_failed"),
			zap.String("jira.issue", key),
			zap.Error(err),
		)

		return
	}

	if transition == nil {
		c.logger.Info(
			"issue offers no transition to any of the wanted states",
			logfields.Event("jira_no_matching_transition"),
			zap.String("jira.issue", key),
			zap.Strings("jira.wanted_states", states),
		)

		return
	}

	req := TransitionRequest{Transition: TransitionRequestRef{ID: transition.ID}}
	if len(fields) > 0 {
		req.Fields = fields
	}

	if err := c.tracker.TransitionIssue(ctx, key, &req); err != nil {
		c.logger.Error(
			"transitioning issue failed",
			logfields.Event("jira_transition_failed"),
			zap.String("jira.issue", key),
			zap.Strings("jira.wanted_states", states),
			zap.Error(err),
		)

		return
	}

	c.logger.Info(
		"issue transitioned",
		logfields.Event("jira_issue_transitioned"),
		zap.String("jira.issue", key),
		zap.String("jira.transition", transition.Name),
	)
}

// resolveIssue transitions the issue into a resolved state with the first
// allowed resolution that matches the configured fixed resolutions.
func (c *Coordinator) resolveIssue(ctx context.Context, key string, fields map[string]any) {
	transition, err := c.findTransition(ctx, key, c.config.ResolvedStates)
	if err != nil {
		c.logger.Error(
			"looking up transitions failed",
			logfields.Event("jira_transition_lookup_failed"),
			zap.String("jira.issue", key),
			zap.Error(err),
		)

		return
	}

	if transition == nil {
		c.logger.Info(
			"issue offers no transition to a resolved state",
			logfields.Event("jira_no_matching_transition"),
			zap.String("jira.issue", key),
			zap.Strings("jira.wanted_states", c.config.ResolvedStates),
		)

		return
	}

	if fields == nil {
		fields = map[string]any{}
	}

	if transition.Fields != nil && transition.Fields.Resolution != nil {
	resolutionSearch:
		for _, allowed := range transition.Fields.Resolution.AllowedValues {
			for _, wanted := range c.config.FixedResolutions {
				if allowed.Name == wanted {
					fields["resolution"] = allowed
					break resolutionSearch
				}
			}
		}

		if _, exist := fields["resolution"]; !exist {
			c.logger.Error(
				"no fixed resolution found in allowed values",
				logfields.Event("jira_resolution_not_allowed"),
				zap.String("jira.issue", key),
				zap.Strings("jira.fixed_resolutions", c.config.FixedResolutions),
			)
		}
	}

	req := TransitionRequest{Transition: TransitionRequestRef{ID: transition.ID}}
	if len(fields) > 0 {
		req.Fields = fields
	}

	if err := c.tracker.TransitionIssue(ctx, key, &req); err != nil {
		c.logger.Error(
			"transitioning issue failed",
			logfields.Event("jira_transition_failed"),
			zap.String("jira.issue", key),
			zap.Error(err),
		)

		return
	}

	c.logger.Info(
		"issue resolved",
		logfields.Event("jira_issue_resolved"),
		zap.String("jira.issue", key),
		zap.String("jira.transition", transition.Name),
	)
}

func (c *Coordinator) findTransition(ctx context.Context, key string, states []string) (*Transition, error) {
	var transitions []Transition

	err := c.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		transitions, err = c.tracker.Transitions(ctx, key)
		return err
	}, []zap.Field{zap.String("jira.issue", key)})
	if err != nil {
		return nil, err
	}

	for i := range transitions {
		for _, state := range states {
			if transitions[i].To.Name == state {
				return &transitions[i], nil
			}
		}
	}

	return nil, nil
}

func quoteJoin(strs []string) string {
	quoted := make([]string, 0, len(strs))
	for _, s := range strs {
		quoted = append(quoted, `"`+s+`"`)
	}

	return strings.Join(quoted, ", ")
}
