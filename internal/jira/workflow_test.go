package jira

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/octobot/octobot/internal/cfg"
	"github.com/octobot/octobot/internal/event"
	"github.com/octobot/octobot/internal/retry"
)

var testProjects = []string{"ABC", "OTHER"}

func TestIssueKeys(t *testing.T) {
	keys := issueKeys(
		[]string{"ABC-123 and OTHER-567 and UNKNOWN-1", "ABC-123 again"},
		testProjects,
	)

	assert.Equal(t, []string{"ABC-123", "OTHER-567"}, keys)
}

func TestFixedIssueKeys(t *testing.T) {
	testcases := []struct {
		name     string
		text     string
		expected []string
	}{
		{
			name:     "fix marker",
			text:     "Fix ABC-123",
			expected: []string{"ABC-123"},
		},
		{
			name:     "fixes with colon and brackets",
			text:     "Fixes: [ABC-123][OTHER-567], [ABC-999]",
			expected: []string{"ABC-123", "ABC-999", "OTHER-567"},
		},
		{
			name:     "fixed case insensitive",
			text:     "fixed ABC-1",
			expected: []string{"ABC-1"},
		},
		{
			name:     "no marker",
			text:     "relates to ABC-123",
			expected: nil,
		},
		{
			name:     "unknown project",
			text:     "Fix UNKNOWN-123",
			expected: nil,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, fixedIssueKeys([]string{tc.text}, testProjects))
		})
	}
}

func TestReferencedIssueKeysExcludeFixed(t *testing.T) {
	keys := referencedIssueKeys(
		[]string{"Fix ABC-123, relates to ABC-456 and OTHER-1"},
		testProjects,
	)

	assert.Equal(t, []string{"ABC-456", "OTHER-1"}, keys)
}

type trackerCall struct {
	method string
	key    string
	arg    string
}

type fakeTracker struct {
	calls       []trackerCall
	transitions map[string][]Transition
	issues      []Issue
}

func (f *fakeTracker) CommentIssue(_ context.Context, key, comment string) error {
	f.calls = append(f.calls, trackerCall{method: "comment", key: key, arg: comment})
	return nil
}

func (f *fakeTracker) Transitions(_ context.Context, key string) ([]Transition, error) {
	return f.transitions[key], nil
}

func (f *fakeTracker) TransitionIssue(_ context.Context, key string, req *TransitionRequest) error {
	f.calls = append(f.calls, trackerCall{method: "transition", key: key, arg: req.Transition.ID})
	return nil
}

func (f *fakeTracker) SearchIssues(context.Context, string) ([]Issue, error) {
	return f.issues, nil
}

func (f *fakeTracker) SetIssueField(_ context.Context, key, field string, _ any) error {
	f.calls = append(f.calls, trackerCall{method: "setfield", key: key, arg: field})
	return nil
}

type fakeAuth struct {
	err    error
	logins []string
}

func (f *fakeAuth) Authenticate(_ context.Context, login, _ string) error {
	f.logins = append(f.logins, login)
	return f.err
}

func testJiraCfg() *cfg.Jira {
	return &cfg.Jira{
		Host:             "jira.example.com",
		ProgressStates:   []string{"In Progress"},
		ReviewStates:     []string{"In Review"},
		ResolvedStates:   []string{"Resolved"},
		FixedResolutions: []string{"Fixed"},
		FixVersionField:  "fixVersions",
	}
}

func newTestCoordinator(t *testing.T, tracker Tracker, auth Authenticator) *Coordinator {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	retryer := retry.NewRetryer()
	t.Cleanup(retryer.Stop)

	return NewCoordinator(tracker, testJiraCfg(), auth, retryer)
}

func TestSubmitForReviewCommentsAndTransitions(t *testing.T) {
	tracker := fakeTracker{
		transitions: map[string][]Transition{
			"ABC-123": {
				{ID: "1", Name: "start", To: TransitionTarget{Name: "In Progress"}},
				{ID: "2", Name: "review", To: TransitionTarget{Name: "In Review"}},
			},
		},
	}

	c := newTestCoordinator(t, &tracker, nil)

	pr := &event.PullRequest{
		Title:   "Fix ABC-123",
		HTMLURL: "https://git.example.com/acme/widget/pull/22",
		Base:    event.Ref{Ref: "master"},
	}

	c.SubmitForReview(context.Background(), pr, nil, testProjects)

	require.Len(t, tracker.calls, 3)

	assert.Equal(t, "comment", tracker.calls[0].method)
	assert.Equal(t, "ABC-123", tracker.calls[0].key)
	assert.Contains(t, tracker.calls[0].arg, "Review submitted for branch master")

	assert.Equal(t, "transition", tracker.calls[1].method)
	assert.Equal(t, "1", tracker.calls[1].arg)
	assert.Equal(t, "transition", tracker.calls[2].method)
	assert.Equal(t, "2", tracker.calls[2].arg)
}

func TestSubmitForReviewReferencedKeysOnlyProgress(t *testing.T) {
	tracker := fakeTracker{
		transitions: map[string][]Transition{
			"ABC-456": {
				{ID: "1", Name: "start", To: TransitionTarget{Name: "In Progress"}},
				{ID: "2", Name: "review", To: TransitionTarget{Name: "In Review"}},
			},
		},
	}

	c := newTestCoordinator(t, &tracker, nil)

	pr := &event.PullRequest{
		Title:   "relates to ABC-456",
		HTMLURL: "https://git.example.com/acme/widget/pull/22",
		Base:    event.Ref{Ref: "master"},
	}

	c.SubmitForReview(context.Background(), pr, nil, testProjects)

	require.Len(t, tracker.calls, 2)
	assert.Equal(t, "comment", tracker.calls[0].method)
	assert.Contains(t, tracker.calls[0].arg, "Referenced by review submitted")
	assert.Equal(t, "transition", tracker.calls[1].method)
	assert.Equal(t, "1", tracker.calls[1].arg)
}

func TestResolveMergedSetsResolution(t *testing.T) {
	tracker := fakeTracker{
		transitions: map[string][]Transition{
			"ABC-123": {
				{
					ID:   "5",
					Name: "resolve",
					To:   TransitionTarget{Name: "Resolved"},
					Fields: &TransitionFields{
						Resolution: &ResolutionField{
							AllowedValues: []Resolution{
								{ID: "10", Name: "Won't Fix"},
								{ID: "11", Name: "Fixed"},
							},
						},
					},
				},
			},
		},
	}

	c := newTestCoordinator(t, &tracker, nil)

	pr := &event.PullRequest{
		Title:   "Fix ABC-123",
		Body:    "details",
		HTMLURL: "https://git.example.com/acme/widget/pull/22",
		Base:    event.Ref{Ref: "master"},
	}

	c.ResolveMerged(context.Background(), pr, "", testProjects)

	require.Len(t, tracker.calls, 2)
	assert.Equal(t, "comment", tracker.calls[0].method)
	assert.Contains(t, tracker.calls[0].arg, "Merged into branch master")
	assert.Equal(t, "transition", tracker.calls[1].method)
	assert.Equal(t, "5", tracker.calls[1].arg)
}

func TestMergeVersionsRequiresAuthentication(t *testing.T) {
	tracker := fakeTracker{}
	auth := fakeAuth{err: assert.AnError}

	c := newTestCoordinator(t, &tracker, &auth)

	_, err := c.MergeVersions(context.Background(), "ABC", "1.5.0", "admin", "wrong")
	require.Error(t, err)
	assert.Empty(t, tracker.calls)
	assert.Equal(t, []string{"admin"}, auth.logins)
}

func TestMergeVersionsSetsFixVersionOnInProgressIssues(t *testing.T) {
	tracker := fakeTracker{
		issues: []Issue{
			{Key: "ABC-1", Fields: IssueFields{Status: Status{Name: "In Progress"}}},
			{Key: "ABC-2", Fields: IssueFields{Status: Status{Name: "In Progress"}}},
		},
	}

	c := newTestCoordinator(t, &tracker, &fakeAuth{})

	updated, err := c.MergeVersions(context.Background(), "ABC", "1.5.0", "admin", "secret")
	require.NoError(t, err)
	assert.Equal(t, []string{"ABC-1", "ABC-2"}, updated)

	require.Len(t, tracker.calls, 2)
	for _, call := range tracker.calls {
		assert.Equal(t, "setfield", call.method)
		assert.Equal(t, "fixVersions", call.arg)
	}
}

func TestMergeVersionsWithoutAuthenticatorFails(t *testing.T) {
	c := newTestCoordinator(t, &fakeTracker{}, nil)

	_, err := c.MergeVersions(context.Background(), "ABC", "1.5.0", "admin", "secret")
	assert.Error(t, err)
}

func TestQuoteJoin(t *testing.T) {
	assert.Equal(t, `"In Progress", "In Review"`, quoteJoin([]string{"In Progress", "In Review"}))
}
