// Package githubclt provides the typed hosting platform API client.
//
// One Session exists per configured host. Sessions are created lazily on
// first use and shared between workers afterwards.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/go-github/v43/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/octobot/octobot/internal/cfg"
	"github.com/octobot/octobot/internal/event"
	"github.com/octobot/octobot/internal/logfields"
	"github.com/octobot/octobot/internal/retry"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

const publicGithubHost = "github.com"

var ErrUnknownHost = errors.New("no api token configured for host")

// Sessions hands out one authenticated API session per hosting platform
// host.
type Sessions struct {
	tokens map[string]string

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessions(hosts []*cfg.Host) *Sessions {
	tokens := make(map[string]string, len(hosts))
	for _, h := range hosts {
		tokens[h.Host] = h.APIToken
	}

	return &Sessions{
		tokens:   tokens,
		sessions: map[string]*Session{},
	}
}

// ForHost returns the session for the host, creating it on first use.
func (s *Sessions) ForHost(host string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, exist := s.sessions[host]; exist {
		return session, nil
	}

	token, exist := s.tokens[host]
	if !exist {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}

	session, err := newSession(host, token)
	if err != nil {
		return nil, err
	}

	s.sessions[host] = session

	return session, nil
}

// Session is an authenticated API client for one host.
type Session struct {
	host    string
	token   string
	restClt *github.Client
	logger  *zap.Logger

	loginOnce sync.Once
	login     string
	loginErr  error
}

func newSession(host, token string) (*Session, error) {
	httpClient := newHTTPClient(token)

	var restClt *github.Client
	var err error

	if host == publicGithubHost {
		restClt = github.NewClient(httpClient)
	} else {
		baseURL := fmt.Sprintf("https://%s/api/v3/", host)
		uploadURL := fmt.Sprintf("https://%s/api/uploads/", host)
		restClt, err = github.NewEnterpriseClient(baseURL, uploadURL, httpClient)
		if err != nil {
			return nil, fmt.Errorf("creating api client for host %q: %w", host, err)
		}
	}

	return &Session{
		host:    host,
		token:   token,
		restClt: restClt,
		logger:  zap.L().Named(loggerName).With(logfields.Host(host)),
	}, nil
}

func newHTTPClient(apiToken string) *http.Client {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

func (s *Session) Host() string { return s.host }

// Token returns the API token of the session, it is passed to the git
// credential helper.
func (s *Session) Token() string { return s.token }

// AuthenticatedLogin returns the login of the account the session
// authenticates as. The value is fetched once and cached.
func (s *Session) AuthenticatedLogin(ctx context.Context) (string, error) {
	s.loginOnce.Do(func() {
		user, _, err := s.restClt.Users.Get(ctx, "")
		if err != nil {
			s.loginErr = s.wrapRetryableErrors(err)
			return
		}

		s.login = user.GetLogin()
	})

	return s.login, s.loginErr
}

// GetPullRequest fetches the current state of a pull request.
func (s *Session) GetPullRequest(ctx context.Context, owner, repo string, number int) (*event.PullRequest, error) {
	pr, _, err := s.restClt.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, s.wrapRetryableErrors(err)
	}

	return convertPullRequest(pr), nil
}

// ListOpenPullRequests returns all open pull requests of the repository.
func (s *Session) ListOpenPullRequests(ctx context.Context, owner, repo string) ([]*event.PullRequest, error) {
	var result []*event.PullRequest

	opts := github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for {
		prs, resp, err := s.restClt.PullRequests.List(ctx, owner, repo, &opts)
		if err != nil {
			return nil, s.wrapRetryableErrors(err)
		}

		for _, pr := range prs {
			result = append(result, convertPullRequest(pr))
		}

		if resp.NextPage == 0 {
			break
		}

		opts.Page = resp.NextPage
	}

	return result, nil
}

// ListLabels returns the label names of a pull request.
func (s *Session) ListLabels(ctx context.Context, owner, repo string, number int) ([]string, error) {
	var result []string

	opts := github.ListOptions{PerPage: 100}

	for {
		labels, resp, err := s.restClt.Issues.ListLabelsByIssue(ctx, owner, repo, number, &opts)
		if err != nil {
			return nil, s.wrapRetryableErrors(err)
		}

		for _, l := range labels {
			result = append(result, l.GetName())
		}

		if resp.NextPage == 0 {
			break
		}

		opts.Page = resp.NextPage
	}

	return result, nil
}

// CreatePullRequest opens a new pull request.
func (s *Session) CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (*event.PullRequest, error) {
	pr, _, err := s.restClt.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: &title,
		Body:  &body,
		Head:  &head,
		Base:  &base,
	})
	if err != nil {
		return nil, s.wrapRetryableErrors(err)
	}

	return convertPullRequest(pr), nil
}

// AssignPullRequest adds assignees to a pull request.
func (s *Session) AssignPullRequest(ctx context.Context, owner, repo string, number int, assignees []string) error {
	if len(assignees) == 0 {
		return nil
	}

	_, _, err := s.restClt.Issues.AddAssignees(ctx, owner, repo, number, assignees)
	return s.wrapRetryableErrors(err)
}

// GetCommit fetches a single commit.
func (s *Session) GetCommit(ctx context.Context, owner, repo, sha string) (*event.PushCommit, error) {
	commit, _, err := s.restClt.Repositories.GetCommit(ctx, owner, repo, sha, nil)
	if err != nil {
		return nil, s.wrapRetryableErrors(err)
	}

	result := event.PushCommit{
		ID:      commit.GetSHA(),
		Message: commit.GetCommit().GetMessage(),
		URL:     commit.GetHTMLURL(),
	}
	if author := commit.GetAuthor(); author != nil {
		result.Author = event.User{Login: author.GetLogin()}
	}

	return &result, nil
}

// ListPullRequestCommits returns the commits of a pull request.
func (s *Session) ListPullRequestCommits(ctx context.Context, owner, repo string, number int) ([]*event.PushCommit, error) {
	var result []*event.PushCommit

	opts := github.ListOptions{PerPage: 100}

	for {
		commits, resp, err := s.restClt.PullRequests.ListCommits(ctx, owner, repo, number, &opts)
		if err != nil {
			return nil, s.wrapRetryableErrors(err)
		}

		for _, c := range commits {
			commit := event.PushCommit{
				ID:      c.GetSHA(),
				Message: c.GetCommit().GetMessage(),
				URL:     c.GetHTMLURL(),
			}
			if author := c.GetAuthor(); author != nil {
				commit.Author = event.User{Login: author.GetLogin()}
			}

			result = append(result, &commit)
		}

		if resp.NextPage == 0 {
			break
		}

		opts.Page = resp.NextPage
	}

	return result, nil
}

// CreateIssueComment creates a comment on an issue or pull request.
func (s *Session) CreateIssueComment(ctx context.Context, owner, repo string, number int, comment string) error {
	_, _, err := s.restClt.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: &comment})
	return s.wrapRetryableErrors(err)
}

func convertPullRequest(pr *github.PullRequest) *event.PullRequest {
	result := event.PullRequest{
		Number:         pr.GetNumber(),
		Title:          pr.GetTitle(),
		Body:           pr.GetBody(),
		HTMLURL:        pr.GetHTMLURL(),
		User:           event.User{Login: pr.GetUser().GetLogin()},
		Merged:         pr.GetMerged(),
		MergeCommitSHA: pr.GetMergeCommitSHA(),
		Head: event.Ref{
			Ref: pr.GetHead().GetRef(),
			SHA: pr.GetHead().GetSHA(),
		},
		Base: event.Ref{
			Ref: pr.GetBase().GetRef(),
			SHA: pr.GetBase().GetSHA(),
		},
	}

	for _, a := range pr.Assignees {
		result.Assignees = append(result.Assignees, event.User{Login: a.GetLogin()})
	}

	for _, l := range pr.Labels {
		result.Labels = append(result.Labels, event.Label{Name: l.GetName()})
	}

	return &result
}

func (s *Session) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		s.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return retry.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return retry.NewRetryableAnytimeError(err)
		}
	}

	return err
}

// ErrorMessages extracts the decoded error messages from an API error
// response. When err is not an API error response, err.Error() is returned as
// the only message.
func ErrorMessages(err error) []string {
	var respErr *github.ErrorResponse
	if !errors.As(err, &respErr) {
		return []string{err.Error()}
	}

	if len(respErr.Errors) == 0 {
		if respErr.Message != "" {
			return []string{respErr.Message}
		}

		return []string{err.Error()}
	}

	result := make([]string, 0, len(respErr.Errors))
	for _, e := range respErr.Errors {
		if e.Message != "" {
			result = append(result, e.Message)
		}
	}

	if len(result) == 0 {
		return []string{err.Error()}
	}

	return result
}
