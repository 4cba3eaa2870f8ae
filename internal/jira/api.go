// Package jira talks to the issue tracker and drives the workflow
// transitions tied to the pull request lifecycle.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/octobot/octobot/internal/cfg"
	"github.com/octobot/octobot/internal/retry"
)

const httpTimeout = 30 * time.Second

const apiPathPrefix = "/rest/api/2"

// Transition is one workflow transition offered for an issue.
type Transition struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	To     TransitionTarget  `json:"to"`
	Fields *TransitionFields `json:"fields,omitempty"`
}

type TransitionTarget struct {
	Name string `json:"name"`
}

type TransitionFields struct {
	Resolution *ResolutionField `json:"resolution,omitempty"`
}

type ResolutionField struct {
	AllowedValues []Resolution `json:"allowedValues"`
}

type Resolution struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TransitionRequest is the payload for executing a transition.
type TransitionRequest struct {
	Transition TransitionRequestRef `json:"transition"`
	Fields     map[string]any       `json:"fields,omitempty"`
}

type TransitionRequestRef struct {
	ID string `json:"id"`
}

// Issue is the subset of issue fields the daemon reads.
type Issue struct {
	Key    string      `json:"key"`
	Fields IssueFields `json:"fields"`
}

type IssueFields struct {
	Summary string `json:"summary"`
	Status  Status `json:"status"`
}

type Status struct {
	Name string `json:"name"`
}

// Session is an authenticated issue tracker client, one long-lived instance
// per tracker host.
type Session struct {
	baseURL  string
	username string
	password string
	clt      *http.Client
	logger   *zap.Logger
}

func NewSession(config *cfg.Jira) *Session {
	return &Session{
		baseURL:  "https://" + config.Host,
		username: config.Username,
		password: config.Password,
		clt:      &http.Client{Timeout: httpTimeout},
		logger:   zap.L().Named("jira_client"),
	}
}

func (s *Session) do(ctx context.Context, method, path string, reqBody, result any) error {
	var bodyReader io.Reader

	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+apiPathPrefix+path, bodyReader)
	if err != nil {
		return err
	}

	req.SetBasicAuth(s.username, s.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.clt.Do(req)
	if err != nil {
		return retry.NewRetryableAnytimeError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return retry.NewRetryableAnytimeError(
			fmt.Errorf("issue tracker returned status %d: %s", resp.StatusCode, body))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("issue tracker returned status %d: %s", resp.StatusCode, body)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}

// CommentIssue appends a comment to the issue.
func (s *Session) CommentIssue(ctx context.Context, key, comment string) error {
	payload := struct {
		Body string `json:"body"`
	}{Body: comment}

	return s.do(ctx, http.MethodPost, "/issue/"+key+"/comment", &payload, nil)
}

// Transitions returns the transitions the issue offers, including their
// editable fields.
func (s *Session) Transitions(ctx context.Context, key string) ([]Transition, error) {
	var result struct {
		Transitions []Transition `json:"transitions"`
	}

	path := "/issue/" + key + "/transitions?expand=transitions.fields"
	if err := s.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}

	return result.Transitions, nil
}

// TransitionIssue executes the transition on the issue.
func (s *Session) TransitionIssue(ctx context.Context, key string, req *TransitionRequest) error {
	return s.do(ctx, http.MethodPost, "/issue/"+key+"/transitions", req, nil)
}

// SearchIssues returns the issues matching the JQL query.
func (s *Session) SearchIssues(ctx context.Context, jql string) ([]Issue, error) {
	var result struct {
		Issues []Issue `json:"issues"`
	}

	path := "/search?jql=" + url.QueryEscape(jql)
	if err := s.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}

	return result.Issues, nil
}

// CreateVersion creates a project version.
func (s *Session) CreateVersion(ctx context.Context, project, version string) error {
	payload := struct {
		Name    string `json:"name"`
		Project string `json:"project"`
	}{Name: version, Project: project}

	return s.do(ctx, http.MethodPost, "/version", &payload, nil)
}

// SetIssueField sets one field on the issue.
func (s *Session) SetIssueField(ctx context.Context, key, field string, value any) error {
	payload := struct {
		Fields map[string]any `json:"fields"`
	}{Fields: map[string]any{field: value}}

	return s.do(ctx, http.MethodPut, "/issue/"+key, &payload, nil)
}
