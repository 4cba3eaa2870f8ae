package github

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/octobot/octobot/internal/event"
)

var ErrUnknownEvent = errors.New("unsupported event type")

// hookBody is the superset of the webhook payload fields the daemon reads.
type hookBody struct {
	Action     string            `json:"action"`
	Repository event.Repository  `json:"repository"`
	Sender     event.User        `json:"sender"`
	PR         *event.PullRequest `json:"pull_request"`
	Label      *event.Label      `json:"label"`
	Review     *event.Review     `json:"review"`
	Comment    *event.Comment    `json:"comment"`
	Issue      *event.Issue      `json:"issue"`

	// push event fields
	Ref     string             `json:"ref"`
	Before  string             `json:"before"`
	After   string             `json:"after"`
	Created bool               `json:"created"`
	Deleted bool               `json:"deleted"`
	Forced  bool               `json:"forced"`
	Compare string             `json:"compare"`
	Commits []event.PushCommit `json:"commits"`

	// status event fields
	SHA         string `json:"sha"`
	State       string `json:"state"`
	Description string `json:"description"`
	TargetURL   string `json:"target_url"`
	Context     string `json:"context"`
}

// ParseWebhook converts a raw webhook payload into its typed event variant.
// ErrUnknownEvent is returned for event kinds the daemon does not process.
func ParseWebhook(kind string, payload []byte) (event.WebhookEvent, error) {
	var body hookBody

	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("parsing %s payload: %w", kind, err)
	}

	switch kind {
	case "ping":
		ev := event.Ping{}
		body.fillCommon(&ev)
		return &ev, nil

	case "push":
		ev := event.Push{
			Ref:     body.Ref,
			Before:  body.Before,
			After:   body.After,
			Created: body.Created,
			Deleted: body.Deleted,
			Forced:  body.Forced,
			Compare: body.Compare,
			Commits: body.Commits,
		}
		body.fillCommon(&ev)
		return &ev, nil

	case "pull_request":
		if body.PR == nil {
			return nil, errors.New("pull_request payload without pull_request object")
		}

		ev := event.PullRequestEvent{
			Action:      body.Action,
			PullRequest: *body.PR,
			Label:       body.Label,
		}
		body.fillCommon(&ev)
		return &ev, nil

	case "pull_request_review":
		if body.PR == nil || body.Review == nil {
			return nil, errors.New("pull_request_review payload without pull_request or review object")
		}

		ev := event.ReviewEvent{
			Action:      body.Action,
			PullRequest: *body.PR,
			Review:      *body.Review,
		}
		body.fillCommon(&ev)
		return &ev, nil

	case "pull_request_review_comment":
		if body.PR == nil || body.Comment == nil {
			return nil, errors.New("pull_request_review_comment payload without pull_request or comment object")
		}

		ev := event.PullRequestCommentEvent{
			Action:      body.Action,
			PullRequest: *body.PR,
			Comment:     *body.Comment,
		}
		body.fillCommon(&ev)
		return &ev, nil

	case "issue_comment":
		if body.Issue == nil || body.Comment == nil {
			return nil, errors.New("issue_comment payload without issue or comment object")
		}

		ev := event.IssueCommentEvent{
			Action:  body.Action,
			Issue:   *body.Issue,
			Comment: *body.Comment,
		}
		body.fillCommon(&ev)
		return &ev, nil

	case "commit_comment":
		if body.Comment == nil {
			return nil, errors.New("commit_comment payload without comment object")
		}

		ev := event.CommitCommentEvent{
			Action:  body.Action,
			Comment: *body.Comment,
		}
		body.fillCommon(&ev)
		return &ev, nil

	case "status":
		ev := event.StatusEvent{
			SHA:         body.SHA,
			State:       body.State,
			Description: body.Description,
			TargetURL:   body.TargetURL,
			Context:     body.Context,
		}
		body.fillCommon(&ev)
		return &ev, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, kind)
	}
}

type commonSetter interface {
	SetCommon(repo event.Repository, sender event.User)
}

func (b *hookBody) fillCommon(ev commonSetter) {
	ev.SetCommon(b.Repository, b.Sender)
}
