package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/octobot/octobot/internal/cfg"
	"github.com/octobot/octobot/internal/event"
	"github.com/octobot/octobot/internal/store"
)

type sentMessage struct {
	channel     string
	msg         string
	attachments []Attachment
}

type recordingSender struct {
	sent []sentMessage
}

func (s *recordingSender) Send(_ context.Context, channel, msg string, attachments []Attachment) error {
	s.sent = append(s.sent, sentMessage{channel: channel, msg: msg, attachments: attachments})
	return nil
}

func (s *recordingSender) channels() []string {
	result := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		result = append(result, m.channel)
	}

	return result
}

var testRepo = event.Repository{
	Name:     "widget",
	FullName: "acme/widget",
	Owner:    event.User{Login: "acme"},
	HTMLURL:  "https://git.example.com/acme/widget",
}

func testStore() *store.Store {
	return store.FromConfig(&cfg.Config{
		Repos: []*cfg.Repo{
			{
				Host:       "git.example.com",
				Owner:      "acme",
				Repository: "widget",
				Channel:    "#widget",
			},
		},
		Users: []*cfg.UserHost{
			{
				Host: "git.example.com",
				Users: []*cfg.User{
					{GithubLogin: "bob-jones", ChatHandle: "bob.jones"},
					{GithubLogin: "eve", ChatHandle: "eve.adams", Muted: true},
				},
			},
		},
	})
}

func TestSendToAllFansOutToChannelAndRecipients(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	sender := recordingSender{}
	n := New(&sender, testStore())

	owner := event.User{Login: "alice"}
	evSender := event.User{Login: "bob-jones"}
	participants := []event.User{{Login: "bob-jones"}, {Login: "carol"}}

	n.SendToAll(context.Background(), "Pull Request assigned to @bob.jones, @carol", nil,
		&owner, &evSender, &testRepo, participants)

	channels := sender.channels()
	require.Len(t, channels, 3)
	assert.Equal(t, "#widget", channels[0])

	// the sender bob-jones is removed from the direct recipients
	assert.ElementsMatch(t, []string{"#widget", "@alice", "@carol"}, channels)

	// the repository link is appended to the message
	assert.Equal(t,
		"Pull Request assigned to @bob.jones, @carol (<https://git.example.com/acme/widget|acme/widget>)",
		sender.sent[0].msg,
	)
}

func TestSendToAllSkipsMutedHandles(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	sender := recordingSender{}
	n := New(&sender, testStore())

	owner := event.User{Login: "alice"}
	participants := []event.User{{Login: "eve"}}

	n.SendToAll(context.Background(), "Pull Request opened", nil, &owner, nil, &testRepo, participants)

	assert.ElementsMatch(t, []string{"#widget", "@alice"}, sender.channels())
}

func TestSendToAllDeduplicatesRecipients(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	sender := recordingSender{}
	n := New(&sender, testStore())

	owner := event.User{Login: "alice"}
	participants := []event.User{{Login: "alice"}, {Login: "alice"}}

	n.SendToAll(context.Background(), "Pull Request opened", nil, &owner, nil, &testRepo, participants)

	assert.ElementsMatch(t, []string{"#widget", "@alice"}, sender.channels())
}

func TestMissingRepoConfigFallsBackToDirectOnly(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	sender := recordingSender{}
	n := New(&sender, store.New())

	owner := event.User{Login: "alice"}

	n.SendToAll(context.Background(), "Pull Request opened", nil, &owner, nil, &testRepo, nil)
	n.SendToAll(context.Background(), "Pull Request closed", nil, &owner, nil, &testRepo, nil)

	assert.ElementsMatch(t, []string{"@alice", "@alice"}, sender.channels())
}

func TestSendToOwnerOnlyNotifiesOwner(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	sender := recordingSender{}
	n := New(&sender, testStore())

	owner := event.User{Login: "bob-jones"}

	attachments := []Attachment{
		NewAttachmentBuilder("branch already exists").Color("danger").Build(),
	}

	n.SendToOwner(context.Background(), "Error creating merge Pull Request", attachments, &owner, &testRepo)

	assert.ElementsMatch(t, []string{"#widget", "@bob.jones"}, sender.channels())

	for _, m := range sender.sent {
		require.Len(t, m.attachments, 1)
		assert.Equal(t, "danger", m.attachments[0].Color)
	}
}
