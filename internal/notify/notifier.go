// Package notify fans out chat notifications for webhook events.
//
// Every notification goes to the configured channel of the repository and as
// a direct message to the interested users: the assignees and the owner of
// the subject, minus the user that triggered the event and minus muted
// handles.
package notify

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/octobot/octobot/internal/event"
	"github.com/octobot/octobot/internal/logfields"
	"github.com/octobot/octobot/internal/store"
)

const loggerName = "notifier"

// Notifier computes the recipient set of a notification and delivers it via
// the Sender.
type Notifier struct {
	sender Sender
	store  *store.Store
	logger *zap.Logger

	mu          sync.Mutex
	warnedRepos map[event.RepoKey]struct{}
}

func New(sender Sender, st *store.Store) *Notifier {
	return &Notifier{
		sender:      sender,
		store:       st,
		logger:      zap.L().Named(loggerName),
		warnedRepos: map[event.RepoKey]struct{}{},
	}
}

// SendToAll sends the message to the repository channel and as direct message
// to the owner and all participants, excluding the sender and muted handles.
func (n *Notifier) SendToAll(ctx context.Context, msg string, attachments []Attachment, owner, sender *event.User, repo *event.Repository, participants []event.User) {
	msg = n.composeChannelMessage(msg, repo)

	key, err := repo.Key()
	if err != nil {
		n.logger.Error(
			"dropping notification, repository reference is invalid",
			logfields.Event("notification_invalid_repository"),
			zap.Error(err),
		)

		return
	}

	n.sendToRepoChannel(ctx, key, msg, attachments)

	recipients := append([]event.User{*owner}, participants...)
	n.sendDirect(ctx, key, msg, attachments, recipients, sender)
}

// SendToOwner is SendToAll limited to the owner of the subject.
func (n *Notifier) SendToOwner(ctx context.Context, msg string, attachments []Attachment, owner *event.User, repo *event.Repository) {
	msg = n.composeChannelMessage(msg, repo)

	key, err := repo.Key()
	if err != nil {
		n.logger.Error(
			"dropping notification, repository reference is invalid",
			logfields.Event("notification_invalid_repository"),
			zap.Error(err),
		)

		return
	}

	n.sendToRepoChannel(ctx, key, msg, attachments)
	n.sendDirect(ctx, key, msg, attachments, []event.User{*owner}, nil)
}

func (n *Notifier) composeChannelMessage(msg string, repo *event.Repository) string {
	return msg + " (" + MakeLink(repo.HTMLURL, repo.FullName) + ")"
}

func (n *Notifier) sendToRepoChannel(ctx context.Context, key event.RepoKey, msg string, attachments []Attachment) {
	repoCfg, exist := n.store.RepoConfig(key)
	if !exist || repoCfg.Channel == "" {
		n.warnOnceMissingChannel(key)
		return
	}

	if err := n.sender.Send(ctx, repoCfg.Channel, msg, attachments); err != nil {
		n.logger.Error(
			"sending channel notification failed",
			append(key.LogFields(),
				logfields.Event("channel_notification_failed"),
				zap.String("chat.channel", repoCfg.Channel),
				zap.Error(err),
			)...,
		)
	}
}

// sendDirect sends the message to each recipient's direct channel.
// The recipient set never contains the sender of the event and never
// contains a muted handle.
func (n *Notifier) sendDirect(ctx context.Context, key event.RepoKey, msg string, attachments []Attachment, recipients []event.User, sender *event.User) {
	var senderHandle string
	if sender != nil {
		senderHandle, _ = n.store.ChatHandle(key.Host, sender.Login)
	}

	seen := map[string]struct{}{}
	var handles []string

	for _, user := range recipients {
		if user.Login == "" {
			continue
		}

		handle, muted := n.store.ChatHandle(key.Host, user.Login)
		if muted {
			continue
		}

		if sender != nil && handle == senderHandle {
			continue
		}

		if _, exist := seen[handle]; exist {
			continue
		}
		seen[handle] = struct{}{}

		handles = append(handles, handle)
	}

	sort.Strings(handles)

	for _, handle := range handles {
		if err := n.sender.Send(ctx, Mention(handle), msg, attachments); err != nil {
			n.logger.Error(
				"sending direct notification failed",
				append(key.LogFields(),
					logfields.Event("direct_notification_failed"),
					zap.String("chat.handle", handle),
					zap.Error(err),
				)...,
			)
		}
	}
}

func (n *Notifier) warnOnceMissingChannel(key event.RepoKey) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, warned := n.warnedRepos[key]; warned {
		return
	}
	n.warnedRepos[key] = struct{}{}

	n.logger.Warn(
		"repository has no configured chat channel, sending direct notifications only",
		append(key.LogFields(),
			logfields.Event("repo_channel_missing"),
		)...,
	)
}
