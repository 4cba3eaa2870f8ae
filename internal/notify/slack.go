package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/octobot/octobot/internal/logfields"
)

const webhookTimeout = 30 * time.Second

// Sender delivers one chat message to a channel or user.
type Sender interface {
	Send(ctx context.Context, channel, msg string, attachments []Attachment) error
}

type message struct {
	Channel     string       `json:"channel"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// WebhookSender posts messages to a chat incoming-webhook URL.
type WebhookSender struct {
	webhookURL string
	clt        *http.Client
	logger     *zap.Logger
}

func NewWebhookSender(webhookURL string) *WebhookSender {
	return &WebhookSender{
		webhookURL: webhookURL,
		clt:        &http.Client{Timeout: webhookTimeout},
		logger:     zap.L().Named("chat"),
	}
}

func (s *WebhookSender) Send(ctx context.Context, channel, msg string, attachments []Attachment) error {
	payload, err := json.Marshal(message{
		Channel:     channel,
		Text:        msg,
		Attachments: attachments,
	})
	if err != nil {
		return fmt.Errorf("marshalling chat message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	s.logger.Debug(
		"sending chat message",
		logfields.Event("chat_message_sending"),
		zap.String("chat.channel", channel),
	)

	resp, err := s.clt.Do(req)
	if err != nil {
		return fmt.Errorf("posting chat message to %s: %w", channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("chat webhook returned status %d: %s", resp.StatusCode, body)
	}

	return nil
}
