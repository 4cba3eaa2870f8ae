// Package github receives webhook http-requests from the hosting platform,
// verifies their signature and converts the payloads into typed events.
package github

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/octobot/octobot/internal/event"
	"github.com/octobot/octobot/internal/logfields"
)

const loggerName = "github-event-provider"

// DefMaxBodySize caps the accepted webhook payload size.
const DefMaxBodySize = 4 << 20

const (
	signatureHeader = "X-Hub-Signature"
	eventHeader     = "X-GitHub-Event"
)

// Handler processes a normalized webhook event and returns the http status
// code to respond with.
type Handler interface {
	HandleEvent(ctx context.Context, ev event.WebhookEvent) int
}

// Provider listens for webhook http-requests at a http-server handler,
// validates them and dispatches the typed event to the Handler.
type Provider struct {
	logger        *zap.Logger
	webhookSecret []byte
	handler       Handler
	maxBodySize   int64
}

type option func(*Provider)

func WithPayloadSecret(secret string) option {
	return func(p *Provider) {
		p.webhookSecret = []byte(secret)
	}
}

func WithMaxBodySize(size int64) option {
	return func(p *Provider) {
		p.maxBodySize = size
	}
}

func New(handler Handler, opts ...option) *Provider {
	p := Provider{
		handler:     handler,
		maxBodySize: DefMaxBodySize,
	}

	for _, o := range opts {
		o(&p)
	}

	if p.logger == nil {
		p.logger = zap.L().Named(loggerName)
	}

	return &p
}

func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	kind := req.Header.Get(eventHeader)

	logger := p.logger.With(
		logfields.EventProvider("github"),
		zap.String("github.webhook_type", kind),
	)

	body, err := io.ReadAll(io.LimitReader(req.Body, p.maxBodySize+1))
	if err != nil {
		logger.Info(
			"reading webhook request body failed",
			logfields.Event("github_http_request_body_read_failed"),
			zap.Error(err),
		)
		http.Error(resp, "error reading request body", http.StatusBadRequest)
		return
	}

	if int64(len(body)) > p.maxBodySize {
		logger.Info(
			"rejecting webhook request, payload exceeds size cap",
			logfields.Event("github_http_request_too_large"),
			zap.Int64("max_body_size", p.maxBodySize),
		)
		http.Error(resp, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	if !p.validSignature(body, req.Header.Get(signatureHeader)) {
		logger.Info(
			"received invalid http request, payload validation failed",
			logfields.Event("github_http_request_validation_failed"),
		)
		http.Error(resp, "signature verification failed", http.StatusForbidden)
		return
	}

	ev, err := ParseWebhook(kind, body)
	if err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			logger.Debug(
				"ignoring event, event type is unsupported",
				logfields.Event("github_unsupported_event_received"),
			)

			resp.WriteHeader(http.StatusOK)
			_, _ = resp.Write([]byte("Unhandled event: " + kind))
			return
		}

		logger.Info(
			"received invalid http request, parsing failed",
			logfields.Event("github_event_parsing_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	logger.Debug("event received", logfields.Event("github_event_received"))

	status := p.handler.HandleEvent(req.Context(), ev)
	resp.WriteHeader(status)
}

// validSignature verifies the hmac-sha1 signature header over body.
// The comparison runs in constant time.
func (p *Provider) validSignature(body []byte, sigHeader string) bool {
	const prefix = "sha1="

	if !strings.HasPrefix(sigHeader, prefix) {
		return false
	}

	sig, err := hex.DecodeString(sigHeader[len(prefix):])
	if err != nil {
		return false
	}

	mac := hmac.New(sha1.New, p.webhookSecret)
	mac.Write(body)

	return hmac.Equal(sig, mac.Sum(nil))
}
