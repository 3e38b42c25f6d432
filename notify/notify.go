// Package notify holds the outbox sinks: a signed HTTP webhook for
// notification delivery and a structured audit log.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bountyflow/outbox"
)

// WebhookSink posts each message as JSON to a subscriber URL.
type WebhookSink struct {
	url    string
	secret []byte
	topics map[string]struct{}
	client *http.Client
}

// NewWebhookSink builds a sink. An empty topics list subscribes to everything.
func NewWebhookSink(url, secret string, topics []string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	s := &WebhookSink{url: url, secret: []byte(secret), client: client}
	if len(topics) > 0 {
		s.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			s.topics[strings.TrimSpace(t)] = struct{}{}
		}
	}
	return s
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, msg outbox.Message) error {
	if s.topics != nil {
		if _, ok := s.topics[msg.Topic]; !ok {
			return outbox.ErrSkip
		}
	}
	body, err := json.Marshal(map[string]any{
		"id":         msg.ID,
		"topic":      msg.Topic,
		"key":        msg.Key,
		"payload":    json.RawMessage(msg.Payload),
		"created_at": msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("notify: marshal webhook body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Id", msg.ID)
	req.Header.Set("X-Webhook-Signature", Sign(s.secret, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: subscriber returned %s", resp.Status)
	}
	return nil
}

// Sign is the hex HMAC-SHA256 of body, sent in X-Webhook-Signature.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// AuditSink writes every message to the audit logger.
type AuditSink struct {
	log *slog.Logger
}

func NewAuditSink(log *slog.Logger) *AuditSink {
	return &AuditSink{log: log.With("component", "audit")}
}

func (a *AuditSink) Name() string { return "audit" }

func (a *AuditSink) Deliver(ctx context.Context, msg outbox.Message) error {
	a.log.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("message_id", msg.ID),
		slog.String("topic", msg.Topic),
		slog.String("bounty_id", msg.Key),
		slog.Any("payload", json.RawMessage(msg.Payload)),
		slog.Time("created_at", msg.CreatedAt),
	)
	return nil
}
