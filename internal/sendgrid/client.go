// Package sendgrid implements the delivery transport over the SendGrid
// v3 Mail Send API and the webhook signature check for event ingestion.
package sendgrid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loftpress/newsletter-engine/internal/delivery"
	"github.com/loftpress/newsletter-engine/internal/pkg/logger"
)

// Client sends batched mail through SendGrid. One API call carries up
// to 1000 personalizations sharing a single subject and body.
// Requests are not retried here: a replayed Mail Send call can deliver
// twice, and the dispatcher already isolates chunk failures.
type Client struct {
	apiKey   string
	baseURL  string
	maxBatch int
	client   *http.Client
}

// NewClient creates a SendGrid transport
func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://api.sendgrid.com"
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:   apiKey,
		baseURL:  baseURL,
		maxBatch: 1000,
		client:   &http.Client{Timeout: timeout},
	}
}

// MaxBatchSize returns the personalization cap per API call
func (c *Client) MaxBatchSize() int { return c.maxBatch }

// SendBatch delivers msg to every personalization in one API call. A
// non-2xx response fails the whole chunk.
func (c *Client) SendBatch(ctx context.Context, msg *delivery.Message, persons []delivery.Personalization) (*delivery.Result, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("SendGrid API key not configured")
	}
	if len(persons) == 0 {
		return &delivery.Result{}, nil
	}
	if len(persons) > c.maxBatch {
		return nil, fmt.Errorf("batch size %d exceeds SendGrid max of %d", len(persons), c.maxBatch)
	}

	personalizations := make([]map[string]interface{}, len(persons))
	for i, p := range persons {
		entry := map[string]interface{}{
			"to": []map[string]string{{"email": p.Email}},
		}
		if len(p.CustomArgs) > 0 {
			entry["custom_args"] = p.CustomArgs
		}
		if len(p.Substitutions) > 0 {
			subs := make(map[string]string, len(p.Substitutions))
			for k, v := range p.Substitutions {
				subs[fmt.Sprintf("{{%s}}", k)] = v
			}
			entry["substitutions"] = subs
		}
		personalizations[i] = entry
	}

	content := []map[string]string{{"type": "text/html", "value": msg.HTML}}
	if msg.Plain != "" {
		content = []map[string]string{
			{"type": "text/plain", "value": msg.Plain},
			{"type": "text/html", "value": msg.HTML},
		}
	}

	payload := map[string]interface{}{
		"personalizations": personalizations,
		"from":             map[string]string{"email": msg.FromEmail, "name": msg.FromName},
		"subject":          msg.Subject,
		"content":          content,
		"tracking_settings": map[string]interface{}{
			"click_tracking": map[string]bool{"enable": true},
			"open_tracking":  map[string]bool{"enable": true},
		},
	}
	if msg.ReplyTo != "" {
		payload["reply_to"] = map[string]string{"email": msg.ReplyTo}
	}
	if len(msg.Headers) > 0 {
		payload["headers"] = msg.Headers
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v3/mail/send", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send batch: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("SendGrid batch error %d: %s", resp.StatusCode, string(body))
	}

	messageID := resp.Header.Get("X-Message-Id")
	logger.Info("sendgrid batch accepted", "count", len(persons), "message_id", messageID)
	return &delivery.Result{Accepted: len(persons), MessageID: messageID}, nil
}
