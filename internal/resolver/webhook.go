package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// maxReplyBodySize caps how much of a webhook response is read (1MB).
const maxReplyBodySize = 1 << 20

// isoMillis matches the ISO-8601 form browsers emit for Date.toISOString.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// StatusError reports a non-success webhook status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.StatusCode)
}

// WebhookPayload is the JSON body posted to the webhook.
type WebhookPayload struct {
	Message   string   `json:"message"`
	Timestamp string   `json:"timestamp"`
	UserInfo  UserInfo `json:"user_info"`
}

// UserInfo is the client context sent with each message.
type UserInfo struct {
	Page     string `json:"page"`
	Referrer string `json:"referrer"`
}

// webhookReply is the accepted response shape. Both fields are optional.
type webhookReply struct {
	Response *string `json:"response"`
	Message  *string `json:"message"`
}

// WebhookResolver forwards messages to a remote automation endpoint.
// A call is made exactly once; failures are never retried.
type WebhookResolver struct {
	endpoint *url.URL
	client   *http.Client
	fallback string
}

// NewWebhook creates a resolver posting to endpoint.
func NewWebhook(endpoint *url.URL, client *http.Client, fallback string) *WebhookResolver {
	if client == nil {
		client = http.DefaultClient
	}
	if fallback == "" {
		fallback = DefaultFallback
	}
	return &WebhookResolver{endpoint: endpoint, client: client, fallback: fallback}
}

// Mode returns ModeRemote.
func (r *WebhookResolver) Mode() Mode { return ModeRemote }

// Resolve posts req to the webhook and extracts the reply. Every failure
// wraps ErrResolutionFailed.
func (r *WebhookResolver) Resolve(ctx context.Context, req Request) (string, error) {
	at := req.At
	if at.IsZero() {
		at = time.Now()
	}
	body, err := json.Marshal(WebhookPayload{
		Message:   req.Message,
		Timestamp: at.UTC().Format(isoMillis),
		UserInfo: UserInfo{
			Page:     req.Client.Page,
			Referrer: req.Client.Referrer,
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode payload: %w", ErrResolutionFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %w", ErrResolutionFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrResolutionFailed, redactURL(err))
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("failed to close webhook response body", "error", closeErr)
		}
	}()

	slog.Debug("Webhook responded",
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxReplyBodySize))
		return "", fmt.Errorf("%w: %w", ErrResolutionFailed, &StatusError{StatusCode: resp.StatusCode})
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBodySize))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %w", ErrResolutionFailed, err)
	}

	return r.parseReply(data)
}

// redactURL drops the endpoint from client errors. Webhook paths carry the
// workflow token, and failure text ends up in diagnostics.
func redactURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s request: %w", urlErr.Op, urlErr.Err)
	}
	return err
}

func (r *WebhookResolver) parseReply(data []byte) (string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", fmt.Errorf("%w: response body is not a JSON object", ErrResolutionFailed)
	}

	var reply webhookReply
	if err := json.Unmarshal(trimmed, &reply); err != nil {
		return "", fmt.Errorf("%w: decode body: %w", ErrResolutionFailed, err)
	}

	if reply.Response != nil && *reply.Response != "" {
		return *reply.Response, nil
	}
	if reply.Message != nil && *reply.Message != "" {
		return *reply.Message, nil
	}
	return r.fallback, nil
}

var _ Resolver = (*WebhookResolver)(nil)
