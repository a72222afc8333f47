// Package gateway implements the HTTP client for the group messaging
// platform: cursor-based message fetch, message deletion, and posting.
package gateway

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
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/spamshield/spamshield/internal/config"
	"github.com/spamshield/spamshield/internal/resilience"
)

// ErrNotFound indicates the requested entity no longer exists on the
// platform. A delete hitting this is treated as already done.
var ErrNotFound = errors.New("gateway: not found")

// APIError carries a non-2xx platform response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Attachment is a non-text payload attached to a message.
type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// Message is one chat message as returned by the platform.
type Message struct {
	ID          string       `json:"id"`
	GroupID     string       `json:"group_id"`
	SenderID    string       `json:"sender_id"`
	SenderName  string       `json:"name"`
	SenderType  string       `json:"sender_type"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   int64        `json:"created_at"`
}

// CreatedTime returns the message creation time.
func (m *Message) CreatedTime() time.Time {
	return time.Unix(m.CreatedAt, 0).UTC()
}

// Client is the platform API surface the monitors need.
type Client interface {
	// FetchMessages retrieves up to limit messages newer than afterID,
	// oldest first. An empty afterID fetches the most recent page.
	FetchMessages(ctx context.Context, groupID, afterID string, limit int) ([]Message, error)

	// DeleteMessage removes a message from a group. Returns ErrNotFound
	// when the message is already gone.
	DeleteMessage(ctx context.Context, groupID, messageID string) error

	// PostMessage sends a text message to a group.
	PostMessage(ctx context.Context, groupID, text string) error
}

// HTTPClient talks to a GroupMe-compatible REST API. Transient failures
// (429, 5xx, network) are retried with backoff; 4xx responses are not.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retryCfg   resilience.RetryConfig
	logger     *slog.Logger
}

// NewHTTPClient creates a platform client from the gateway config.
func NewHTTPClient(cfg config.GatewayConfig, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	retryCfg := resilience.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retryCfg.MaxAttempts = cfg.MaxRetries
	}

	return &HTTPClient{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retryCfg:   retryCfg,
		logger:     logger.With("component", "gateway"),
	}
}

// messagesEnvelope is the platform's standard response wrapper.
type messagesEnvelope struct {
	Response struct {
		Count    int       `json:"count"`
		Messages []Message `json:"messages"`
	} `json:"response"`
	Meta struct {
		Code   int      `json:"code"`
		Errors []string `json:"errors"`
	} `json:"meta"`
}

// FetchMessages retrieves up to limit messages newer than afterID. The
// platform returns 304 when the cursor is already at the tip, which maps
// to an empty slice.
func (c *HTTPClient) FetchMessages(ctx context.Context, groupID, afterID string, limit int) ([]Message, error) {
	if groupID == "" {
		return nil, fmt.Errorf("group_id cannot be empty")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	params := url.Values{}
	params.Set("token", c.token)
	params.Set("limit", strconv.Itoa(limit))
	if afterID != "" {
		params.Set("after_id", afterID)
	}

	endpoint := fmt.Sprintf("%s/groups/%s/messages?%s", c.baseURL, url.PathEscape(groupID), params.Encode())

	var messages []Message
	op := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return resilience.Permanent(fmt.Errorf("failed to build request: %w", err))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("fetch messages request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusNotModified:
			messages = nil
			return nil

		case resp.StatusCode == http.StatusNotFound:
			return resilience.Permanent(fmt.Errorf("group %s: %w", groupID, ErrNotFound))

		case resp.StatusCode >= 400:
			return statusError(resp)
		}

		var envelope messagesEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return fmt.Errorf("failed to decode messages response: %w", err)
		}

		messages = envelope.Response.Messages
		return nil
	}

	if err := resilience.WithRetry(ctx, op, c.retryCfg); err != nil {
		c.logger.ErrorContext(ctx, "Failed to fetch messages",
			"group_id", groupID, "after_id", afterID, "error", err)
		return nil, err
	}

	// The platform returns newest first; monitors want chronological order.
	reverse(messages)

	c.logger.DebugContext(ctx, "Fetched messages",
		"group_id", groupID, "after_id", afterID, "count", len(messages))
	return messages, nil
}

// DeleteMessage removes a message from a group. A 404 means the message is
// already gone and maps to ErrNotFound so callers can treat it as success.
func (c *HTTPClient) DeleteMessage(ctx context.Context, groupID, messageID string) error {
	if groupID == "" || messageID == "" {
		return fmt.Errorf("group_id and message_id cannot be empty")
	}

	endpoint := fmt.Sprintf("%s/conversations/%s/messages/%s?token=%s",
		c.baseURL, url.PathEscape(groupID), url.PathEscape(messageID), url.QueryEscape(c.token))

	op := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
		if err != nil {
			return resilience.Permanent(fmt.Errorf("failed to build request: %w", err))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("delete message request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK:
			return nil

		case resp.StatusCode == http.StatusNotFound:
			return resilience.Permanent(fmt.Errorf("message %s in group %s: %w", messageID, groupID, ErrNotFound))

		default:
			return statusError(resp)
		}
	}

	err := resilience.WithRetry(ctx, op, c.retryCfg)
	if err != nil && !errors.Is(err, ErrNotFound) {
		c.logger.ErrorContext(ctx, "Failed to delete message",
			"group_id", groupID, "message_id", messageID, "error", err)
		return err
	}
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}

	c.logger.DebugContext(ctx, "Message deleted", "group_id", groupID, "message_id", messageID)
	return nil
}

// PostMessage sends a text message to a group.
func (c *HTTPClient) PostMessage(ctx context.Context, groupID, text string) error {
	if groupID == "" {
		return fmt.Errorf("group_id cannot be empty")
	}
	if text == "" {
		return fmt.Errorf("message text cannot be empty")
	}

	endpoint := fmt.Sprintf("%s/groups/%s/messages?token=%s",
		c.baseURL, url.PathEscape(groupID), url.QueryEscape(c.token))

	payload := map[string]any{
		"message": map[string]any{
			"source_guid": uuid.NewString(),
			"text":        text,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	op := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return resilience.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("post message request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 400 {
			return statusError(resp)
		}
		return nil
	}

	if err := resilience.WithRetry(ctx, op, c.retryCfg); err != nil {
		c.logger.ErrorContext(ctx, "Failed to post message", "group_id", groupID, "error", err)
		return err
	}

	c.logger.DebugContext(ctx, "Message posted", "group_id", groupID, "length", len(text))
	return nil
}

// statusError converts a non-2xx response into an error, marking
// non-retryable client errors as permanent. 429 stays retryable.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(raw)}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return resilience.Permanent(apiErr)
	}
	return apiErr
}

func reverse(messages []Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
