// Package telegram is a minimal Telegram Bot API client covering what the
// relay needs: forum topics, HTML messages, photos and pins.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultAPIRoot is the public Bot API endpoint.
const DefaultAPIRoot = "https://api.telegram.org"

// RateLimitError reports a 429 from the Bot API with the server-advised wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("telegram: rate limited, retry after %s", e.RetryAfter)
}

// APIError is a non-retryable Bot API rejection (bad chat id, malformed
// markup and the like).
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: API error %d: %s", e.Code, e.Description)
}

// Client sends messages through the Bot API. Sends retry on transport
// errors and rate limits; the relay's delivery contract is at-least-once,
// so a retried send that duplicated is acceptable.
type Client struct {
	apiRoot string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// New creates a Bot API client. apiRoot is usually DefaultAPIRoot.
func New(apiRoot, token string, logger *slog.Logger) *Client {
	return &Client{
		apiRoot: apiRoot,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (c *Client) call(ctx context.Context, method string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", method, err)
	}

	return retry.Do(
		func() error {
			startTime := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				fmt.Sprintf("%s/bot%s/%s", c.apiRoot, c.token, method), bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.client.Do(req)
			if err != nil {
				c.logger.Warn("Bot API request failed, will retry", "method", method, "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if err := decodeResponse(resp.Body, result); err != nil {
				var rateLimited *RateLimitError
				if errors.As(err, &rateLimited) {
					c.logger.Warn("Bot API rate limited",
						"method", method,
						"retry_after", rateLimited.RetryAfter.String())
					select {
					case <-time.After(rateLimited.RetryAfter):
					case <-ctx.Done():
						return retry.Unrecoverable(ctx.Err())
					}
					return err
				}
				var apiErr *APIError
				if errors.As(err, &apiErr) {
					return retry.Unrecoverable(err)
				}
				return err
			}

			c.logger.Debug("Bot API request completed",
				"method", method,
				"duration_ms", time.Since(startTime).Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying Bot API call after error", "method", method, "attempt", n, "error", err)
		}),
	)
}

func decodeResponse(body io.Reader, result any) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var api apiResponse
	if err := json.Unmarshal(data, &api); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !api.OK {
		if api.ErrorCode == http.StatusTooManyRequests {
			after := time.Second
			if api.Parameters != nil && api.Parameters.RetryAfter > 0 {
				after = time.Duration(api.Parameters.RetryAfter) * time.Second
			}
			return &RateLimitError{RetryAfter: after}
		}
		return &APIError{Code: api.ErrorCode, Description: api.Description}
	}
	if result != nil {
		if err := json.Unmarshal(api.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// CreateTopic creates a forum topic in a supergroup and returns its id.
func (c *Client) CreateTopic(ctx context.Context, chatID int64, title string) (int64, error) {
	payload := map[string]any{
		"chat_id": chatID,
		"name":    title,
	}
	var result struct {
		MessageThreadID int64 `json:"message_thread_id"`
	}
	if err := c.call(ctx, "createForumTopic", payload, &result); err != nil {
		return 0, fmt.Errorf("create topic: %w", err)
	}
	return result.MessageThreadID, nil
}

// SendMessage sends an HTML message into a topic and returns the message id.
// topicID zero targets the group's general topic.
func (c *Client) SendMessage(ctx context.Context, chatID, topicID int64, html string, disablePreview bool) (int64, error) {
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       html,
		"parse_mode": "HTML",
		"link_preview_options": map[string]any{
			"is_disabled": disablePreview,
		},
	}
	if topicID != 0 {
		payload["message_thread_id"] = topicID
	}
	var result struct {
		MessageID int64 `json:"message_id"`
	}
	if err := c.call(ctx, "sendMessage", payload, &result); err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return result.MessageID, nil
}

// SendPhoto sends a photo with an HTML caption into a topic. When data is
// non-nil the bytes are uploaded directly (the forum CDN rejects Telegram's
// fetchers); otherwise photoURL is passed for Telegram to fetch.
func (c *Client) SendPhoto(ctx context.Context, chatID, topicID int64, photoURL string, data []byte, caption string) (int64, error) {
	var result struct {
		MessageID int64 `json:"message_id"`
	}

	if data == nil {
		payload := map[string]any{
			"chat_id":    chatID,
			"photo":      photoURL,
			"caption":    caption,
			"parse_mode": "HTML",
		}
		if topicID != 0 {
			payload["message_thread_id"] = topicID
		}
		if err := c.call(ctx, "sendPhoto", payload, &result); err != nil {
			return 0, fmt.Errorf("send photo: %w", err)
		}
		return result.MessageID, nil
	}

	if err := c.upload(ctx, chatID, topicID, data, caption, &result); err != nil {
		return 0, fmt.Errorf("send photo: %w", err)
	}
	return result.MessageID, nil
}

func (c *Client) upload(ctx context.Context, chatID, topicID int64, data []byte, caption string, result any) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"chat_id":    strconv.FormatInt(chatID, 10),
		"caption":    caption,
		"parse_mode": "HTML",
	}
	if topicID != 0 {
		fields["message_thread_id"] = strconv.FormatInt(topicID, 10)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return fmt.Errorf("build form: %w", err)
		}
	}
	part, err := w.CreateFormFile("photo", "photo")
	if err != nil {
		return fmt.Errorf("build form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("build form: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/bot%s/sendPhoto", c.apiRoot, c.token), bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload photo: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	return decodeResponse(resp.Body, result)
}

// Pin pins a message in a chat.
func (c *Client) Pin(ctx context.Context, chatID, messageID int64) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}
	if err := c.call(ctx, "pinChatMessage", payload, nil); err != nil {
		return fmt.Errorf("pin message: %w", err)
	}
	return nil
}
