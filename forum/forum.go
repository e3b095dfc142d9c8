// Package forum is a typed client for the island forum's JSON API.
package forum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"island-watcher/pkg/watch"
)

const userAgent = "island-watcher/1.0"

// ErrThreadNotFound indicates the requested id is not a thread (it may be a
// reply, or deleted). The API reports this as a 200 with a literal message
// body rather than a status code.
var ErrThreadNotFound = errors.New("forum: thread does not exist")

const notFoundBody = "该串不存在"

// Client talks to the forum API. Requests are single-shot with a per-call
// timeout: the monitor treats failures as transient and retries on the next
// cycle from the same checkpoint, so in-client retries would only add load.
type Client struct {
	apiBase      string
	frontendBase string
	imageBase    string
	session      string
	client       *http.Client
	logger       *slog.Logger
}

// New creates a forum client. apiBase, frontendBase and imageBase are the
// API, web frontend and image CDN roots respectively.
func New(apiBase, frontendBase, imageBase string, client *http.Client, logger *slog.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		apiBase:      strings.TrimSuffix(apiBase, "/"),
		frontendBase: strings.TrimSuffix(frontendBase, "/"),
		imageBase:    strings.TrimSuffix(imageBase, "/"),
		client:       client,
		logger:       logger,
	}
}

// SetSession attaches an operator session to every subsequent API read. The
// forum rate-limits anonymous clients harder and hides some threads from them.
func (c *Client) SetSession(cookie string) {
	c.session = cookie
}

func (c *Client) get(ctx context.Context, endpoint string, cookie string, out any) error {
	if cookie == "" {
		cookie = c.session
	}
	reqURL := c.apiBase + "/Api/" + endpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if cookie != "" {
		req.Header.Set("Cookie", "userhash="+cookie)
	}

	startTime := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("forum request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("Forum API request completed",
		"endpoint", endpoint,
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(startTime).Milliseconds())

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("forum API HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	trimmed := strings.Trim(strings.TrimSpace(string(body)), `"`)
	if trimmed == notFoundBody {
		return ErrThreadNotFound
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Feed returns one page of a followed feed's thread listing. An empty slice
// marks the end of the listing.
func (c *Client) Feed(ctx context.Context, uuid string, page int) ([]watch.FeedThread, error) {
	var threads []watch.FeedThread
	endpoint := fmt.Sprintf("feed?uuid=%s&page=%d", url.QueryEscape(uuid), page)
	if err := c.get(ctx, endpoint, "", &threads); err != nil {
		return nil, fmt.Errorf("fetch feed %s page %d: %w", uuid, page, err)
	}
	return threads, nil
}

// Thread returns one page of a thread's replies, along with the
// server-reported total reply count.
func (c *Client) Thread(ctx context.Context, id string, page int) (*watch.ThreadPage, error) {
	return c.thread(ctx, id, page, "")
}

// ThreadWithCookie is Thread with an operator session cookie attached, for
// threads only visible to logged-in users.
func (c *Client) ThreadWithCookie(ctx context.Context, id string, page int, cookie string) (*watch.ThreadPage, error) {
	return c.thread(ctx, id, page, cookie)
}

func (c *Client) thread(ctx context.Context, id string, page int, cookie string) (*watch.ThreadPage, error) {
	var data watch.ThreadPage
	endpoint := fmt.Sprintf("thread?id=%s&page=%d", url.QueryEscape(id), page)
	if err := c.get(ctx, endpoint, cookie, &data); err != nil {
		if errors.Is(err, ErrThreadNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("fetch thread %s page %d: %w", id, page, err)
	}
	return &data, nil
}

// IsThread reports whether the id refers to a thread (as opposed to a reply
// inside one). Used to pick between thread and reference links.
func (c *Client) IsThread(ctx context.Context, id string) (bool, error) {
	var data watch.ThreadPage
	if err := c.get(ctx, "thread?id="+url.QueryEscape(id), "", &data); err != nil {
		if errors.Is(err, ErrThreadNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// AddFeed subscribes a thread to the operator's feed.
func (c *Client) AddFeed(ctx context.Context, uuid, threadID string) error {
	return c.post(ctx, fmt.Sprintf("addFeed?uuid=%s&tid=%s", url.QueryEscape(uuid), url.QueryEscape(threadID)))
}

// DelFeed removes a thread from the operator's feed.
func (c *Client) DelFeed(ctx context.Context, uuid, threadID string) error {
	return c.post(ctx, fmt.Sprintf("delFeed?uuid=%s&tid=%s", url.QueryEscape(uuid), url.QueryEscape(threadID)))
}

func (c *Client) post(ctx context.Context, endpoint string) error {
	reqURL := c.apiBase + "/Api/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("forum request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("forum API HTTP %d", resp.StatusCode)
	}
	return nil
}

// PostReply posts a reply to a thread on behalf of the operator. The session
// cookie authenticates the write; name and title fall back to the forum's
// anonymous placeholders when empty.
func (c *Client) PostReply(ctx context.Context, threadID, content, cookie, name, title string) error {
	if name == "" {
		name = "无名氏"
	}
	if title == "" {
		title = "无标题"
	}

	var buf strings.Builder
	w := multipart.NewWriter(&buf)
	fields := map[string]string{
		"name":    name,
		"title":   title,
		"content": content,
		"resto":   threadID,
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return fmt.Errorf("build form: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("build form: %w", err)
	}

	reqURL := c.frontendBase + "/home/forum/doReplyThread.html"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(buf.String()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Cookie", "userhash="+cookie)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post reply: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post reply HTTP %d", resp.StatusCode)
	}
	return nil
}

// ThreadURL returns the frontend URL for a thread.
func (c *Client) ThreadURL(threadID string) string {
	return c.frontendBase + "/t/" + threadID
}

// PageURL returns the frontend URL for a specific page of a thread.
func (c *Client) PageURL(threadID string, page int) string {
	return fmt.Sprintf("%s/t/%s/page/%d", c.frontendBase, threadID, page)
}

// RefURL returns the frontend URL for a single post reference.
func (c *Client) RefURL(postID string) string {
	return c.frontendBase + "/Home/Forum/ref/id/" + postID
}

// ImageURL returns the CDN URL of a full-size image attachment.
func (c *Client) ImageURL(img, ext string) string {
	return c.imageBase + "/image/" + img + ext
}

// ThumbURL returns the CDN URL of an image thumbnail.
func (c *Client) ThumbURL(img, ext string) string {
	return c.imageBase + "/thumb/" + img + ext
}
