// Package rest implements the queue store on top of the bot backend HTTP API.
package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bissquit/postqueue/internal/domain"
	"github.com/bissquit/postqueue/internal/queue"
	"github.com/carlmjohnson/requests"
)

// Config contains backend API settings.
type Config struct {
	BaseURL  string
	Token    string
	Timeout  time.Duration
	Location *time.Location
}

// Client implements queue.Store and queue.PaymentService over HTTP.
// Timestamps without an offset are read in Config.Location; unreadable ones
// fall back to the current time.
type Client struct {
	config     Config
	httpClient *http.Client
	clock      queue.Clock
}

// NewClient creates a backend client.
func NewClient(config Config, clock queue.Clock) *Client {
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		clock:      clock,
	}
}

// wirePost is the backend representation of a post.
type wirePost struct {
	ID               wireID `json:"id"`
	TelegramID       int64  `json:"telegram_id"`
	Author           int64  `json:"author"`
	Content          string `json:"content"`
	PostedAt         string `json:"posted_at"`
	CreatedAt        string `json:"created_at"`
	IsPosted         bool   `json:"is_posted"`
	IsRejected       bool   `json:"is_rejected"`
	IsPaid           bool   `json:"is_paid"`
	ChannelMessageID *int64 `json:"channel_message_id"`
	ChannelPostedAt  string `json:"channel_posted_at"`
	PublishAttempts  int    `json:"publish_attempts"`
	LastError        string `json:"last_error"`
}

// wireID accepts both numeric and string primary keys.
type wireID string

func (id *wireID) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if string(b) == "null" {
		*id = ""
		return nil
	}
	*id = wireID(b)
	return nil
}

type wirePayment struct {
	TokensAdded   int64 `json:"tokens_added"`
	AuthorBalance int64 `json:"author_balance"`
}

func (c *Client) toDomain(w wirePost) *domain.Post {
	now := c.clock()
	scheduled, _ := queue.ParseTimestamp(w.PostedAt, c.config.Location, now)
	created, _ := queue.ParseTimestamp(w.CreatedAt, c.config.Location, now)

	return &domain.Post{
		ID:              string(w.ID),
		ExternalRef:     w.TelegramID,
		AuthorID:        w.Author,
		Content:         w.Content,
		ScheduledAt:     scheduled,
		CreatedAt:       created,
		IsPosted:        w.IsPosted,
		IsRejected:      w.IsRejected,
		IsPaid:          w.IsPaid,
		ChannelRef:      w.ChannelMessageID,
		ChannelPostedAt: queue.ParseOptionalTimestamp(w.ChannelPostedAt, c.config.Location, now),
		PublishAttempts: w.PublishAttempts,
		LastError:       w.LastError,
	}
}

func (c *Client) formatTime(t time.Time) string {
	return t.In(c.config.Location).Format(time.RFC3339)
}

func (c *Client) request(path string) *requests.Builder {
	rb := requests.URL(c.config.BaseURL+path).
		Client(c.httpClient).
		AddValidator(checkStatus)
	if c.config.Token != "" {
		rb = rb.Header("Authorization", "Token "+c.config.Token)
	}
	return rb
}

// checkStatus maps backend status codes to queue errors.
func checkStatus(res *http.Response) error {
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode == http.StatusNotFound:
		return queue.ErrPostNotFound
	case res.StatusCode == http.StatusConflict:
		return queue.ErrAlreadyQueued
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	return fmt.Errorf("backend returned %d: %s", res.StatusCode, bytes.TrimSpace(body))
}

func (c *Client) listPosts(ctx context.Context, params url.Values) ([]*domain.Post, error) {
	rb := c.request("/api/posts/")
	for key, values := range params {
		rb = rb.Param(key, values...)
	}

	var wire []wirePost
	if err := rb.ToJSON(&wire).Fetch(ctx); err != nil {
		return nil, err
	}

	posts := make([]*domain.Post, 0, len(wire))
	for _, w := range wire {
		posts = append(posts, c.toDomain(w))
	}
	return posts, nil
}

// ListPending returns pending posts in queue order.
func (c *Client) ListPending(ctx context.Context) ([]*domain.Post, error) {
	posts, err := c.listPosts(ctx, url.Values{
		"is_posted":   {"false"},
		"is_rejected": {"false"},
		"ordering":    {"posted_at"},
	})
	if err != nil {
		return nil, fmt.Errorf("list pending posts: %w", err)
	}
	return posts, nil
}

// GetLastPublished returns the most recently published post.
func (c *Client) GetLastPublished(ctx context.Context) (*domain.Post, error) {
	return c.getPost(ctx, "/api/posts/last_published/")
}

// GetByID retrieves a post by ID.
func (c *Client) GetByID(ctx context.Context, id string) (*domain.Post, error) {
	return c.getPost(ctx, "/api/posts/"+url.PathEscape(id)+"/")
}

func (c *Client) getPost(ctx context.Context, path string) (*domain.Post, error) {
	var wire wirePost
	if err := c.request(path).ToJSON(&wire).Fetch(ctx); err != nil {
		return nil, err
	}
	return c.toDomain(wire), nil
}

// GetByExternalRef retrieves the post created from an offers chat message.
func (c *Client) GetByExternalRef(ctx context.Context, externalRef int64) (*domain.Post, error) {
	posts, err := c.listPosts(ctx, url.Values{"telegram_id": {strconv.FormatInt(externalRef, 10)}})
	if err != nil {
		return nil, fmt.Errorf("find post by telegram id: %w", err)
	}
	if len(posts) == 0 {
		return nil, queue.ErrPostNotFound
	}
	return posts[0], nil
}

// Create submits a new post and stores the ID assigned by the backend.
func (c *Client) Create(ctx context.Context, post *domain.Post) error {
	if post.CreatedAt.IsZero() {
		post.CreatedAt = c.clock()
	}

	var created wirePost
	err := c.request("/api/post/new/").
		BodyJSON(map[string]interface{}{
			"telegram_id": post.ExternalRef,
			"author":      post.AuthorID,
			"content":     post.Content,
			"posted_at":   c.formatTime(post.ScheduledAt),
		}).
		ToJSON(&created).
		Fetch(ctx)
	if err != nil {
		return fmt.Errorf("create post: %w", err)
	}

	post.ID = string(created.ID)
	return nil
}

func (c *Client) patch(ctx context.Context, id string, fields map[string]interface{}) error {
	return c.request("/api/posts/" + url.PathEscape(id) + "/").
		Method(http.MethodPatch).
		BodyJSON(fields).
		Fetch(ctx)
}

// patchPending patches a post only while it is pending. The backend has no
// conditional update, so the check and the PATCH are two requests; callers
// serialise writers to one post through the queue lock and publication claim.
func (c *Client) patchPending(ctx context.Context, id string, fields map[string]interface{}) error {
	post, err := c.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !post.IsPending() {
		return queue.ErrNotPending
	}
	return c.patch(ctx, id, fields)
}

// PatchScheduledAt changes the slot of a pending post.
func (c *Client) PatchScheduledAt(ctx context.Context, id string, scheduledAt time.Time) error {
	return c.patchPending(ctx, id, map[string]interface{}{"posted_at": c.formatTime(scheduledAt)})
}

// MarkPosted records a successful publication.
func (c *Client) MarkPosted(ctx context.Context, id string, channelRef int64, postedAt time.Time) error {
	return c.patchPending(ctx, id, map[string]interface{}{
		"is_posted":          true,
		"channel_message_id": channelRef,
		"channel_posted_at":  c.formatTime(postedAt),
		"last_error":         "",
	})
}

// MarkRejected removes a pending post from rotation.
func (c *Client) MarkRejected(ctx context.Context, id string) error {
	return c.patchPending(ctx, id, map[string]interface{}{"is_rejected": true})
}

// RecordPublishFailure stores the attempt count and the last error.
func (c *Client) RecordPublishFailure(ctx context.Context, id string, attempts int, reason string) error {
	return c.patchPending(ctx, id, map[string]interface{}{
		"publish_attempts": attempts,
		"last_error":       reason,
	})
}

// ResetPublishAttempts clears the failure history of a pending post.
func (c *Client) ResetPublishAttempts(ctx context.Context, id string) error {
	return c.patchPending(ctx, id, map[string]interface{}{
		"publish_attempts": 0,
		"last_error":       "",
	})
}

// ProcessPayment asks the backend to credit the author of a post.
func (c *Client) ProcessPayment(ctx context.Context, postID string) (*domain.PaymentResult, error) {
	var wire wirePayment
	err := c.request("/api/posts/" + url.PathEscape(postID) + "/process_payment/").
		Method(http.MethodPost).
		ToJSON(&wire).
		Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("process payment: %w", err)
	}
	return &domain.PaymentResult{TokensAdded: wire.TokensAdded, NewBalance: wire.AuthorBalance}, nil
}
