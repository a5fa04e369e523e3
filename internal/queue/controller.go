package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/postqueue/internal/domain"
)

// ApprovalResult reports where an approved submission ended up.
// Exactly one of Queued and Published is set.
type ApprovalResult struct {
	Post        *domain.Post    `json:"post"`
	Queued      bool            `json:"queued"`
	Position    int             `json:"position,omitempty"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Published   *PublishOutcome `json:"published,omitempty"`
}

// QueueEntry is a pending post with its place in the queue.
// Held posts have no position.
type QueueEntry struct {
	Post     *domain.Post `json:"post"`
	Position int          `json:"position"`
	Held     bool         `json:"held"`
}

// QueueStats counts pending posts.
type QueueStats struct {
	Scheduled int `json:"scheduled"`
	Held      int `json:"held"`
}

// Controller handles admin actions on the queue.
type Controller struct {
	store       Store
	locker      Locker
	payments    PaymentService
	publisher   *Publisher
	rebuilder   *Rebuilder
	notices     *notices
	maxAttempts int
	clock       Clock
}

// NewController creates an approval controller.
func NewController(
	store Store,
	locker Locker,
	payments PaymentService,
	publisher *Publisher,
	rebuilder *Rebuilder,
	clock Clock,
) *Controller {
	if clock == nil {
		clock = time.Now
	}
	return &Controller{
		store:       store,
		locker:      locker,
		payments:    payments,
		publisher:   publisher,
		rebuilder:   rebuilder,
		notices:     publisher.notices,
		maxAttempts: publisher.config.MaxAttempts,
		clock:       clock,
	}
}

// Approve queues a submission and publishes it right away when its slot is
// already due. If that immediate publication fails the post stays queued for
// the worker.
func (c *Controller) Approve(ctx context.Context, sub domain.Submission) (*ApprovalResult, error) {
	if sub.ExternalRef <= 0 || sub.AuthorID <= 0 {
		return nil, ErrInvalidSubmission
	}

	_, err := c.store.GetByExternalRef(ctx, sub.ExternalRef)
	switch {
	case err == nil:
		return nil, ErrAlreadyQueued
	case !errors.Is(err, ErrPostNotFound):
		return nil, fmt.Errorf("lookup submission: %w", err)
	}

	post, depth, err := c.enqueue(ctx, sub)
	if err != nil {
		recordApproval("failed")
		return nil, err
	}

	logger := slog.With("post_id", post.ID, "external_ref", post.ExternalRef)

	if !post.ScheduledAt.After(c.clock()) {
		outcome, err := c.publisher.Publish(ctx, post, PathApproval)
		if err == nil {
			recordApproval("published")
			return &ApprovalResult{
				Post:        outcome.Post,
				ScheduledAt: post.ScheduledAt,
				Published:   outcome,
			}, nil
		}
		logger.Warn("immediate publication failed, post stays queued", "error", err)
		recordApproval("publish_failed")
	} else {
		recordApproval("queued")
	}

	position := depth + 1
	logger.Info("post queued", "position", position, "scheduled_at", post.ScheduledAt)

	c.notices.send(ctx, post.AuthorID, NoticeQueued, Notice{
		Post:        post,
		Position:    position,
		ScheduledAt: post.ScheduledAt,
	})

	return &ApprovalResult{
		Post:        post,
		Queued:      true,
		Position:    position,
		ScheduledAt: post.ScheduledAt,
	}, nil
}

// enqueue reads the anchor, computes the slot and creates the post while
// holding the queue lock, so concurrent approvals never share a tail.
func (c *Controller) enqueue(ctx context.Context, sub domain.Submission) (*domain.Post, int, error) {
	release, err := acquireQueue(ctx, c.locker)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	pending, err := c.store.ListPending(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list pending posts: %w", err)
	}

	var anchor Anchor
	depth := 0
	for _, p := range pending {
		if p.IsHeld(c.maxAttempts) {
			continue
		}
		depth++
		tail := p.ScheduledAt
		anchor.Tail = &tail
	}

	if depth == 0 {
		last, err := c.store.GetLastPublished(ctx)
		switch {
		case err == nil:
			anchor.LastPublished = last.ChannelPostedAt
		case !errors.Is(err, ErrPostNotFound):
			return nil, 0, fmt.Errorf("get last published post: %w", err)
		}
	}

	now := c.clock()
	post := &domain.Post{
		ExternalRef: sub.ExternalRef,
		AuthorID:    sub.AuthorID,
		Content:     sub.Content,
		ScheduledAt: ComputeSlot(anchor, now, c.rebuilder.Slots()),
		CreatedAt:   now,
	}

	if err := c.store.Create(ctx, post); err != nil {
		return nil, 0, fmt.Errorf("create post: %w", err)
	}

	return post, depth, nil
}

// Reject removes a pending post from rotation and tells its author.
// Rejecting an already rejected post is a no-op.
func (c *Controller) Reject(ctx context.Context, id string) (*domain.Post, error) {
	post, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if post.IsRejected {
		return post, nil
	}
	if post.IsPosted {
		return nil, ErrNotPending
	}

	if err := c.store.MarkRejected(ctx, id); err != nil {
		return nil, fmt.Errorf("mark rejected: %w", err)
	}
	post.IsRejected = true

	slog.Info("post rejected", "post_id", post.ID, "external_ref", post.ExternalRef)

	c.rebuilder.rebuildQuietly(ctx, "reject")
	c.notices.send(ctx, post.AuthorID, NoticeRejected, Notice{Post: post})

	return post, nil
}

// RejectSubmission rejects by offers chat reference. A submission that was
// never approved has no post; only its author is notified and nil is returned.
func (c *Controller) RejectSubmission(ctx context.Context, sub domain.Submission) (*domain.Post, error) {
	post, err := c.store.GetByExternalRef(ctx, sub.ExternalRef)
	if errors.Is(err, ErrPostNotFound) {
		c.notices.send(ctx, sub.AuthorID, NoticeRejected, Notice{})
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup submission: %w", err)
	}
	return c.Reject(ctx, post.ID)
}

// PublishNow publishes a pending post out of order. Paid posts are refused.
func (c *Controller) PublishNow(ctx context.Context, id string) (*PublishOutcome, error) {
	post, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !post.IsPending() {
		return nil, ErrNotPending
	}
	if post.IsPaid {
		return nil, ErrAlreadyPaid
	}

	return c.publisher.Publish(ctx, post, PathPublishNow)
}

// Pay credits the author of a post independently of publication.
func (c *Controller) Pay(ctx context.Context, id string) (*domain.PaymentResult, error) {
	if _, err := c.store.GetByID(ctx, id); err != nil {
		return nil, err
	}

	result, err := c.payments.ProcessPayment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("process payment: %w", err)
	}
	return result, nil
}

// Requeue clears the failure history of a pending post so the next rebuild
// gives it a slot again.
func (c *Controller) Requeue(ctx context.Context, id string) (*domain.Post, error) {
	post, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !post.IsPending() {
		return nil, ErrNotPending
	}
	if post.PublishAttempts == 0 {
		return nil, ErrNotHeld
	}

	if err := c.store.ResetPublishAttempts(ctx, id); err != nil {
		return nil, fmt.Errorf("reset publish attempts: %w", err)
	}

	slog.Info("post requeued", "post_id", id, "previous_attempts", post.PublishAttempts)
	c.rebuilder.rebuildQuietly(ctx, "requeue")

	return c.store.GetByID(ctx, id)
}

// Get returns a post by id.
func (c *Controller) Get(ctx context.Context, id string) (*domain.Post, error) {
	return c.store.GetByID(ctx, id)
}

// Lookup returns the post created from an offers chat message.
func (c *Controller) Lookup(ctx context.Context, externalRef int64) (*domain.Post, error) {
	return c.store.GetByExternalRef(ctx, externalRef)
}

// Rebuild re-spaces the queue on demand.
func (c *Controller) Rebuild(ctx context.Context) (RebuildResult, error) {
	return c.rebuilder.Rebuild(ctx)
}

// Snapshot lists pending posts in queue order.
func (c *Controller) Snapshot(ctx context.Context) ([]QueueEntry, QueueStats, error) {
	pending, err := c.store.ListPending(ctx)
	if err != nil {
		return nil, QueueStats{}, fmt.Errorf("list pending posts: %w", err)
	}

	entries := make([]QueueEntry, 0, len(pending))
	var stats QueueStats
	for _, p := range pending {
		entry := QueueEntry{Post: p}
		if p.IsHeld(c.maxAttempts) {
			entry.Held = true
			stats.Held++
		} else {
			stats.Scheduled++
			entry.Position = stats.Scheduled
		}
		entries = append(entries, entry)
	}

	return entries, stats, nil
}
