package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/postqueue/internal/domain"
)

// PublishPath names what triggered a publication.
type PublishPath string

// Publish paths.
const (
	PathWorker     PublishPath = "worker"
	PathApproval   PublishPath = "approval"
	PathPublishNow PublishPath = "publish_now"
)

// PublishOutcome describes a completed publication.
// Payment is nil when the payment step failed.
type PublishOutcome struct {
	Post       *domain.Post          `json:"post"`
	ChannelRef int64                 `json:"channel_ref"`
	PostedAt   time.Time             `json:"posted_at"`
	Payment    *domain.PaymentResult `json:"payment"`
	Rebuild    RebuildResult         `json:"rebuild"`
}

// PublisherConfig contains publish sequence settings.
type PublisherConfig struct {
	MaxAttempts   int
	NotifyTimeout time.Duration
}

// Publisher runs the publish sequence shared by the worker and admin actions:
// copy to channel, mark posted, pay, notify the author, rebuild the queue.
type Publisher struct {
	store     Store
	channel   ChannelPublisher
	payments  PaymentService
	notices   *notices
	rebuilder *Rebuilder
	locker    Locker
	config    PublisherConfig
	clock     Clock
}

// NewPublisher creates a publisher.
func NewPublisher(
	config PublisherConfig,
	store Store,
	channel ChannelPublisher,
	payments PaymentService,
	notifier Notifier,
	renderer *Renderer,
	rebuilder *Rebuilder,
	clock Clock,
) *Publisher {
	if clock == nil {
		clock = time.Now
	}
	return &Publisher{
		store:     store,
		channel:   channel,
		payments:  payments,
		notices:   newNotices(notifier, renderer, config.NotifyTimeout),
		rebuilder: rebuilder,
		locker:    rebuilder.locker,
		config:    config,
		clock:     clock,
	}
}

// Publish publishes a pending post.
//
// A failed channel copy leaves the post pending, unpaid, and with one more
// recorded attempt. Payment and notification failures never undo a
// publication.
func (p *Publisher) Publish(ctx context.Context, post *domain.Post, path PublishPath) (*PublishOutcome, error) {
	start := time.Now()
	logger := slog.With("post_id", post.ID, "external_ref", post.ExternalRef, "path", path)

	release, err := p.claim(ctx, post.ID)
	if err != nil {
		recordPublished(path, "claim_failed", time.Since(start))
		return nil, err
	}
	defer release()

	current, err := p.store.GetByID(ctx, post.ID)
	if err != nil {
		recordPublished(path, "claim_failed", time.Since(start))
		return nil, fmt.Errorf("reload post: %w", err)
	}
	if !current.IsPending() {
		logger.Info("post already handled by another path, skipping")
		recordPublished(path, "skipped", time.Since(start))
		return nil, ErrNotPending
	}
	post = current

	channelRef, err := p.channel.CopyToChannel(ctx, post.ExternalRef)
	if err != nil {
		logger.Warn("failed to copy post to channel",
			"attempt", post.PublishAttempts+1,
			"max_attempts", p.config.MaxAttempts,
			"error", err,
		)
		p.recordFailure(ctx, post, err)
		recordPublished(path, "copy_failed", time.Since(start))
		return nil, fmt.Errorf("copy to channel: %w", err)
	}

	postedAt := p.clock()
	if err := p.store.MarkPosted(ctx, post.ID, channelRef, postedAt); err != nil {
		logger.Error("post copied to channel but not marked posted",
			"channel_ref", channelRef,
			"error", err,
		)
		recordPublished(path, "mark_failed", time.Since(start))
		return nil, fmt.Errorf("mark posted: %w", err)
	}
	release()

	published := clonePost(post)
	published.IsPosted = true
	published.ChannelRef = &channelRef
	published.ChannelPostedAt = &postedAt

	outcome := &PublishOutcome{
		Post:       published,
		ChannelRef: channelRef,
		PostedAt:   postedAt,
	}

	payment, err := p.payments.ProcessPayment(ctx, post.ID)
	if err != nil {
		logger.Error("failed to process payment", "error", err)
	} else {
		outcome.Payment = payment
		published.IsPaid = true
	}

	p.notifyPublished(ctx, outcome)

	outcome.Rebuild = p.rebuilder.rebuildQuietly(ctx, string(path))

	recordPublished(path, "success", time.Since(start))
	logger.Info("post published",
		"channel_ref", channelRef,
		"paid", outcome.Payment != nil,
	)

	return outcome, nil
}

// claim serialises publication of one post across the worker, approval and
// publish-now paths. The claim is held until the post is marked posted.
func (p *Publisher) claim(ctx context.Context, postID string) (func(), error) {
	release, err := p.locker.Acquire(ctx, publishLockKey(postID))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLockNotAcquired, err)
	}
	return release, nil
}

func publishLockKey(postID string) string {
	return "postqueue:publish:" + postID
}

func (p *Publisher) notifyPublished(ctx context.Context, outcome *PublishOutcome) {
	kind := NoticePublishedPaid
	if outcome.Payment == nil {
		kind = NoticePublished
	}

	p.notices.send(ctx, outcome.Post.AuthorID, kind, Notice{
		Post:        outcome.Post,
		PublishedAt: outcome.PostedAt,
		ChannelLink: p.notices.channelLink(outcome.ChannelRef),
		Payment:     outcome.Payment,
	})
}

func (p *Publisher) recordFailure(ctx context.Context, post *domain.Post, cause error) {
	attempts := post.PublishAttempts + 1
	if !isRetryable(cause) && attempts < p.config.MaxAttempts {
		attempts = p.config.MaxAttempts
	}

	if err := p.store.RecordPublishFailure(ctx, post.ID, attempts, cause.Error()); err != nil {
		slog.Error("failed to record publish failure", "post_id", post.ID, "error", err)
		return
	}

	post.PublishAttempts = attempts
	post.LastError = cause.Error()

	if post.IsHeld(p.config.MaxAttempts) {
		slog.Warn("post held after exhausting publish attempts",
			"post_id", post.ID,
			"attempts", attempts,
			"error", cause,
		)
		recordDeadLettered()
	}
}

// isRetryable reports whether err may succeed on a later attempt.
// Errors that do not say otherwise are retried.
func isRetryable(err error) bool {
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

// notices renders and delivers author messages without blocking the queue.
type notices struct {
	notifier Notifier
	renderer *Renderer
	timeout  time.Duration
}

func newNotices(notifier Notifier, renderer *Renderer, timeout time.Duration) *notices {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &notices{notifier: notifier, renderer: renderer, timeout: timeout}
}

func (n *notices) channelLink(channelRef int64) string {
	if n.renderer == nil {
		return ""
	}
	return n.renderer.ChannelLink(channelRef)
}

// send delivers a notice once. Failures are logged and dropped.
func (n *notices) send(ctx context.Context, authorID int64, kind NoticeType, notice Notice) {
	if n.notifier == nil || n.renderer == nil {
		return
	}

	body, err := n.renderer.Render(kind, notice)
	if err != nil {
		slog.Error("failed to render notice", "kind", kind, "author_id", authorID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	if err := n.notifier.NotifyAuthor(ctx, authorID, body); err != nil {
		slog.Warn("failed to notify author", "kind", kind, "author_id", authorID, "error", err)
	}
}
