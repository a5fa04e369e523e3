package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/postqueue/internal/domain"
)

// Store is the persisted collection of queued posts.
//
// ListPending returns posts that are neither posted nor rejected, ordered by
// scheduled time ascending with ties broken by creation time.
// GetLastPublished returns the post with the latest channel publish time or
// ErrPostNotFound when nothing was published yet.
// MarkPosted and MarkRejected return ErrNotPending when the post already
// reached a terminal state.
type Store interface {
	ListPending(ctx context.Context) ([]*domain.Post, error)
	GetLastPublished(ctx context.Context) (*domain.Post, error)
	GetByID(ctx context.Context, id string) (*domain.Post, error)
	GetByExternalRef(ctx context.Context, externalRef int64) (*domain.Post, error)
	Create(ctx context.Context, post *domain.Post) error
	PatchScheduledAt(ctx context.Context, id string, scheduledAt time.Time) error
	MarkPosted(ctx context.Context, id string, channelRef int64, postedAt time.Time) error
	MarkRejected(ctx context.Context, id string) error
	RecordPublishFailure(ctx context.Context, id string, attempts int, reason string) error
	ResetPublishAttempts(ctx context.Context, id string) error
}

// ChannelPublisher copies an offers chat message into the public channel.
type ChannelPublisher interface {
	CopyToChannel(ctx context.Context, externalRef int64) (channelRef int64, err error)
}

// PaymentService credits the author of a published post.
// Processing an already paid post is a no-op that reports zero tokens.
type PaymentService interface {
	ProcessPayment(ctx context.Context, postID string) (*domain.PaymentResult, error)
}

// Authors records who submitted posts and their token balance.
// GetAuthor returns ErrAuthorNotFound for unknown users.
type Authors interface {
	UpsertAuthor(ctx context.Context, user *domain.User) error
	GetAuthor(ctx context.Context, id int64) (*domain.User, error)
}

// Notifier delivers a message to a post author.
type Notifier interface {
	NotifyAuthor(ctx context.Context, authorID int64, message string) error
}

// Locker serialises queue mutations across goroutines and processes.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Clock returns the current time.
type Clock func() time.Time

const queueLockKey = "postqueue:queue"

// acquireQueue takes the queue lock. Failures wrap ErrLockNotAcquired.
func acquireQueue(ctx context.Context, locker Locker) (func(), error) {
	release, err := locker.Acquire(ctx, queueLockKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLockNotAcquired, err)
	}
	return release, nil
}
