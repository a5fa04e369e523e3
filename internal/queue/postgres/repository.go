// Package postgres provides PostgreSQL implementation of the queue store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/postqueue/internal/domain"
	"github.com/bissquit/postqueue/internal/queue"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postColumns = `id, external_ref, author_id, content, scheduled_at, created_at,
	is_posted, is_rejected, is_paid, channel_ref, channel_posted_at, publish_attempts, last_error`

// Repository implements queue.Store, queue.PaymentService and queue.Authors
// using PostgreSQL.
type Repository struct {
	db           *pgxpool.Pool
	rewardTokens int64
}

// NewRepository creates a new PostgreSQL repository crediting rewardTokens
// per paid post.
func NewRepository(db *pgxpool.Pool, rewardTokens int64) *Repository {
	return &Repository{db: db, rewardTokens: rewardTokens}
}

func scanPost(row pgx.Row) (*domain.Post, error) {
	var p domain.Post
	err := row.Scan(
		&p.ID,
		&p.ExternalRef,
		&p.AuthorID,
		&p.Content,
		&p.ScheduledAt,
		&p.CreatedAt,
		&p.IsPosted,
		&p.IsRejected,
		&p.IsPaid,
		&p.ChannelRef,
		&p.ChannelPostedAt,
		&p.PublishAttempts,
		&p.LastError,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPending returns pending posts in queue order.
func (r *Repository) ListPending(ctx context.Context) ([]*domain.Post, error) {
	query := `
		SELECT ` + postColumns + `
		FROM posts
		WHERE NOT is_posted AND NOT is_rejected
		ORDER BY scheduled_at, created_at, id
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list pending posts: %w", err)
	}
	defer rows.Close()

	posts := make([]*domain.Post, 0)
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}

	return posts, nil
}

// GetLastPublished returns the most recently published post.
func (r *Repository) GetLastPublished(ctx context.Context) (*domain.Post, error) {
	query := `
		SELECT ` + postColumns + `
		FROM posts
		WHERE is_posted AND channel_posted_at IS NOT NULL
		ORDER BY channel_posted_at DESC
		LIMIT 1
	`
	return r.getOne(ctx, "get last published post", query)
}

// GetByID retrieves a post by ID.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE id = $1`
	return r.getOne(ctx, "get post", query, id)
}

// GetByExternalRef retrieves the post created from an offers chat message.
func (r *Repository) GetByExternalRef(ctx context.Context, externalRef int64) (*domain.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE external_ref = $1`
	return r.getOne(ctx, "get post by external ref", query, externalRef)
}

func (r *Repository) getOne(ctx context.Context, op, query string, args ...interface{}) (*domain.Post, error) {
	post, err := scanPost(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrPostNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return post, nil
}

// Create inserts a new post and assigns its ID.
func (r *Repository) Create(ctx context.Context, post *domain.Post) error {
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO posts (id, external_ref, author_id, content, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query,
		post.ID,
		post.ExternalRef,
		post.AuthorID,
		post.Content,
		post.ScheduledAt,
		post.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return queue.ErrAlreadyQueued
		}
		return fmt.Errorf("create post: %w", err)
	}
	return nil
}

// PatchScheduledAt changes the slot of a pending post.
func (r *Repository) PatchScheduledAt(ctx context.Context, id string, scheduledAt time.Time) error {
	return r.updatePending(ctx, "patch scheduled_at",
		`UPDATE posts SET scheduled_at = $2 WHERE id = $1 AND NOT is_posted AND NOT is_rejected`,
		id, scheduledAt)
}

// MarkPosted records a successful publication.
func (r *Repository) MarkPosted(ctx context.Context, id string, channelRef int64, postedAt time.Time) error {
	return r.updatePending(ctx, "mark posted", `
		UPDATE posts
		SET is_posted = TRUE, channel_ref = $2, channel_posted_at = $3, last_error = ''
		WHERE id = $1 AND NOT is_posted AND NOT is_rejected
	`, id, channelRef, postedAt)
}

// MarkRejected removes a pending post from rotation.
func (r *Repository) MarkRejected(ctx context.Context, id string) error {
	return r.updatePending(ctx, "mark rejected",
		`UPDATE posts SET is_rejected = TRUE WHERE id = $1 AND NOT is_posted AND NOT is_rejected`,
		id)
}

// RecordPublishFailure stores the attempt count and the last error.
func (r *Repository) RecordPublishFailure(ctx context.Context, id string, attempts int, reason string) error {
	return r.updatePending(ctx, "record publish failure", `
		UPDATE posts SET publish_attempts = $2, last_error = $3
		WHERE id = $1 AND NOT is_posted AND NOT is_rejected
	`, id, attempts, reason)
}

// ResetPublishAttempts clears the failure history of a pending post.
func (r *Repository) ResetPublishAttempts(ctx context.Context, id string) error {
	return r.updatePending(ctx, "reset publish attempts", `
		UPDATE posts SET publish_attempts = 0, last_error = ''
		WHERE id = $1 AND NOT is_posted AND NOT is_rejected
	`, id)
}

// updatePending runs an update guarded by the pending condition and tells a
// missing post apart from one that already reached a terminal state.
func (r *Repository) updatePending(ctx context.Context, op, query string, args ...interface{}) error {
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM posts WHERE id = $1)`, args[0]).Scan(&exists); err != nil {
		return fmt.Errorf("%s: check post: %w", op, err)
	}
	if !exists {
		return queue.ErrPostNotFound
	}
	return queue.ErrNotPending
}
