package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bissquit/postqueue/internal/domain"
	"github.com/bissquit/postqueue/internal/queue"
	"github.com/jackc/pgx/v5"
)

// ProcessPayment marks a post paid and credits its author in one transaction.
// An already paid post reports zero tokens and the current balance.
func (r *Repository) ProcessPayment(ctx context.Context, postID string) (*domain.PaymentResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Error("failed to rollback transaction", "error", err)
		}
	}()

	var (
		authorID int64
		isPaid   bool
	)
	err = tx.QueryRow(ctx, `SELECT author_id, is_paid FROM posts WHERE id = $1 FOR UPDATE`, postID).
		Scan(&authorID, &isPaid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrPostNotFound
		}
		return nil, fmt.Errorf("lock post: %w", err)
	}

	tokens := r.rewardTokens
	if isPaid {
		tokens = 0
	} else if _, err := tx.Exec(ctx, `UPDATE posts SET is_paid = TRUE WHERE id = $1`, postID); err != nil {
		return nil, fmt.Errorf("mark paid: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx, `
		INSERT INTO users (id, balance)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET balance = users.balance + EXCLUDED.balance
		RETURNING balance
	`, authorID, tokens).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("credit author: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return &domain.PaymentResult{TokensAdded: tokens, NewBalance: balance}, nil
}

// UpsertAuthor stores profile fields of a submitter, keeping the balance.
func (r *Repository) UpsertAuthor(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (id, username, first_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, first_name = EXCLUDED.first_name
		RETURNING balance, created_at
	`
	if err := r.db.QueryRow(ctx, query, user.ID, user.Username, user.FirstName).
		Scan(&user.Balance, &user.CreatedAt); err != nil {
		return fmt.Errorf("upsert author: %w", err)
	}
	return nil
}

// GetAuthor returns a submitter by Telegram user ID.
func (r *Repository) GetAuthor(ctx context.Context, id int64) (*domain.User, error) {
	var u domain.User
	err := r.db.QueryRow(ctx,
		`SELECT id, username, first_name, balance, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.FirstName, &u.Balance, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrAuthorNotFound
		}
		return nil, fmt.Errorf("get author: %w", err)
	}
	return &u, nil
}
