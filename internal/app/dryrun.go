package app

import (
	"context"
	"log/slog"
)

// dryRun stands in for Telegram when it is disabled. Channel copies reuse
// the offers chat message id as the channel message id.
type dryRun struct{}

func (dryRun) CopyToChannel(_ context.Context, externalRef int64) (int64, error) {
	slog.Info("telegram disabled, skipping channel copy", "external_ref", externalRef)
	return externalRef, nil
}

func (dryRun) NotifyAuthor(_ context.Context, authorID int64, message string) error {
	slog.Info("telegram disabled, skipping author notice", "author_id", authorID, "message", message)
	return nil
}
