package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// RebuildResult reports what a rebuild changed.
type RebuildResult struct {
	Pending int `json:"pending"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// Rebuilder re-spaces pending posts from the last publication.
type Rebuilder struct {
	store       Store
	locker      Locker
	slots       SlotConfig
	maxAttempts int
}

// NewRebuilder creates a rebuilder. Posts that reached maxAttempts are held
// and receive no slot; zero disables holding.
func NewRebuilder(store Store, locker Locker, slots SlotConfig, maxAttempts int) *Rebuilder {
	return &Rebuilder{
		store:       store,
		locker:      locker,
		slots:       slots,
		maxAttempts: maxAttempts,
	}
}

// Rebuild assigns every pending post a slot one interval after its
// predecessor, starting from the channel publish time of the latest
// publication. Posts already on their slot are left untouched, so a second
// rebuild without intervening changes updates nothing.
//
// A failed patch is logged and skipped; the post keeps its slot reserved in
// the walk. ErrNoAnchor is returned when posts are pending but nothing was
// ever published.
func (r *Rebuilder) Rebuild(ctx context.Context) (RebuildResult, error) {
	release, err := acquireQueue(ctx, r.locker)
	if err != nil {
		recordRebuild("lock_error", 0)
		return RebuildResult{}, err
	}
	defer release()

	result, err := r.rebuild(ctx)
	switch {
	case errors.Is(err, ErrNoAnchor):
		recordRebuild("no_anchor", 0)
	case err != nil:
		recordRebuild("error", 0)
	default:
		recordRebuild("success", result.Updated)
	}
	return result, err
}

func (r *Rebuilder) rebuild(ctx context.Context) (RebuildResult, error) {
	pending, err := r.store.ListPending(ctx)
	if err != nil {
		return RebuildResult{}, fmt.Errorf("list pending posts: %w", err)
	}

	result := RebuildResult{Pending: len(pending)}
	if len(pending) == 0 {
		return result, nil
	}

	last, err := r.store.GetLastPublished(ctx)
	if err != nil {
		if errors.Is(err, ErrPostNotFound) {
			return result, ErrNoAnchor
		}
		return result, fmt.Errorf("get last published post: %w", err)
	}
	if last.ChannelPostedAt == nil {
		return result, ErrNoAnchor
	}

	cursor := *last.ChannelPostedAt
	for _, post := range pending {
		if post.IsHeld(r.maxAttempts) {
			continue
		}

		cursor = NextSlot(cursor, r.slots)
		if post.ScheduledAt.Equal(cursor) {
			continue
		}

		if err := r.store.PatchScheduledAt(ctx, post.ID, cursor); err != nil {
			slog.Error("failed to reschedule post",
				"post_id", post.ID,
				"scheduled_at", cursor,
				"error", err,
			)
			result.Failed++
			continue
		}

		slog.Debug("post rescheduled",
			"post_id", post.ID,
			"from", post.ScheduledAt,
			"to", cursor,
		)
		post.ScheduledAt = cursor
		result.Updated++
	}

	return result, nil
}

// Slots returns the slot configuration used by the rebuilder.
func (r *Rebuilder) Slots() SlotConfig {
	return r.slots
}

// rebuildQuietly runs a rebuild and logs instead of failing.
func (r *Rebuilder) rebuildQuietly(ctx context.Context, trigger string) RebuildResult {
	result, err := r.Rebuild(ctx)
	switch {
	case errors.Is(err, ErrNoAnchor):
		slog.Debug("queue rebuild skipped: no anchor", "trigger", trigger, "pending", result.Pending)
	case err != nil:
		slog.Error("queue rebuild failed", "trigger", trigger, "error", err)
	case result.Updated > 0 || result.Failed > 0:
		slog.Info("queue rebuilt",
			"trigger", trigger,
			"pending", result.Pending,
			"updated", result.Updated,
			"failed", result.Failed,
		)
	}
	return result
}
