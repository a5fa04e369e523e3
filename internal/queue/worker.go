package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/postqueue/internal/domain"
)

// Publish reasons.
const (
	reasonDue   = "due"
	reasonStale = "stale"
)

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	Tick               time.Duration
	StaleAfter         time.Duration
	DueCeiling         time.Duration
	MaxPublishAttempts int
	MaxPublishPerTick  int
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Tick:               20 * time.Second,
		StaleAfter:         30 * time.Minute,
		DueCeiling:         60 * time.Hour,
		MaxPublishAttempts: 5,
		MaxPublishPerTick:  10,
	}
}

// Worker publishes due posts on a fixed tick. Ticks never overlap.
type Worker struct {
	config    WorkerConfig
	store     Store
	rebuilder *Rebuilder
	publisher *Publisher
	clock     Clock

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates a new publication worker.
func NewWorker(config WorkerConfig, store Store, rebuilder *Rebuilder, publisher *Publisher, clock Clock) *Worker {
	if clock == nil {
		clock = time.Now
	}
	return &Worker{
		config:    config,
		store:     store,
		rebuilder: rebuilder,
		publisher: publisher,
		clock:     clock,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the polling goroutine.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting publication worker",
		"tick", w.config.Tick,
		"stale_after", w.config.StaleAfter,
		"max_publish_attempts", w.config.MaxPublishAttempts,
	)

	w.wg.Add(1)
	go w.run(ctx)
}

// Stop waits for the current tick to finish and stops the worker.
// Calling Stop more than once is safe.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.wg.Wait()
		slog.Info("publication worker stopped")
	})
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick rebuilds the queue and publishes every post selected by evaluate.
// The queue is re-read after each publication because the publish sequence
// moves the anchor. Posts that failed during this tick are not retried
// until the next one.
func (w *Worker) tick(ctx context.Context) int {
	w.rebuilder.rebuildQuietly(ctx, "tick")

	failed := make(map[string]bool)
	published := 0

	for w.config.MaxPublishPerTick <= 0 || published < w.config.MaxPublishPerTick {
		if ctx.Err() != nil {
			return published
		}

		pending, err := w.store.ListPending(ctx)
		if err != nil {
			slog.Error("failed to list pending posts", "error", err)
			return published
		}
		w.recordStats(pending)

		post, reason := w.next(pending, failed)
		if post == nil {
			return published
		}

		recordPublishReason(reason)
		slog.Debug("publishing post",
			"post_id", post.ID,
			"reason", reason,
			"scheduled_at", post.ScheduledAt,
			"created_at", post.CreatedAt,
		)

		if _, err := w.publisher.Publish(ctx, post, PathWorker); err != nil {
			failed[post.ID] = true
			continue
		}
		published++
	}

	return published
}

// next returns the first post in queue order that should be published now.
func (w *Worker) next(pending []*domain.Post, failed map[string]bool) (*domain.Post, string) {
	now := w.clock()
	for _, post := range pending {
		if failed[post.ID] || post.IsHeld(w.config.MaxPublishAttempts) {
			continue
		}
		if reason := w.evaluate(post, now); reason != "" {
			return post, reason
		}
	}
	return nil, ""
}

// evaluate returns why a post should be published now, or an empty string.
//
// A post is due once its slot has passed, unless it passed more than
// DueCeiling ago. A post is stale when its slot is still ahead but it was
// created at least StaleAfter ago.
func (w *Worker) evaluate(post *domain.Post, now time.Time) string {
	lag := now.Sub(post.ScheduledAt)
	if lag >= 0 {
		if w.config.DueCeiling <= 0 || lag < w.config.DueCeiling {
			return reasonDue
		}
		slog.Warn("post slot is past the due ceiling",
			"post_id", post.ID,
			"scheduled_at", post.ScheduledAt,
			"ceiling", w.config.DueCeiling,
		)
		return ""
	}

	if w.config.StaleAfter > 0 && now.Sub(post.CreatedAt) >= w.config.StaleAfter {
		return reasonStale
	}
	return ""
}

func (w *Worker) recordStats(pending []*domain.Post) {
	var stats QueueStats
	for _, p := range pending {
		if p.IsHeld(w.config.MaxPublishAttempts) {
			stats.Held++
		} else {
			stats.Scheduled++
		}
	}
	RecordQueueStats(stats)
}
