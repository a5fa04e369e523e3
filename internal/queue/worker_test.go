package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bissquit/postqueue/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultWorkerConfig(t *testing.T) {
	cfg := DefaultWorkerConfig()

	assert.Equal(t, 20*time.Second, cfg.Tick)
	assert.Equal(t, 30*time.Minute, cfg.StaleAfter)
	assert.Equal(t, 60*time.Hour, cfg.DueCeiling)
	assert.Equal(t, 5, cfg.MaxPublishAttempts)
	assert.Equal(t, 10, cfg.MaxPublishPerTick)
}

func TestWorker_Evaluate(t *testing.T) {
	w := &Worker{config: DefaultWorkerConfig()}
	now := at(14, 0)

	tests := []struct {
		name      string
		scheduled time.Time
		created   time.Time
		expected  string
	}{
		{"slot arrived", now, now.Add(-time.Minute), reasonDue},
		{"slot passed", now.Add(-10 * time.Minute), now.Add(-time.Minute), reasonDue},
		{"slot ahead", now.Add(10 * time.Minute), now.Add(-time.Minute), ""},
		{"slot beyond ceiling", now.Add(-61 * time.Hour), now.Add(-62 * time.Hour), ""},
		{"stale overrides future slot", now.Add(2 * time.Hour), now.Add(-35 * time.Minute), reasonStale},
		{"exactly at grace period", now.Add(2 * time.Hour), now.Add(-30 * time.Minute), reasonStale},
		{"within grace period", now.Add(2 * time.Hour), now.Add(-29 * time.Minute), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			post := &domain.Post{ID: "p", ScheduledAt: tt.scheduled, CreatedAt: tt.created}
			assert.Equal(t, tt.expected, w.evaluate(post, now))
		})
	}
}

func TestWorker_Evaluate_StaleDisabled(t *testing.T) {
	cfg := DefaultWorkerConfig()
	cfg.StaleAfter = 0
	w := &Worker{config: cfg}
	now := at(14, 0)

	post := &domain.Post{ScheduledAt: now.Add(time.Hour), CreatedAt: now.Add(-48 * time.Hour)}
	assert.Equal(t, "", w.evaluate(post, now))
}

func TestWorker_Tick_PublishesDuePost(t *testing.T) {
	h := newHarness(t)
	h.seedPublished(t, 1, at(13, 0))
	post := h.seedPending(t, 2, at(13, 50), at(13, 45))

	published := h.worker.tick(context.Background())
	assert.Equal(t, 1, published)

	got := h.get(t, post.ID)
	assert.True(t, got.IsPosted)
	assert.True(t, got.IsPaid)
	require.NotNil(t, got.ChannelPostedAt)
	assert.True(t, got.ChannelPostedAt.Equal(at(14, 0)))
	assert.Equal(t, []int64{2}, h.channel.copiedRefs())
	assert.Equal(t, int64(50), h.store.Balance(post.AuthorID))

	msgs := h.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, post.AuthorID, msgs[0].AuthorID)
	assert.Contains(t, msgs[0].Body, "published and paid")
}

func TestWorker_Tick_RebuildsAfterEachPublication(t *testing.T) {
	h := newHarness(t)
	h.seedPublished(t, 1, at(13, 0))
	a := h.seedPending(t, 2, at(15, 0), at(13, 55))
	b := h.seedPending(t, 3, at(15, 20), at(13, 56))

	published := h.worker.tick(context.Background())
	assert.Equal(t, 1, published)

	assert.True(t, h.get(t, a.ID).IsPosted)

	gotB := h.get(t, b.ID)
	assert.False(t, gotB.IsPosted)
	assert.True(t, gotB.ScheduledAt.Equal(at(14, 20)), "b re-anchored on the new publication, got %s", gotB.ScheduledAt)
}

func TestWorker_Tick_StaleOverride(t *testing.T) {
	h := newHarness(t)
	h.seedPublished(t, 1, at(13, 59))
	post := h.seedPending(t, 2, at(16, 0), at(13, 25))

	published := h.worker.tick(context.Background())
	assert.Equal(t, 1, published)
	assert.True(t, h.get(t, post.ID).IsPosted)
}

func TestWorker_Tick_NothingDue(t *testing.T) {
	h := newHarness(t)
	h.seedPublished(t, 1, at(13, 55))
	post := h.seedPending(t, 2, at(14, 15), at(13, 55))

	assert.Equal(t, 0, h.worker.tick(context.Background()))
	assert.False(t, h.get(t, post.ID).IsPosted)
	assert.Empty(t, h.channel.copiedRefs())
}

func TestWorker_Tick_FailureDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t)
	h.seedPublished(t, 1, at(13, 0))
	a := h.seedPending(t, 2, at(15, 0), at(13, 50))
	b := h.seedPending(t, 3, at(15, 1), at(13, 51))
	h.channel.failFor(2, errors.New("telegram unavailable"))

	published := h.worker.tick(context.Background())
	assert.Equal(t, 1, published)

	gotA := h.get(t, a.ID)
	assert.False(t, gotA.IsPosted)
	assert.False(t, gotA.IsPaid)
	assert.Equal(t, 1, gotA.PublishAttempts)
	assert.Equal(t, "telegram unavailable", gotA.LastError)

	assert.True(t, h.get(t, b.ID).IsPosted)
}

func TestWorker_Tick_FailedPostRetriedNextTick(t *testing.T) {
	h := newHarness(t)
	h.seedPublished(t, 1, at(13, 0))
	post := h.seedPending(t, 2, at(15, 0), at(13, 55))
	h.channel.failFor(2, errors.New("timeout"))

	assert.Equal(t, 0, h.worker.tick(context.Background()))
	assert.Equal(t, 1, h.channel.callCount(), "failed post is not retried within the tick")

	h.channel.failFor(2, nil)
	h.clock.Advance(20 * time.Second)

	assert.Equal(t, 1, h.worker.tick(context.Background()))
	assert.True(t, h.get(t, post.ID).IsPosted)
}

func TestWorker_Tick_HoldsPostAfterMaxAttempts(t *testing.T) {
	cfg := DefaultWorkerConfig()
	cfg.MaxPublishAttempts = 2
	h := newHarness(t, withWorkerConfig(cfg))
	h.seedPublished(t, 1, at(13, 0))
	post := h.seedPending(t, 2, at(15, 0), at(13, 55))
	h.channel.failFor(2, errors.New("timeout"))

	h.worker.tick(context.Background())
	h.worker.tick(context.Background())
	require.Equal(t, 2, h.channel.callCount())

	got := h.get(t, post.ID)
	assert.True(t, got.IsHeld(cfg.MaxPublishAttempts))

	h.worker.tick(context.Background())
	assert.Equal(t, 2, h.channel.callCount(), "held post is skipped")
}

func TestWorker_Tick_PermanentErrorHoldsImmediately(t *testing.T) {
	h := newHarness(t)
	h.seedPublished(t, 1, at(13, 0))
	post := h.seedPending(t, 2, at(15, 0), at(13, 55))
	h.channel.failFor(2, permanentError{})

	h.worker.tick(context.Background())

	got := h.get(t, post.ID)
	assert.Equal(t, DefaultWorkerConfig().MaxPublishAttempts, got.PublishAttempts)
	assert.True(t, got.IsHeld(DefaultWorkerConfig().MaxPublishAttempts))
}

func TestWorker_Tick_RespectsPerTickLimit(t *testing.T) {
	cfg := DefaultWorkerConfig()
	cfg.MaxPublishPerTick = 2
	h := newHarness(t, withWorkerConfig(cfg))
	h.seedPublished(t, 1, at(13, 0))
	for ref := int64(2); ref < 6; ref++ {
		h.seedPending(t, ref, at(15, int(ref)), at(12, 0))
	}

	assert.Equal(t, 2, h.worker.tick(context.Background()))
	assert.Len(t, h.channel.copiedRefs(), 2)
}

func TestWorker_StartStop(t *testing.T) {
	cfg := DefaultWorkerConfig()
	cfg.Tick = 10 * time.Millisecond
	h := newHarness(t, withWorkerConfig(cfg))
	h.seedPublished(t, 1, at(13, 0))
	post := h.seedPending(t, 2, at(15, 0), at(13, 55))

	h.worker.Start(context.Background())

	assert.Eventually(t, func() bool {
		got, err := h.store.GetByID(context.Background(), post.ID)
		return err == nil && got.IsPosted
	}, time.Second, 10*time.Millisecond)

	h.worker.Stop()
}

func TestWorker_StopTwice(t *testing.T) {
	cfg := DefaultWorkerConfig()
	cfg.Tick = 10 * time.Millisecond
	h := newHarness(t, withWorkerConfig(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	h.worker.Start(ctx)
	cancel()

	assert.NotPanics(t, func() {
		h.worker.Stop()
		h.worker.Stop()
	})
}

func TestWorker_StopsOnContextCancel(t *testing.T) {
	cfg := DefaultWorkerConfig()
	cfg.Tick = 10 * time.Millisecond
	h := newHarness(t, withWorkerConfig(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	h.worker.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		h.worker.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"plain error", errors.New("boom"), true},
		{"permanent", permanentError{}, false},
		{"wrapped permanent", errors.Join(errors.New("copy"), permanentError{}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isRetryable(tt.err))
		})
	}
}
