package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/postqueue/internal/domain"
	"github.com/bissquit/postqueue/internal/pkg/lock"
	"github.com/stretchr/testify/require"
)

const testInterval = 20 * time.Minute

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeChannel struct {
	mu     sync.Mutex
	nextID int64
	copied []int64
	calls  int
	errs   map[int64]error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{nextID: 1000, errs: make(map[int64]error)}
}

func (f *fakeChannel) CopyToChannel(_ context.Context, externalRef int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if err := f.errs[externalRef]; err != nil {
		return 0, err
	}
	f.nextID++
	f.copied = append(f.copied, externalRef)
	return f.nextID, nil
}

func (f *fakeChannel) failFor(externalRef int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[externalRef] = err
}

func (f *fakeChannel) copiedRefs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.copied...)
}

func (f *fakeChannel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sentNotice struct {
	AuthorID int64
	Body     string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
	err  error
}

func (f *fakeNotifier) NotifyAuthor(_ context.Context, authorID int64, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNotice{AuthorID: authorID, Body: message})
	return f.err
}

func (f *fakeNotifier) messages() []sentNotice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentNotice(nil), f.sent...)
}

type failingPayments struct{}

func (failingPayments) ProcessPayment(context.Context, string) (*domain.PaymentResult, error) {
	return nil, errors.New("backend unavailable")
}

// patchFailingStore fails PatchScheduledAt for selected posts.
type patchFailingStore struct {
	*MemoryStore
	failIDs map[string]bool
}

func (s *patchFailingStore) PatchScheduledAt(ctx context.Context, id string, t time.Time) error {
	if s.failIDs[id] {
		return errors.New("patch rejected")
	}
	return s.MemoryStore.PatchScheduledAt(ctx, id, t)
}

type permanentError struct{}

func (permanentError) Error() string     { return "message to copy not found" }
func (permanentError) IsRetryable() bool { return false }

type harness struct {
	clock      *fakeClock
	store      *MemoryStore
	channel    *fakeChannel
	notifier   *fakeNotifier
	slots      SlotConfig
	rebuilder  *Rebuilder
	publisher  *Publisher
	controller *Controller
	worker     *Worker
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	worker   WorkerConfig
	wrap     func(*MemoryStore) Store
	payments PaymentService
	channel  ChannelPublisher
}

func withWorkerConfig(cfg WorkerConfig) harnessOption {
	return func(h *harnessConfig) { h.worker = cfg }
}

// wrapStore replaces the store seen by components with a wrapper around the
// harness memory store.
func wrapStore(wrap func(*MemoryStore) Store) harnessOption {
	return func(h *harnessConfig) { h.wrap = wrap }
}

func withPayments(payments PaymentService) harnessOption {
	return func(h *harnessConfig) { h.payments = payments }
}

// withChannel replaces the recording fake channel seen by the publisher.
func withChannel(channel ChannelPublisher) harnessOption {
	return func(h *harnessConfig) { h.channel = channel }
}

// testLocation is a fixed UTC+3 zone matching the default schedule zone.
var testLocation = time.FixedZone("MSK", 3*60*60)

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, testLocation)
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	clock := &fakeClock{now: at(14, 0)}
	memStore := NewMemoryStore(clock.Now, 50)

	cfg := harnessConfig{
		worker:   DefaultWorkerConfig(),
		payments: memStore,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var store Store = memStore
	if cfg.wrap != nil {
		store = cfg.wrap(memStore)
	}

	slots := SlotConfig{
		Interval: testInterval,
		Blackout: Window{StartHour: 1, EndHour: 10},
		Location: testLocation,
	}

	renderer, err := NewRenderer(RendererConfig{Location: testLocation, ChannelID: -1001234567890}, clock.Now)
	require.NoError(t, err)

	channel := newFakeChannel()
	var publishTo ChannelPublisher = channel
	if cfg.channel != nil {
		publishTo = cfg.channel
	}
	notifier := &fakeNotifier{}
	locker := lock.NewLocal()

	rebuilder := NewRebuilder(store, locker, slots, cfg.worker.MaxPublishAttempts)
	publisher := NewPublisher(
		PublisherConfig{MaxAttempts: cfg.worker.MaxPublishAttempts, NotifyTimeout: time.Second},
		store, publishTo, cfg.payments, notifier, renderer, rebuilder, clock.Now,
	)
	controller := NewController(store, locker, cfg.payments, publisher, rebuilder, clock.Now)
	worker := NewWorker(cfg.worker, store, rebuilder, publisher, clock.Now)

	return &harness{
		clock:      clock,
		store:      memStore,
		channel:    channel,
		notifier:   notifier,
		slots:      slots,
		rebuilder:  rebuilder,
		publisher:  publisher,
		controller: controller,
		worker:     worker,
	}
}

// seedPublished stores a post published to the channel at postedAt.
func (h *harness) seedPublished(t *testing.T, ref int64, postedAt time.Time) *domain.Post {
	t.Helper()
	ctx := context.Background()

	post := &domain.Post{
		ExternalRef: ref,
		AuthorID:    ref * 10,
		Content:     "published",
		ScheduledAt: postedAt,
		CreatedAt:   postedAt.Add(-time.Hour),
	}
	require.NoError(t, h.store.Create(ctx, post))
	require.NoError(t, h.store.MarkPosted(ctx, post.ID, ref+500, postedAt))
	return post
}

// seedPending stores a pending post bypassing slot allocation.
func (h *harness) seedPending(t *testing.T, ref int64, scheduledAt, createdAt time.Time) *domain.Post {
	t.Helper()

	post := &domain.Post{
		ExternalRef: ref,
		AuthorID:    ref * 10,
		Content:     "pending",
		ScheduledAt: scheduledAt,
		CreatedAt:   createdAt,
	}
	require.NoError(t, h.store.Create(context.Background(), post))
	return post
}

func (h *harness) get(t *testing.T, id string) *domain.Post {
	t.Helper()
	post, err := h.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return post
}

func submission(ref int64) domain.Submission {
	return domain.Submission{ExternalRef: ref, AuthorID: ref * 10, Content: "question"}
}

// gatedChannel blocks every copy until the gate is opened.
type gatedChannel struct {
	*fakeChannel
	entered chan struct{}
	gate    chan struct{}
}

func newGatedChannel() *gatedChannel {
	return &gatedChannel{
		fakeChannel: newFakeChannel(),
		entered:     make(chan struct{}, 8),
		gate:        make(chan struct{}),
	}
}

func (g *gatedChannel) CopyToChannel(ctx context.Context, externalRef int64) (int64, error) {
	g.entered <- struct{}{}
	select {
	case <-g.gate:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return g.fakeChannel.CopyToChannel(ctx, externalRef)
}
