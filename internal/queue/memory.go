package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/postqueue/internal/domain"
	"github.com/google/uuid"
)

// MemoryStore keeps posts and authors in process memory.
// It implements Store, PaymentService and Authors.
type MemoryStore struct {
	mu      sync.Mutex
	posts   map[string]*domain.Post
	authors map[int64]*domain.User
	reward  int64
	clock   Clock
}

// NewMemoryStore creates an empty store crediting rewardTokens per payment.
func NewMemoryStore(clock Clock, rewardTokens int64) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		posts:   make(map[string]*domain.Post),
		authors: make(map[int64]*domain.User),
		reward:  rewardTokens,
		clock:   clock,
	}
}

func clonePost(p *domain.Post) *domain.Post {
	c := *p
	if p.ChannelRef != nil {
		ref := *p.ChannelRef
		c.ChannelRef = &ref
	}
	if p.ChannelPostedAt != nil {
		at := *p.ChannelPostedAt
		c.ChannelPostedAt = &at
	}
	return &c
}

// ListPending returns pending posts in queue order.
func (s *MemoryStore) ListPending(_ context.Context) ([]*domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*domain.Post, 0, len(s.posts))
	for _, p := range s.posts {
		if p.IsPending() {
			result = append(result, clonePost(p))
		}
	}
	sortQueue(result)
	return result, nil
}

// GetLastPublished returns the most recently published post.
func (s *MemoryStore) GetLastPublished(_ context.Context) (*domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last *domain.Post
	for _, p := range s.posts {
		if !p.IsPosted || p.ChannelPostedAt == nil {
			continue
		}
		if last == nil || p.ChannelPostedAt.After(*last.ChannelPostedAt) {
			last = p
		}
	}
	if last == nil {
		return nil, ErrPostNotFound
	}
	return clonePost(last), nil
}

// GetByID returns a post by its identifier.
func (s *MemoryStore) GetByID(_ context.Context, id string) (*domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.posts[id]
	if !ok {
		return nil, ErrPostNotFound
	}
	return clonePost(p), nil
}

// GetByExternalRef returns the post created from an offers chat message.
func (s *MemoryStore) GetByExternalRef(_ context.Context, externalRef int64) (*domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.posts {
		if p.ExternalRef == externalRef {
			return clonePost(p), nil
		}
	}
	return nil, ErrPostNotFound
}

// Create stores a new post and assigns its ID and creation time.
func (s *MemoryStore) Create(_ context.Context, post *domain.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.posts {
		if p.ExternalRef == post.ExternalRef {
			return ErrAlreadyQueued
		}
	}

	post.ID = uuid.NewString()
	if post.CreatedAt.IsZero() {
		post.CreatedAt = s.clock()
	}
	s.posts[post.ID] = clonePost(post)
	return nil
}

// PatchScheduledAt changes the slot of a pending post.
func (s *MemoryStore) PatchScheduledAt(_ context.Context, id string, scheduledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.pending(id)
	if err != nil {
		return err
	}
	p.ScheduledAt = scheduledAt
	return nil
}

// MarkPosted records a successful publication.
func (s *MemoryStore) MarkPosted(_ context.Context, id string, channelRef int64, postedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.pending(id)
	if err != nil {
		return err
	}
	p.IsPosted = true
	p.ChannelRef = &channelRef
	p.ChannelPostedAt = &postedAt
	p.LastError = ""
	return nil
}

// MarkRejected removes a pending post from rotation.
func (s *MemoryStore) MarkRejected(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.pending(id)
	if err != nil {
		return err
	}
	p.IsRejected = true
	return nil
}

// RecordPublishFailure stores the attempt count and the last error.
func (s *MemoryStore) RecordPublishFailure(_ context.Context, id string, attempts int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.pending(id)
	if err != nil {
		return err
	}
	p.PublishAttempts = attempts
	p.LastError = reason
	return nil
}

// ResetPublishAttempts clears the failure history of a pending post.
func (s *MemoryStore) ResetPublishAttempts(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.pending(id)
	if err != nil {
		return err
	}
	p.PublishAttempts = 0
	p.LastError = ""
	return nil
}

// ProcessPayment credits the author once per post.
func (s *MemoryStore) ProcessPayment(_ context.Context, postID string) (*domain.PaymentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.posts[postID]
	if !ok {
		return nil, ErrPostNotFound
	}
	author := s.author(p.AuthorID)
	if p.IsPaid {
		return &domain.PaymentResult{NewBalance: author.Balance}, nil
	}

	p.IsPaid = true
	author.Balance += s.reward
	return &domain.PaymentResult{
		TokensAdded: s.reward,
		NewBalance:  author.Balance,
	}, nil
}

// UpsertAuthor stores profile fields of a submitter, keeping the balance.
func (s *MemoryStore) UpsertAuthor(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	author := s.author(user.ID)
	author.Username = user.Username
	author.FirstName = user.FirstName
	*user = *author
	return nil
}

// GetAuthor returns a submitter by Telegram user ID.
func (s *MemoryStore) GetAuthor(_ context.Context, id int64) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	author, ok := s.authors[id]
	if !ok {
		return nil, ErrAuthorNotFound
	}
	c := *author
	return &c, nil
}

// Balance returns the token balance of an author.
func (s *MemoryStore) Balance(authorID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if author, ok := s.authors[authorID]; ok {
		return author.Balance
	}
	return 0
}

func (s *MemoryStore) author(id int64) *domain.User {
	author, ok := s.authors[id]
	if !ok {
		author = &domain.User{ID: id, CreatedAt: s.clock()}
		s.authors[id] = author
	}
	return author
}

func (s *MemoryStore) pending(id string) (*domain.Post, error) {
	p, ok := s.posts[id]
	if !ok {
		return nil, ErrPostNotFound
	}
	if !p.IsPending() {
		return nil, ErrNotPending
	}
	return p, nil
}

// sortQueue orders posts by slot, then creation time, then ID.
func sortQueue(posts []*domain.Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		a, b := posts[i], posts[j]
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
