package domain

import "time"

// PostState represents the scheduling state of a post.
type PostState string

// Post states. Posted and rejected are terminal.
const (
	PostStatePending  PostState = "pending"
	PostStatePosted   PostState = "posted"
	PostStateRejected PostState = "rejected"
)

// Post is an approved submission tracked by the publication queue.
type Post struct {
	ID              string     `json:"id"`
	ExternalRef     int64      `json:"external_ref"`
	AuthorID        int64      `json:"author_id"`
	Content         string     `json:"content"`
	ScheduledAt     time.Time  `json:"scheduled_at"`
	CreatedAt       time.Time  `json:"created_at"`
	IsPosted        bool       `json:"is_posted"`
	IsRejected      bool       `json:"is_rejected"`
	IsPaid          bool       `json:"is_paid"`
	ChannelRef      *int64     `json:"channel_ref"`
	ChannelPostedAt *time.Time `json:"channel_posted_at"`
	PublishAttempts int        `json:"publish_attempts"`
	LastError       string     `json:"last_error,omitempty"`
}

// State returns the current state of the post.
func (p *Post) State() PostState {
	switch {
	case p.IsPosted:
		return PostStatePosted
	case p.IsRejected:
		return PostStateRejected
	default:
		return PostStatePending
	}
}

// IsPending reports whether the post is still waiting for publication.
func (p *Post) IsPending() bool {
	return p.State() == PostStatePending
}

// IsHeld reports whether the post exhausted its publish attempts.
// Held posts stay pending but are skipped by scheduling until requeued.
func (p *Post) IsHeld(maxAttempts int) bool {
	return maxAttempts > 0 && p.IsPending() && p.PublishAttempts >= maxAttempts
}

// Submission is the input of an approval: a message waiting in the offers chat.
type Submission struct {
	ExternalRef int64  `json:"external_ref" validate:"required,gt=0"`
	AuthorID    int64  `json:"author_id" validate:"required,gt=0"`
	Content     string `json:"content" validate:"max=4096"`
}

// PaymentResult describes the outcome of crediting a published post.
type PaymentResult struct {
	TokensAdded int64 `json:"tokens_added"`
	NewBalance  int64 `json:"new_balance"`
}
