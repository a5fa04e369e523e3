package queue

import "errors"

// Store errors.
var (
	ErrPostNotFound   = errors.New("post not found")
	ErrNotPending     = errors.New("post is not pending")
	ErrAuthorNotFound = errors.New("author not found")
)

// Scheduling errors.
var (
	ErrNoAnchor        = errors.New("no published post to anchor the queue")
	ErrAlreadyQueued   = errors.New("submission already queued")
	ErrAlreadyPaid     = errors.New("post already paid")
	ErrNotHeld         = errors.New("post is not held")
	ErrLockNotAcquired = errors.New("queue lock not acquired")
)

// Validation errors.
var (
	ErrInvalidSubmission = errors.New("submission needs an external reference and an author")
)
