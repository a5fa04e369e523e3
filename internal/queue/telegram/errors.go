package telegram

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// PermanentError is a Bot API failure that repeating the call will not fix,
// such as a deleted source message or a bot removed from the channel.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("telegram error %d: %s", e.Code, e.Message)
}

// IsRetryable returns false.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError is a transient failure: server errors and transport problems.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("telegram error %d: %s", e.Code, e.Message)
}

// IsRetryable returns true.
func (e *RetryableError) IsRetryable() bool { return true }

// RateLimitError is a flood-control rejection.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("telegram rate limited, retry after %s: %s", e.RetryAfter, e.Message)
}

// IsRetryable returns true.
func (e *RateLimitError) IsRetryable() bool { return true }

// IsRetryable reports whether err is a classified retryable failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}

// GetRetryAfter returns the flood-control delay carried by err, if any.
func GetRetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// classify converts Bot API and transport errors into the types above.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return &RetryableError{Message: err.Error()}
	}

	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		return &RateLimitError{
			RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second,
			Message:    apiErr.Message,
		}
	case apiErr.Code == http.StatusUnauthorized:
		return &PermanentError{Code: apiErr.Code, Message: "invalid bot token: " + apiErr.Message}
	case apiErr.Code >= 500:
		return &RetryableError{Code: apiErr.Code, Message: apiErr.Message}
	default:
		return &PermanentError{Code: apiErr.Code, Message: apiErr.Message}
	}
}
