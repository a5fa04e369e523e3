//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/bissquit/postqueue/internal/domain"
	"github.com/bissquit/postqueue/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type approvalResult struct {
	Post        domain.Post     `json:"post"`
	Queued      bool            `json:"queued"`
	Position    int             `json:"position"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Published   *publishOutcome `json:"published"`
}

type publishOutcome struct {
	Post       domain.Post           `json:"post"`
	ChannelRef int64                 `json:"channel_ref"`
	PostedAt   time.Time             `json:"posted_at"`
	Payment    *domain.PaymentResult `json:"payment"`
}

type queueEntry struct {
	Post     domain.Post `json:"post"`
	Position int         `json:"position"`
	Held     bool        `json:"held"`
}

// resetDB removes every post and author so each test starts from an empty queue.
func resetDB(t *testing.T) {
	t.Helper()
	_, err := testDB.Exec(context.Background(), `TRUNCATE posts, users`)
	require.NoError(t, err)
}

// seedPublished inserts a post published at postedAt, anchoring new slots.
func seedPublished(t *testing.T, externalRef int64, postedAt time.Time) {
	t.Helper()
	_, err := testDB.Exec(context.Background(), `
		INSERT INTO posts (id, external_ref, author_id, content, scheduled_at, created_at,
		                   is_posted, is_paid, channel_ref, channel_posted_at)
		VALUES ($1, $2, 1, 'seed', $3, $3, TRUE, TRUE, $2, $3)
	`, uuid.NewString(), externalRef, postedAt)
	require.NoError(t, err)
}

func approve(t *testing.T, client *testutil.Client, externalRef, authorID int64) approvalResult {
	t.Helper()

	resp, err := client.POST("/api/v1/posts", domain.Submission{
		ExternalRef: externalRef,
		AuthorID:    authorID,
		Content:     "question",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode, testutil.ReadBody(t, resp))

	var result struct {
		Data approvalResult `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data
}

func listQueue(t *testing.T, client *testutil.Client) []queueEntry {
	t.Helper()

	resp, err := client.GET("/api/v1/queue")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data struct {
			Entries []queueEntry `json:"entries"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data.Entries
}

// requireSpaced checks that consecutive entries are exactly one interval apart.
func requireSpaced(t *testing.T, entries []queueEntry, first time.Time) {
	t.Helper()
	for i, e := range entries {
		want := first.Add(time.Duration(i) * interval)
		require.WithinDuration(t, want, e.Post.ScheduledAt, time.Second, "entry %d", i)
	}
}
