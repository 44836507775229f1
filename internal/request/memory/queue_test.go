package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crawlpool/crawlpool/internal/request"
)

func mustRequest(t *testing.T, url string) *request.Request {
	t.Helper()
	req, err := request.New(url)
	require.NoError(t, err)
	return req
}

func TestQueueDeduplicatesByUniqueKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue()

	added, err := q.Add(ctx, mustRequest(t, "https://example.com/a"))
	require.NoError(t, err)
	require.True(t, added)

	added, err = q.Add(ctx, mustRequest(t, "https://example.com/a"))
	require.NoError(t, err)
	require.False(t, added)

	pending, _, _ := q.Stats()
	require.Equal(t, 1, pending)
}

func TestQueueNeverReoffersHandledRequests(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue()

	_, err := q.Add(ctx, mustRequest(t, "https://example.com/a"))
	require.NoError(t, err)

	claimed, err := q.FetchNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.MarkHandled(ctx, claimed))

	// Re-adding a handled key is a silent no-op.
	added, err := q.Add(ctx, mustRequest(t, "https://example.com/a"))
	require.NoError(t, err)
	require.False(t, added)

	next, err := q.FetchNext(ctx)
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestQueueReclaimBumpsRetries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue()
	_, err := q.Add(ctx, mustRequest(t, "https://example.com/a"))
	require.NoError(t, err)

	claimed, err := q.FetchNext(ctx)
	require.NoError(t, err)
	claimed.LastError = "http 503"
	require.NoError(t, q.Reclaim(ctx, claimed))

	again, err := q.FetchNext(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, again.Retries)
	require.Equal(t, "http 503", again.LastError)
}

func TestQueueFinishedOnlyWhenDrained(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue()

	finished, err := q.IsFinished(ctx)
	require.NoError(t, err)
	require.True(t, finished, "an empty queue with nothing in flight is finished")

	_, err = q.Add(ctx, mustRequest(t, "https://example.com/a"))
	require.NoError(t, err)

	claimed, err := q.FetchNext(ctx)
	require.NoError(t, err)

	empty, err := q.IsEmpty(ctx)
	require.NoError(t, err)
	require.True(t, empty, "in-flight work leaves the queue momentarily empty")

	finished, err = q.IsFinished(ctx)
	require.NoError(t, err)
	require.False(t, finished, "in-flight work must block the finished verdict")

	require.NoError(t, q.MarkHandled(ctx, claimed))
	finished, err = q.IsFinished(ctx)
	require.NoError(t, err)
	require.True(t, finished)
}

func TestQueueRejectsUnknownSettles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue()
	stray := mustRequest(t, "https://example.com/never-claimed")

	require.Error(t, q.MarkHandled(ctx, stray))
	require.Error(t, q.Reclaim(ctx, stray))
}
