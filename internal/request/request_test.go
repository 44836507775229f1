package request

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"strips fragment", "https://example.com/a#section", "https://example.com/a"},
		{"strips trailing slash", "https://example.com/a/", "https://example.com/a"},
		{"keeps query", "https://example.com/a?b=1", "https://example.com/a?b=1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	_, err := NormalizeURL("not-a-url")
	require.Error(t, err)
}

func TestListServesSeedsInOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, err := NewList([]string{
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/a", // duplicate seed dropped
	})
	require.NoError(t, err)

	first, err := l.FetchNext(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/a", first.URL)

	second, err := l.FetchNext(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/b", second.URL)

	third, err := l.FetchNext(ctx)
	require.NoError(t, err)
	require.Nil(t, third)

	finished, err := l.IsFinished(ctx)
	require.NoError(t, err)
	require.False(t, finished, "claimed requests keep the list unfinished")

	require.NoError(t, l.MarkHandled(ctx, first))
	require.NoError(t, l.MarkHandled(ctx, second))

	finished, err = l.IsFinished(ctx)
	require.NoError(t, err)
	require.True(t, finished)
}

func TestListReclaimPutsRequestBackFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, err := NewList([]string{"https://example.com/a", "https://example.com/b"})
	require.NoError(t, err)

	first, err := l.FetchNext(ctx)
	require.NoError(t, err)
	require.NoError(t, l.Reclaim(ctx, first))
	require.Equal(t, 1, first.Retries)

	again, err := l.FetchNext(ctx)
	require.NoError(t, err)
	require.Equal(t, first.UniqueKey, again.UniqueKey)
}

func TestListDrainVisitsEverything(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, err := NewList([]string{"https://example.com/a", "https://example.com/b"})
	require.NoError(t, err)

	var visited []string
	require.NoError(t, l.Drain(ctx, func(r *Request) error {
		visited = append(visited, r.URL)
		return nil
	}))
	require.Len(t, visited, 2)

	finished, err := l.IsFinished(ctx)
	require.NoError(t, err)
	require.True(t, finished)
}
