package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetcher(t *testing.T) {
	ctx := context.Background()

	t.Run("full listing from empty cursor", func(t *testing.T) {
		client := newFakeRemote()
		client.putFile("/a.txt", []byte("a"))
		client.putFile("/b.txt", []byte("b"))

		fetcher := NewFetcher(client, openTestIndex(t))

		delta, err := fetcher.FetchFull(ctx)
		require.NoError(t, err)
		assert.Len(t, delta.Changes, 2)
		assert.NotEmpty(t, delta.Cursor)
	})

	t.Run("incremental fetch resumes from cursor", func(t *testing.T) {
		client := newFakeRemote()
		index := openTestIndex(t)
		fetcher := NewFetcher(client, index)

		client.putFile("/a.txt", []byte("a"))
		delta, err := fetcher.Fetch(ctx)
		require.NoError(t, err)
		require.NoError(t, index.SetCursor(delta.Cursor))

		client.putFile("/b.txt", []byte("b"))
		delta, err = fetcher.Fetch(ctx)
		require.NoError(t, err)
		require.Len(t, delta.Changes, 1)
		assert.Equal(t, "/b.txt", delta.Changes[0].Path)
	})

	t.Run("invalid cursor surfaces reset", func(t *testing.T) {
		client := newFakeRemote()
		index := openTestIndex(t)
		require.NoError(t, index.SetCursor("not-a-cursor"))

		fetcher := NewFetcher(client, index)
		_, err := fetcher.Fetch(ctx)
		assert.ErrorIs(t, err, ErrCursorReset)
	})

	t.Run("wait returns when changes are pending", func(t *testing.T) {
		client := newFakeRemote()
		index := openTestIndex(t)
		fetcher := NewFetcher(client, index)

		client.putFile("/a.txt", []byte("a"))

		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		assert.NoError(t, fetcher.Wait(waitCtx))
	})

	t.Run("wait observes cancellation", func(t *testing.T) {
		client := newFakeRemote()
		index := openTestIndex(t)
		fetcher := NewFetcher(client, index)

		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		assert.Error(t, fetcher.Wait(waitCtx))
	})
}
