package sync

import (
	"context"
	"log/slog"

	"github.com/mirrorbox/mirrorbox/internal/remote"
)

// Fetcher drives the remote change stream: it blocks on the long-poll and
// materializes complete delta batches, following has_more pagination and
// surfacing cursor resets.
type Fetcher struct {
	client remote.Client
	index  *Index
}

func NewFetcher(client remote.Client, index *Index) *Fetcher {
	return &Fetcher{client: client, index: index}
}

// Wait blocks until the remote reports changes past the persisted cursor,
// its long-poll window expires, or ctx is cancelled.
func (f *Fetcher) Wait(ctx context.Context) error {
	cursor, err := f.index.Cursor()
	if err != nil {
		return err
	}
	return f.client.WaitForChanges(ctx, cursor)
}

// Fetch collects every pending page after the persisted cursor into one
// batch. When the remote reports the cursor invalid, the partial batch is
// discarded and ErrCursorReset is returned; the monitor then runs a full
// re-list.
func (f *Fetcher) Fetch(ctx context.Context) (*remote.Delta, error) {
	cursor, err := f.index.Cursor()
	if err != nil {
		return nil, err
	}
	return f.fetchFrom(ctx, cursor)
}

// FetchFull retrieves the complete remote listing from scratch, used at
// first run and after a cursor reset.
func (f *Fetcher) FetchFull(ctx context.Context) (*remote.Delta, error) {
	return f.fetchFrom(ctx, "")
}

func (f *Fetcher) fetchFrom(ctx context.Context, cursor string) (*remote.Delta, error) {
	merged := &remote.Delta{Cursor: cursor}

	for {
		page, err := f.client.ListChanges(ctx, cursor)
		if err != nil {
			return nil, err
		}

		if page.Reset && cursor != "" {
			slog.Warn("remote cursor reset")
			return nil, ErrCursorReset
		}

		merged.Changes = append(merged.Changes, page.Changes...)
		merged.Cursor = page.Cursor

		if !page.HasMore {
			return merged, nil
		}
		cursor = page.Cursor
	}
}
