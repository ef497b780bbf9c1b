package remote

import (
	"context"
	"io"
	"time"
)

// FolderRev is the sentinel revision carried by folder metadata.
const FolderRev = "folder"

// Kind classifies a remote change or listing entry.
type Kind string

const (
	KindDeleted Kind = "deleted"
	KindFolder  Kind = "folder"
	KindFile    Kind = "file"
)

// Metadata describes one remote item, or its deletion when Kind is
// KindDeleted. Folders carry the FolderRev sentinel as both rev and content
// hash.
type Metadata struct {
	Path           string    `json:"path"`
	Kind           Kind      `json:"kind"`
	Rev            string    `json:"rev,omitempty"`
	ContentHash    string    `json:"content_hash,omitempty"`
	Size           int64     `json:"size,omitempty"`
	ServerModified time.Time `json:"server_modified,omitempty"`
}

func (m *Metadata) IsDeleted() bool { return m.Kind == KindDeleted }
func (m *Metadata) IsFolder() bool  { return m.Kind == KindFolder }
func (m *Metadata) IsFile() bool    { return m.Kind == KindFile }

// Delta is one page of the remote change stream.
type Delta struct {
	Changes []*Metadata `json:"changes"`
	Cursor  string      `json:"cursor"`
	HasMore bool        `json:"has_more"`

	// Reset indicates the supplied cursor is no longer valid and the
	// changes represent a fresh full listing.
	Reset bool `json:"reset"`
}

// Client is the remote file-store capability consumed by the sync engine.
// Implementations must be safe for concurrent use; the apply workers share a
// single instance.
type Client interface {
	// ListChanges returns the next page of changes after cursor. An empty
	// cursor requests a full listing of the remote tree.
	ListChanges(ctx context.Context, cursor string) (*Delta, error)

	// WaitForChanges blocks until changes are available after cursor, the
	// server's long-poll window expires, or ctx is cancelled.
	WaitForChanges(ctx context.Context, cursor string) error

	// Download streams the content of path at rev.
	Download(ctx context.Context, path, rev string) (io.ReadCloser, error)

	// Upload writes content to path. A non-empty ifMatch makes the write
	// conditional on the current remote rev; on mismatch the server stores
	// the upload as a conflict copy and the call fails with KindConflict.
	Upload(ctx context.Context, path string, r io.Reader, size int64, ifMatch string) (*Metadata, error)

	// Mkdir creates a folder at path. Creating an existing folder is not
	// an error.
	Mkdir(ctx context.Context, path string) (*Metadata, error)

	// Delete removes path. A non-empty ifMatch makes the delete
	// conditional on the current remote rev.
	Delete(ctx context.Context, path, ifMatch string) error

	// Move renames src to dst and returns the metadata of the moved item.
	Move(ctx context.Context, src, dst, ifMatch string) (*Metadata, error)

	// ListFolder returns the immediate entries of a remote folder.
	ListFolder(ctx context.Context, path string) ([]*Metadata, error)
}
