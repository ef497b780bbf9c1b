package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mirrorbox/mirrorbox/internal/remote"
)

// fakeRemote is an in-memory remote.Client with a change log, cursors and
// if_match semantics, used by resolver and engine tests.
type fakeRemote struct {
	mu     sync.Mutex
	files  map[string]*fakeFile // keyed by lower-cased path
	log    []*remote.Metadata
	revSeq int
	notify chan struct{}

	// forcedErr fails upcoming matching calls, keyed by operation name.
	forcedErr map[string][]error
}

type fakeFile struct {
	md      *remote.Metadata
	content []byte
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		files:     make(map[string]*fakeFile),
		notify:    make(chan struct{}, 1),
		forcedErr: make(map[string][]error),
	}
}

var _ remote.Client = (*fakeRemote)(nil)

func (f *fakeRemote) key(p string) string {
	return strings.ToLower(normalizeRel(p))
}

func (f *fakeRemote) nextRev() string {
	f.revSeq++
	return fmt.Sprintf("r%d", f.revSeq)
}

func (f *fakeRemote) failNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forcedErr[op] = append(f.forcedErr[op], err)
}

func (f *fakeRemote) takeForced(op string) error {
	queued := f.forcedErr[op]
	if len(queued) == 0 {
		return nil
	}
	f.forcedErr[op] = queued[1:]
	return queued[0]
}

func (f *fakeRemote) record(md *remote.Metadata) {
	f.log = append(f.log, md)
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// putFile simulates another client writing content remotely.
func (f *fakeRemote) putFile(p string, content []byte) *remote.Metadata {
	f.mu.Lock()
	defer f.mu.Unlock()

	hash, _ := ContentHash(bytes.NewReader(content))
	md := &remote.Metadata{
		Path:           normalizeRel(p),
		Kind:           remote.KindFile,
		Rev:            f.nextRev(),
		ContentHash:    hash,
		Size:           int64(len(content)),
		ServerModified: time.Now().UTC(),
	}
	f.files[f.key(p)] = &fakeFile{md: md, content: append([]byte(nil), content...)}
	f.record(md)
	return md
}

// putFolder simulates a remote folder creation.
func (f *fakeRemote) putFolder(p string) *remote.Metadata {
	f.mu.Lock()
	defer f.mu.Unlock()

	md := &remote.Metadata{
		Path: normalizeRel(p),
		Kind: remote.KindFolder,
		Rev:  remote.FolderRev,
	}
	f.files[f.key(p)] = &fakeFile{md: md}
	f.record(md)
	return md
}

// deleteFile simulates a remote deletion by another client.
func (f *fakeRemote) deleteFile(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.files, f.key(p))
	f.record(&remote.Metadata{Path: normalizeRel(p), Kind: remote.KindDeleted})
}

func (f *fakeRemote) content(p string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, ok := f.files[f.key(p)]
	if !ok || file.md.IsFolder() {
		return nil, false
	}
	return append([]byte(nil), file.content...), true
}

func (f *fakeRemote) exists(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[f.key(p)]
	return ok
}

func (f *fakeRemote) ListChanges(ctx context.Context, cursor string) (*remote.Delta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeForced("list"); err != nil {
		return nil, err
	}

	if cursor == "" {
		// full listing snapshot
		delta := &remote.Delta{Cursor: strconv.Itoa(len(f.log))}
		for _, file := range f.files {
			delta.Changes = append(delta.Changes, file.md)
		}
		return delta, nil
	}

	n, err := strconv.Atoi(cursor)
	if err != nil || n > len(f.log) {
		// unknown cursor: the server resets the stream
		delta := &remote.Delta{Cursor: strconv.Itoa(len(f.log)), Reset: true}
		for _, file := range f.files {
			delta.Changes = append(delta.Changes, file.md)
		}
		return delta, nil
	}

	return &remote.Delta{
		Changes: append([]*remote.Metadata(nil), f.log[n:]...),
		Cursor:  strconv.Itoa(len(f.log)),
	}, nil
}

func (f *fakeRemote) WaitForChanges(ctx context.Context, cursor string) error {
	n, _ := strconv.Atoi(cursor)

	f.mu.Lock()
	pending := len(f.log) > n
	f.mu.Unlock()
	if pending {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.notify:
		return nil
	}
}

func (f *fakeRemote) Download(ctx context.Context, p, rev string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeForced("download"); err != nil {
		return nil, err
	}

	file, ok := f.files[f.key(p)]
	if !ok || file.md.IsFolder() {
		return nil, remote.NewError(remote.KindNotFound, p)
	}
	return io.NopCloser(bytes.NewReader(file.content)), nil
}

func (f *fakeRemote) Upload(ctx context.Context, p string, r io.Reader, size int64, ifMatch string) (*remote.Metadata, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeForced("upload"); err != nil {
		return nil, err
	}

	existing, ok := f.files[f.key(p)]
	if ifMatch != "" && ok && existing.md.Rev != ifMatch {
		return nil, &remote.APIError{Kind: remote.KindConflict, Rev: existing.md.Rev, Message: "rev mismatch"}
	}
	if ifMatch == "" && ok && existing.md.IsFile() {
		// unconditional overwrite of an existing file is a conflict too
		return nil, &remote.APIError{Kind: remote.KindConflict, Rev: existing.md.Rev, Message: "exists"}
	}

	hash, _ := ContentHash(bytes.NewReader(content))
	md := &remote.Metadata{
		Path:           normalizeRel(p),
		Kind:           remote.KindFile,
		Rev:            f.nextRev(),
		ContentHash:    hash,
		Size:           int64(len(content)),
		ServerModified: time.Now().UTC(),
	}
	f.files[f.key(p)] = &fakeFile{md: md, content: content}
	f.record(md)
	return md, nil
}

func (f *fakeRemote) Mkdir(ctx context.Context, p string) (*remote.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if file, ok := f.files[f.key(p)]; ok && file.md.IsFolder() {
		return file.md, nil
	}

	md := &remote.Metadata{
		Path: normalizeRel(p),
		Kind: remote.KindFolder,
		Rev:  remote.FolderRev,
	}
	f.files[f.key(p)] = &fakeFile{md: md}
	f.record(md)
	return md, nil
}

func (f *fakeRemote) Delete(ctx context.Context, p, ifMatch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeForced("delete"); err != nil {
		return err
	}

	file, ok := f.files[f.key(p)]
	if !ok {
		return remote.NewError(remote.KindNotFound, p)
	}
	if ifMatch != "" && file.md.Rev != ifMatch {
		return &remote.APIError{Kind: remote.KindConflict, Rev: file.md.Rev, Message: "rev mismatch"}
	}

	delete(f.files, f.key(p))
	f.record(&remote.Metadata{Path: normalizeRel(p), Kind: remote.KindDeleted})
	return nil
}

func (f *fakeRemote) Move(ctx context.Context, src, dst, ifMatch string) (*remote.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, ok := f.files[f.key(src)]
	if !ok {
		return nil, remote.NewError(remote.KindNotFound, src)
	}
	if ifMatch != "" && file.md.Rev != ifMatch {
		return nil, &remote.APIError{Kind: remote.KindConflict, Rev: file.md.Rev, Message: "rev mismatch"}
	}

	moved := *file.md
	moved.Path = normalizeRel(dst)
	if moved.IsFile() {
		moved.Rev = f.nextRev()
	}

	delete(f.files, f.key(src))
	f.files[f.key(dst)] = &fakeFile{md: &moved, content: file.content}
	f.record(&remote.Metadata{Path: normalizeRel(src), Kind: remote.KindDeleted})
	f.record(&moved)
	return &moved, nil
}

func (f *fakeRemote) ListFolder(ctx context.Context, p string) ([]*remote.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeForced("listfolder"); err != nil {
		return nil, err
	}

	dir := f.key(p)
	var entries []*remote.Metadata
	for key, file := range f.files {
		if path.Dir(key) == dir {
			entries = append(entries, file.md)
		}
	}
	return entries, nil
}
