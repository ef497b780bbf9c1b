package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mirrorbox/mirrorbox/internal/remote"
	"github.com/mirrorbox/mirrorbox/internal/utils"
)

// errStaleListing marks a download whose source disappeared between the
// delta listing and the transfer. The monitor responds with a full re-list.
var errStaleListing = errors.New("remote listing stale")

// applier executes resolved actions against the local tree or the remote
// client and records the resulting index mutations.
type applier struct {
	paths   *PathConv
	index   *Index
	hasher  *Hasher
	client  remote.Client
	handler *EventHandler
	tmpDir  string
}

func newApplier(paths *PathConv, index *Index, hasher *Hasher, client remote.Client, handler *EventHandler) *applier {
	return &applier{
		paths:   paths,
		index:   index,
		hasher:  hasher,
		client:  client,
		handler: handler,
		tmpDir:  filepath.Join(paths.Root(), internalDirName, "tmp"),
	}
}

// ignoreSelfEvent shields an upcoming engine write from echoing back
// through the watcher.
func (a *applier) ignoreSelfEvent(abs string) {
	if a.handler != nil {
		a.handler.IgnoreOnce(abs)
	}
}

// ApplyDownload materializes one resolved remote change locally. Index
// mutations run inside transactions so a crash leaves either the old or the
// new record, never half of one.
func (a *applier) ApplyDownload(ctx context.Context, chg *remote.Metadata, dec Decision) error {
	key := a.paths.Canonical(chg.Path)
	abs := a.paths.AbsPath(key)

	switch dec.Verdict {
	case VerdictSkip:
		if dec.IndexRev == "" {
			return nil
		}
		// content already matched; only the recorded rev moves forward
		return a.index.Put(&IndexEntry{
			Path:        key,
			Type:        itemTypeOf(chg),
			Rev:         dec.IndexRev,
			ContentHash: contentHashOf(chg),
			LastSyncMs:  time.Now().UnixMilli(),
		})

	case VerdictConflictCopy:
		if err := a.preserveLocal(key, dec.CopyName); err != nil {
			return err
		}
		// with local edits out of the way, the remote change applies
		fallthrough

	case VerdictApply:
		if chg.IsDeleted() {
			return a.applyLocalDelete(key, abs)
		}
		if chg.IsFolder() {
			return a.applyLocalFolder(key, abs)
		}
		return a.applyLocalFile(ctx, chg, key, abs)
	}

	return nil
}

// preserveLocal renames the current local item to its conflict-copy name.
// The copy surfaces as a fresh local create and uploads on the next cycle.
func (a *applier) preserveLocal(key, copyName string) error {
	src := a.paths.AbsPath(key)
	dst := a.paths.AbsPath(copyName)

	a.ignoreSelfEvent(src)
	a.ignoreSelfEvent(dst)

	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("preserve conflicting content: %w", err)
	}

	a.hasher.Invalidate(src)
	slog.Info("conflict copy created", "path", key, "copy", copyName)
	return nil
}

func (a *applier) applyLocalDelete(key, abs string) error {
	a.ignoreSelfEvent(abs)

	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("delete local: %w", err)
	}
	a.hasher.Invalidate(abs)

	return a.index.Transaction(func(tx *Tx) error {
		return tx.Delete(key)
	})
}

func (a *applier) applyLocalFolder(key, abs string) error {
	a.ignoreSelfEvent(abs)

	if err := utils.EnsureDir(abs); err != nil {
		return fmt.Errorf("create local folder: %w", err)
	}

	return a.index.Put(&IndexEntry{
		Path:        key,
		Type:        ItemFolder,
		Rev:         remote.FolderRev,
		ContentHash: FolderHash,
		LastSyncMs:  time.Now().UnixMilli(),
	})
}

func (a *applier) applyLocalFile(ctx context.Context, chg *remote.Metadata, key, abs string) error {
	body, err := a.client.Download(ctx, chg.Path, chg.Rev)
	if err != nil {
		if remote.IsNotFound(err) {
			// removed between listing and transfer
			return fmt.Errorf("%w: %s", errStaleListing, chg.Path)
		}
		return err
	}
	defer body.Close()

	if err := utils.EnsureDir(a.tmpDir); err != nil {
		return fmt.Errorf("ensure staging dir: %w", err)
	}

	tmp, err := os.CreateTemp(a.tmpDir, filepath.Base(abs)+".partial")
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return fmt.Errorf("download %s: %w", chg.Path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close staging file: %w", err)
	}

	// verify the transfer against the advertised content hash
	digest, err := a.hasher.HashFile(tmpPath)
	if err != nil {
		return err
	}
	if chg.ContentHash != "" && digest != chg.ContentHash {
		return fmt.Errorf("%w: content hash mismatch for %s", ErrUnreadable, chg.Path)
	}

	if err := utils.EnsureParent(abs); err != nil {
		return fmt.Errorf("ensure parent: %w", err)
	}

	a.ignoreSelfEvent(abs)
	if err := os.Rename(tmpPath, abs); err != nil {
		return fmt.Errorf("move into place: %w", err)
	}
	committed = true
	a.hasher.Invalidate(tmpPath)
	a.hasher.Invalidate(abs)

	if !chg.ServerModified.IsZero() {
		os.Chtimes(abs, chg.ServerModified, chg.ServerModified)
	}

	slog.Info("downloaded", "path", key, "rev", chg.Rev, "size", humanize.Bytes(uint64(chg.Size)))

	return a.index.Transaction(func(tx *Tx) error {
		return tx.Put(&IndexEntry{
			Path:        key,
			Type:        ItemFile,
			Rev:         chg.Rev,
			ContentHash: chg.ContentHash,
			LastSyncMs:  time.Now().UnixMilli(),
		})
	})
}

// ApplyUpload pushes one resolved local change to the remote.
func (a *applier) ApplyUpload(ctx context.Context, chg LocalChange, dec Decision) error {
	key := chg.Path

	switch dec.Verdict {
	case VerdictSkip:
		if !dec.TouchIndex {
			return nil
		}
		entry, err := a.index.Get(key)
		if err != nil || entry == nil {
			return err
		}
		entry.LastSyncMs = time.Now().UnixMilli()
		return a.index.Put(entry)

	case VerdictRenameTarget:
		return a.applyDivertedUpload(ctx, chg, dec.RenameTo)

	case VerdictConflictCopy:
		// type change against a remote that moved on: preserve the
		// remote content locally before replacing it
		if err := a.downloadAsCopy(ctx, chg, dec.CopyName); err != nil {
			return err
		}
	case VerdictApply:
	}

	switch chg.Op {
	case OpDeleted:
		return a.applyRemoteDelete(ctx, key)
	case OpMoved:
		return a.applyRemoteMove(ctx, chg)
	}

	if chg.Type == ItemFolder {
		return a.applyRemoteMkdir(ctx, key)
	}
	return a.applyRemoteUpload(ctx, key, key)
}

// applyDivertedUpload renames the local item to the conflict-free target
// and uploads it there.
func (a *applier) applyDivertedUpload(ctx context.Context, chg LocalChange, renameTo string) error {
	src := a.paths.AbsPath(chg.Path)
	dst := a.paths.AbsPath(renameTo)

	a.ignoreSelfEvent(src)
	a.ignoreSelfEvent(dst)
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("divert upload target: %w", err)
	}
	a.hasher.Invalidate(src)
	slog.Info("upload diverted", "from", chg.Path, "to", renameTo)

	if chg.Type == ItemFolder {
		return a.applyRemoteMkdir(ctx, renameTo)
	}
	return a.applyRemoteUpload(ctx, renameTo, renameTo)
}

// downloadAsCopy stages the current remote file content as a local conflict
// copy sibling.
func (a *applier) downloadAsCopy(ctx context.Context, chg LocalChange, copyName string) error {
	body, err := a.client.Download(ctx, a.paths.RemotePath(chg.Path), "")
	if err != nil {
		if remote.IsNotFound(err) {
			return nil
		}
		return err
	}
	defer body.Close()

	abs := a.paths.AbsPath(copyName)
	if err := utils.EnsureParent(abs); err != nil {
		return err
	}

	a.ignoreSelfEvent(abs)
	f, err := os.Create(abs)
	if err != nil {
		return fmt.Errorf("create conflict copy: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return fmt.Errorf("write conflict copy: %w", err)
	}

	slog.Info("conflict copy created", "path", chg.Path, "copy", copyName)
	return nil
}

func (a *applier) applyRemoteDelete(ctx context.Context, key string) error {
	entry, err := a.index.Get(key)
	if err != nil {
		return err
	}

	ifMatch := ""
	if entry != nil && entry.Rev != remote.FolderRev {
		ifMatch = entry.Rev
	}

	err = a.client.Delete(ctx, a.paths.RemotePath(key), ifMatch)
	if err != nil && !remote.IsNotFound(err) {
		// a concurrent remote edit wins; the next delta resolves it
		if _, conflict := remote.IsConflict(err); conflict {
			slog.Warn("remote delete rejected", "path", key)
			return nil
		}
		return err
	}

	slog.Info("deleted remote", "path", key)
	return a.index.Transaction(func(tx *Tx) error {
		return tx.Delete(key)
	})
}

func (a *applier) applyRemoteMkdir(ctx context.Context, key string) error {
	if _, err := a.client.Mkdir(ctx, a.paths.RemotePath(key)); err != nil {
		return err
	}

	slog.Info("created remote folder", "path", key)
	return a.index.Put(&IndexEntry{
		Path:        key,
		Type:        ItemFolder,
		Rev:         remote.FolderRev,
		ContentHash: FolderHash,
		LastSyncMs:  time.Now().UnixMilli(),
	})
}

func (a *applier) applyRemoteUpload(ctx context.Context, key, target string) error {
	abs := a.paths.AbsPath(target)

	_, err := a.hasher.HashFile(abs)
	if errors.Is(err, ErrVanished) {
		slog.Debug("upload dropped", "path", target, "reason", "vanished")
		return nil
	}
	if err != nil {
		return err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %s: %v", ErrUnreadable, target, err)
	}
	defer f.Close()

	ifMatch := ""
	if entry, err := a.index.Get(key); err != nil {
		return err
	} else if entry != nil && entry.Rev != "" && entry.Rev != remote.FolderRev {
		ifMatch = entry.Rev
	}

	md, err := a.client.Upload(ctx, a.paths.RemotePath(target), f, info.Size(), ifMatch)
	if err != nil {
		if _, conflict := remote.IsConflict(err); conflict {
			// the remote stored our content as a server-side conflict
			// copy; the next remote-change cycle indexes it
			slog.Warn("upload rev mismatch", "path", target)
			return nil
		}
		return err
	}

	slog.Info("uploaded", "path", target, "rev", md.Rev, "size", humanize.Bytes(uint64(info.Size())))

	return a.index.Put(&IndexEntry{
		Path:        a.paths.Canonical(target),
		Type:        ItemFile,
		Rev:         md.Rev,
		ContentHash: md.ContentHash,
		LastSyncMs:  time.Now().UnixMilli(),
	})
}

func (a *applier) applyRemoteMove(ctx context.Context, chg LocalChange) error {
	entry, err := a.index.Get(chg.Path)
	if err != nil {
		return err
	}

	if entry == nil || entry.Rev == "" {
		// the remote never saw the source; upload the destination fresh
		if chg.Type == ItemFolder {
			return a.applyRemoteMkdir(ctx, chg.Dest)
		}
		return a.applyRemoteUpload(ctx, chg.Dest, chg.Dest)
	}

	ifMatch := ""
	if entry.Rev != remote.FolderRev {
		ifMatch = entry.Rev
	}

	md, err := a.client.Move(ctx, a.paths.RemotePath(chg.Path), a.paths.RemotePath(chg.Dest), ifMatch)
	if err != nil {
		if _, conflict := remote.IsConflict(err); conflict {
			slog.Warn("remote move rejected", "path", chg.Path)
			return nil
		}
		return err
	}

	slog.Info("moved remote", "from", chg.Path, "to", chg.Dest)

	if err := a.index.Transaction(func(tx *Tx) error {
		if err := tx.Delete(chg.Path); err != nil {
			return err
		}
		return tx.Put(&IndexEntry{
			Path:        chg.Dest,
			Type:        chg.Type,
			Rev:         md.Rev,
			ContentHash: md.ContentHash,
			LastSyncMs:  time.Now().UnixMilli(),
		})
	}); err != nil {
		return err
	}

	if chg.AlsoModified && chg.Type == ItemFile {
		return a.applyRemoteUpload(ctx, chg.Dest, chg.Dest)
	}
	return nil
}

// cleanStaging removes orphaned partial downloads left behind by crashes.
func (a *applier) cleanStaging(maxAge time.Duration) {
	entries, err := os.ReadDir(a.tmpDir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		stale := filepath.Join(a.tmpDir, entry.Name())
		if err := os.Remove(stale); err == nil {
			slog.Debug("removed stale staging file", "path", stale)
		}
	}
}

func itemTypeOf(chg *remote.Metadata) ItemType {
	if chg.IsFolder() {
		return ItemFolder
	}
	return ItemFile
}

func contentHashOf(chg *remote.Metadata) string {
	if chg.IsFolder() {
		return FolderHash
	}
	return chg.ContentHash
}
