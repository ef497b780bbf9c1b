package sync

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/mirrorbox/mirrorbox/internal/remote"
)

// Verdict is the resolver's decision for one change.
type Verdict string

const (
	VerdictApply        Verdict = "apply"
	VerdictSkip         Verdict = "skip"
	VerdictRenameTarget Verdict = "rename_target"
	VerdictConflictCopy Verdict = "conflict_copy"
)

// Decision carries a verdict plus the naming and index side effects the
// apply workers must honor.
type Decision struct {
	Verdict Verdict

	// RenameTo is the new target path for upload renames.
	RenameTo string

	// CopyName is the local sibling that preserves conflicting content.
	CopyName string

	// IndexRev records a rev on skip when content already matches.
	IndexRev string

	// TouchIndex refreshes last_sync on skip without changing the rev.
	TouchIndex bool

	Reason string
}

func skip(reason string) Decision  { return Decision{Verdict: VerdictSkip, Reason: reason} }
func apply(reason string) Decision { return Decision{Verdict: VerdictApply, Reason: reason} }

// Resolver decides, per normalized change, how the apply workers should act
// given the current index and the live local tree.
type Resolver struct {
	index  *Index
	hasher *Hasher
	paths  *PathConv
	rules  *Ruleset
	client remote.Client
}

func NewResolver(index *Index, hasher *Hasher, paths *PathConv, rules *Ruleset, client remote.Client) *Resolver {
	return &Resolver{
		index:  index,
		hasher: hasher,
		paths:  paths,
		rules:  rules,
		client: client,
	}
}

// ResolveDownload decides how to apply one remote change locally.
func (r *Resolver) ResolveDownload(ctx context.Context, chg *remote.Metadata) (Decision, error) {
	key := r.paths.Canonical(chg.Path)
	abs := r.paths.AbsPath(key)

	entry, err := r.index.Get(key)
	if err != nil {
		return Decision{}, err
	}

	if entry != nil && chg.Rev != "" && chg.Rev == entry.Rev {
		return skip("already in sync"), nil
	}

	if chg.IsDeleted() {
		return r.resolveRemoteDelete(key, abs, entry)
	}

	if chg.IsFolder() {
		if info, err := os.Stat(abs); err == nil && info.IsDir() {
			return Decision{Verdict: VerdictSkip, IndexRev: remote.FolderRev, Reason: "folder present"}, nil
		}
		return apply("create folder"), nil
	}

	// file metadata
	localHash, err := r.hasher.HashFile(abs)
	switch {
	case errors.Is(err, ErrVanished):
		// nothing local to protect
		return apply("no local content"), nil
	case err != nil:
		return Decision{}, err
	}

	if localHash == chg.ContentHash {
		return Decision{Verdict: VerdictSkip, IndexRev: chg.Rev, Reason: "content identical"}, nil
	}

	if r.unmodifiedSinceSync(abs, entry) {
		return apply("local unchanged"), nil
	}

	return Decision{
		Verdict:  VerdictConflictCopy,
		CopyName: r.conflictCopyName(key),
		Reason:   "local edits newer than last sync",
	}, nil
}

func (r *Resolver) resolveRemoteDelete(key, abs string, entry *IndexEntry) (Decision, error) {
	_, statErr := os.Lstat(abs)
	if os.IsNotExist(statErr) {
		if entry != nil {
			// nothing on disk, but the index still remembers it
			return apply("clear index entry"), nil
		}
		return skip("nothing to delete"), nil
	}
	if statErr != nil {
		return Decision{}, statErr
	}

	if r.unmodifiedSinceSync(abs, entry) {
		return apply("delete local"), nil
	}

	return Decision{
		Verdict:  VerdictConflictCopy,
		CopyName: r.conflictCopyName(key),
		Reason:   "local edits would be lost by delete",
	}, nil
}

// unmodifiedSinceSync compares local modification time against the entry's
// last sync. Folders use the newest mtime across visible children, applying
// the same exclusions as the event pipeline.
func (r *Resolver) unmodifiedSinceSync(abs string, entry *IndexEntry) bool {
	if entry == nil || entry.LastSyncMs == 0 {
		return false
	}

	info, err := os.Stat(abs)
	if err != nil {
		return false
	}

	mtime := info.ModTime()
	if info.IsDir() {
		mtime = r.newestChildMtime(abs, mtime)
	}

	return mtime.UnixMilli() <= entry.LastSyncMs
}

func (r *Resolver) newestChildMtime(dir string, newest time.Time) time.Time {
	_ = walkDirIgnoring(dir, r.rules, r.paths, func(abs string, d fs.DirEntry) error {
		if info, err := d.Info(); err == nil && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest
}

// ResolveUpload decides how to push one local change to the remote.
// typeChange marks the Created half of a delete+create pair replacing a
// folder with a file or vice versa.
func (r *Resolver) ResolveUpload(ctx context.Context, chg LocalChange, typeChange bool) (Decision, error) {
	key := chg.Path
	remotePath := r.paths.RemotePath(chg.Path)

	entry, err := r.index.Get(key)
	if err != nil {
		return Decision{}, err
	}

	// selective-sync excluded targets are never written in place
	if chg.Op != OpDeleted && r.rules.ExcludedBySelectiveSync(remotePath) {
		renamed, err := r.renameForConflict(ctx, key, labelSelectiveSync)
		if err != nil {
			return Decision{}, err
		}
		return Decision{
			Verdict:  VerdictRenameTarget,
			RenameTo: renamed,
			Reason:   "selective sync excluded",
		}, nil
	}

	switch chg.Op {
	case OpDeleted:
		if entry == nil || entry.Rev == "" {
			return skip("never synced"), nil
		}
		return apply("propagate delete"), nil

	case OpMoved:
		if entry == nil || entry.Rev == "" {
			// source unknown to the remote: surfaces as a create of the
			// destination instead
			return apply("upload destination"), nil
		}
		return apply("propagate move"), nil
	}

	// created or modified
	if chg.Op == OpCreated && r.paths.CaseSensitive() && entry == nil {
		if collision, err := r.remoteCaseCollision(ctx, remotePath); err == nil && collision {
			renamed, err := r.renameForConflict(ctx, key, labelCaseConflict)
			if err != nil {
				return Decision{}, err
			}
			return Decision{
				Verdict:  VerdictRenameTarget,
				RenameTo: renamed,
				Reason:   "remote differs only in case",
			}, nil
		}
	}

	if chg.Type == ItemFile {
		abs := r.paths.AbsPath(key)
		localHash, err := r.hasher.HashFile(abs)
		if errors.Is(err, ErrVanished) {
			return skip("vanished before upload"), nil
		}
		if err != nil {
			return Decision{}, err
		}

		if entry != nil && entry.ContentHash != "" && localHash == entry.ContentHash {
			return Decision{Verdict: VerdictSkip, TouchIndex: true, Reason: "content unchanged"}, nil
		}
	}

	if typeChange {
		return r.resolveTypeChange(ctx, key, remotePath, entry)
	}

	return apply("upload"), nil
}

// resolveTypeChange guards the replace half of a local type change. When the
// remote moved past the rev the index knows, its content is preserved as a
// local conflict copy before the replacement uploads.
func (r *Resolver) resolveTypeChange(ctx context.Context, key, remotePath string, entry *IndexEntry) (Decision, error) {
	if entry == nil || entry.Rev == "" {
		return apply("upload replacement"), nil
	}

	md, err := r.remoteStat(ctx, remotePath)
	if err != nil {
		if remote.IsNotFound(err) {
			return apply("remote already gone"), nil
		}
		return Decision{}, err
	}

	if md != nil && md.Rev != entry.Rev {
		return Decision{
			Verdict:  VerdictConflictCopy,
			CopyName: r.conflictCopyName(key),
			Reason:   "remote advanced during type change",
		}, nil
	}

	return apply("upload replacement"), nil
}

// remoteCaseCollision lists the remote parent and looks for an entry in the
// same case-fold class under a different spelling.
func (r *Resolver) remoteCaseCollision(ctx context.Context, remotePath string) (bool, error) {
	parent := path.Dir(remotePath)

	entries, err := r.client.ListFolder(ctx, parent)
	if err != nil {
		if remote.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	for _, md := range entries {
		if DiffersOnlyInCase(md.Path, remotePath) {
			return true, nil
		}
	}
	return false, nil
}

// remoteStat finds the current metadata of remotePath via its parent
// listing, nil when absent.
func (r *Resolver) remoteStat(ctx context.Context, remotePath string) (*remote.Metadata, error) {
	entries, err := r.client.ListFolder(ctx, path.Dir(remotePath))
	if err != nil {
		return nil, err
	}

	want := r.paths.RemoteKey(remotePath)
	for _, md := range entries {
		if r.paths.RemoteKey(md.Path) == want {
			return md, nil
		}
	}
	return nil, nil
}

// renameForConflict picks a free name in the remote parent for a diverted
// upload target.
func (r *Resolver) renameForConflict(ctx context.Context, key, label string) (string, error) {
	siblings, err := r.client.ListFolder(ctx, path.Dir(r.paths.RemotePath(key)))
	if err != nil && !remote.IsNotFound(err) {
		return "", err
	}

	takenNames := make(map[string]struct{}, len(siblings))
	for _, md := range siblings {
		takenNames[r.paths.RemoteKey(md.Path)] = struct{}{}
	}

	return suffixedName(key, label, func(candidate string) bool {
		if _, ok := takenNames[r.paths.RemoteKey(candidate)]; ok {
			return true
		}
		_, err := os.Stat(r.paths.AbsPath(candidate))
		return err == nil
	}), nil
}
