package sync

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// localItem is one observation from a tree walk.
type localItem struct {
	rel     string
	abs     string
	typ     ItemType
	mtimeMs int64
	size    int64
}

// walkDirIgnoring walks the tree below root, skipping the internal state
// directory and every path the ruleset excludes. Entries that vanish during
// the walk are ignored.
func walkDirIgnoring(root string, rules *Ruleset, paths *PathConv, fn func(abs string, d fs.DirEntry) error) error {
	return filepath.WalkDir(root, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if abs == root {
			return nil
		}

		rel, ok := paths.RelPath(abs)
		if !ok {
			return nil
		}
		if rules.ShouldIgnore(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		return fn(abs, d)
	})
}

// scanLocal walks the sync root into a canonical-keyed observation map.
func scanLocal(paths *PathConv, rules *Ruleset) (map[string]localItem, error) {
	observed := make(map[string]localItem)

	err := walkDirIgnoring(paths.Root(), rules, paths, func(abs string, d fs.DirEntry) error {
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		rel, _ := paths.RelPath(abs)
		key := paths.Canonical(rel)

		typ := ItemFile
		if d.IsDir() {
			typ = ItemFolder
		}

		observed[key] = localItem{
			rel:     rel,
			abs:     abs,
			typ:     typ,
			mtimeMs: info.ModTime().UnixMilli(),
			size:    info.Size(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return observed, nil
}

// reconcileLocal joins a fresh tree walk with the index and synthesizes the
// local changes that explain the divergence: offline edits, creations and
// deletions the watcher never saw. The result feeds the normal upload
// pipeline.
func reconcileLocal(paths *PathConv, rules *Ruleset, index *Index) ([]LocalChange, error) {
	observed, err := scanLocal(paths, rules)
	if err != nil {
		return nil, err
	}

	known, err := index.All()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var drift []LocalChange

	for key, item := range observed {
		entry, exists := known[key]
		if !exists {
			drift = append(drift, LocalChange{Op: OpCreated, Path: key, Type: item.typ, Recorded: now})
			continue
		}

		if entry.Type != item.typ {
			drift = append(drift,
				LocalChange{Op: OpDeleted, Path: key, Type: entry.Type, Recorded: now},
				LocalChange{Op: OpCreated, Path: key, Type: item.typ, Recorded: now},
			)
			continue
		}

		if item.typ == ItemFile && item.mtimeMs > entry.LastSyncMs {
			drift = append(drift, LocalChange{Op: OpModified, Path: key, Type: ItemFile, Recorded: now})
		}
	}

	for key, entry := range known {
		if _, exists := observed[key]; !exists {
			drift = append(drift, LocalChange{Op: OpDeleted, Path: key, Type: entry.Type, Recorded: now})
		}
	}

	if len(drift) > 0 {
		slog.Info("reconciliation drift", "changes", len(drift))
	}
	return drift, nil
}
