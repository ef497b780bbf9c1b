package sync

import (
	"sort"
	"strings"

	"github.com/mirrorbox/mirrorbox/internal/remote"
)

// Normalizer is the shared filter/coalesce/sort stage for both directions.
// Input batches arrive in observation order; output batches are coalesced to
// net effect and sorted so parents are created before children and children
// are deleted before parents.
type Normalizer struct {
	paths *PathConv
	rules *Ruleset
}

func NewNormalizer(paths *PathConv, rules *Ruleset) *Normalizer {
	return &Normalizer{paths: paths, rules: rules}
}

// NormalizeLocal cleans a batch of local changes. Selective-sync exclusions
// are left in place here; the upload resolver renames those targets instead
// of dropping them.
func (n *Normalizer) NormalizeLocal(batch []LocalChange) []LocalChange {
	slots := make(map[string][]LocalChange)
	order := make([]string, 0, len(batch))
	// moveSource maps a move destination to the slot holding that move
	moveSource := make(map[string]string)

	for _, change := range batch {
		key := n.paths.Canonical(change.Path)
		if n.rules.ShouldIgnore(key) {
			continue
		}
		change.Path = key
		if change.Op == OpMoved {
			change.Dest = n.paths.Canonical(change.Dest)
		}

		// a rewrite of a move destination folds into the move
		if src, ok := moveSource[key]; ok && change.Op == OpModified {
			if slot := slots[src]; len(slot) > 0 && slot[len(slot)-1].Op == OpMoved && slot[len(slot)-1].Dest == key {
				slot[len(slot)-1].AlsoModified = true
				continue
			}
		}

		if _, seen := slots[key]; !seen {
			order = append(order, key)
		}
		slots[key] = coalesceLocal(slots[key], change)
		if change.Op == OpMoved {
			moveSource[change.Dest] = key
		}
	}

	// parent pruning: a folder delete or move subsumes events beneath it
	subsumed := make(map[string]struct{})
	for _, key := range order {
		for _, change := range slots[key] {
			if change.Type == ItemFolder && (change.Op == OpDeleted || change.Op == OpMoved) {
				subsumed[key] = struct{}{}
			}
		}
	}

	out := make([]LocalChange, 0, len(batch))
	for _, key := range order {
		if underAny(key, subsumed) {
			continue
		}
		out = append(out, slots[key]...)
	}

	sortLocal(out)
	return out
}

// coalesceLocal folds the next change for one path into its slot, retaining
// the minimal sequence that reproduces the net effect. The slot holds at
// most two changes (a type change: delete of the old type, create of the
// new).
func coalesceLocal(slot []LocalChange, next LocalChange) []LocalChange {
	if len(slot) == 0 {
		return []LocalChange{next}
	}

	last := slot[len(slot)-1]

	switch {
	case last.Op == OpCreated && next.Op == OpModified:
		// still unseen by the remote: stays a create
		return slot

	case last.Op == OpCreated && next.Op == OpDeleted:
		// never observed outside the batch
		return slot[:len(slot)-1]

	case last.Op == OpMoved && next.Op == OpModified:
		last.AlsoModified = true
		slot[len(slot)-1] = last
		return slot

	case last.Op == OpDeleted && next.Op == OpCreated:
		if last.Type != next.Type {
			// type change: both survive, in order
			return append(slot, next)
		}
		// same type reappeared: net effect is a content change
		next.Op = OpModified
		return append(slot[:len(slot)-1], next)

	case last.Op == OpModified && next.Op == OpModified:
		return slot

	case next.Op == OpDeleted:
		// any prior state collapses to the delete
		return append(slot[:len(slot)-1], next)
	}

	return append(slot[:len(slot)-1], next)
}

// NormalizeRemote cleans a batch of remote changes against the index:
// exclusion filtering, per-path coalescing to the terminal change, and
// synthesized deletes where the remote item type changed relative to the
// index.
func (n *Normalizer) NormalizeRemote(batch []*remote.Metadata, index *Index) ([]*remote.Metadata, error) {
	terminal := make(map[string]*remote.Metadata)
	order := make([]string, 0, len(batch))

	for _, change := range batch {
		key := n.paths.RemoteKey(change.Path)
		// hard-coded names match case-sensitively, so test the original path
		if n.rules.ShouldIgnore(change.Path) || n.rules.ExcludedBySelectiveSync(key) {
			continue
		}

		if _, seen := terminal[key]; !seen {
			order = append(order, key)
		}
		// later events supersede earlier ones for the same path
		terminal[key] = change
	}

	out := make([]*remote.Metadata, 0, len(order))
	for _, key := range order {
		change := terminal[key]

		if !change.IsDeleted() {
			entry, err := index.Get(key)
			if err != nil {
				return nil, err
			}
			if entry != nil && entry.Rev != "" && typeChanged(entry, change) {
				out = append(out, &remote.Metadata{
					Path: change.Path,
					Kind: remote.KindDeleted,
				})
			}
		}

		out = append(out, change)
	}

	sortRemote(out)
	return out, nil
}

func typeChanged(entry *IndexEntry, change *remote.Metadata) bool {
	if entry.IsFolder() {
		return change.IsFile()
	}
	return change.IsFolder()
}

// Hierarchical ordering: deletions run bottom-up and ahead of everything
// else; creations run top-down with folders before files at equal depth.
func localSortKey(c LocalChange) (int, int, string) {
	depth := pathDepth(c.Path)
	if c.Op == OpDeleted {
		return -depth, 0, c.Path
	}
	class := 2
	if c.Type == ItemFolder {
		class = 1
	}
	return depth, class, c.Path
}

func sortLocal(batch []LocalChange) {
	sort.SliceStable(batch, func(i, j int) bool {
		di, ci, pi := localSortKey(batch[i])
		dj, cj, pj := localSortKey(batch[j])
		if di != dj {
			return di < dj
		}
		if ci != cj {
			return ci < cj
		}
		return pi < pj
	})
}

func remoteSortKey(c *remote.Metadata) (int, int, string) {
	key := strings.ToLower(normalizeRel(c.Path))
	depth := pathDepth(key)
	switch c.Kind {
	case remote.KindDeleted:
		return -depth, 0, key
	case remote.KindFolder:
		return depth, 1, key
	default:
		return depth, 2, key
	}
}

func sortRemote(batch []*remote.Metadata) {
	sort.SliceStable(batch, func(i, j int) bool {
		di, ci, pi := remoteSortKey(batch[i])
		dj, cj, pj := remoteSortKey(batch[j])
		if di != dj {
			return di < dj
		}
		if ci != cj {
			return ci < cj
		}
		return pi < pj
	})
}

// underAny reports whether key lies strictly beneath any path in roots.
func underAny(key string, roots map[string]struct{}) bool {
	for root := range roots {
		if key != root && strings.HasPrefix(key, root+"/") {
			return true
		}
	}
	return false
}
