package sync

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorbox/mirrorbox/internal/remote"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	paths := newTestPathConv(t)
	rules := NewRuleset(filepath.Join(t.TempDir(), ".mignore"), nil)
	rules.LoadMignore()
	return NewNormalizer(paths, rules)
}

func TestNormalizeLocalCoalescing(t *testing.T) {
	n := newTestNormalizer(t)

	t.Run("created then modified collapses to created", func(t *testing.T) {
		out := n.NormalizeLocal([]LocalChange{
			{Op: OpCreated, Path: "/a.txt", Type: ItemFile},
			{Op: OpModified, Path: "/a.txt", Type: ItemFile},
			{Op: OpModified, Path: "/a.txt", Type: ItemFile},
		})
		require.Len(t, out, 1)
		assert.Equal(t, OpCreated, out[0].Op)
	})

	t.Run("created then deleted is a no-op", func(t *testing.T) {
		out := n.NormalizeLocal([]LocalChange{
			{Op: OpCreated, Path: "/a.txt", Type: ItemFile},
			{Op: OpDeleted, Path: "/a.txt", Type: ItemFile},
		})
		assert.Empty(t, out)
	})

	t.Run("moved then modified keeps move and marks modified", func(t *testing.T) {
		out := n.NormalizeLocal([]LocalChange{
			{Op: OpMoved, Path: "/a.txt", Dest: "/b.txt", Type: ItemFile},
			{Op: OpModified, Path: "/a.txt", Type: ItemFile},
		})
		require.Len(t, out, 1)
		assert.Equal(t, OpMoved, out[0].Op)
		assert.True(t, out[0].AlsoModified)
	})

	t.Run("deleted then created same type is a modification", func(t *testing.T) {
		out := n.NormalizeLocal([]LocalChange{
			{Op: OpDeleted, Path: "/a.txt", Type: ItemFile},
			{Op: OpCreated, Path: "/a.txt", Type: ItemFile},
		})
		require.Len(t, out, 1)
		assert.Equal(t, OpModified, out[0].Op)
	})

	t.Run("type change keeps delete and create in order", func(t *testing.T) {
		out := n.NormalizeLocal([]LocalChange{
			{Op: OpDeleted, Path: "/x", Type: ItemFolder},
			{Op: OpCreated, Path: "/x", Type: ItemFile},
		})
		require.Len(t, out, 2)
		assert.Equal(t, OpDeleted, out[0].Op)
		assert.Equal(t, ItemFolder, out[0].Type)
		assert.Equal(t, OpCreated, out[1].Op)
		assert.Equal(t, ItemFile, out[1].Type)
	})

	t.Run("modified then deleted collapses to delete", func(t *testing.T) {
		out := n.NormalizeLocal([]LocalChange{
			{Op: OpModified, Path: "/a.txt", Type: ItemFile},
			{Op: OpDeleted, Path: "/a.txt", Type: ItemFile},
		})
		require.Len(t, out, 1)
		assert.Equal(t, OpDeleted, out[0].Op)
	})
}

// Folder becomes file: children are subsumed by the folder delete.
func TestNormalizeLocalTypeChangeDropsChildren(t *testing.T) {
	n := newTestNormalizer(t)

	out := n.NormalizeLocal([]LocalChange{
		{Op: OpDeleted, Path: "/x/child.txt", Type: ItemFile},
		{Op: OpDeleted, Path: "/x", Type: ItemFolder},
		{Op: OpCreated, Path: "/x", Type: ItemFile},
	})

	require.Len(t, out, 2)
	assert.Equal(t, OpDeleted, out[0].Op)
	assert.Equal(t, "/x", out[0].Path)
	assert.Equal(t, ItemFolder, out[0].Type)
	assert.Equal(t, OpCreated, out[1].Op)
	assert.Equal(t, ItemFile, out[1].Type)
}

func TestNormalizeLocalParentPruning(t *testing.T) {
	n := newTestNormalizer(t)

	out := n.NormalizeLocal([]LocalChange{
		{Op: OpModified, Path: "/p/a.txt", Type: ItemFile},
		{Op: OpDeleted, Path: "/p/b.txt", Type: ItemFile},
		{Op: OpDeleted, Path: "/p", Type: ItemFolder},
		{Op: OpModified, Path: "/q/keep.txt", Type: ItemFile},
	})

	paths := make([]string, 0, len(out))
	for _, c := range out {
		paths = append(paths, c.Path)
	}
	assert.ElementsMatch(t, []string{"/p", "/q/keep.txt"}, paths)
}

func TestNormalizeLocalIgnoredDropped(t *testing.T) {
	n := newTestNormalizer(t)

	out := n.NormalizeLocal([]LocalChange{
		{Op: OpCreated, Path: "/a/.DS_Store", Type: ItemFile},
		{Op: OpCreated, Path: "/.mirrorbox/index.db", Type: ItemFile},
		{Op: OpCreated, Path: "/a/keep.txt", Type: ItemFile},
	})

	require.Len(t, out, 1)
	assert.Equal(t, "/a/keep.txt", out[0].Path)
}

// Hierarchical ordering: parents created before children, children deleted
// before parents, deletes ahead of creates.
func TestNormalizeLocalHierarchicalOrder(t *testing.T) {
	n := newTestNormalizer(t)

	out := n.NormalizeLocal([]LocalChange{
		{Op: OpCreated, Path: "/a/b/c.txt", Type: ItemFile},
		{Op: OpDeleted, Path: "/old/deep/file.txt", Type: ItemFile},
		{Op: OpCreated, Path: "/a", Type: ItemFolder},
		{Op: OpDeleted, Path: "/old", Type: ItemFolder},
		{Op: OpCreated, Path: "/a/b", Type: ItemFolder},
		{Op: OpCreated, Path: "/a/d.txt", Type: ItemFile},
	})

	assertHierarchicalOrder(t, out)

	// deletes come first, bottom-up; /old contains /old/deep/file.txt so
	// pruning removes the child
	assert.Equal(t, OpDeleted, out[0].Op)
	assert.Equal(t, "/old", out[0].Path)
}

func assertHierarchicalOrder(t *testing.T, batch []LocalChange) {
	t.Helper()

	position := make(map[string]int)
	for i, c := range batch {
		position[c.Path] = i
	}

	for _, parent := range batch {
		for _, child := range batch {
			if parent.Path == child.Path || !strings.HasPrefix(child.Path, parent.Path+"/") {
				continue
			}
			if parent.Op != OpDeleted && child.Op != OpDeleted {
				assert.Less(t, position[parent.Path], position[child.Path],
					"parent %s must precede child %s", parent.Path, child.Path)
			}
			if parent.Op == OpDeleted && child.Op == OpDeleted {
				assert.Less(t, position[child.Path], position[parent.Path],
					"child delete %s must precede parent delete %s", child.Path, parent.Path)
			}
		}
	}
}

func TestNormalizeRemote(t *testing.T) {
	paths := newTestPathConv(t)
	rules := NewRuleset(filepath.Join(t.TempDir(), ".mignore"), []string{"/excluded"})
	rules.LoadMignore()
	n := NewNormalizer(paths, rules)

	index := openTestIndex(t)

	t.Run("per-path coalescing keeps terminal change", func(t *testing.T) {
		out, err := n.NormalizeRemote([]*remote.Metadata{
			{Path: "/a.txt", Kind: remote.KindDeleted},
			{Path: "/a.txt", Kind: remote.KindFile, Rev: "r2", ContentHash: "h2"},
		}, index)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, remote.KindFile, out[0].Kind)
		assert.Equal(t, "r2", out[0].Rev)
	})

	t.Run("excluded and ignored dropped", func(t *testing.T) {
		out, err := n.NormalizeRemote([]*remote.Metadata{
			{Path: "/excluded/y.txt", Kind: remote.KindFile, Rev: "r1"},
			{Path: "/a/.DS_Store", Kind: remote.KindFile, Rev: "r1"},
			{Path: "/keep.txt", Kind: remote.KindFile, Rev: "r1"},
		}, index)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "/keep.txt", out[0].Path)
	})

	t.Run("type change synthesizes delete", func(t *testing.T) {
		require.NoError(t, index.Put(&IndexEntry{
			Path: "/x", Type: ItemFolder, Rev: remote.FolderRev, ContentHash: FolderHash,
		}))

		out, err := n.NormalizeRemote([]*remote.Metadata{
			{Path: "/x", Kind: remote.KindFile, Rev: "r9", ContentHash: "h9"},
		}, index)
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, remote.KindDeleted, out[0].Kind)
		assert.Equal(t, remote.KindFile, out[1].Kind)
	})

	t.Run("folders sort before files at equal depth", func(t *testing.T) {
		out, err := n.NormalizeRemote([]*remote.Metadata{
			{Path: "/z.txt", Kind: remote.KindFile, Rev: "r1"},
			{Path: "/a", Kind: remote.KindFolder, Rev: remote.FolderRev},
			{Path: "/a/nested.txt", Kind: remote.KindFile, Rev: "r2"},
		}, index)
		require.NoError(t, err)
		require.Len(t, out, 3)
		assert.Equal(t, "/a", out[0].Path)
		assert.Equal(t, "/z.txt", out[1].Path)
		assert.Equal(t, "/a/nested.txt", out[2].Path)
	})
}
