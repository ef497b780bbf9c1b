package sync

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/mirrorbox/mirrorbox/internal/utils"
)

// PathConv canonicalizes paths for index lookups and maps between the local
// and remote path spaces. The remote store is case-preserving but
// case-insensitive, so remote lookups always fold case; local canonical keys
// fold case only when the local filesystem does.
type PathConv struct {
	root          string
	caseSensitive bool
}

func NewPathConv(root string) (*PathConv, error) {
	resolved, err := utils.ResolvePath(root)
	if err != nil {
		return nil, err
	}

	cs, err := probeCaseSensitivity(resolved)
	if err != nil {
		return nil, err
	}

	return &PathConv{root: resolved, caseSensitive: cs}, nil
}

func (p *PathConv) Root() string { return p.root }

func (p *PathConv) CaseSensitive() bool { return p.caseSensitive }

// Canonical returns the index key for a relative path: NFC-normalized,
// slash-separated, case-folded on case-insensitive hosts.
func (p *PathConv) Canonical(rel string) string {
	key := normalizeRel(rel)
	if !p.caseSensitive {
		key = strings.ToLower(key)
	}
	return key
}

// RemoteKey returns the case-folded form used for remote-side lookups.
func (p *PathConv) RemoteKey(path string) string {
	return strings.ToLower(normalizeRel(path))
}

// EqualIgnoringCase reports whether two paths collide under case folding.
func EqualIgnoringCase(a, b string) bool {
	return strings.EqualFold(normalizeRel(a), normalizeRel(b))
}

// DiffersOnlyInCase reports whether two paths name distinct strings within
// one case-fold class.
func DiffersOnlyInCase(a, b string) bool {
	na, nb := normalizeRel(a), normalizeRel(b)
	return na != nb && strings.EqualFold(na, nb)
}

// AbsPath maps a relative sync path to the local filesystem.
func (p *PathConv) AbsPath(rel string) string {
	return filepath.Join(p.root, filepath.FromSlash(strings.TrimPrefix(rel, "/")))
}

// RelPath maps a local absolute path into the sync tree, reporting false for
// paths outside the root.
func (p *PathConv) RelPath(abs string) (string, bool) {
	rel, err := filepath.Rel(p.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return "/", true
	}
	return "/" + filepath.ToSlash(rel), true
}

// RemotePath maps a relative sync path to its remote form. The remote space
// mirrors the local tree rooted at "/".
func (p *PathConv) RemotePath(rel string) string {
	return normalizeRel(rel)
}

func normalizeRel(path string) string {
	path = norm.NFC.String(filepath.ToSlash(path))
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	// collapse any duplicate separators and dot segments
	cleaned := filepath.ToSlash(filepath.Clean(path))
	if cleaned == "." {
		return "/"
	}
	return cleaned
}

// probeCaseSensitivity writes a lowercase probe file into dir and checks for
// its uppercase alias.
func probeCaseSensitivity(dir string) (bool, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return false, err
	}

	probe, err := os.CreateTemp(dir, "case-probe-*.tmp")
	if err != nil {
		return false, err
	}
	name := probe.Name()
	probe.Close()
	defer os.Remove(name)

	upper := filepath.Join(filepath.Dir(name), strings.ToUpper(filepath.Base(name)))
	_, err = os.Stat(upper)
	if err == nil {
		return false, nil
	}
	if os.IsNotExist(err) {
		return true, nil
	}
	return false, err
}
