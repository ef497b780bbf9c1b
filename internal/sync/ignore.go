package sync

import (
	"bufio"
	"log/slog"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	mapset "github.com/deckarep/golang-set/v2"
	gitignore "github.com/sabhiram/go-gitignore"
)

// ignoredBasenames never sync, regardless of user configuration.
var ignoredBasenames = []string{
	".DS_Store",
	"desktop.ini",
	"Thumbs.db",
	"Icon\r",
	".mignore",
}

// ignoredPrefixes match editor lock and office temp files.
var ignoredPrefixes = []string{
	"~$",
	".~lock.",
	".#",
}

// ignoredSuffixes match temporary write artifacts, including our own
// download staging files.
var ignoredSuffixes = []string{
	".tmp",
	".swp",
	".partial",
	"~",
}

// internalDirName holds the index store and staging area inside the sync
// root; nothing below it ever syncs.
const internalDirName = ".mirrorbox"

// Ruleset answers every exclusion question of the pipeline: hard-coded
// names, the internal state directory, user mignore patterns, and
// selective-sync excluded remote roots.
type Ruleset struct {
	mignorePath   string
	mignore       *gitignore.GitIgnore
	excludedRoots mapset.Set[string]
}

func NewRuleset(mignorePath string, excludedPaths []string) *Ruleset {
	roots := mapset.NewSet[string]()
	for _, p := range excludedPaths {
		roots.Add(strings.ToLower(normalizeRel(p)))
	}

	return &Ruleset{
		mignorePath:   mignorePath,
		excludedRoots: roots,
	}
}

// LoadMignore compiles the user's pattern file. Missing files leave an empty
// rule set; malformed lines are skipped by the matcher.
func (r *Ruleset) LoadMignore() {
	var lines []string

	file, err := os.Open(r.mignorePath)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("mignore read", "path", r.mignorePath, "error", err)
		} else {
			slog.Info("mignore loaded", "path", r.mignorePath, "rules", len(lines))
		}
	}

	r.mignore = gitignore.CompileIgnoreLines(lines...)
}

// IsIgnoredName reports whether a basename is one of the hard-coded
// exclusions.
func IsIgnoredName(base string) bool {
	for _, name := range ignoredBasenames {
		if base == name {
			return true
		}
	}
	for _, prefix := range ignoredPrefixes {
		if strings.HasPrefix(base, prefix) {
			return true
		}
	}
	for _, suffix := range ignoredSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}

// ShouldIgnore reports whether a relative sync path is excluded from the
// pipeline entirely: internal state, hard-coded names anywhere on the path,
// or an mignore match.
func (r *Ruleset) ShouldIgnore(rel string) bool {
	rel = normalizeRel(rel)

	for _, segment := range strings.Split(strings.Trim(rel, "/"), "/") {
		if segment == internalDirName || IsIgnoredName(segment) {
			return true
		}
	}

	if r.mignore != nil && r.mignore.MatchesPath(strings.TrimPrefix(rel, "/")) {
		return true
	}

	return false
}

// ExcludedBySelectiveSync reports whether a remote path falls under a
// user-excluded root. Roots may be literal paths or doublestar globs.
func (r *Ruleset) ExcludedBySelectiveSync(remotePath string) bool {
	key := strings.ToLower(normalizeRel(remotePath))

	for _, root := range r.excludedRoots.ToSlice() {
		if key == root || strings.HasPrefix(key, root+"/") {
			return true
		}
		if ok, err := doublestar.Match(root, key); err == nil && ok {
			return true
		}
	}
	return false
}

// SetExcludedRoots replaces the selective-sync exclusion list.
func (r *Ruleset) SetExcludedRoots(paths []string) {
	roots := mapset.NewSet[string]()
	for _, p := range paths {
		roots.Add(strings.ToLower(normalizeRel(p)))
	}
	r.excludedRoots = roots
}
