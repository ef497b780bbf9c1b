package sync

import (
	"fmt"
	"os"
	"path"
	"strings"
)

// User-visible conflict labels.
const (
	labelConflictCopy  = "conflicting copy"
	labelSelectiveSync = "selective sync conflict"
	labelCaseConflict  = "case conflict"
)

// suffixedName inserts a parenthesized label before the extension,
// disambiguating with a counter from 2 while taken reports a collision:
// "a.txt" -> "a (conflicting copy).txt" -> "a (conflicting copy 2).txt".
func suffixedName(rel, label string, taken func(string) bool) string {
	ext := path.Ext(rel)
	base := strings.TrimSuffix(rel, ext)

	candidate := fmt.Sprintf("%s (%s)%s", base, label, ext)
	for n := 2; taken(candidate); n++ {
		candidate = fmt.Sprintf("%s (%s %d)%s", base, label, n, ext)
	}
	return candidate
}

// conflictCopyName picks a free local sibling name preserving the content
// that would otherwise be overwritten.
func (r *Resolver) conflictCopyName(rel string) string {
	return suffixedName(rel, labelConflictCopy, func(candidate string) bool {
		_, err := os.Stat(r.paths.AbsPath(candidate))
		return err == nil
	})
}
