package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuffixedName(t *testing.T) {
	never := func(string) bool { return false }

	t.Run("inserts before extension", func(t *testing.T) {
		assert.Equal(t, "/a (conflicting copy).txt", suffixedName("/a.txt", labelConflictCopy, never))
	})

	t.Run("no extension", func(t *testing.T) {
		assert.Equal(t, "/notes (conflicting copy)", suffixedName("/notes", labelConflictCopy, never))
	})

	t.Run("selective sync and case labels", func(t *testing.T) {
		assert.Equal(t, "/excluded/y (selective sync conflict).txt", suffixedName("/excluded/y.txt", labelSelectiveSync, never))
		assert.Equal(t, "/foo (case conflict).txt", suffixedName("/foo.txt", labelCaseConflict, never))
	})

	t.Run("numeric disambiguation from 2", func(t *testing.T) {
		taken := map[string]bool{
			"/a (conflicting copy).txt":   true,
			"/a (conflicting copy 2).txt": true,
		}
		got := suffixedName("/a.txt", labelConflictCopy, func(candidate string) bool {
			return taken[candidate]
		})
		assert.Equal(t, "/a (conflicting copy 3).txt", got)
	})
}
