package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// hashBlockSize is the fixed block length of the remote-compatible
	// content hash.
	hashBlockSize = 4 * 1024 * 1024

	// FolderHash is the sentinel content hash of a folder.
	FolderHash = "folder"

	hashCacheSize = 4096
)

type hashCacheEntry struct {
	size    int64
	mtimeNs int64
	digest  string
}

// Hasher computes remote-compatible content hashes of local files, with an
// LRU cache invalidated on size or mtime changes.
type Hasher struct {
	cache *lru.Cache[string, hashCacheEntry]
}

func NewHasher() *Hasher {
	cache, _ := lru.New[string, hashCacheEntry](hashCacheSize)
	return &Hasher{cache: cache}
}

// HashFile returns the content hash of the file at path, or FolderHash for a
// directory. A file that cannot be opened because it no longer exists
// returns ErrVanished; I/O failures after open return ErrUnreadable.
func (h *Hasher) HashFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrVanished
		}
		return "", fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
	}

	if info.IsDir() {
		return FolderHash, nil
	}

	if entry, ok := h.cache.Get(path); ok {
		if entry.size == info.Size() && entry.mtimeNs == info.ModTime().UnixNano() {
			return entry.digest, nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrVanished
		}
		return "", fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
	}
	defer f.Close()

	digest, err := ContentHash(f)
	if err != nil {
		// the file may have been removed while we were reading it
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return "", ErrVanished
		}
		return "", fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
	}

	h.cache.Add(path, hashCacheEntry{
		size:    info.Size(),
		mtimeNs: info.ModTime().UnixNano(),
		digest:  digest,
	})

	return digest, nil
}

// Invalidate drops the cached digest for path.
func (h *Hasher) Invalidate(path string) {
	h.cache.Remove(path)
}

// ContentHash reads r in 4 MiB blocks, hashes each with SHA-256,
// concatenates the raw block digests and returns the hex SHA-256 of the
// concatenation. The empty input hashes to the digest of zero blocks.
func ContentHash(r io.Reader) (string, error) {
	overall := sha256.New()
	block := make([]byte, hashBlockSize)

	for {
		n, err := io.ReadFull(r, block)
		if n > 0 {
			blockSum := sha256.Sum256(block[:n])
			overall.Write(blockSum[:])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return "", err
		}
	}

	return hex.EncodeToString(overall.Sum(nil)), nil
}
