package sync

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"

	"github.com/mirrorbox/mirrorbox/internal/db"
	"github.com/mirrorbox/mirrorbox/internal/utils"
)

const indexSchemaVersion = "1"

const indexSchema = `
CREATE TABLE IF NOT EXISTS entries (
    path TEXT PRIMARY KEY,
    item_type TEXT NOT NULL,
    rev TEXT,
    content_hash TEXT,
    last_sync_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_path ON entries(path);
`

// Reserved meta keys.
const (
	metaCursor        = "__cursor__"
	metaSchemaVersion = "__schema_version__"
	metaLastReconcile = "__last_reconcile__"
)

// IndexEntry is the last-known-good record of one synced item. Rev and
// ContentHash are empty for deleted or never-synced entries; folders carry
// the FolderRev/FolderHash sentinels.
type IndexEntry struct {
	Path        string   `db:"path"`
	Type        ItemType `db:"item_type"`
	Rev         string   `db:"rev"`
	ContentHash string   `db:"content_hash"`
	LastSyncMs  int64    `db:"last_sync_ms"`
}

func (e *IndexEntry) IsFolder() bool { return e.Type == ItemFolder }

// Index is the durable path-keyed store backing the engine, plus the sync
// cursor. Reads may run concurrently; every write serializes through a
// single-writer mutex. A flock sidecar prevents two engines from sharing one
// index.
type Index struct {
	db      *sqlx.DB
	dbPath  string
	lock    *flock.Flock
	writeMu sync.Mutex
}

func NewIndex(dbPath string) *Index {
	return &Index{dbPath: dbPath}
}

// Open acquires the single-instance lock, opens the database and migrates
// the schema.
func (ix *Index) Open() error {
	if ix.db != nil {
		return errors.New("index already open")
	}

	if err := utils.EnsureParent(ix.dbPath); err != nil {
		return fmt.Errorf("%w: create index dir %s: %v", ErrStorageIO, ix.dbPath, err)
	}

	lock := flock.New(ix.dbPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("%w: lock %s: %v", ErrStorageIO, ix.dbPath, err)
	}
	if !locked {
		return fmt.Errorf("index %s is locked by another instance", ix.dbPath)
	}

	sqlDb, err := db.NewSqliteDb(db.WithPath(ix.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		lock.Unlock()
		return storageErr("open index", err)
	}

	if _, err := sqlDb.Exec(indexSchema); err != nil {
		sqlDb.Close()
		lock.Unlock()
		return storageErr("init index schema", err)
	}

	ix.db = sqlDb
	ix.lock = lock

	if err := ix.ensureSchemaVersion(); err != nil {
		ix.Close()
		return err
	}
	return nil
}

func (ix *Index) Close() error {
	if ix.db == nil {
		return nil
	}
	err := ix.db.Close()
	ix.db = nil
	if ix.lock != nil {
		ix.lock.Unlock()
		ix.lock = nil
	}
	if err != nil {
		return storageErr("close index", err)
	}
	return nil
}

func (ix *Index) ensureSchemaVersion() error {
	version, err := ix.getMeta(metaSchemaVersion)
	if err != nil {
		return err
	}
	if version == "" {
		return ix.setMeta(metaSchemaVersion, indexSchemaVersion)
	}
	// Unknown newer schemas are readable: extra columns are ignored on
	// scan and the reserved keys keep their meaning.
	if version != indexSchemaVersion {
		slog.Warn("index schema version differs", "stored", version, "supported", indexSchemaVersion)
	}
	return nil
}

// Get returns the entry for a canonical path, or nil when absent.
func (ix *Index) Get(path string) (*IndexEntry, error) {
	var entry IndexEntry
	err := ix.db.Get(&entry,
		"SELECT path, item_type, IFNULL(rev, '') AS rev, IFNULL(content_hash, '') AS content_hash, last_sync_ms FROM entries WHERE path = ?", path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("index get", err)
	}
	return &entry, nil
}

// Put inserts or replaces an entry.
func (ix *Index) Put(entry *IndexEntry) error {
	if entry == nil {
		return errors.New("cannot put nil entry")
	}

	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	_, err := ix.db.NamedExec(
		`INSERT OR REPLACE INTO entries (path, item_type, rev, content_hash, last_sync_ms)
		 VALUES (:path, :item_type, :rev, :content_hash, :last_sync_ms)`, entry)
	if err != nil {
		return storageErr("index put", err)
	}
	slog.Debug("index put", "path", entry.Path, "rev", entry.Rev)
	return nil
}

// Delete removes the entry for a canonical path. Deleting an absent path is
// not an error.
func (ix *Index) Delete(path string) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	if _, err := ix.db.Exec("DELETE FROM entries WHERE path = ?", path); err != nil {
		return storageErr("index delete", err)
	}
	return nil
}

// IterPrefix returns all entries whose path equals prefix or lies beneath
// it, ordered by path.
func (ix *Index) IterPrefix(prefix string) ([]*IndexEntry, error) {
	prefix = strings.TrimSuffix(prefix, "/")

	var entries []*IndexEntry
	err := ix.db.Select(&entries,
		`SELECT path, item_type, IFNULL(rev, '') AS rev, IFNULL(content_hash, '') AS content_hash, last_sync_ms
		 FROM entries WHERE path = ? OR path LIKE ? ORDER BY path`,
		prefix, prefix+"/%")
	if err != nil {
		return nil, storageErr("index iter", err)
	}
	return entries, nil
}

// All returns the full entry map keyed by canonical path.
func (ix *Index) All() (map[string]*IndexEntry, error) {
	var entries []*IndexEntry
	err := ix.db.Select(&entries,
		"SELECT path, item_type, IFNULL(rev, '') AS rev, IFNULL(content_hash, '') AS content_hash, last_sync_ms FROM entries")
	if err != nil {
		return nil, storageErr("index all", err)
	}

	state := make(map[string]*IndexEntry, len(entries))
	for _, e := range entries {
		state[e.Path] = e
	}
	return state, nil
}

func (ix *Index) Count() (int, error) {
	var count int
	if err := ix.db.Get(&count, "SELECT COUNT(*) FROM entries"); err != nil {
		return 0, storageErr("index count", err)
	}
	return count, nil
}

// Cursor returns the persisted remote cursor, empty when none is stored.
func (ix *Index) Cursor() (string, error) {
	return ix.getMeta(metaCursor)
}

func (ix *Index) SetCursor(cursor string) error {
	return ix.setMeta(metaCursor, cursor)
}

// ClearCursor discards the cursor after a remote reset.
func (ix *Index) ClearCursor() error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	if _, err := ix.db.Exec("DELETE FROM meta WHERE key = ?", metaCursor); err != nil {
		return storageErr("index clear cursor", err)
	}
	return nil
}

func (ix *Index) LastReconcile() (string, error) {
	return ix.getMeta(metaLastReconcile)
}

func (ix *Index) SetLastReconcile(stamp string) error {
	return ix.setMeta(metaLastReconcile, stamp)
}

// Compact reclaims free pages. Run from maintenance only.
func (ix *Index) Compact() error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	if _, err := ix.db.Exec("VACUUM"); err != nil {
		return storageErr("index compact", err)
	}
	return nil
}

// Tx exposes the write operations available inside a transaction.
type Tx struct {
	tx *sqlx.Tx
}

func (t *Tx) Put(entry *IndexEntry) error {
	_, err := t.tx.NamedExec(
		`INSERT OR REPLACE INTO entries (path, item_type, rev, content_hash, last_sync_ms)
		 VALUES (:path, :item_type, :rev, :content_hash, :last_sync_ms)`, entry)
	if err != nil {
		return storageErr("tx put", err)
	}
	return nil
}

func (t *Tx) Delete(path string) error {
	if _, err := t.tx.Exec("DELETE FROM entries WHERE path = ?", path); err != nil {
		return storageErr("tx delete", err)
	}
	return nil
}

func (t *Tx) SetCursor(cursor string) error {
	_, err := t.tx.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", metaCursor, cursor)
	if err != nil {
		return storageErr("tx set cursor", err)
	}
	return nil
}

// Transaction runs fn atomically under the single-writer lock. Entry
// mutations grouped with a cursor advance make downloads crash-consistent:
// either both land or neither does.
func (ix *Index) Transaction(fn func(*Tx) error) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	tx, err := ix.db.Beginx()
	if err != nil {
		return storageErr("begin tx", err)
	}

	if err := fn(&Tx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit tx", err)
	}
	return nil
}

func (ix *Index) getMeta(key string) (string, error) {
	var value string
	err := ix.db.Get(&value, "SELECT value FROM meta WHERE key = ?", key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", storageErr("index meta get", err)
	}
	return value, nil
}

func (ix *Index) setMeta(key, value string) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	_, err := ix.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return storageErr("index meta set", err)
	}
	return nil
}

// storageErr maps database failures onto the engine's storage error kinds.
// Malformed-database errors classify as corruption, everything else as I/O.
func storageErr(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "malformed") || strings.Contains(msg, "corrupt") || strings.Contains(msg, "not a database") {
		return fmt.Errorf("%w: %s: %v", ErrStorageCorrupt, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrStorageIO, op, err)
}
