package sync

import (
	"errors"
)

var (
	// ErrStorageCorrupt signals structural damage to the index store. All
	// sync activity halts; recovery requires rebuilding the index from the
	// remote listing and a local scan.
	ErrStorageCorrupt = errors.New("index storage corrupt")

	// ErrStorageIO signals a transient I/O failure of the index store.
	ErrStorageIO = errors.New("index storage io error")

	// ErrUnreadable signals a local file that opened but failed during
	// read.
	ErrUnreadable = errors.New("file unreadable")

	// ErrVanished signals a local file that disappeared mid-operation.
	// The originating event is dropped; reconciliation catches residue.
	ErrVanished = errors.New("file vanished")

	// ErrCursorReset signals that the remote invalidated our cursor. The
	// cursor is discarded and a full listing plus reconciliation follows.
	ErrCursorReset = errors.New("cursor reset")

	ErrAlreadyRunning = errors.New("sync engine already running")
	ErrNotRunning     = errors.New("sync engine not running")
)
