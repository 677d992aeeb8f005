// SPDX-License-Identifier: MIT
package store

import (
	"fmt"
	"path/filepath"
)

// Backend selects a persistence implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendBadger Backend = "badger"
	BackendSqlite Backend = "sqlite"
)

// Valid reports whether b names a known backend.
func (b Backend) Valid() bool {
	switch b {
	case BackendMemory, BackendBadger, BackendSqlite:
		return true
	}
	return false
}

// New opens the configured backend. dataDir is ignored for memory;
// badger uses it as a directory, sqlite places a single db file in it.
func New(backend Backend, dataDir string) (Store, error) {
	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendBadger:
		return OpenBadgerStore(filepath.Join(dataDir, "receipts"))
	case BackendSqlite:
		return OpenSqliteStore(filepath.Join(dataDir, "receipts.db"))
	default:
		return nil, fmt.Errorf("receipt store: unknown backend %q", backend)
	}
}
