package database

import (
	"github.com/dgraph-io/badger/v4"
)

// NewBadgerDB opens the embedded session store. An empty path keeps all data in memory.
func NewBadgerDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	return badger.Open(opts)
}
