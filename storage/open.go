package storage

import (
	"fmt"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendLevelDB  = "leveldb"
	BackendBolt     = "bolt"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Open builds the backend named by kind. location is a directory for
// leveldb, a file for bolt and sqlite and a DSN for postgres.
func Open(kind, location string) (Database, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case BackendMemory:
		return NewMemDB(), nil
	case "", BackendLevelDB:
		db, err := NewLevelDB(location)
		if err != nil {
			return nil, err
		}
		return db, nil
	case BackendBolt:
		db, err := NewBoltDB(location, nil)
		if err != nil {
			return nil, err
		}
		return db, nil
	case BackendSQLite:
		db, err := OpenSQLite(location)
		if err != nil {
			return nil, err
		}
		return db, nil
	case BackendPostgres:
		db, err := OpenPostgres(location)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	return nil, fmt.Errorf("storage: unknown backend %q", kind)
}
