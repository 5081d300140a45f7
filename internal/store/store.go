// Package store provides Postgres persistence for accounts, delivery
// logs, webhook records, and templates. Queue item persistence lives
// in internal/queue next to the claim machinery.
package store

import (
	"database/sql"
	"encoding/json"
)

// Store provides database operations for dispatch entities.
type Store struct {
	db *sql.DB
}

// NewStore creates a new store over an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components that own their own
// queries (queue, quota).
func (s *Store) DB() *sql.DB { return s.db }

// jsonColumn marshals v for a jsonb column, mapping nil to SQL NULL.
func jsonColumn(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}
