// Package store keeps the run ledger: what each acquisition run did,
// which initializations became members or were skipped and why, and the
// revision status of every observation day.
package store

import (
	"database/sql"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}
