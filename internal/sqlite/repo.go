// Package sqlite is the durable [mynah.MemoryStore].
package sqlite

import (
	"github.com/jmoiron/sqlx"

	"github.com/jdholdren/mynah/internal/mynah"
)

// Ensure Repo implements the MemoryStore interface
var _ mynah.MemoryStore = (*Repo)(nil)

type Repo struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) Repo {
	return Repo{db: db}
}
