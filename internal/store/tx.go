package store

import "database/sql"

// dbtx is satisfied by both *sql.DB and *sql.Tx. Query helpers accept
// this interface so the same SQL can run standalone or as part of a
// larger atomic transaction.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Tx is a transaction-scoped handle exposing the same entity
// operations as Store. The Branch Manager uses this to make
// append_child and switch_branch atomic with respect to readers: all
// message flag changes and the conversation's active_message_id
// update happen in one commit, or none do.
type Tx struct {
	tx *sql.Tx
}

// Commit commits the underlying transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback aborts the underlying transaction. Safe to call after Commit.
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// BeginTx starts a new transaction-scoped handle.
func (s *Store) BeginTx() (*Tx, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}
