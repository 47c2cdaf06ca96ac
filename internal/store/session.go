package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Session is a unit of work over one connection. The transaction is
// opened by the first statement and ends on Commit or Rollback, after
// which the next statement opens a new one. A Session is not safe for
// concurrent use; workers each take their own.
type Session struct {
	db *sql.DB
	tx *sql.Tx
}

// NewSession wraps db
func NewSession(db *sql.DB) *Session {
	return &Session{db: db}
}

// InTx reports whether a transaction is open
func (s *Session) InTx() bool {
	return s.tx != nil
}

func (s *Session) begin(ctx context.Context) (*sql.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	// database/sql rolls a transaction back when its context is canceled.
	// The session decides when to roll back, so the tx outlives ctx.
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	s.tx = tx
	return tx, nil
}

// ExecContext runs a statement inside the session transaction
func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx.ExecContext(ctx, query, args...)
}

// QueryContext runs a query inside the session transaction
func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx.QueryContext(ctx, query, args...)
}

// Row is the result of QueryRowContext. It defers begin errors to Scan.
type Row struct {
	row *sql.Row
	err error
}

// Scan copies the columns of the row into dest
func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.row.Scan(dest...)
}

// QueryRowContext runs a single-row query inside the session transaction
func (s *Session) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	tx, err := s.begin(ctx)
	if err != nil {
		return &Row{err: err}
	}
	return &Row{row: tx.QueryRowContext(ctx, query, args...)}
}

// Commit commits the open transaction, if any
func (s *Session) Commit() error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback discards every write since the last commit
func (s *Session) Rollback() error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// Savepoint marks a point the session can later roll back to
func (s *Session) Savepoint(ctx context.Context, name string) error {
	if _, err := s.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	return nil
}

// RollbackTo undoes the writes made after the savepoint was set.
// It runs even when ctx is already canceled.
func (s *Session) RollbackTo(ctx context.Context, name string) error {
	if s.tx == nil {
		return nil
	}
	if _, err := s.tx.ExecContext(context.WithoutCancel(ctx), "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return fmt.Errorf("rollback to savepoint %s: %w", name, err)
	}
	return nil
}

// Release forgets the savepoint and keeps its writes in the transaction
func (s *Session) Release(ctx context.Context, name string) error {
	if s.tx == nil {
		return nil
	}
	if _, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}

// Close rolls back whatever the session left uncommitted
func (s *Session) Close() error {
	return s.Rollback()
}
