// Package store implements the Store interface implied by spec §6/§4.8:
// transactional SQLite-backed persistence of the transit data model.
package store

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/transitops/ingestd/errors"
	"github.com/transitops/ingestd/model"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx, so query methods are
// written once and work inside or outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is the top-level handle over the SQLite-backed transit data store.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// New constructs a Store over an already-migrated database.
func New(db *sql.DB, log *zap.SugaredLogger) *Store {
	return &Store{db: db, log: log}
}

// Tx is a transaction-scoped set of entity operations. Every IngestionTask
// draws exactly one Tx per phase (spec §9's transaction-boundary decision).
type Tx struct {
	tx  *sql.Tx
	db  dbtx
	log *zap.SugaredLogger
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}

	txn := &Tx{tx: sqlTx, db: sqlTx, log: s.log}

	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			sqlTx.Rollback()
		}
	}()

	if err = fn(txn); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

// LogApiCall persists one ApiCallLog row. Logged directly against the
// underlying database rather than inside a caller's transaction: every
// byte drawn from upstream must be accounted even if the enclosing task
// transaction later rolls back (spec §4.3 rationale).
func (s *Store) LogApiCall(ctx context.Context, entry model.ApiCallLog) (int64, error) {
	if entry.Params == "" {
		entry.Params = "{}"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO api_call_log (url, params, size, status, error, source, time)
		 VALUES (?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))`,
		entry.URL, entry.Params, entry.Size, entry.Status, entry.Error, entry.Source, nullTime(entry.Time),
	)
	if err != nil {
		return 0, errors.Wrap(err, "insert api_call_log")
	}
	return res.LastInsertId()
}

// DB exposes the underlying connection for collaborators that draw their
// own read-only queries outside a Tx, such as quota.Meter.
func (s *Store) DB() *sql.DB {
	return s.db
}

func nullTime(t interface{ IsZero() bool }) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
