// Package store persists feed connections, events and their collaborator
// records in SQLite through bun.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	appLog "teamfeed/internal/log"
	"teamfeed/internal/model"
)

// ErrNotFound is wrapped by lookups that matched no row.
var ErrNotFound = errors.New("not found")

// StoreError is a persistence failure. Op names the failed operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return &StoreError{Op: op, Err: err}
}

// Store wraps a bun.DB and the per-feed run locks.
type Store struct {
	db    *bun.DB
	locks keyedMutex
}

// Open opens (creating if needed) the SQLite database at dsn and makes sure
// the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, wrap("open", err)
	}
	// SQLite allows a single writer; one connection also keeps
	// in-memory databases shared.
	sqldb.SetMaxOpenConns(1)

	s := New(bun.NewDB(sqldb, sqlitedialect.New()))
	if err := s.CreateSchema(ctx); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	appLog.Info("store opened", "dsn", dsn)
	return s, nil
}

// New wraps an already opened bun.DB.
func New(db *bun.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *bun.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// CreateSchema creates missing tables and indexes.
func (s *Store) CreateSchema(ctx context.Context) error {
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		for _, m := range model.All() {
			if _, err := tx.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
				return err
			}
		}
		if _, err := tx.NewCreateIndex().
			Model((*model.Event)(nil)).
			Index("events_feed_connection_id_idx").
			IfNotExists().
			Column("feed_connection_id").
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewCreateIndex().
			Model((*model.EventMessage)(nil)).
			Index("event_messages_event_id_idx").
			IfNotExists().
			Column("event_id").
			Exec(ctx); err != nil {
			return err
		}
		return nil
	})
	return wrap("create schema", err)
}

// RunInTx runs fn in a transaction. Errors are returned as StoreError.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return wrap("tx", s.db.RunInTx(ctx, &sql.TxOptions{}, fn))
}

// Lock serializes runs of one feed connection inside this process. The
// returned func releases it.
func (s *Store) Lock(feedConnectionID string) (unlock func()) {
	return s.locks.lock(feedConnectionID)
}
