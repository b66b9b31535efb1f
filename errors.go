package jemdb

import (
	"errors"
	"fmt"

	"github.com/jemdb/jemdb/flock"
	"github.com/jemdb/jemdb/lockqueue"
	"github.com/jemdb/jemdb/table"
)

var (
	// ErrDatabaseClosed is returned from calls on a closed database.
	ErrDatabaseClosed = errors.New("database closed")
	// ErrDatabaseLocked is returned when another live process holds the
	// database directory.
	ErrDatabaseLocked = errors.New("database locked")
	// ErrTableAlreadyExists is returned by CreateTable for a taken name.
	ErrTableAlreadyExists = errors.New("table already exists")
	// ErrTableNotFound is returned when a table exists neither in the
	// open map nor on disk.
	ErrTableNotFound = errors.New("table not found")
	// ErrTableNotOpen is returned when an operation targets a table that
	// exists on disk but has not been opened.
	ErrTableNotOpen = errors.New("table not open")
	// ErrTableCorrupted is returned for tables in the sticky error state.
	ErrTableCorrupted = errors.New("table corrupted")
	// ErrMissingParameter is returned for caller misuse.
	ErrMissingParameter = errors.New("missing parameter")
	// ErrLockQueueOverflow is returned when a bounded lock queue rejects
	// a waiter.
	ErrLockQueueOverflow = errors.New("lock queue overflow")
	// ErrUniqueConstraintUnsupported is returned for unique index specs
	// on sharded tables.
	ErrUniqueConstraintUnsupported = errors.New("unique constraint unsupported")
)

// translateError folds component errors into the database error taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, flock.ErrLocked) {
		return fmt.Errorf("%w: %w", ErrDatabaseLocked, err)
	}
	if errors.Is(err, lockqueue.ErrOverflow) {
		return fmt.Errorf("%w: %w", ErrLockQueueOverflow, err)
	}
	if errors.Is(err, table.ErrCorrupted) {
		return fmt.Errorf("%w: %w", ErrTableCorrupted, err)
	}
	if errors.Is(err, table.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrTableNotOpen, err)
	}
	if errors.Is(err, table.ErrUniqueUnsupported) {
		return fmt.Errorf("%w: %w", ErrUniqueConstraintUnsupported, err)
	}

	return err
}
