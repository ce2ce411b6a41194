// Copyright (c) 2025 HDOps, Inc. All rights reserved.

package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hdops/ticket-migration-tool/internal/entity"
)

const (
	dbPoolSize = 10
	dbConnLife = 30 * time.Minute
	dbTimeout  = 5 * time.Second
)

// State is the lifecycle state of a MigrationUnit. A unit never observed
// by any run has no row; absence means Pending.
type State string

const (
	StatePending         State = "pending"
	StateInProgress      State = "in_progress"
	StateSucceeded       State = "succeeded"
	StateFailedPermanent State = "failed_permanent"
	StateFailedTransient State = "failed_transient"
)

// Terminal reports whether the state ends the unit's lifecycle.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailedPermanent
}

// ConflictError is returned when a transition's expected state does not
// match the stored one. Two workers racing on one unit must never happen
// by design; this is the defensive check.
type ConflictError struct {
	Unit entity.UnitID
	Want State
	Have State
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("checkpoint conflict on %s: expected %s, found %s", e.Unit, e.Want, e.Have)
}

// DurabilityError is fatal: the run cannot safely continue if it cannot
// reliably record progress.
type DurabilityError struct {
	Op  string
	Err error
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("checkpoint store %s failed: %v", e.Op, e.Err)
}

func (e *DurabilityError) Unwrap() error { return e.Err }

// Record is one durable checkpoint row.
type Record struct {
	Unit         entity.UnitID
	State        State
	TargetID     string
	AttemptCount int
	LastError    string
	UpdatedAt    time.Time
}

// Change carries the optional context of a transition.
type Change struct {
	TargetID  string
	LastError string
}

// Store is the durable record of per-unit migration progress. It is the
// single source of truth for resume: "work remaining" is always derived
// from here, never from in-memory batch progress. Safe for concurrent
// use; every transition is optimistic on the expected current state.
type Store struct {
	db      *sql.DB
	driver  string
	timeout time.Duration
}

// Open opens (and migrates) a checkpoint database. driver is "sqlite3"
// or "mysql"; dsn is the file path or MySQL DSN respectively. The sqlite
// backend runs WAL with synchronous=FULL so a transition reported as
// committed survives a crash.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite3":
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", dsn)
	case "mysql":
		// DSN is used as provided; parseTime keeps scanning portable.
		if dsn == "" {
			return nil, fmt.Errorf("mysql checkpoint DSN is required")
		}
	default:
		return nil, fmt.Errorf("unsupported checkpoint driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	db.SetConnMaxLifetime(dbConnLife)
	db.SetMaxOpenConns(dbPoolSize)
	db.SetMaxIdleConns(dbPoolSize)
	if driver == "sqlite3" {
		// SQLite writes serialize anyway; a single connection avoids
		// SQLITE_BUSY under the worker pool.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, driver: driver, timeout: dbTimeout}
	ctx, cancel := s.context()
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping checkpoint database: %w", err)
	}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

func (s *Store) ensureSchema() error {
	var ddl string
	switch s.driver {
	case "mysql":
		ddl = `CREATE TABLE IF NOT EXISTS checkpoints (
			unit_id VARCHAR(191) PRIMARY KEY,
			instance VARCHAR(128) NOT NULL,
			kind VARCHAR(16) NOT NULL,
			source_id BIGINT NOT NULL,
			state VARCHAR(24) NOT NULL,
			target_id VARCHAR(128),
			attempt_count INT NOT NULL DEFAULT 0,
			last_error TEXT,
			updated_at VARCHAR(40) NOT NULL,
			INDEX idx_checkpoints_scope (instance, kind, state, source_id)
		)`
	default:
		ddl = `CREATE TABLE IF NOT EXISTS checkpoints (
			unit_id TEXT PRIMARY KEY,
			instance TEXT NOT NULL,
			kind TEXT NOT NULL,
			source_id INTEGER NOT NULL,
			state TEXT NOT NULL,
			target_id TEXT,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_scope
			ON checkpoints (instance, kind, state, source_id)`
	}
	ctx, cancel := s.context()
	defer cancel()
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return &DurabilityError{Op: "schema migration", Err: err}
	}
	return nil
}

// State returns the current lifecycle state of a unit. Units without a
// row are Pending. This is the O(1) idempotent lookup that makes resume
// safe.
func (s *Store) State(ctx context.Context, unit entity.UnitID) (State, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM checkpoints WHERE unit_id = ?`, unit.String()).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return StatePending, nil
	}
	if err != nil {
		return "", fmt.Errorf("query checkpoint state for %s: %w", unit, err)
	}
	return State(state), nil
}

// Get returns the full checkpoint record for a unit, or a Pending record
// when none exists.
func (s *Store) Get(ctx context.Context, unit entity.UnitID) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state, target_id, attempt_count, last_error, updated_at
		 FROM checkpoints WHERE unit_id = ?`, unit.String())

	rec := &Record{Unit: unit}
	var targetID, lastError sql.NullString
	var updatedAt string
	err := row.Scan(&rec.State, &targetID, &rec.AttemptCount, &lastError, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		rec.State = StatePending
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint for %s: %w", unit, err)
	}
	rec.TargetID = targetID.String
	rec.LastError = lastError.String
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, nil
}

// TargetID returns the migrated target identity of a unit, valid only
// once the unit is Succeeded. Dependency resolution (assignee, reporter,
// parent issue) goes through here.
func (s *Store) TargetID(ctx context.Context, unit entity.UnitID) (string, bool, error) {
	var targetID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT target_id FROM checkpoints WHERE unit_id = ? AND state = ?`,
		unit.String(), string(StateSucceeded)).Scan(&targetID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query target id for %s: %w", unit, err)
	}
	return targetID.String, targetID.Valid && targetID.String != "", nil
}

// Transition moves a unit from one state to another, failing with a
// ConflictError if the stored state does not match. Transitions into
// InProgress increment the attempt counter. Write failures surface as
// DurabilityError because unrecorded progress is unsafe to continue on.
func (s *Store) Transition(ctx context.Context, unit entity.UnitID, from, to State, ch Change) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if from == StatePending {
		// Absence means Pending: the first transition inserts the row.
		attempts := 0
		if to == StateInProgress {
			attempts = 1
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO checkpoints
			 (unit_id, instance, kind, source_id, state, target_id, attempt_count, last_error, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			unit.String(), unit.Instance, string(unit.Kind), unit.SourceID,
			string(to), nullable(ch.TargetID), attempts, nullable(ch.LastError), now)
		if err != nil {
			// A duplicate key means the row exists in some non-Pending
			// state: a conflict, not a durability problem.
			if have, stateErr := s.State(ctx, unit); stateErr == nil && have != StatePending {
				return &ConflictError{Unit: unit, Want: from, Have: have}
			}
			return &DurabilityError{Op: "insert", Err: err}
		}
		return nil
	}

	attemptDelta := 0
	if to == StateInProgress {
		attemptDelta = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints
		 SET state = ?,
		     target_id = COALESCE(NULLIF(?, ''), target_id),
		     attempt_count = attempt_count + ?,
		     last_error = ?,
		     updated_at = ?
		 WHERE unit_id = ? AND state = ?`,
		string(to), ch.TargetID, attemptDelta, nullable(ch.LastError), now,
		unit.String(), string(from))
	if err != nil {
		return &DurabilityError{Op: "update", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &DurabilityError{Op: "update", Err: err}
	}
	if n == 0 {
		have, stateErr := s.State(ctx, unit)
		if stateErr != nil {
			return &DurabilityError{Op: "conflict check", Err: stateErr}
		}
		return &ConflictError{Unit: unit, Want: from, Have: have}
	}
	return nil
}

// ListIncomplete returns units of one instance and kind that were seen
// before but never reached a terminal state: InProgress rows left behind
// by a crash and FailedTransient rows awaiting a retry pass. Ordered by
// ascending source ID.
func (s *Store) ListIncomplete(ctx context.Context, instance string, kind entity.Kind) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT unit_id, state, target_id, attempt_count, last_error
		 FROM checkpoints
		 WHERE instance = ? AND kind = ? AND state IN (?, ?)
		 ORDER BY source_id`,
		instance, string(kind), string(StateInProgress), string(StateFailedTransient))
	if err != nil {
		return nil, fmt.Errorf("list incomplete units: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var unitID string
		var targetID, lastError sql.NullString
		if err := rows.Scan(&unitID, &rec.State, &targetID, &rec.AttemptCount, &lastError); err != nil {
			return nil, fmt.Errorf("scan incomplete unit: %w", err)
		}
		unit, err := entity.ParseUnitID(unitID)
		if err != nil {
			return nil, err
		}
		rec.Unit = unit
		rec.TargetID = targetID.String
		rec.LastError = lastError.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Counts returns per-state row counts for one instance.
func (s *Store) Counts(ctx context.Context, instance string) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM checkpoints WHERE instance = ? GROUP BY state`, instance)
	if err != nil {
		return nil, fmt.Errorf("count checkpoints: %w", err)
	}
	defer rows.Close()

	counts := map[State]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan checkpoint count: %w", err)
		}
		counts[State(state)] = n
	}
	return counts, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
