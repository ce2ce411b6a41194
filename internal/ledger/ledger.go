// Copyright (c) 2025 HDOps, Inc. All rights reserved.

// Package ledger keeps the reconciliation trail: one append-only JSONL
// file per entity kind, written once per processed entity or attachment
// and never updated or deleted. It is independent of checkpoint state and
// safe to tail while a run is active.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hdops/ticket-migration-tool/internal/entity"
)

// Actions recorded per ledger entry.
const (
	ActionMigrated       = "migrated"
	ActionAlreadyPresent = "already_present"
	ActionSkipped        = "skipped"
	ActionFailed         = "failed"
	ActionDefaulted      = "defaulted"
	ActionDryRun         = "dry_run"
)

// Entry is one denormalized, human-auditable row.
type Entry struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"ts"`
	Instance  string    `json:"instance"`
	Kind      string    `json:"kind"`
	SourceID  int64     `json:"source_id"`
	UnitID    string    `json:"unit_id"`
	Action    string    `json:"action"`
	TargetID  string    `json:"target_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Ledger appends entries to per-kind files. Each entry is one
// json.Marshal plus one O_APPEND write under the mutex, so concurrent
// workers never interleave partial lines.
type Ledger struct {
	dir   string
	runID string

	mu    sync.Mutex
	files map[string]*os.File
}

// Open creates the ledger directory and returns a writer scoped to one
// run. Files are opened lazily per entity kind.
func Open(dir, runID string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	return &Ledger{dir: dir, runID: runID, files: map[string]*os.File{}}, nil
}

// Append writes one entry to the file of its entity kind. The run ID and
// timestamp are filled in here.
func (l *Ledger) Append(unit entity.UnitID, action, targetID, actor, detail string) error {
	e := Entry{
		RunID:     l.runID,
		Timestamp: time.Now().UTC(),
		Instance:  unit.Instance,
		Kind:      string(unit.Kind),
		SourceID:  unit.SourceID,
		UnitID:    unit.String(),
		Action:    action,
		TargetID:  targetID,
		Actor:     actor,
		Detail:    detail,
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.file(string(unit.Kind))
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append ledger entry for %s: %w", unit, err)
	}
	return nil
}

// file returns the open handle for a kind, creating it on first use.
// Caller holds the mutex.
func (l *Ledger) file(kind string) (*os.File, error) {
	if f, ok := l.files[kind]; ok {
		return f, nil
	}
	path := filepath.Join(l.dir, kind+".ledger.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger file %s: %w", path, err)
	}
	l.files[kind] = f
	return f, nil
}

// Files returns the paths of every ledger file written so far, for
// post-run archival.
func (l *Ledger) Files() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var paths []string
	for kind := range l.files {
		paths = append(paths, filepath.Join(l.dir, kind+".ledger.jsonl"))
	}
	return paths
}

// Close flushes and closes all ledger files.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for kind, f := range l.files {
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(l.files, kind)
	}
	return firstErr
}
