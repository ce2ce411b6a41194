// Copyright (c) 2025 HDOps, Inc. All rights reserved.

package migration

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hdops/ticket-migration-tool/internal/entity"
)

// Keep the failure sample small; full detail lives in the ledger.
const maxSampledFailures = 20

// UnitFailure is one sampled permanent failure for the report.
type UnitFailure struct {
	Unit  string `json:"unit"`
	Error string `json:"error"`
}

// RunReport is the end-of-run summary, written to disk alongside the
// ledger and optionally archived.
type RunReport struct {
	RunID      string    `json:"run_id"`
	DryRun     bool      `json:"dry_run"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Instances  []string  `json:"instances"`

	Attempted      int `json:"attempted"`
	Succeeded      int `json:"succeeded"`
	AlreadyPresent int `json:"already_present"`
	Skipped        int `json:"skipped"`
	Failed         int `json:"failed"`
	Incomplete     int `json:"incomplete"`

	FailedByKind    map[string]int `json:"failed_by_kind,omitempty"`
	SampledFailures []UnitFailure  `json:"sampled_failures,omitempty"`

	mu sync.Mutex
}

func newRunReport(runID string, dryRun bool, startedAt time.Time) *RunReport {
	return &RunReport{
		RunID:        runID,
		DryRun:       dryRun,
		StartedAt:    startedAt,
		FailedByKind: make(map[string]int),
	}
}

func (r *RunReport) addAttempt() {
	r.mu.Lock()
	r.Attempted++
	r.mu.Unlock()
}

func (r *RunReport) addSuccess(alreadyPresent bool) {
	r.mu.Lock()
	r.Succeeded++
	if alreadyPresent {
		r.AlreadyPresent++
	}
	r.mu.Unlock()
}

func (r *RunReport) addSkip() {
	r.mu.Lock()
	r.Skipped++
	r.mu.Unlock()
}

func (r *RunReport) addFailure(unit entity.UnitID, err error) {
	r.mu.Lock()
	r.Failed++
	r.FailedByKind[string(unit.Kind)]++
	if len(r.SampledFailures) < maxSampledFailures {
		r.SampledFailures = append(r.SampledFailures, UnitFailure{
			Unit:  unit.String(),
			Error: err.Error(),
		})
	}
	r.mu.Unlock()
}

func (r *RunReport) addIncomplete() {
	r.mu.Lock()
	r.Incomplete++
	r.mu.Unlock()
}

// Duration returns the wall time of the run.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// WriteFile writes the report as JSON and returns the written path.
func (r *RunReport) WriteFile(dir string) (string, error) {
	r.mu.Lock()
	data, err := json.MarshalIndent(r, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}
	path := fmt.Sprintf("%s/report-%s.json", strings.TrimSuffix(dir, "/"), r.RunID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	return path, nil
}

// Summary renders the human-readable end-of-run block.
func (r *RunReport) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	mode := "migration"
	if r.DryRun {
		mode = "dry run"
	}
	fmt.Fprintf(&b, "=== Ticket %s summary ===\n", mode)
	fmt.Fprintf(&b, "Run ID:          %s\n", r.RunID)
	fmt.Fprintf(&b, "Instances:       %s\n", strings.Join(r.Instances, ", "))
	fmt.Fprintf(&b, "Duration:        %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	fmt.Fprintf(&b, "Attempted:       %d\n", r.Attempted)
	fmt.Fprintf(&b, "Succeeded:       %d (%d already present)\n", r.Succeeded, r.AlreadyPresent)
	fmt.Fprintf(&b, "Skipped:         %d\n", r.Skipped)
	fmt.Fprintf(&b, "Failed:          %d\n", r.Failed)
	if r.Incomplete > 0 {
		fmt.Fprintf(&b, "Incomplete:      %d (will be retried on next run)\n", r.Incomplete)
	}
	if len(r.FailedByKind) > 0 {
		kinds := make([]string, 0, len(r.FailedByKind))
		for k := range r.FailedByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(&b, "  failed %-12s %d\n", k+":", r.FailedByKind[k])
		}
	}
	for _, f := range r.SampledFailures {
		fmt.Fprintf(&b, "  %s: %s\n", f.Unit, f.Error)
	}
	return b.String()
}
