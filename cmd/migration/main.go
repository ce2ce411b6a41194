// Copyright (c) 2025 HDOps, Inc. All rights reserved.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hdops/ticket-migration-tool/internal/archive"
	"github.com/hdops/ticket-migration-tool/internal/checkpoint"
	"github.com/hdops/ticket-migration-tool/internal/config"
	"github.com/hdops/ticket-migration-tool/internal/ledger"
	hdlog "github.com/hdops/ticket-migration-tool/internal/log"
	"github.com/hdops/ticket-migration-tool/internal/migration"
	"github.com/hdops/ticket-migration-tool/internal/source"
	"github.com/hdops/ticket-migration-tool/internal/target"
	"github.com/hdops/ticket-migration-tool/internal/util"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	runID := uuid.NewString()

	// Initialize logger
	logger, err := hdlog.NewRunLogger(cfg.LogDir, runID, cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("Starting ticket migration",
		zap.String("run_id", runID),
		zap.Int("instances", len(cfg.ActiveInstances())),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Bool("continue_on_error", cfg.ContinueOnError))

	// Cancel the run on SIGINT/SIGTERM; in-flight units finish and are
	// checkpointed before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Resolve the Jira API token before any work starts.
	token, err := util.ResolveJiraToken(ctx, cfg.Jira.APIToken, cfg.Jira.APITokenSecret, cfg.Jira.SecretRegion)
	if err != nil {
		logger.Error("Failed to resolve Jira API token", zap.Error(err))
		return 1
	}

	// Durable state
	store, err := checkpoint.Open(cfg.CheckpointDriver, checkpointDSN(cfg))
	if err != nil {
		logger.Error("Failed to open checkpoint store", zap.Error(err))
		return 1
	}
	defer store.Close()

	led, err := ledger.Open(cfg.LedgerDir, runID)
	if err != nil {
		logger.Error("Failed to open reconciliation ledger", zap.Error(err))
		return 1
	}
	defer led.Close()

	// Collaborators
	readers := make(map[string]source.Reader, len(cfg.ActiveInstances()))
	for _, inst := range cfg.ActiveInstances() {
		readers[inst.Name] = source.NewFreshdesk(inst, cfg.CallTimeout(), logger)
	}
	var writer target.Writer
	if cfg.DryRun {
		writer = target.NewDryRun(logger)
	} else {
		writer = target.NewJira(cfg.Jira, token, cfg.CallTimeout(), logger)
	}

	// Preflight: fail fast on bad credentials before touching any state.
	if err := preflight(ctx, cfg, readers, writer, logger); err != nil {
		logger.Error("Preflight checks failed", zap.Error(err))
		return 1
	}

	orch := migration.New(migration.Params{
		Config:  cfg,
		Store:   store,
		Ledger:  led,
		Writer:  writer,
		Readers: readers,
		Logger:  logger,
		RunID:   runID,
	})

	report, err := orch.Run(ctx)
	if err != nil {
		logger.Error("Run aborted", zap.Error(err))
	}

	reportPath, werr := report.WriteFile(cfg.LedgerDir)
	if werr != nil {
		logger.Error("Failed to write run report", zap.Error(werr))
	} else {
		logger.Info("Run report written", zap.String("path", reportPath))
	}

	if !cfg.Quiet {
		fmt.Println()
		fmt.Print(report.Summary())
	}

	// Archive artifacts when a bucket is configured.
	if cfg.Archive.S3Bucket != "" {
		files := led.Files()
		if reportPath != "" {
			files = append(files, reportPath)
		}
		archiveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		arch, aerr := archive.NewArchiver(archiveCtx, cfg.Archive, logger)
		if aerr == nil {
			aerr = arch.ArchiveRun(archiveCtx, runID, files)
		}
		if aerr != nil {
			logger.Error("Failed to archive run artifacts", zap.Error(aerr))
		}
	}

	if err != nil {
		return 1
	}
	if report.Failed > 0 {
		return 2
	}
	return 0
}

// preflight verifies connectivity to every source instance and the
// target before any migration work starts.
func preflight(ctx context.Context, cfg *config.Config, readers map[string]source.Reader, writer target.Writer, logger *zap.Logger) error {
	for _, inst := range cfg.ActiveInstances() {
		r := readers[inst.Name]
		if err := r.CheckConnection(ctx); err != nil {
			return fmt.Errorf("source instance %s: %w", inst.Name, err)
		}
		logger.Info("Source connection verified", zap.String("instance", inst.Name))
	}
	if err := writer.CheckConnection(ctx); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	logger.Info("Target connection verified", zap.String("project", cfg.Jira.ProjectKey))
	return nil
}

func checkpointDSN(cfg *config.Config) string {
	if cfg.CheckpointDriver == "mysql" {
		return cfg.CheckpointDSN
	}
	return cfg.CheckpointPath
}
