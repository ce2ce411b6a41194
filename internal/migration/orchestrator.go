// Copyright (c) 2025 HDOps, Inc. All rights reserved.

// Package migration drives the end-to-end run: enumerate source
// entities tier by tier, map them, write them to the target, and record
// every outcome durably. Work remaining is always derived from the
// checkpoint store, so a run killed at any point resumes without
// duplicating completed work.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hdops/ticket-migration-tool/internal/checkpoint"
	"github.com/hdops/ticket-migration-tool/internal/config"
	"github.com/hdops/ticket-migration-tool/internal/entity"
	"github.com/hdops/ticket-migration-tool/internal/ledger"
	"github.com/hdops/ticket-migration-tool/internal/mapper"
	"github.com/hdops/ticket-migration-tool/internal/ratelimit"
	"github.com/hdops/ticket-migration-tool/internal/remote"
	"github.com/hdops/ticket-migration-tool/internal/source"
	"github.com/hdops/ticket-migration-tool/internal/target"
)

// Params wires an Orchestrator together. Readers is keyed by instance
// name; instances without a reader are skipped with a warning.
type Params struct {
	Config  *config.Config
	Store   *checkpoint.Store
	Ledger  *ledger.Ledger
	Writer  target.Writer
	Readers map[string]source.Reader
	Clock   clock.Clock
	Logger  *zap.Logger
	RunID   string
}

// Orchestrator runs one migration. Instances are processed sequentially;
// inside an instance, users migrate before tickets, and units within a
// batch run concurrently up to the configured limit. Comments and
// attachments are processed inside their parent ticket's unit of work so
// their ordering guarantees hold.
type Orchestrator struct {
	cfg     *config.Config
	store   *checkpoint.Store
	led     *ledger.Ledger
	mapper  *mapper.Mapper
	writer  target.Writer
	readers map[string]source.Reader
	clk     clock.Clock
	logger  *zap.Logger
	runID   string

	dstExec *remote.Executor
	tracker *Tracker
	report  *RunReport

	// Per-instance user directory, rebuilt for each instance.
	users *userDirectory

	halted atomic.Bool
}

func New(p Params) *Orchestrator {
	clk := p.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	cfg := p.Config
	dstLim := ratelimit.PerMinute(cfg.Jira.RateLimit, clk)
	return &Orchestrator{
		cfg:     cfg,
		store:   p.Store,
		led:     p.Ledger,
		mapper:  mapper.New(cfg),
		writer:  p.Writer,
		readers: p.Readers,
		clk:     clk,
		logger:  p.Logger,
		runID:   p.RunID,
		dstExec: remote.NewExecutor("jira", dstLim, clk, cfg.MaxRetries,
			cfg.RetryBase(), cfg.RetryMax(), cfg.CallTimeout(), p.Logger),
		tracker: NewTracker(0, clk),
		report:  newRunReport(p.RunID, cfg.DryRun, clk.Now().UTC()),
	}
}

// Run executes the migration to completion, halt, or fatal error. The
// returned report is valid in every case.
func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	defer func() {
		o.report.FinishedAt = o.clk.Now().UTC()
	}()

	for _, inst := range o.cfg.ActiveInstances() {
		if _, ok := o.readers[inst.Name]; !ok {
			o.logger.Warn("No reader for configured instance, skipping",
				zap.String("instance", inst.Name))
			continue
		}
		o.report.Instances = append(o.report.Instances, inst.Name)
	}

	for _, inst := range o.cfg.ActiveInstances() {
		r, ok := o.readers[inst.Name]
		if !ok {
			continue
		}
		if err := o.migrateInstance(ctx, inst, r); err != nil {
			return o.report, err
		}
		if o.halted.Load() {
			o.logger.Warn("Run halted after failure",
				zap.String("instance", inst.Name))
			break
		}
	}
	return o.report, nil
}

func (o *Orchestrator) migrateInstance(ctx context.Context, inst config.InstanceConfig, r source.Reader) error {
	o.logger.Info("Migrating instance",
		zap.String("instance", inst.Name),
		zap.Bool("dry_run", o.cfg.DryRun))

	// The directory reads the store even in dry-run mode so users
	// migrated by earlier runs still resolve; reads never mutate rows.
	o.users = &userDirectory{
		store:    o.store,
		instance: inst.Name,
		ids:      make(map[int64]string),
	}

	srcLim := ratelimit.PerMinute(inst.RateLimit, o.clk)
	srcExec := remote.NewExecutor("freshdesk/"+inst.Name, srcLim, o.clk, o.cfg.MaxRetries,
		o.cfg.RetryBase(), o.cfg.RetryMax(), o.cfg.CallTimeout(), o.logger)

	if err := o.migrateUsers(ctx, inst, r, srcExec); err != nil {
		return err
	}
	if o.halted.Load() {
		return nil
	}
	return o.migrateTickets(ctx, inst, r, srcExec)
}

// migrateUsers drives tier 0. Leftovers from an interrupted run are
// re-driven first, which closes out units whose source entity is gone
// before enumeration starts.
func (o *Orchestrator) migrateUsers(ctx context.Context, inst config.InstanceConfig, r source.Reader, exec *remote.Executor) error {
	if !o.cfg.DryRun {
		if _, err := o.redriveUsers(ctx, inst, r, exec); err != nil {
			return err
		}
	}

	// Enumeration always starts from the beginning: a worker that died
	// before claiming its unit leaves no row behind, so no durable floor
	// can tell a finished prefix from one with such a gap. Terminal
	// units cost one local state read each and are skipped in begin.
	var floor int64
	for {
		var batch []entity.User
		err := exec.Do(ctx, "list users", func(c context.Context) error {
			var e error
			batch, e = r.ListUsers(c, floor, o.cfg.BatchSize)
			return e
		})
		if err != nil {
			return fmt.Errorf("enumerating users for %s: %w", inst.Name, err)
		}
		if len(batch) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.MaxConcurrent)
		for i := range batch {
			u := batch[i]
			g.Go(func() error {
				return o.processUser(gctx, inst, u)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		floor = batch[len(batch)-1].ID
		if o.halted.Load() {
			return nil
		}
	}

	if !o.cfg.DryRun {
		for pass := 0; pass < o.cfg.MaxUnitRetries; pass++ {
			n, err := o.redriveUsers(ctx, inst, r, exec)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
		}
		return o.finalizeStragglers(ctx, inst.Name, entity.KindUser)
	}
	return nil
}

// migrateTickets drives tier 1 and, inside each ticket's unit of work,
// tiers 2 and 3.
func (o *Orchestrator) migrateTickets(ctx context.Context, inst config.InstanceConfig, r source.Reader, exec *remote.Executor) error {
	var total int
	if err := exec.Do(ctx, "count tickets", func(c context.Context) error {
		var e error
		total, e = r.CountTickets(c)
		return e
	}); err != nil {
		o.logger.Warn("Ticket count unavailable, ETA disabled",
			zap.String("instance", inst.Name),
			zap.Error(err))
	} else {
		o.tracker.AddTotal(total)
	}

	if !o.cfg.DryRun {
		if _, err := o.redriveTickets(ctx, inst, r, exec); err != nil {
			return err
		}
	}

	// Full re-enumeration, same as the user tier; see migrateUsers.
	var floor int64
	for {
		var batch []entity.Ticket
		err := exec.Do(ctx, "list tickets", func(c context.Context) error {
			var e error
			batch, e = r.ListTickets(c, floor, o.cfg.BatchSize)
			return e
		})
		if err != nil {
			return fmt.Errorf("enumerating tickets for %s: %w", inst.Name, err)
		}
		if len(batch) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.MaxConcurrent)
		for i := range batch {
			t := batch[i]
			g.Go(func() error {
				return o.processTicket(gctx, inst, t.ID, r, exec)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		floor = batch[len(batch)-1].ID
		o.logger.Info("Progress",
			zap.String("instance", inst.Name),
			zap.String("status", o.tracker.Status()))
		if o.halted.Load() {
			return nil
		}
	}

	if !o.cfg.DryRun {
		for pass := 0; pass < o.cfg.MaxUnitRetries; pass++ {
			n, err := o.redriveTickets(ctx, inst, r, exec)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
		}
		return o.finalizeStragglers(ctx, inst.Name, entity.KindTicket)
	}
	return nil
}

// redriveUsers retries non-terminal user units left by earlier batches
// or an interrupted run. Enumeration never revisits a source entity
// that vanished, so users absent from the roster are closed out here as
// permanent failures.
func (o *Orchestrator) redriveUsers(ctx context.Context, inst config.InstanceConfig, r source.Reader, exec *remote.Executor) (int, error) {
	recs, err := o.store.ListIncomplete(ctx, inst.Name, entity.KindUser)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		var got []entity.User
		err := exec.Do(ctx, "fetch user", func(c context.Context) error {
			var e error
			got, e = r.ListUsers(c, rec.Unit.SourceID-1, 1)
			return e
		})
		if err != nil {
			if isFatal(ctx, err) {
				return 0, err
			}
			continue
		}
		if len(got) == 0 || got[0].ID != rec.Unit.SourceID {
			if err := o.closeMissing(ctx, rec); err != nil {
				return 0, err
			}
			continue
		}
		if err := o.processUser(ctx, inst, got[0]); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

func (o *Orchestrator) redriveTickets(ctx context.Context, inst config.InstanceConfig, r source.Reader, exec *remote.Executor) (int, error) {
	recs, err := o.store.ListIncomplete(ctx, inst.Name, entity.KindTicket)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if err := o.processTicket(ctx, inst, rec.Unit.SourceID, r, exec); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

// closeMissing marks a unit whose source entity no longer exists.
func (o *Orchestrator) closeMissing(ctx context.Context, rec checkpoint.Record) error {
	err := o.store.Transition(ctx, rec.Unit, rec.State, checkpoint.StateFailedPermanent,
		checkpoint.Change{LastError: "source entity no longer exists"})
	var conflict *checkpoint.ConflictError
	if errors.As(err, &conflict) {
		return nil
	}
	if err != nil {
		return err
	}
	o.appendLedger(rec.Unit, ledger.ActionFailed, "", "", "source entity no longer exists")
	o.report.addFailure(rec.Unit, errors.New("source entity no longer exists"))
	return nil
}

// finalizeStragglers classifies units still incomplete after the retry
// passes: units over their retry budget fail permanently, the rest stay
// transient and are picked up by the next run.
func (o *Orchestrator) finalizeStragglers(ctx context.Context, instance string, kind entity.Kind) error {
	recs, err := o.store.ListIncomplete(ctx, instance, kind)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.AttemptCount <= o.cfg.MaxUnitRetries {
			o.report.addIncomplete()
			continue
		}
		reason := "retry budget exhausted"
		if rec.LastError != "" {
			reason += ": " + rec.LastError
		}
		err := o.store.Transition(ctx, rec.Unit, rec.State, checkpoint.StateFailedPermanent,
			checkpoint.Change{LastError: reason})
		var conflict *checkpoint.ConflictError
		if errors.As(err, &conflict) {
			continue
		}
		if err != nil {
			return err
		}
		o.appendLedger(rec.Unit, ledger.ActionFailed, "", "", reason)
		o.report.addFailure(rec.Unit, errors.New(reason))
		o.noteFailure()
	}
	return nil
}

func (o *Orchestrator) processUser(ctx context.Context, inst config.InstanceConfig, u entity.User) error {
	unit := entity.NewUnitID(inst.Name, entity.KindUser, u.ID)
	proceed, err := o.begin(ctx, unit)
	if err != nil || !proceed {
		return err
	}
	o.report.addAttempt()

	payload, err := o.mapper.MapUser(&u)
	if err != nil {
		return o.fail(ctx, unit, err)
	}
	var res target.WriteResult
	err = o.dstExec.Do(ctx, "create user "+unit.String(), func(c context.Context) error {
		var e error
		res, e = o.writer.CreateUser(c, unit, *payload)
		return e
	})
	if err != nil {
		if isFatal(ctx, err) {
			o.interrupt(unit)
			return err
		}
		return o.fail(ctx, unit, err)
	}
	o.users.add(u.ID, res.TargetID)
	return o.succeed(ctx, unit, res, "")
}

// processTicket migrates one ticket and everything inside it: the issue,
// its comments in source order, then its attachments. The ticket unit
// reaches Succeeded only once every sub-unit is terminal, so a resumed
// run re-enters the ticket and finishes the stragglers; the marker-based
// existence checks make the re-entry writes no-ops.
func (o *Orchestrator) processTicket(ctx context.Context, inst config.InstanceConfig, ticketID int64, r source.Reader, exec *remote.Executor) error {
	unit := entity.NewUnitID(inst.Name, entity.KindTicket, ticketID)
	proceed, err := o.begin(ctx, unit)
	if err != nil || !proceed {
		return err
	}
	o.report.addAttempt()
	defer o.tracker.Done(1)

	var full *entity.Ticket
	err = exec.Do(ctx, "get ticket "+unit.String(), func(c context.Context) error {
		var e error
		full, e = r.GetTicket(c, ticketID)
		return e
	})
	if err == nil {
		err = exec.Do(ctx, "list conversations "+unit.String(), func(c context.Context) error {
			var e error
			full.Comments, e = r.Conversations(c, ticketID)
			return e
		})
	}
	if err != nil {
		if isFatal(ctx, err) {
			o.interrupt(unit)
			return err
		}
		return o.fail(ctx, unit, err)
	}

	payload, notes, err := o.mapTicketResolving(ctx, inst, full, unit)
	if err != nil {
		var unresolved *mapper.UnresolvedUserError
		if errors.As(err, &unresolved) && o.cfg.MissingUserPolicy == config.MissingUserSkip {
			return o.skipUnit(ctx, unit, fmt.Sprintf("unresolved user %d (%s)", unresolved.UserID, unresolved.Field))
		}
		if isFatal(ctx, err) {
			o.interrupt(unit)
			return err
		}
		return o.fail(ctx, unit, err)
	}
	for _, n := range notes {
		o.appendLedger(unit, ledger.ActionDefaulted, "", "rule",
			fmt.Sprintf("%s=%s: %s", n.Field, n.Value, n.Detail))
	}

	var res target.WriteResult
	err = o.dstExec.Do(ctx, "create issue "+unit.String(), func(c context.Context) error {
		var e error
		res, e = o.writer.CreateIssue(c, unit, *payload)
		return e
	})
	if err != nil {
		if isFatal(ctx, err) {
			o.interrupt(unit)
			return err
		}
		return o.fail(ctx, unit, err)
	}
	issueKey := res.TargetID

	allTerminal := true
	for i := range full.Comments {
		terminal, err := o.processComment(ctx, inst, issueKey, &full.Comments[i])
		if err != nil {
			o.interrupt(unit)
			return err
		}
		allTerminal = allTerminal && terminal
	}

	attachments := append([]entity.Attachment{}, full.Attachments...)
	for _, c := range full.Comments {
		attachments = append(attachments, c.Attachments...)
	}
	for _, a := range attachments {
		terminal, err := o.processAttachment(ctx, inst, issueKey, a, r, exec)
		if err != nil {
			o.interrupt(unit)
			return err
		}
		allTerminal = allTerminal && terminal
	}

	if payload.TargetStatus != "" {
		err := o.dstExec.Do(ctx, "transition issue "+issueKey, func(c context.Context) error {
			return o.writer.TransitionIssue(c, issueKey, payload.TargetStatus)
		})
		if err != nil {
			if isFatal(ctx, err) {
				o.interrupt(unit)
				return err
			}
			// Workflow gaps are audited, not fatal to the unit.
			o.logger.Warn("Status transition failed",
				zap.String("unit", unit.String()),
				zap.String("issue", issueKey),
				zap.String("status", payload.TargetStatus),
				zap.Error(err))
		}
	}

	if !allTerminal {
		if o.cfg.DryRun {
			return nil
		}
		err := o.store.Transition(ctx, unit, checkpoint.StateInProgress,
			checkpoint.StateFailedTransient, checkpoint.Change{
				TargetID:  issueKey,
				LastError: "incomplete sub-units",
			})
		var conflict *checkpoint.ConflictError
		if errors.As(err, &conflict) {
			return nil
		}
		return err
	}
	return o.succeed(ctx, unit, res, "")
}

// mapTicketResolving maps a ticket, creating a placeholder account on
// demand when the policy asks for it.
func (o *Orchestrator) mapTicketResolving(ctx context.Context, inst config.InstanceConfig, t *entity.Ticket, unit entity.UnitID) (*mapper.IssuePayload, []mapper.Note, error) {
	payload, notes, err := o.mapper.MapTicket(t, unit, o.users)
	var unresolved *mapper.UnresolvedUserError
	if errors.As(err, &unresolved) && o.cfg.MissingUserPolicy == config.MissingUserCreate {
		if cerr := o.createPlaceholderUser(ctx, inst, unresolved.UserID); cerr != nil {
			return nil, nil, cerr
		}
		payload, notes, err = o.mapper.MapTicket(t, unit, o.users)
	}
	return payload, notes, err
}

func (o *Orchestrator) processComment(ctx context.Context, inst config.InstanceConfig, issueKey string, c *entity.Comment) (bool, error) {
	unit := entity.NewUnitID(inst.Name, entity.KindComment, c.ID)
	proceed, err := o.begin(ctx, unit)
	if err != nil {
		return false, err
	}
	if !proceed {
		// Terminal from a prior run or pass.
		return true, nil
	}
	o.report.addAttempt()

	payload, notes, err := o.mapper.MapComment(c, o.users)
	var unresolved *mapper.UnresolvedUserError
	if errors.As(err, &unresolved) {
		switch o.cfg.MissingUserPolicy {
		case config.MissingUserSkip:
			return true, o.skipUnit(ctx, unit, fmt.Sprintf("unresolved user %d (%s)", unresolved.UserID, unresolved.Field))
		case config.MissingUserCreate:
			if cerr := o.createPlaceholderUser(ctx, inst, unresolved.UserID); cerr != nil {
				return false, cerr
			}
			payload, notes, err = o.mapper.MapComment(c, o.users)
		}
	}
	if err != nil {
		if isFatal(ctx, err) {
			return false, err
		}
		return true, o.fail(ctx, unit, err)
	}
	for _, n := range notes {
		o.appendLedger(unit, ledger.ActionDefaulted, "", "rule",
			fmt.Sprintf("%s=%s: %s", n.Field, n.Value, n.Detail))
	}

	var res target.WriteResult
	err = o.dstExec.Do(ctx, "add comment "+unit.String(), func(c2 context.Context) error {
		var e error
		res, e = o.writer.AddComment(c2, issueKey, unit, *payload)
		return e
	})
	if err != nil {
		if isFatal(ctx, err) {
			o.interrupt(unit)
			return false, err
		}
		if ferr := o.fail(ctx, unit, err); ferr != nil {
			return false, ferr
		}
		return classify(err) == checkpoint.StateFailedPermanent, nil
	}
	return true, o.succeed(ctx, unit, res, "")
}

func (o *Orchestrator) processAttachment(ctx context.Context, inst config.InstanceConfig, issueKey string, a entity.Attachment, r source.Reader, exec *remote.Executor) (bool, error) {
	unit := entity.NewUnitID(inst.Name, entity.KindAttachment, a.ID)

	plan := o.mapper.PlanAttachment(a)
	if plan.Skip {
		// Config-driven skips are deterministic, so they carry no
		// checkpoint row; the ledger records the decision.
		o.appendLedger(unit, ledger.ActionSkipped, "", "rule", plan.SkipReason)
		o.report.addSkip()
		return true, nil
	}

	proceed, err := o.begin(ctx, unit)
	if err != nil {
		return false, err
	}
	if !proceed {
		return true, nil
	}
	o.report.addAttempt()

	if o.cfg.DryRun {
		o.appendLedger(unit, ledger.ActionDryRun, "DRY-"+unit.MarkerLabel(), "", a.Name)
		o.report.addSuccess(false)
		return true, nil
	}

	var data []byte
	err = exec.Do(ctx, "download attachment "+unit.String(), func(c context.Context) error {
		var e error
		data, e = r.DownloadAttachment(c, a.URL)
		return e
	})
	if err != nil {
		if isFatal(ctx, err) {
			o.interrupt(unit)
			return false, err
		}
		if ferr := o.fail(ctx, unit, err); ferr != nil {
			return false, ferr
		}
		return classify(err) == checkpoint.StateFailedPermanent, nil
	}

	var res target.WriteResult
	err = o.dstExec.Do(ctx, "upload attachment "+unit.String(), func(c context.Context) error {
		var e error
		res, e = o.writer.UploadAttachment(c, issueKey, unit, a.Name, a.ContentType, data)
		return e
	})
	if err != nil {
		if isFatal(ctx, err) {
			o.interrupt(unit)
			return false, err
		}
		if ferr := o.fail(ctx, unit, err); ferr != nil {
			return false, ferr
		}
		return classify(err) == checkpoint.StateFailedPermanent, nil
	}
	return true, o.succeed(ctx, unit, res, "")
}

// createPlaceholderUser creates a stand-in account for a user reference
// that no longer resolves on the source side.
func (o *Orchestrator) createPlaceholderUser(ctx context.Context, inst config.InstanceConfig, userID int64) error {
	if _, ok := o.users.TargetAccountID(userID); ok {
		return nil
	}
	unit := entity.NewUnitID(inst.Name, entity.KindUser, userID)

	if o.cfg.DryRun {
		id := "DRY-" + unit.MarkerLabel()
		o.users.add(userID, id)
		o.appendLedger(unit, ledger.ActionDryRun, id, "system", "placeholder for missing source user")
		return nil
	}

	proceed, err := o.begin(ctx, unit)
	if err != nil {
		return err
	}
	if !proceed {
		if _, ok := o.users.TargetAccountID(userID); ok {
			return nil
		}
		return fmt.Errorf("user %d is terminally failed and cannot be resolved", userID)
	}

	payload := mapper.UserPayload{
		Email:       fmt.Sprintf("fd-%s-user-%d@placeholder.invalid", inst.Name, userID),
		DisplayName: fmt.Sprintf("Freshdesk user %d", userID),
	}
	var res target.WriteResult
	err = o.dstExec.Do(ctx, "create placeholder user "+unit.String(), func(c context.Context) error {
		var e error
		res, e = o.writer.CreateUser(c, unit, payload)
		return e
	})
	if err != nil {
		if isFatal(ctx, err) {
			o.interrupt(unit)
			return err
		}
		if ferr := o.fail(ctx, unit, err); ferr != nil {
			return ferr
		}
		return err
	}
	o.users.add(userID, res.TargetID)
	return o.succeed(ctx, unit, res, "placeholder for missing source user")
}

// begin claims a unit for processing. It returns false when the unit is
// already terminal or another worker holds it. In dry-run mode nothing
// is written; previously succeeded units are still skipped so the dry
// run reports what a real run would actually do.
func (o *Orchestrator) begin(ctx context.Context, unit entity.UnitID) (bool, error) {
	st, err := o.store.State(ctx, unit)
	if err != nil {
		return false, err
	}
	if st.Terminal() {
		if o.cfg.DryRun && st == checkpoint.StateSucceeded {
			o.appendLedger(unit, ledger.ActionDryRun, "", "", "already migrated")
		}
		return false, nil
	}
	if o.cfg.DryRun {
		return true, nil
	}
	err = o.store.Transition(ctx, unit, st, checkpoint.StateInProgress, checkpoint.Change{})
	var conflict *checkpoint.ConflictError
	if errors.As(err, &conflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (o *Orchestrator) succeed(ctx context.Context, unit entity.UnitID, res target.WriteResult, detail string) error {
	if o.cfg.DryRun {
		o.appendLedger(unit, ledger.ActionDryRun, res.TargetID, "", detail)
		o.report.addSuccess(res.AlreadyExists)
		return nil
	}
	err := o.store.Transition(ctx, unit, checkpoint.StateInProgress,
		checkpoint.StateSucceeded, checkpoint.Change{TargetID: res.TargetID})
	var conflict *checkpoint.ConflictError
	if errors.As(err, &conflict) {
		return nil
	}
	if err != nil {
		return err
	}
	action := ledger.ActionMigrated
	if res.AlreadyExists {
		action = ledger.ActionAlreadyPresent
	}
	o.appendLedger(unit, action, res.TargetID, "", detail)
	o.report.addSuccess(res.AlreadyExists)
	return nil
}

// fail records a unit failure. Transient failures stay re-drivable;
// permanent ones are final, hit the ledger, and may halt the run.
func (o *Orchestrator) fail(ctx context.Context, unit entity.UnitID, cause error) error {
	state := classify(cause)
	o.logger.Warn("Unit failed",
		zap.String("unit", unit.String()),
		zap.String("state", string(state)),
		zap.Error(cause))

	if o.cfg.DryRun {
		if state == checkpoint.StateFailedPermanent {
			o.appendLedger(unit, ledger.ActionFailed, "", "", cause.Error())
			o.report.addFailure(unit, cause)
			o.noteFailure()
		}
		return nil
	}

	err := o.store.Transition(ctx, unit, checkpoint.StateInProgress, state,
		checkpoint.Change{LastError: cause.Error()})
	var conflict *checkpoint.ConflictError
	if errors.As(err, &conflict) {
		return nil
	}
	if err != nil {
		return err
	}
	if state == checkpoint.StateFailedPermanent {
		o.appendLedger(unit, ledger.ActionFailed, "", "", cause.Error())
		o.report.addFailure(unit, cause)
		o.noteFailure()
	}
	return nil
}

// skipUnit closes a unit that policy excludes from migration. The unit
// is terminal with no target so later runs do not revisit it.
func (o *Orchestrator) skipUnit(ctx context.Context, unit entity.UnitID, reason string) error {
	o.report.addSkip()
	o.appendLedger(unit, ledger.ActionSkipped, "", "policy", reason)
	if o.cfg.DryRun {
		return nil
	}
	err := o.store.Transition(ctx, unit, checkpoint.StateInProgress,
		checkpoint.StateSucceeded, checkpoint.Change{})
	var conflict *checkpoint.ConflictError
	if errors.As(err, &conflict) {
		return nil
	}
	return err
}

// interrupt marks a unit transient when a fatal condition aborts its
// processing mid-flight, so the next run re-drives it. Best effort with
// a fresh context because the run context is usually already canceled.
func (o *Orchestrator) interrupt(unit entity.UnitID) {
	if o.cfg.DryRun {
		return
	}
	err := o.store.Transition(context.Background(), unit, checkpoint.StateInProgress,
		checkpoint.StateFailedTransient, checkpoint.Change{LastError: "interrupted"})
	var conflict *checkpoint.ConflictError
	if err != nil && !errors.As(err, &conflict) {
		o.logger.Warn("Could not mark interrupted unit",
			zap.String("unit", unit.String()),
			zap.Error(err))
	}
}

func (o *Orchestrator) noteFailure() {
	if !o.cfg.ContinueOnError {
		o.halted.Store(true)
	}
}

func (o *Orchestrator) appendLedger(unit entity.UnitID, action, targetID, actor, detail string) {
	if err := o.led.Append(unit, action, targetID, actor, detail); err != nil {
		o.logger.Error("Ledger write failed",
			zap.String("unit", unit.String()),
			zap.Error(err))
	}
}

// classify maps a processing error to the failure state it deserves. An
// exhausted retry chain stays transient: the underlying condition was
// retryable, and a later run may find it gone.
func classify(err error) checkpoint.State {
	var exhausted *remote.PermanentError
	if errors.As(err, &exhausted) {
		return checkpoint.StateFailedTransient
	}
	if remote.IsTransient(err) {
		return checkpoint.StateFailedTransient
	}
	return checkpoint.StateFailedPermanent
}

// isFatal reports whether err must abort the whole run rather than fail
// one unit: a checkpoint durability problem or run cancellation.
func isFatal(ctx context.Context, err error) bool {
	var durability *checkpoint.DurabilityError
	if errors.As(err, &durability) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return ctx.Err() != nil
}
