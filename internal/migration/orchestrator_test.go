// Copyright (c) 2025 HDOps, Inc. All rights reserved.

package migration

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/hdops/ticket-migration-tool/internal/checkpoint"
	"github.com/hdops/ticket-migration-tool/internal/config"
	"github.com/hdops/ticket-migration-tool/internal/entity"
	"github.com/hdops/ticket-migration-tool/internal/ledger"
	"github.com/hdops/ticket-migration-tool/internal/mapper"
	"github.com/hdops/ticket-migration-tool/internal/remote"
	"github.com/hdops/ticket-migration-tool/internal/source"
	"github.com/hdops/ticket-migration-tool/internal/target"
)

// fakeReader serves a fixed in-memory instance. Enumeration honors the
// same strictly-above-afterID contract as the HTTP reader.
type fakeReader struct {
	name     string
	users    []entity.User   // ascending ID
	tickets  []entity.Ticket // ascending ID, no comments attached
	comments map[int64][]entity.Comment
	files    map[string][]byte
}

func (f *fakeReader) Instance() string { return f.name }

func (f *fakeReader) CheckConnection(ctx context.Context) error { return nil }

func (f *fakeReader) CountTickets(ctx context.Context) (int, error) {
	return len(f.tickets), nil
}

func (f *fakeReader) ListUsers(ctx context.Context, afterID int64, limit int) ([]entity.User, error) {
	var out []entity.User
	for _, u := range f.users {
		if u.ID <= afterID {
			continue
		}
		out = append(out, u)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeReader) ListTickets(ctx context.Context, afterID int64, limit int) ([]entity.Ticket, error) {
	var out []entity.Ticket
	for _, t := range f.tickets {
		if t.ID <= afterID {
			continue
		}
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeReader) GetTicket(ctx context.Context, id int64) (*entity.Ticket, error) {
	for _, t := range f.tickets {
		if t.ID == id {
			cp := t
			return &cp, nil
		}
	}
	return nil, &remote.APIError{Op: "get ticket", StatusCode: 404}
}

func (f *fakeReader) Conversations(ctx context.Context, ticketID int64) ([]entity.Comment, error) {
	return f.comments[ticketID], nil
}

func (f *fakeReader) DownloadAttachment(ctx context.Context, attachmentURL string) ([]byte, error) {
	data, ok := f.files[attachmentURL]
	if !ok {
		return nil, &remote.APIError{Op: "download", StatusCode: 404}
	}
	return data, nil
}

// fakeWriter is an in-memory target with the same marker-based dedupe
// behavior as the HTTP writer. Failures are injected per operation and
// marker, with an optional call budget so a write can fail N times and
// then recover.
type fakeWriter struct {
	mu       sync.Mutex
	ops      []string // "user:<marker>", "issue:<marker>", ...
	issues   map[string]string
	comments map[string]string
	uploads  map[string]string
	users    map[string]string // email -> account ID
	failures map[string]*failPlan
	seq      int
}

type failPlan struct {
	remaining int // -1 means always
	err       error
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{
		issues:   map[string]string{},
		comments: map[string]string{},
		uploads:  map[string]string{},
		users:    map[string]string{},
		failures: map[string]*failPlan{},
	}
}

func (w *fakeWriter) failTimes(op, marker string, times int, err error) {
	w.mu.Lock()
	w.failures[op+":"+marker] = &failPlan{remaining: times, err: err}
	w.mu.Unlock()
}

// checkFail consumes one failure budget slot. Caller holds the mutex.
func (w *fakeWriter) checkFail(op, marker string) error {
	plan, ok := w.failures[op+":"+marker]
	if !ok || plan.remaining == 0 {
		return nil
	}
	if plan.remaining > 0 {
		plan.remaining--
	}
	return plan.err
}

func (w *fakeWriter) nextID(prefix string) string {
	w.seq++
	return fmt.Sprintf("%s-%d", prefix, w.seq)
}

func (w *fakeWriter) CheckConnection(ctx context.Context) error { return nil }

func (w *fakeWriter) FindUserByEmail(ctx context.Context, email string) (string, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.users[email]
	return id, ok, nil
}

func (w *fakeWriter) CreateUser(ctx context.Context, unit entity.UnitID, p mapper.UserPayload) (target.WriteResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkFail("user", unit.MarkerLabel()); err != nil {
		return target.WriteResult{}, err
	}
	if id, ok := w.users[p.Email]; ok {
		return target.WriteResult{TargetID: id, AlreadyExists: true}, nil
	}
	id := w.nextID("acct")
	w.users[p.Email] = id
	w.ops = append(w.ops, "user:"+unit.MarkerLabel())
	return target.WriteResult{TargetID: id}, nil
}

func (w *fakeWriter) CreateIssue(ctx context.Context, unit entity.UnitID, p mapper.IssuePayload) (target.WriteResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	marker := unit.MarkerLabel()
	if err := w.checkFail("issue", marker); err != nil {
		return target.WriteResult{}, err
	}
	if key, ok := w.issues[marker]; ok {
		return target.WriteResult{TargetID: key, AlreadyExists: true}, nil
	}
	key := w.nextID("HD")
	w.issues[marker] = key
	w.ops = append(w.ops, "issue:"+marker)
	return target.WriteResult{TargetID: key}, nil
}

func (w *fakeWriter) AddComment(ctx context.Context, issueKey string, unit entity.UnitID, p mapper.CommentPayload) (target.WriteResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	marker := unit.MarkerLabel()
	if err := w.checkFail("comment", marker); err != nil {
		return target.WriteResult{}, err
	}
	if id, ok := w.comments[marker]; ok {
		return target.WriteResult{TargetID: id, AlreadyExists: true}, nil
	}
	id := w.nextID("c")
	w.comments[marker] = id
	w.ops = append(w.ops, "comment:"+marker)
	return target.WriteResult{TargetID: id}, nil
}

func (w *fakeWriter) UploadAttachment(ctx context.Context, issueKey string, unit entity.UnitID, name, contentType string, data []byte) (target.WriteResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	marker := unit.MarkerLabel()
	if err := w.checkFail("attachment", marker); err != nil {
		return target.WriteResult{}, err
	}
	if id, ok := w.uploads[marker]; ok {
		return target.WriteResult{TargetID: id, AlreadyExists: true}, nil
	}
	id := w.nextID("a")
	w.uploads[marker] = id
	w.ops = append(w.ops, "attachment:"+marker)
	return target.WriteResult{TargetID: id}, nil
}

func (w *fakeWriter) TransitionIssue(ctx context.Context, issueKey, status string) error {
	return nil
}

func (w *fakeWriter) opSequence() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string{}, w.ops...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Instances: []config.InstanceConfig{
			{Name: "acme", Domain: "acme.freshdesk.com", APIKey: "k", RateLimit: 600000, PageSize: 100},
		},
		Jira: config.JiraConfig{
			URL: "https://hdops.example", Email: "m@hdops.example",
			APIToken: "t", ProjectKey: "HD", IssueType: "Task", RateLimit: 600000,
		},
		BatchSize:         10,
		MaxConcurrent:     2,
		MaxRetries:        1,
		MaxUnitRetries:    2,
		RetryBaseMS:       1,
		RetryMaxMS:        5,
		RequestTimeout:    5,
		ContinueOnError:   true,
		CheckpointDriver:  "sqlite3",
		CheckpointPath:    filepath.Join(dir, "cp.db"),
		LedgerDir:         filepath.Join(dir, "ledger"),
		MissingUserPolicy: config.MissingUserUnassigned,
		Mapping: config.MappingConfig{
			Priority: config.ValueTable{
				Values:  map[string]string{"low": "Low", "medium": "Medium", "high": "High", "urgent": "Highest"},
				Default: "Medium",
			},
			Status: config.ValueTable{
				Values: map[string]string{"open": "", "pending": "", "resolved": "Done", "closed": "Done"},
			},
		},
		Attachments: config.AttachmentConfig{MaxSizeMB: 1},
	}
}

type harness struct {
	cfg    *config.Config
	store  *checkpoint.Store
	led    *ledger.Ledger
	reader *fakeReader
	writer *fakeWriter
	orch   *Orchestrator
}

func newHarness(t *testing.T, cfg *config.Config, r *fakeReader, w target.Writer) *harness {
	t.Helper()
	store, err := checkpoint.Open(cfg.CheckpointDriver, cfg.CheckpointPath)
	if err != nil {
		t.Fatalf("opening checkpoint store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	led, err := ledger.Open(cfg.LedgerDir, "run-1")
	if err != nil {
		t.Fatalf("opening ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	h := &harness{cfg: cfg, store: store, led: led, reader: r}
	if fw, ok := w.(*fakeWriter); ok {
		h.writer = fw
	}
	h.orch = New(Params{
		Config:  cfg,
		Store:   store,
		Ledger:  led,
		Writer:  w,
		Readers: map[string]source.Reader{r.name: r},
		Logger:  zaptest.NewLogger(t),
		RunID:   "run-1",
	})
	return h
}

func (h *harness) rerun(t *testing.T, w target.Writer) *harness {
	t.Helper()
	led, err := ledger.Open(h.cfg.LedgerDir, "run-2")
	if err != nil {
		t.Fatalf("opening ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })
	next := &harness{cfg: h.cfg, store: h.store, led: led, reader: h.reader}
	if fw, ok := w.(*fakeWriter); ok {
		next.writer = fw
	}
	next.orch = New(Params{
		Config:  h.cfg,
		Store:   h.store,
		Ledger:  led,
		Writer:  w,
		Readers: map[string]source.Reader{h.reader.name: h.reader},
		Logger:  zaptest.NewLogger(t),
		RunID:   "run-2",
	})
	return next
}

func (h *harness) mustState(t *testing.T, kind entity.Kind, id int64) checkpoint.Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), entity.NewUnitID("acme", kind, id))
	if err != nil {
		t.Fatalf("reading checkpoint for %s/%d: %v", kind, id, err)
	}
	return *rec
}

func readLedger(t *testing.T, dir string, kind entity.Kind) []ledger.Entry {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, string(kind)+".ledger.jsonl"))
	if err != nil {
		t.Fatalf("opening ledger file: %v", err)
	}
	defer f.Close()
	var out []ledger.Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e ledger.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("malformed ledger line %q: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func smallInstance() *fakeReader {
	return &fakeReader{
		name: "acme",
		users: []entity.User{
			{ID: 7, Name: "Ada", Email: "ada@acme.com", Active: true},
			{ID: 9, Name: "Bob", Email: "bob@acme.com", Active: true},
		},
		tickets: []entity.Ticket{
			{ID: 101, Subject: "One", Description: "<p>first</p>", Status: "open", Priority: "low", RequesterID: 7},
			{ID: 102, Subject: "Two", Description: "<p>second</p>", Status: "open", Priority: "high", RequesterID: 9,
				Attachments: []entity.Attachment{
					{ID: 501, TicketID: 102, Name: "log.txt", Size: 10, URL: "u/log.txt"},
				}},
		},
		comments: map[int64][]entity.Comment{
			102: {
				{ID: 201, TicketID: 102, UserID: 7, Body: "<p>reply one</p>"},
				{ID: 202, TicketID: 102, UserID: 9, Body: "<p>reply two</p>"},
			},
		},
		files: map[string][]byte{"u/log.txt": []byte("0123456789")},
	}
}

func TestRunMigratesUsersThenTickets(t *testing.T) {
	cfg := testConfig(t)
	w := newFakeWriter()
	h := newHarness(t, cfg, smallInstance(), w)

	report, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// 2 users + 2 tickets + 2 comments + 1 attachment.
	if report.Attempted != 7 || report.Succeeded != 7 || report.Failed != 0 {
		t.Errorf("report = attempted %d succeeded %d failed %d, want 7/7/0",
			report.Attempted, report.Succeeded, report.Failed)
	}

	for _, c := range []struct {
		kind entity.Kind
		id   int64
	}{
		{entity.KindUser, 7}, {entity.KindUser, 9},
		{entity.KindTicket, 101}, {entity.KindTicket, 102},
		{entity.KindComment, 201}, {entity.KindComment, 202},
		{entity.KindAttachment, 501},
	} {
		rec := h.mustState(t, c.kind, c.id)
		if rec.State != checkpoint.StateSucceeded {
			t.Errorf("%s/%d state = %s, want succeeded", c.kind, c.id, rec.State)
		}
		if rec.TargetID == "" {
			t.Errorf("%s/%d has no target ID", c.kind, c.id)
		}
	}

	// Users migrate strictly before any ticket write, and comments land
	// in source order.
	ops := w.opSequence()
	firstIssue := -1
	for i, op := range ops {
		if strings.HasPrefix(op, "issue:") {
			firstIssue = i
			break
		}
	}
	for i, op := range ops {
		if strings.HasPrefix(op, "user:") && firstIssue >= 0 && i > firstIssue {
			t.Errorf("user write %q after first issue write", op)
		}
	}
	c1 := strings.Join(ops, " ")
	if strings.Index(c1, "comment:fd-acme-comment-201") > strings.Index(c1, "comment:fd-acme-comment-202") {
		t.Errorf("comments out of source order: %v", ops)
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg, smallInstance(), newFakeWriter())
	if _, err := h.orch.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// A second run over an up-to-date store touches nothing.
	w2 := newFakeWriter()
	h2 := h.rerun(t, w2)
	report, err := h2.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Attempted != 0 {
		t.Errorf("second run attempted %d units, want 0", report.Attempted)
	}
	if n := len(w2.opSequence()); n != 0 {
		t.Errorf("second run performed %d writes, want 0", n)
	}
}

func TestResumeRecoversInterruptedUnit(t *testing.T) {
	cfg := testConfig(t)
	r := smallInstance()
	w := newFakeWriter()
	h := newHarness(t, cfg, r, w)

	// Simulate a crash that left ticket 101 claimed but unfinished.
	ctx := context.Background()
	unit := entity.NewUnitID("acme", entity.KindTicket, 101)
	if err := h.store.Transition(ctx, unit, checkpoint.StatePending, checkpoint.StateInProgress, checkpoint.Change{}); err != nil {
		t.Fatalf("seeding in-progress unit: %v", err)
	}

	report, err := h.orch.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed != 0 {
		t.Errorf("report.Failed = %d, want 0", report.Failed)
	}
	rec := h.mustState(t, entity.KindTicket, 101)
	if rec.State != checkpoint.StateSucceeded {
		t.Errorf("ticket 101 state = %s, want succeeded", rec.State)
	}

	// Exactly one issue exists per ticket despite the interrupted claim.
	count := 0
	for _, op := range w.opSequence() {
		if op == "issue:"+unit.MarkerLabel() {
			count++
		}
	}
	if count != 1 {
		t.Errorf("ticket 101 created %d times, want 1", count)
	}
}

func TestResumeRevisitsUnclaimedUnitBelowCompletedOnes(t *testing.T) {
	cfg := testConfig(t)
	r := smallInstance()
	w := newFakeWriter()
	h := newHarness(t, cfg, r, w)

	// A crash can land between dispatch and claim: ticket 102 committed
	// but ticket 101 died before writing any checkpoint row. The next
	// run must still pick 101 up even though a higher ID already
	// finished.
	ctx := context.Background()
	done := entity.NewUnitID("acme", entity.KindTicket, 102)
	if err := h.store.Transition(ctx, done, checkpoint.StatePending, checkpoint.StateInProgress, checkpoint.Change{}); err != nil {
		t.Fatalf("seeding ticket 102: %v", err)
	}
	if err := h.store.Transition(ctx, done, checkpoint.StateInProgress, checkpoint.StateSucceeded,
		checkpoint.Change{TargetID: "HD-99"}); err != nil {
		t.Fatalf("seeding ticket 102: %v", err)
	}

	if _, err := h.orch.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec := h.mustState(t, entity.KindTicket, 101)
	if rec.State != checkpoint.StateSucceeded {
		t.Errorf("ticket 101 state = %s, want succeeded", rec.State)
	}
	// The completed ticket is not rewritten.
	count := 0
	for _, op := range w.opSequence() {
		if strings.HasPrefix(op, "issue:") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("issue writes = %d, want 1 (ticket 101 only)", count)
	}
	if rec := h.mustState(t, entity.KindTicket, 102); rec.TargetID != "HD-99" {
		t.Errorf("ticket 102 target = %q, want untouched HD-99", rec.TargetID)
	}
}

func TestTransientFailureIsRedriven(t *testing.T) {
	cfg := testConfig(t)
	r := smallInstance()
	w := newFakeWriter()
	// Two failing calls exhaust the in-process retry budget
	// (MaxRetries=1 means two calls per Do), so the unit lands in
	// failed_transient and the redrive pass picks it up.
	w.failTimes("issue", "fd-acme-ticket-101", 2, &remote.APIError{Op: "POST issue", StatusCode: 503})
	h := newHarness(t, cfg, r, w)

	report, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed != 0 {
		t.Errorf("report.Failed = %d, want 0 after redrive", report.Failed)
	}
	rec := h.mustState(t, entity.KindTicket, 101)
	if rec.State != checkpoint.StateSucceeded {
		t.Errorf("ticket 101 state = %s, want succeeded", rec.State)
	}
	if rec.AttemptCount != 2 {
		t.Errorf("ticket 101 attempts = %d, want 2", rec.AttemptCount)
	}
}

func TestRetryBudgetExhaustionFailsPermanently(t *testing.T) {
	cfg := testConfig(t)
	r := smallInstance()
	w := newFakeWriter()
	w.failTimes("issue", "fd-acme-ticket-101", -1, &remote.APIError{Op: "POST issue", StatusCode: 503})
	h := newHarness(t, cfg, r, w)

	report, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	rec := h.mustState(t, entity.KindTicket, 101)
	if rec.State != checkpoint.StateFailedPermanent {
		t.Errorf("ticket 101 state = %s, want failed_permanent", rec.State)
	}
	if !strings.Contains(rec.LastError, "retry budget exhausted") {
		t.Errorf("LastError = %q", rec.LastError)
	}
	// The initial pass plus MaxUnitRetries redrives.
	if rec.AttemptCount != cfg.MaxUnitRetries+1 {
		t.Errorf("attempts = %d, want %d", rec.AttemptCount, cfg.MaxUnitRetries+1)
	}
	if report.Failed != 1 {
		t.Errorf("report.Failed = %d, want 1", report.Failed)
	}
	// The healthy ticket is unaffected.
	if rec := h.mustState(t, entity.KindTicket, 102); rec.State != checkpoint.StateSucceeded {
		t.Errorf("ticket 102 state = %s, want succeeded", rec.State)
	}
}

func TestPermanentFailureIsolatedWithContinueOnError(t *testing.T) {
	cfg := testConfig(t)
	r := smallInstance()
	w := newFakeWriter()
	w.failTimes("issue", "fd-acme-ticket-102", -1, &remote.APIError{Op: "POST issue", StatusCode: 400, Body: "bad field"})
	h := newHarness(t, cfg, r, w)

	report, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed != 1 {
		t.Errorf("report.Failed = %d, want 1", report.Failed)
	}
	if rec := h.mustState(t, entity.KindTicket, 102); rec.State != checkpoint.StateFailedPermanent {
		t.Errorf("ticket 102 state = %s, want failed_permanent", rec.State)
	}
	if rec := h.mustState(t, entity.KindTicket, 101); rec.State != checkpoint.StateSucceeded {
		t.Errorf("ticket 101 state = %s, want succeeded", rec.State)
	}

	entries := readLedger(t, cfg.LedgerDir, entity.KindTicket)
	var failedEntry *ledger.Entry
	for i := range entries {
		if entries[i].Action == ledger.ActionFailed && entries[i].SourceID == 102 {
			failedEntry = &entries[i]
		}
	}
	if failedEntry == nil {
		t.Fatal("no failed ledger entry for ticket 102")
	}
}

func TestHaltWithoutContinueOnError(t *testing.T) {
	cfg := testConfig(t)
	cfg.ContinueOnError = false
	r := smallInstance()
	// A user without an email cannot be mapped and fails permanently
	// during tier 0, which must stop the run before any ticket work.
	r.users = append([]entity.User{{ID: 3, Name: "Ghost"}}, r.users...)
	w := newFakeWriter()
	h := newHarness(t, cfg, r, w)

	report, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed != 1 {
		t.Errorf("report.Failed = %d, want 1", report.Failed)
	}
	for _, op := range w.opSequence() {
		if strings.HasPrefix(op, "issue:") {
			t.Fatalf("ticket write %q after tier-0 halt", op)
		}
	}
}

func TestMissingUserPolicySkip(t *testing.T) {
	cfg := testConfig(t)
	cfg.MissingUserPolicy = config.MissingUserSkip
	r := smallInstance()
	// Ticket 103 references a requester that is not in the roster.
	r.tickets = append(r.tickets, entity.Ticket{
		ID: 103, Subject: "Orphan", Status: "open", Priority: "low", RequesterID: 55,
	})
	w := newFakeWriter()
	h := newHarness(t, cfg, r, w)

	report, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Skipped == 0 {
		t.Error("report.Skipped = 0, want at least the orphan ticket")
	}
	rec := h.mustState(t, entity.KindTicket, 103)
	if rec.State != checkpoint.StateSucceeded || rec.TargetID != "" {
		t.Errorf("skipped ticket = state %s target %q, want succeeded with no target", rec.State, rec.TargetID)
	}
	if _, ok := w.issues["fd-acme-ticket-103"]; ok {
		t.Error("skipped ticket was written to the target")
	}

	var found bool
	for _, e := range readLedger(t, cfg.LedgerDir, entity.KindTicket) {
		if e.SourceID == 103 && e.Action == ledger.ActionSkipped && e.Actor == "policy" {
			found = true
		}
	}
	if !found {
		t.Error("no policy-skip ledger entry for ticket 103")
	}
}

func TestMissingUserPolicyCreate(t *testing.T) {
	cfg := testConfig(t)
	cfg.MissingUserPolicy = config.MissingUserCreate
	r := smallInstance()
	r.tickets = append(r.tickets, entity.Ticket{
		ID: 103, Subject: "Orphan", Status: "open", Priority: "low", RequesterID: 55,
	})
	w := newFakeWriter()
	h := newHarness(t, cfg, r, w)

	if _, err := h.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	placeholderEmail := "fd-acme-user-55@placeholder.invalid"
	accountID, ok := w.users[placeholderEmail]
	if !ok {
		t.Fatalf("no placeholder account for %s", placeholderEmail)
	}
	rec := h.mustState(t, entity.KindUser, 55)
	if rec.State != checkpoint.StateSucceeded || rec.TargetID != accountID {
		t.Errorf("placeholder checkpoint = state %s target %q, want succeeded with %q",
			rec.State, rec.TargetID, accountID)
	}
	if rec := h.mustState(t, entity.KindTicket, 103); rec.State != checkpoint.StateSucceeded {
		t.Errorf("ticket 103 state = %s, want succeeded", rec.State)
	}
}

func TestAttachmentRuleSkipHasNoCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Attachments.BlockedExtensions = []string{".exe"}
	r := smallInstance()
	r.tickets[1].Attachments = append(r.tickets[1].Attachments, entity.Attachment{
		ID: 502, TicketID: 102, Name: "setup.exe", Size: 5, URL: "u/setup.exe",
	})
	w := newFakeWriter()
	h := newHarness(t, cfg, r, w)

	report, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Skipped != 1 {
		t.Errorf("report.Skipped = %d, want 1", report.Skipped)
	}

	// Rule-based skips are deterministic; they never claim a checkpoint.
	rec, err := h.store.Get(context.Background(), entity.NewUnitID("acme", entity.KindAttachment, 502))
	if err != nil {
		t.Fatalf("reading checkpoint: %v", err)
	}
	if rec.State != checkpoint.StatePending || rec.AttemptCount != 0 {
		t.Errorf("rule-skipped attachment has checkpoint row: %+v", rec)
	}

	var found bool
	for _, e := range readLedger(t, cfg.LedgerDir, entity.KindAttachment) {
		if e.SourceID == 502 && e.Action == ledger.ActionSkipped && e.Actor == "rule" {
			found = true
		}
	}
	if !found {
		t.Error("no rule-skip ledger entry for attachment 502")
	}
	// The ticket itself still completes.
	if rec := h.mustState(t, entity.KindTicket, 102); rec.State != checkpoint.StateSucceeded {
		t.Errorf("ticket 102 state = %s, want succeeded", rec.State)
	}
}

func TestDryRunWritesNoCheckpoints(t *testing.T) {
	cfg := testConfig(t)
	cfg.DryRun = true
	r := smallInstance()
	h := newHarness(t, cfg, r, target.NewDryRun(zaptest.NewLogger(t)))

	report, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Attempted == 0 {
		t.Error("dry run attempted nothing")
	}
	if report.Failed != 0 {
		t.Errorf("report.Failed = %d, want 0", report.Failed)
	}

	counts, err := h.store.Counts(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total != 0 {
		t.Errorf("dry run left %d checkpoint rows: %v", total, counts)
	}

	for _, e := range readLedger(t, cfg.LedgerDir, entity.KindTicket) {
		if e.Action != ledger.ActionDryRun && e.Action != ledger.ActionDefaulted {
			t.Errorf("dry run wrote ledger action %q", e.Action)
		}
	}
}

func TestDryRunSkipsAlreadyMigrated(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg, smallInstance(), newFakeWriter())
	if _, err := h.orch.Run(context.Background()); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	cfg.DryRun = true
	h2 := h.rerun(t, target.NewDryRun(zaptest.NewLogger(t)))
	report, err := h2.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if report.Attempted != 0 {
		t.Errorf("dry run attempted %d already-migrated units, want 0", report.Attempted)
	}
}

func TestDryRunResolvesUsersMigratedByEarlierRuns(t *testing.T) {
	cfg := testConfig(t)
	cfg.MissingUserPolicy = config.MissingUserSkip
	r := smallInstance()
	h := newHarness(t, cfg, r, newFakeWriter())

	// Users landed in a previous real run; tickets did not.
	ctx := context.Background()
	for i, id := range []int64{7, 9} {
		unit := entity.NewUnitID("acme", entity.KindUser, id)
		if err := h.store.Transition(ctx, unit, checkpoint.StatePending, checkpoint.StateInProgress, checkpoint.Change{}); err != nil {
			t.Fatalf("seeding user %d: %v", id, err)
		}
		if err := h.store.Transition(ctx, unit, checkpoint.StateInProgress, checkpoint.StateSucceeded,
			checkpoint.Change{TargetID: fmt.Sprintf("acct-%d", i+1)}); err != nil {
			t.Fatalf("seeding user %d: %v", id, err)
		}
	}

	cfg.DryRun = true
	h2 := h.rerun(t, target.NewDryRun(zaptest.NewLogger(t)))
	report, err := h2.orch.Run(ctx)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	// The directory resolves the stored accounts, so under the skip
	// policy the dry run predicts both tickets migrating.
	if report.Skipped != 0 {
		t.Errorf("dry run skipped %d units, want 0", report.Skipped)
	}
	if report.Failed != 0 {
		t.Errorf("dry run failed %d units, want 0", report.Failed)
	}
	for _, e := range readLedger(t, cfg.LedgerDir, entity.KindTicket) {
		if e.Action == ledger.ActionSkipped {
			t.Errorf("ticket %d skipped in dry run: %s", e.SourceID, e.Detail)
		}
	}
}

func TestRedriveClosesMissingSourceUser(t *testing.T) {
	cfg := testConfig(t)
	r := smallInstance()
	h := newHarness(t, cfg, r, newFakeWriter())

	// A leftover transient unit for a user the source no longer has.
	ctx := context.Background()
	unit := entity.NewUnitID("acme", entity.KindUser, 999)
	if err := h.store.Transition(ctx, unit, checkpoint.StatePending, checkpoint.StateInProgress, checkpoint.Change{}); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	if err := h.store.Transition(ctx, unit, checkpoint.StateInProgress, checkpoint.StateFailedTransient,
		checkpoint.Change{LastError: "interrupted"}); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	if _, err := h.orch.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rec := h.mustState(t, entity.KindUser, 999)
	if rec.State != checkpoint.StateFailedPermanent {
		t.Errorf("vanished user state = %s, want failed_permanent", rec.State)
	}
	if !strings.Contains(rec.LastError, "no longer exists") {
		t.Errorf("LastError = %q", rec.LastError)
	}
}

func TestInstanceFilter(t *testing.T) {
	cfg := testConfig(t)
	cfg.Instances = append(cfg.Instances, config.InstanceConfig{
		Name: "globex", Domain: "globex.freshdesk.com", APIKey: "k", RateLimit: 600000, PageSize: 100,
	})
	cfg.OnlyInstance = "acme"
	w := newFakeWriter()
	h := newHarness(t, cfg, smallInstance(), w)

	report, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"acme"}
	got := append([]string{}, report.Instances...)
	sort.Strings(got)
	if len(got) != 1 || got[0] != want[0] {
		t.Errorf("report.Instances = %v, want %v", got, want)
	}
}
