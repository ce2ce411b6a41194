// Copyright (c) 2025 HDOps, Inc. All rights reserved.

package target

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/hdops/ticket-migration-tool/internal/entity"
	"github.com/hdops/ticket-migration-tool/internal/mapper"
)

// DryRun is a Writer that performs no remote calls. Every write returns
// a deterministic synthetic ID derived from the unit marker, so mapping
// and enumeration can be exercised end to end without touching the
// target.
type DryRun struct {
	logger *zap.Logger

	mu    sync.Mutex
	users map[string]string // email -> synthetic account ID
}

func NewDryRun(logger *zap.Logger) *DryRun {
	return &DryRun{
		logger: logger,
		users:  make(map[string]string),
	}
}

func (d *DryRun) CheckConnection(ctx context.Context) error { return nil }

func (d *DryRun) FindUserByEmail(ctx context.Context, email string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.users[email]
	return id, ok, nil
}

func (d *DryRun) CreateUser(ctx context.Context, unit entity.UnitID, p mapper.UserPayload) (WriteResult, error) {
	id := "DRY-" + unit.MarkerLabel()
	d.mu.Lock()
	if existing, ok := d.users[p.Email]; ok {
		d.mu.Unlock()
		return WriteResult{TargetID: existing, AlreadyExists: true}, nil
	}
	d.users[p.Email] = id
	d.mu.Unlock()
	d.logger.Info("Dry run: would create user",
		zap.String("unit", unit.String()),
		zap.String("email", p.Email))
	return WriteResult{TargetID: id}, nil
}

func (d *DryRun) CreateIssue(ctx context.Context, unit entity.UnitID, p mapper.IssuePayload) (WriteResult, error) {
	d.logger.Info("Dry run: would create issue",
		zap.String("unit", unit.String()),
		zap.String("summary", p.Summary))
	return WriteResult{TargetID: "DRY-" + unit.MarkerLabel()}, nil
}

func (d *DryRun) AddComment(ctx context.Context, issueKey string, unit entity.UnitID, p mapper.CommentPayload) (WriteResult, error) {
	d.logger.Info("Dry run: would add comment",
		zap.String("unit", unit.String()),
		zap.String("issue", issueKey))
	return WriteResult{TargetID: "DRY-" + unit.MarkerLabel()}, nil
}

func (d *DryRun) UploadAttachment(ctx context.Context, issueKey string, unit entity.UnitID, name, contentType string, data []byte) (WriteResult, error) {
	d.logger.Info("Dry run: would upload attachment",
		zap.String("unit", unit.String()),
		zap.String("issue", issueKey),
		zap.String("name", name))
	return WriteResult{TargetID: "DRY-" + unit.MarkerLabel()}, nil
}

func (d *DryRun) TransitionIssue(ctx context.Context, issueKey, status string) error {
	d.logger.Info("Dry run: would transition issue",
		zap.String("issue", issueKey),
		zap.String("status", status))
	return nil
}
