// Copyright (c) 2025 HDOps, Inc. All rights reserved.

package migration

import (
	"context"
	"sync"

	"github.com/hdops/ticket-migration-tool/internal/checkpoint"
	"github.com/hdops/ticket-migration-tool/internal/entity"
)

// userDirectory resolves source user IDs to target account IDs for one
// instance. Session-created mappings are held in memory; misses fall
// back to the checkpoint store, which covers users migrated by earlier
// runs. Dry runs use the same store-backed fallback, read-only.
type userDirectory struct {
	store    *checkpoint.Store
	instance string

	mu  sync.Mutex
	ids map[int64]string
}

// TargetAccountID implements mapper.UserResolver.
func (d *userDirectory) TargetAccountID(sourceID int64) (string, bool) {
	d.mu.Lock()
	if id, ok := d.ids[sourceID]; ok {
		d.mu.Unlock()
		return id, true
	}
	d.mu.Unlock()

	if d.store == nil {
		return "", false
	}
	unit := entity.NewUnitID(d.instance, entity.KindUser, sourceID)
	id, ok, err := d.store.TargetID(context.Background(), unit)
	if err != nil || !ok || id == "" {
		return "", false
	}
	d.mu.Lock()
	d.ids[sourceID] = id
	d.mu.Unlock()
	return id, true
}

func (d *userDirectory) add(sourceID int64, accountID string) {
	d.mu.Lock()
	d.ids[sourceID] = accountID
	d.mu.Unlock()
}
