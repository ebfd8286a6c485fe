// Package classes holds the per-entity-type participation registry. The
// capture and ingest paths consult it before touching a record: an
// entity type that is absent or fully disabled is invisible to the
// engine.
package classes

import (
	"context"
	"fmt"
	"sync"

	"github.com/mhawila/openmrs-module-sync/internal/record"
	"github.com/mhawila/openmrs-module-sync/internal/store"
)

// Registry is an in-memory view of the sync_classes table. Reads are
// lock-free lookups on an immutable snapshot; Reload and Save swap the
// snapshot under a mutex.
type Registry struct {
	store *store.Store

	mu      sync.RWMutex
	byName  map[string]*record.SyncClass
	ordered []*record.SyncClass
}

// Load builds a registry from the current table contents.
func Load(ctx context.Context, s *store.Store) (*Registry, error) {
	r := &Registry{store: s}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the in-memory snapshot with the table contents.
func (r *Registry) Reload(ctx context.Context) error {
	list, err := r.store.ListClasses(ctx)
	if err != nil {
		return fmt.Errorf("load sync classes: %w", err)
	}
	byName := make(map[string]*record.SyncClass, len(list))
	for _, c := range list {
		byName[c.Name] = c
	}
	r.mu.Lock()
	r.byName = byName
	r.ordered = list
	r.mu.Unlock()
	return nil
}

// Save persists a class and refreshes the snapshot.
func (r *Registry) Save(ctx context.Context, c *record.SyncClass) error {
	if err := r.store.SaveClass(ctx, c); err != nil {
		return err
	}
	return r.Reload(ctx)
}

// Delete removes a class and refreshes the snapshot. The entity type
// becomes invisible to capture and ingest.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if err := r.store.DeleteClass(ctx, name); err != nil {
		return err
	}
	return r.Reload(ctx)
}

// Lookup returns the class for an entity type, or nil when unregistered.
func (r *Registry) Lookup(entityType string) *record.SyncClass {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[entityType]
}

// List returns the snapshot in name order.
func (r *Registry) List() []*record.SyncClass {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*record.SyncClass, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// ShouldSend reports whether local mutations of the type are captured.
func (r *Registry) ShouldSend(entityType string) bool {
	c := r.Lookup(entityType)
	return c != nil && c.SendTo
}

// ShouldReceive reports whether incoming changes of the type are
// applied during ingest.
func (r *Registry) ShouldReceive(entityType string) bool {
	c := r.Lookup(entityType)
	return c != nil && c.ReceiveFrom
}

// OrderSensitive reports whether a collection field of the type must
// preserve entry order through reconciliation. Unregistered types are
// never order sensitive.
func (r *Registry) OrderSensitive(entityType, field string) bool {
	c := r.Lookup(entityType)
	return c != nil && c.OrderSensitive(field)
}
