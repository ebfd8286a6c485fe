// Package entity models the live local state the ingest pipeline applies
// changes to: typed entities with scalar fields and named collections,
// persisted in the entities table of the node database.
//
// All reads and writes accept a querier (either *sql.DB or *sql.Tx) so
// the ingest pipeline can run an entire record's mutations inside one
// transaction. Save persists the whole entity exactly once; collection
// reconciliation mutates the in-memory value and batches the write.
package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Entry is one element of a collection-typed field, identified across
// nodes by its UUID.
type Entry struct {
	UUID    string         `json:"uuid"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Entity is one live object: scalar fields plus named collections of
// entries. Version increments on every save and backs conflict
// detection for concurrent updates.
type Entity struct {
	Type        string
	UUID        string
	Fields      map[string]any
	Collections map[string][]Entry
	Version     int64
}

// New returns an empty entity of the given type and identity.
func New(entityType, uuid string) *Entity {
	return &Entity{
		Type:        entityType,
		UUID:        uuid,
		Fields:      map[string]any{},
		Collections: map[string][]Entry{},
	}
}

// Collection returns the named collection, or an empty one if the field
// was never set.
func (e *Entity) Collection(field string) []Entry {
	return e.Collections[field]
}

// SetCollection assigns the reconciled collection back to the owner.
// An empty collection removes the field.
func (e *Entity) SetCollection(field string, entries []Entry) {
	if len(entries) == 0 {
		delete(e.Collections, field)
		return
	}
	e.Collections[field] = entries
}

// Get loads an entity by type and identity. Returns (nil, nil) when the
// entity does not exist. Within an ingest transaction the querier must
// be the transaction itself, so reads observe earlier uncommitted writes
// of the same record.
func Get(ctx context.Context, q Querier, entityType, uuid string) (*Entity, error) {
	row := q.QueryRowContext(ctx, `
		SELECT fields, collections, version
		FROM entities
		WHERE entity_type = ? AND uuid = ?
	`, entityType, uuid)

	var fieldsJSON, collectionsJSON string
	var version int64
	err := row.Scan(&fieldsJSON, &collectionsJSON, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %s/%s: %w", entityType, uuid, err)
	}

	e := New(entityType, uuid)
	e.Version = version
	if err := unmarshalFields(fieldsJSON, &e.Fields); err != nil {
		return nil, fmt.Errorf("entity %s/%s: %w", entityType, uuid, err)
	}
	if err := unmarshalCollections(collectionsJSON, &e.Collections); err != nil {
		return nil, fmt.Errorf("entity %s/%s: %w", entityType, uuid, err)
	}
	return e, nil
}

// Save upserts the entity and bumps its version. The whole entity is
// written in one statement; callers mutate in memory and save once.
func Save(ctx context.Context, q Querier, e *Entity) error {
	fieldsJSON, err := marshalFields(e.Fields)
	if err != nil {
		return fmt.Errorf("save entity %s/%s: %w", e.Type, e.UUID, err)
	}
	collectionsJSON, err := marshalCollections(e.Collections)
	if err != nil {
		return fmt.Errorf("save entity %s/%s: %w", e.Type, e.UUID, err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO entities (entity_type, uuid, fields, collections, version)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(entity_type, uuid) DO UPDATE SET
			fields = excluded.fields,
			collections = excluded.collections,
			version = entities.version + 1
	`, e.Type, e.UUID, fieldsJSON, collectionsJSON)
	if err != nil {
		return fmt.Errorf("save entity %s/%s: %w", e.Type, e.UUID, err)
	}

	// Reflect the stored version in memory.
	row := q.QueryRowContext(ctx, `
		SELECT version FROM entities WHERE entity_type = ? AND uuid = ?
	`, e.Type, e.UUID)
	if err := row.Scan(&e.Version); err != nil {
		return fmt.Errorf("save entity %s/%s: reread version: %w", e.Type, e.UUID, err)
	}
	return nil
}

// Delete removes an entity. Deleting a missing entity is a no-op so
// that replayed delete changes stay idempotent.
func Delete(ctx context.Context, q Querier, entityType, uuid string) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM entities WHERE entity_type = ? AND uuid = ?
	`, entityType, uuid)
	if err != nil {
		return fmt.Errorf("delete entity %s/%s: %w", entityType, uuid, err)
	}
	return nil
}
