package record

import "fmt"

// ChangeKind distinguishes the three mutation kinds a change item can
// carry.
type ChangeKind string

const (
	KindCreate ChangeKind = "create"
	KindUpdate ChangeKind = "update"
	KindDelete ChangeKind = "delete"
)

// Valid reports whether k is a known change kind.
func (k ChangeKind) Valid() bool {
	return k == KindCreate || k == KindUpdate || k == KindDelete
}

// ChangeItem is one per-object mutation inside a SyncRecord. It is a
// tagged variant over {create, update, delete} x {scalar fields,
// collection diffs}; dispatch on ingest is by EntityType through the
// class participation registry, not by concrete Go types.
type ChangeItem struct {
	// EntityType names the participating entity type (e.g. "Patient").
	EntityType string `json:"entity_type"`

	// EntityUUID identifies the target entity on every node.
	EntityUUID string `json:"entity_uuid"`

	Kind ChangeKind `json:"kind"`

	// Fields holds scalar field values. For create this is the full
	// initial field set; for update only the touched fields. Values are
	// restricted to JSON scalars (string, integer via json.Number, bool).
	Fields map[string]any `json:"fields,omitempty"`

	// BaseVersion, when non-zero on an update, is the entity version the
	// origin node observed. A mismatch with the local version is a
	// conflict, not a structural failure.
	BaseVersion int64 `json:"base_version,omitempty"`

	// Collections holds diff-based mutations of collection-typed fields.
	// Transmitted as diffs, never as full replacements, so concurrent
	// local additions on the receiving node survive.
	Collections []CollectionDiff `json:"collections,omitempty"`
}

// Validate checks the structural invariants of a change item.
func (c *ChangeItem) Validate() error {
	if c.EntityType == "" {
		return fmt.Errorf("missing entity type")
	}
	if c.EntityUUID == "" {
		return fmt.Errorf("missing entity uuid")
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("invalid change kind %q", c.Kind)
	}
	if c.Kind == KindDelete && (len(c.Fields) > 0 || len(c.Collections) > 0) {
		return fmt.Errorf("delete change carries a payload")
	}
	for i := range c.Collections {
		if err := c.Collections[i].Validate(); err != nil {
			return fmt.Errorf("collection %d: %w", i, err)
		}
	}
	return nil
}

// EntryAction is the per-entry action inside a collection diff.
type EntryAction string

const (
	// EntryAdd inserts the entry if absent; a present entry is a no-op.
	EntryAdd EntryAction = "add"
	// EntryUpdate replaces an existing entry's payload, or behaves as add
	// when the entry is absent (tolerant merge).
	EntryUpdate EntryAction = "update"
	// EntryRemove deletes the entry if present, else no-op.
	EntryRemove EntryAction = "remove"
)

// Valid reports whether a is a known entry action.
func (a EntryAction) Valid() bool {
	return a == EntryAdd || a == EntryUpdate || a == EntryRemove
}

// CollectionDiff describes the mutation of one collection-typed field of
// the owning entity: an ordered list of per-entry actions.
type CollectionDiff struct {
	// Field is the collection field name on the owner.
	Field string `json:"field"`

	// Ordered marks the field order-sensitive. For ordered fields the
	// reconciled collection preserves the relative order produced by the
	// entry sequence, not local insertion time.
	Ordered bool `json:"ordered,omitempty"`

	Entries []CollectionEntry `json:"entries"`
}

// Validate checks the structural invariants of a collection diff.
func (d *CollectionDiff) Validate() error {
	if d.Field == "" {
		return fmt.Errorf("missing field name")
	}
	if len(d.Entries) == 0 {
		return fmt.Errorf("field %s: no entries", d.Field)
	}
	for i, e := range d.Entries {
		if e.UUID == "" {
			return fmt.Errorf("field %s: entry %d: missing uuid", d.Field, i)
		}
		if !e.Action.Valid() {
			return fmt.Errorf("field %s: entry %d: invalid action %q", d.Field, i, e.Action)
		}
	}
	return nil
}

// CollectionEntry is one entry action within a collection diff.
type CollectionEntry struct {
	// UUID identifies the entry across nodes.
	UUID string `json:"uuid"`

	Action EntryAction `json:"action"`

	// Payload is the entry's field values; nil for remove.
	Payload map[string]any `json:"payload,omitempty"`
}
