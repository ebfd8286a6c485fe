package entity

// IdentMap tracks entities created or loaded while applying a single
// sync record. Later changes in the same record resolve references
// through the map before hitting the database, so a record that creates
// a Patient and then adds an identifier pointing at it applies cleanly
// in one transaction.
type IdentMap struct {
	entries map[identKey]*Entity
	created map[identKey]bool
	deleted map[identKey]bool
}

type identKey struct {
	entityType string
	uuid       string
}

// NewIdentMap returns an empty identity map for one record application.
func NewIdentMap() *IdentMap {
	return &IdentMap{
		entries: map[identKey]*Entity{},
		created: map[identKey]bool{},
		deleted: map[identKey]bool{},
	}
}

// Track registers an entity loaded from storage.
func (m *IdentMap) Track(e *Entity) {
	m.entries[identKey{e.Type, e.UUID}] = e
}

// TrackCreated registers an entity created by the current record.
// CreatedHere distinguishes a reference that the record itself
// materialized from one that is genuinely missing.
func (m *IdentMap) TrackCreated(e *Entity) {
	k := identKey{e.Type, e.UUID}
	m.entries[k] = e
	m.created[k] = true
}

// Lookup returns the tracked entity, or nil when the record has not
// touched that identity yet.
func (m *IdentMap) Lookup(entityType, uuid string) *Entity {
	return m.entries[identKey{entityType, uuid}]
}

// CreatedHere reports whether the current record created the identity.
func (m *IdentMap) CreatedHere(entityType, uuid string) bool {
	return m.created[identKey{entityType, uuid}]
}

// Forget drops an identity after a delete change and remembers the
// deletion, so a later reference to it in the same record is reported
// as a structural error rather than a concurrent-delete conflict.
func (m *IdentMap) Forget(entityType, uuid string) {
	k := identKey{entityType, uuid}
	delete(m.entries, k)
	delete(m.created, k)
	m.deleted[k] = true
}

// DeletedHere reports whether the current record deleted the identity.
func (m *IdentMap) DeletedHere(entityType, uuid string) bool {
	return m.deleted[identKey{entityType, uuid}]
}
