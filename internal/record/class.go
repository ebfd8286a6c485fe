package record

// SyncClass is the per-entity-type participation switch plus marshaling
// hints. An entity type absent from the registry, or present with
// SendTo/ReceiveFrom both false, is invisible to capture and ingest.
type SyncClass struct {
	ClassID int64

	// Name is the entity type name (e.g. "Patient").
	Name string

	// SendTo enables capture of local mutations of this type.
	SendTo bool

	// ReceiveFrom enables ingest of incoming changes of this type.
	ReceiveFrom bool

	// OrderedFields lists collection field names whose entry order is
	// significant and must be preserved through reconciliation.
	OrderedFields []string
}

// OrderSensitive reports whether the named collection field preserves
// entry order.
func (c *SyncClass) OrderSensitive(field string) bool {
	for _, f := range c.OrderedFields {
		if f == field {
			return true
		}
	}
	return false
}
