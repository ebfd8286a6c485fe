package record

// SyncStatistic is one aggregate bucket: the number of sync records in a
// given state for a given peer within a queried time window. Statistics
// are derived on demand from the record store and never persisted; they
// are always recomputable.
type SyncStatistic struct {
	ServerUUID string
	ServerName string
	State      State
	Count      int64
}
