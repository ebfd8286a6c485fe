package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// wireRecord is the transport form of a SyncRecord. RecordID and State
// are deliberately absent: the sequence is node-local and the state
// machine is never transmitted.
type wireRecord struct {
	UUID         string       `json:"uuid"`
	OriginalUUID string       `json:"original_uuid"`
	Origin       string       `json:"origin,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
	Checksum     string       `json:"checksum"`
	Changes      []ChangeItem `json:"changes"`
}

// Marshal serializes a record for transport.
func Marshal(r *SyncRecord) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	w := wireRecord{
		UUID:         r.UUID,
		OriginalUUID: r.OriginalUUID,
		Origin:       r.OriginServerUUID,
		Timestamp:    r.Timestamp.UTC(),
		Checksum:     r.Checksum,
		Changes:      r.Changes,
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(w); err != nil {
		return nil, fmt.Errorf("marshal record %s: %w", r.UUID, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Unmarshal parses a transported record. Numbers inside change payloads
// are decoded as json.Number so checksums computed over the decoded form
// match the origin's (floats never round-trip through float64).
//
// The returned record is in state NEW with RecordID zero; the receiving
// store assigns its own sequence if the record is re-queued for relay.
func Unmarshal(data []byte) (*SyncRecord, error) {
	var w wireRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}

	r := &SyncRecord{
		UUID:             w.UUID,
		OriginalUUID:     w.OriginalUUID,
		OriginServerUUID: w.Origin,
		Timestamp:        w.Timestamp,
		State:            StateNew,
		Changes:          w.Changes,
		Checksum:         w.Checksum,
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return r, nil
}

// VerifyChecksum recomputes the change-set checksum and compares it with
// the transmitted one. A mismatch means the record was corrupted or
// tampered with in transit and must not be applied.
func (r *SyncRecord) VerifyChecksum() error {
	sum, err := ChangeSetChecksum(r.Changes)
	if err != nil {
		return fmt.Errorf("verify checksum: %w", err)
	}
	if sum != r.Checksum {
		return fmt.Errorf("checksum mismatch for record %s: computed %s, transmitted %s",
			r.UUID, sum, r.Checksum)
	}
	return nil
}
