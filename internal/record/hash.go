package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// changesDomain is the domain-separation prefix for change-set checksums.
// The version suffix allows a future algorithm migration without
// ambiguity between old and new checksums.
const changesDomain = "sync/changes/v1"

// ChangeSetChecksum computes the hex SHA-256 checksum over the canonical
// JSON form of an ordered change list. The checksum travels with the
// record and is re-verified on ingest before any change is applied.
//
// Format: SHA256(domain + 0x00 + canonicalJSON). The null separator
// prevents domain/data boundary ambiguity.
func ChangeSetChecksum(changes []ChangeItem) (string, error) {
	arr := make([]any, len(changes))
	for i := range changes {
		arr[i] = changes[i].canonicalMap()
	}
	canonical, err := MarshalCanonical(arr)
	if err != nil {
		return "", fmt.Errorf("change set checksum: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(changesDomain))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalMap flattens a change item into the canonical-JSON value
// space. Empty payload maps and zero versions are omitted so a change
// built locally and the same change decoded from the wire hash equal.
func (c *ChangeItem) canonicalMap() map[string]any {
	m := map[string]any{
		"entity_type": c.EntityType,
		"entity_uuid": c.EntityUUID,
		"kind":        string(c.Kind),
	}
	if len(c.Fields) > 0 {
		m["fields"] = anyMap(c.Fields)
	}
	if c.BaseVersion != 0 {
		m["base_version"] = c.BaseVersion
	}
	if len(c.Collections) > 0 {
		colls := make([]any, len(c.Collections))
		for i, d := range c.Collections {
			entries := make([]any, len(d.Entries))
			for j, e := range d.Entries {
				em := map[string]any{
					"uuid":   e.UUID,
					"action": string(e.Action),
				}
				if len(e.Payload) > 0 {
					em["payload"] = anyMap(e.Payload)
				}
				entries[j] = em
			}
			dm := map[string]any{
				"field":   d.Field,
				"entries": entries,
			}
			if d.Ordered {
				dm["ordered"] = true
			}
			colls[i] = dm
		}
		m["collections"] = colls
	}
	return m
}

func anyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
