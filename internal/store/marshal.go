package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mhawila/openmrs-module-sync/internal/record"
)

// marshalChanges serializes a record's change list to JSON TEXT for
// storage. Standard JSON is fine here: checksum computation always goes
// through the canonical encoder in the record package, never through
// the stored form.
func marshalChanges(changes []record.ChangeItem) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(changes); err != nil {
		return "", fmt.Errorf("marshal changes: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// unmarshalChanges parses the stored change list. Numbers decode as
// json.Number so a relayed record's checksum still verifies after a
// store round trip.
func unmarshalChanges(data string) ([]record.ChangeItem, error) {
	var changes []record.ChangeItem
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	if err := dec.Decode(&changes); err != nil {
		return nil, fmt.Errorf("unmarshal changes: %w", err)
	}
	return changes, nil
}

// marshalOrderedFields serializes a sync class's ordered-field hint list.
func marshalOrderedFields(fields []string) (string, error) {
	if len(fields) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal ordered fields: %w", err)
	}
	return string(data), nil
}

func unmarshalOrderedFields(data string) ([]string, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var fields []string
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, fmt.Errorf("unmarshal ordered fields: %w", err)
	}
	return fields, nil
}
