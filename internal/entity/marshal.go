package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Fields and collections are stored as JSON text columns. Numbers come
// back as json.Number so values survive checksum round trips without
// float conversion.

func marshalFields(fields map[string]any) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(raw), nil
}

func unmarshalFields(raw string, out *map[string]any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("unmarshal fields: %w", err)
	}
	if *out == nil {
		*out = map[string]any{}
	}
	return nil
}

func marshalCollections(collections map[string][]Entry) (string, error) {
	if len(collections) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(collections)
	if err != nil {
		return "", fmt.Errorf("marshal collections: %w", err)
	}
	return string(raw), nil
}

func unmarshalCollections(raw string, out *map[string][]Entry) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("unmarshal collections: %w", err)
	}
	if *out == nil {
		*out = map[string][]Entry{}
	}
	return nil
}
