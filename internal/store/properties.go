package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Well-known property names.
const (
	// PropServerUUID is this node's own identity, assigned at init or by
	// a provisioning snapshot.
	PropServerUUID = "sync.server_uuid"

	// PropServerName is the human-readable node name.
	PropServerName = "sync.server_name"
)

// GetProperty returns a node-local property value, or "" if unset.
func (s *Store) GetProperty(ctx context.Context, name string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM sync_properties WHERE name = ?
	`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get property %s: %w", name, err)
	}
	return value, nil
}

// SetProperty sets a node-local property. Property writes bypass change
// capture entirely; they are never replicated.
func (s *Store) SetProperty(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_properties (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`, name, value)
	if err != nil {
		return fmt.Errorf("set property %s: %w", name, err)
	}
	return nil
}
