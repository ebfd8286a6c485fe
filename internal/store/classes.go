package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mhawila/openmrs-module-sync/internal/record"
)

// SaveClass inserts or updates a sync class, keyed by name, and assigns
// ClassID on insert.
func (s *Store) SaveClass(ctx context.Context, c *record.SyncClass) error {
	if c.Name == "" {
		return fmt.Errorf("save class: missing name")
	}

	orderedJSON, err := marshalOrderedFields(c.OrderedFields)
	if err != nil {
		return fmt.Errorf("save class %s: %w", c.Name, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_classes (name, send_to, receive_from, ordered_fields)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			send_to = excluded.send_to,
			receive_from = excluded.receive_from,
			ordered_fields = excluded.ordered_fields
	`, c.Name, boolToInt(c.SendTo), boolToInt(c.ReceiveFrom), orderedJSON)
	if err != nil {
		return fmt.Errorf("save class %s: %w", c.Name, err)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT class_id FROM sync_classes WHERE name = ?
	`, c.Name).Scan(&c.ClassID); err != nil {
		return fmt.Errorf("save class %s: resolve id: %w", c.Name, err)
	}
	return nil
}

// DeleteClass removes a sync class by name. The entity type becomes
// invisible to capture and ingest.
func (s *Store) DeleteClass(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sync_classes WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete class %s: %w", name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete class %s: rows affected: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("delete class %s: not found", name)
	}
	return nil
}

// GetClassByName retrieves a sync class. Returns (nil, nil) if the type
// is not registered.
func (s *Store) GetClassByName(ctx context.Context, name string) (*record.SyncClass, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT class_id, name, send_to, receive_from, ordered_fields
		FROM sync_classes
		WHERE name = ?
	`, name)

	c, err := scanClassRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get class %s: %w", name, err)
	}
	return c, nil
}

// ListClasses returns all sync classes ordered by name.
func (s *Store) ListClasses(ctx context.Context) ([]*record.SyncClass, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT class_id, name, send_to, receive_from, ordered_fields
		FROM sync_classes
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query classes: %w", err)
	}
	defer rows.Close()

	classes := []*record.SyncClass{}
	for rows.Next() {
		var c record.SyncClass
		var sendTo, receiveFrom int
		var orderedJSON string
		if err := rows.Scan(&c.ClassID, &c.Name, &sendTo, &receiveFrom, &orderedJSON); err != nil {
			return nil, fmt.Errorf("scan class: %w", err)
		}
		c.SendTo = sendTo != 0
		c.ReceiveFrom = receiveFrom != 0
		if c.OrderedFields, err = unmarshalOrderedFields(orderedJSON); err != nil {
			return nil, fmt.Errorf("class %s: %w", c.Name, err)
		}
		classes = append(classes, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate classes: %w", err)
	}
	return classes, nil
}

func scanClassRow(row *sql.Row) (*record.SyncClass, error) {
	var c record.SyncClass
	var sendTo, receiveFrom int
	var orderedJSON string
	if err := row.Scan(&c.ClassID, &c.Name, &sendTo, &receiveFrom, &orderedJSON); err != nil {
		return nil, err
	}
	c.SendTo = sendTo != 0
	c.ReceiveFrom = receiveFrom != 0
	var err error
	if c.OrderedFields, err = unmarshalOrderedFields(orderedJSON); err != nil {
		return nil, err
	}
	return &c, nil
}
