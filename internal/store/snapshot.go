package store

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// WriteSnapshot streams a provisioning dump for bootstrapping a new
// child node: SQL that recreates this node's entity state, sync classes
// and node properties, with the child's own identity embedded and all
// replication history stripped (no sync records, no import records, no
// peer rows). The child applies the dump to a freshly initialised
// database instead of cold-starting empty.
//
// childUUID, when empty, is generated by the caller and passed in; the
// value actually embedded is returned so callers can register the child
// afterwards.
func (s *Store) WriteSnapshot(ctx context.Context, w io.Writer, childUUID string) error {
	if childUUID == "" {
		return fmt.Errorf("write snapshot: missing child uuid")
	}

	if _, err := fmt.Fprintf(w, "-- provisioning snapshot for child %s\nBEGIN TRANSACTION;\n", childUUID); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	if err := s.dumpTable(ctx, w, "sync_classes",
		"name, send_to, receive_from, ordered_fields",
		`SELECT name, send_to, receive_from, ordered_fields FROM sync_classes ORDER BY class_id`); err != nil {
		return err
	}
	if err := s.dumpTable(ctx, w, "entities",
		"entity_type, uuid, fields, collections, version",
		`SELECT entity_type, uuid, fields, collections, version FROM entities ORDER BY entity_type, uuid`); err != nil {
		return err
	}

	// Properties, minus this node's identity: the child gets its own.
	if err := s.dumpTable(ctx, w, "sync_properties", "name, value",
		`SELECT name, value FROM sync_properties WHERE name NOT IN (?, ?) ORDER BY name`,
		PropServerUUID, PropServerName); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w,
		"INSERT INTO sync_properties (name, value) VALUES (%s, %s);\nCOMMIT;\n",
		sqlQuote(PropServerUUID), sqlQuote(childUUID)); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// dumpTable emits one INSERT statement per row of the given query. All
// dumped columns are TEXT or INTEGER; that is a property of the schema,
// not a coincidence.
func (s *Store) dumpTable(ctx context.Context, w io.Writer, table, columns, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("snapshot %s: columns: %w", table, err)
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("snapshot %s: scan: %w", table, err)
		}
		lits := make([]string, len(values))
		for i, v := range values {
			lits[i] = sqlLiteral(v)
		}
		if _, err := fmt.Fprintf(w, "INSERT INTO %s (%s) VALUES (%s);\n",
			table, columns, strings.Join(lits, ", ")); err != nil {
			return fmt.Errorf("snapshot %s: %w", table, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("snapshot %s: iterate: %w", table, err)
	}
	return nil
}

func sqlLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return fmt.Sprintf("%d", val)
	case []byte:
		return sqlQuote(string(val))
	case string:
		return sqlQuote(val)
	default:
		return sqlQuote(fmt.Sprintf("%v", val))
	}
}

// sqlQuote produces a single-quoted SQL string literal with embedded
// quotes doubled.
func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
