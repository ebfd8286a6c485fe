package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mhawila/openmrs-module-sync/internal/record"
)

// ErrServerHasQueuedRecords is returned by DeleteServer when records
// received from the server are still in non-terminal states. Deleting
// the server would orphan them; callers opt in explicitly with force.
var ErrServerHasQueuedRecords = errors.New("server has queued records")

// SaveServer inserts or updates a peer, keyed by uuid, and assigns
// ServerID on insert.
//
// Assigning a PARENT is a replace, never an add: any existing parent row
// with a different uuid is removed in the same transaction. The partial
// unique index on role backs this up at the database level, so a racing
// insert fails loudly instead of producing two parents.
func (s *Store) SaveServer(ctx context.Context, srv *record.RemoteServer) error {
	if err := srv.Validate(); err != nil {
		return fmt.Errorf("save server: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save server %s: begin tx: %w", srv.Name, err)
	}
	defer tx.Rollback() // No-op if committed

	if srv.Role == record.RoleParent {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM remote_servers WHERE role = ? AND uuid != ?
		`, string(record.RoleParent), srv.UUID); err != nil {
			return fmt.Errorf("save server %s: replace parent: %w", srv.Name, err)
		}
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO remote_servers (uuid, name, username, role, address, disabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			name = excluded.name,
			username = excluded.username,
			role = excluded.role,
			address = excluded.address,
			disabled = excluded.disabled
	`,
		srv.UUID, srv.Name, srv.Username, string(srv.Role), srv.Address, boolToInt(srv.Disabled),
	)
	if err != nil {
		return fmt.Errorf("save server %s: %w", srv.Name, err)
	}

	if srv.ServerID == 0 {
		// LastInsertId is only meaningful on the insert path; on update
		// fetch the existing id.
		if id, err := result.LastInsertId(); err == nil && id > 0 {
			srv.ServerID = id
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT server_id FROM remote_servers WHERE uuid = ?
		`, srv.UUID).Scan(&srv.ServerID); err != nil {
			return fmt.Errorf("save server %s: resolve id: %w", srv.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save server %s: commit: %w", srv.Name, err)
	}
	return nil
}

// DeleteServer removes a peer by uuid. When records received from that
// peer are still queued (non-terminal), the delete is refused with
// ErrServerHasQueuedRecords unless force is set. A forced delete leaves
// the records in place; they keep their origin uuid and simply no longer
// resolve to a registered server.
func (s *Store) DeleteServer(ctx context.Context, uuid string, force bool) error {
	if !force {
		queueStates := make([]string, len(record.QueueStates))
		args := []any{uuid}
		for i, st := range record.QueueStates {
			queueStates[i] = "?"
			args = append(args, string(st))
		}
		// SENT counts too: an in-flight record must not lose its peer.
		args = append(args, string(record.StateSent))

		var n int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM sync_records
			WHERE origin_server = ? AND state IN (`+strings.Join(queueStates, ",")+`, ?)
		`, args...).Scan(&n)
		if err != nil {
			return fmt.Errorf("delete server %s: count queued: %w", uuid, err)
		}
		if n > 0 {
			return fmt.Errorf("delete server %s: %d queued record(s): %w",
				uuid, n, ErrServerHasQueuedRecords)
		}
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM remote_servers WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("delete server %s: %w", uuid, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete server %s: rows affected: %w", uuid, err)
	}
	if n == 0 {
		return fmt.Errorf("delete server %s: not found", uuid)
	}
	return nil
}

// GetServerByID retrieves a peer by its numeric id. Returns (nil, nil)
// if not found.
func (s *Store) GetServerByID(ctx context.Context, serverID int64) (*record.RemoteServer, error) {
	return s.getServerWhere(ctx, "server_id = ?", serverID)
}

// GetServerByUUID retrieves a peer by uuid. Returns (nil, nil) if not
// found.
func (s *Store) GetServerByUUID(ctx context.Context, uuid string) (*record.RemoteServer, error) {
	return s.getServerWhere(ctx, "uuid = ?", uuid)
}

// GetServerByUsername retrieves the child peer holding the given inbound
// credential. Returns (nil, nil) if not found.
func (s *Store) GetServerByUsername(ctx context.Context, username string) (*record.RemoteServer, error) {
	if username == "" {
		return nil, fmt.Errorf("get server: empty username")
	}
	return s.getServerWhere(ctx, "username = ?", username)
}

// ParentServer returns the single parent peer, or (nil, nil) when this
// node is the root of the star.
func (s *Store) ParentServer(ctx context.Context) (*record.RemoteServer, error) {
	return s.getServerWhere(ctx, "role = ?", string(record.RoleParent))
}

// ListServers returns all peers, parent first, then children by name.
func (s *Store) ListServers(ctx context.Context) ([]*record.RemoteServer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_id, uuid, name, username, role, address, disabled
		FROM remote_servers
		ORDER BY role = 'PARENT' DESC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	defer rows.Close()

	servers := []*record.RemoteServer{}
	for rows.Next() {
		var srv record.RemoteServer
		var role string
		var disabled int
		if err := rows.Scan(&srv.ServerID, &srv.UUID, &srv.Name, &srv.Username,
			&role, &srv.Address, &disabled); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		srv.Role = record.ServerRole(role)
		srv.Disabled = disabled != 0
		servers = append(servers, &srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate servers: %w", err)
	}
	return servers, nil
}

func (s *Store) getServerWhere(ctx context.Context, where string, args ...any) (*record.RemoteServer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT server_id, uuid, name, username, role, address, disabled
		FROM remote_servers
		WHERE `+where+`
		LIMIT 1
	`, args...)

	var srv record.RemoteServer
	var role string
	var disabled int
	err := row.Scan(&srv.ServerID, &srv.UUID, &srv.Name, &srv.Username,
		&role, &srv.Address, &disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get server: %w", err)
	}
	srv.Role = record.ServerRole(role)
	srv.Disabled = disabled != 0
	return &srv, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
