// Package peers exposes the remote server registry: the set of known
// nodes in the star topology and the single parent relationship.
package peers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mhawila/openmrs-module-sync/internal/record"
	"github.com/mhawila/openmrs-module-sync/internal/store"
)

// ErrUnknownChild is returned by Authenticate for a username that does
// not resolve to an enabled child.
var ErrUnknownChild = errors.New("unknown child username")

// Registry manages peer definitions over the node store.
type Registry struct {
	store  *store.Store
	logger *slog.Logger
}

// NewRegistry wires the registry. A nil logger uses the process default.
func NewRegistry(s *store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: s, logger: logger}
}

// Save inserts or updates a peer. Assigning a parent replaces any
// existing parent relationship.
func (r *Registry) Save(ctx context.Context, srv *record.RemoteServer) error {
	if err := r.store.SaveServer(ctx, srv); err != nil {
		return err
	}
	r.logger.Info("peer saved",
		"uuid", srv.UUID, "name", srv.Name, "role", string(srv.Role))
	return nil
}

// Delete removes a peer. Without force the delete is refused while
// records received from that peer are still queued, since a hard
// removal would orphan them.
func (r *Registry) Delete(ctx context.Context, uuid string, force bool) error {
	if err := r.store.DeleteServer(ctx, uuid, force); err != nil {
		return err
	}
	r.logger.Info("peer deleted", "uuid", uuid, "forced", force)
	return nil
}

// GetByID looks a peer up by its local row id.
func (r *Registry) GetByID(ctx context.Context, serverID int64) (*record.RemoteServer, error) {
	return r.store.GetServerByID(ctx, serverID)
}

// GetByUUID looks a peer up by its global identity.
func (r *Registry) GetByUUID(ctx context.Context, uuid string) (*record.RemoteServer, error) {
	return r.store.GetServerByUUID(ctx, uuid)
}

// Parent returns the single parent peer, or nil when the node is the
// root of the star.
func (r *Registry) Parent(ctx context.Context) (*record.RemoteServer, error) {
	return r.store.ParentServer(ctx)
}

// List returns all peers, parent first.
func (r *Registry) List(ctx context.Context) ([]*record.RemoteServer, error) {
	return r.store.ListServers(ctx)
}

// Authenticate resolves an inbound child connection by username. A
// disabled child is rejected the same as an unknown one.
func (r *Registry) Authenticate(ctx context.Context, username string) (*record.RemoteServer, error) {
	if username == "" {
		return nil, fmt.Errorf("authenticate: %w", ErrUnknownChild)
	}
	srv, err := r.store.GetServerByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if srv == nil || srv.Role != record.RoleChild || srv.Disabled {
		return nil, fmt.Errorf("authenticate %q: %w", username, ErrUnknownChild)
	}
	return srv, nil
}
