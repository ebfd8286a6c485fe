package record

import "fmt"

// ServerRole distinguishes the two peer roles in the star topology.
type ServerRole string

const (
	// RoleParent is the single upstream node. A node has at most one
	// parent at a time; assigning a new parent replaces the old one.
	RoleParent ServerRole = "PARENT"

	// RoleChild is a downstream node. A child authenticates inbound with
	// its username; lookups by username resolve to exactly one child.
	RoleChild ServerRole = "CHILD"
)

// Valid reports whether r is a known role.
func (r ServerRole) Valid() bool {
	return r == RoleParent || r == RoleChild
}

// RemoteServer is a peer node in the star topology.
type RemoteServer struct {
	ServerID int64
	UUID     string
	Name     string

	// Username is the child-side credential used to authenticate an
	// inbound child connection. Empty for the parent.
	Username string

	Role ServerRole

	// Address is the opaque connection descriptor handed to the external
	// transport. The engine never dials it.
	Address string

	Disabled bool
}

// Validate checks the structural invariants of a server definition.
func (s *RemoteServer) Validate() error {
	if s.UUID == "" {
		return fmt.Errorf("remote server: missing uuid")
	}
	if s.Name == "" {
		return fmt.Errorf("remote server %s: missing name", s.UUID)
	}
	if !s.Role.Valid() {
		return fmt.Errorf("remote server %s: invalid role %q", s.Name, s.Role)
	}
	if s.Role == RoleChild && s.Username == "" {
		return fmt.Errorf("remote server %s: child requires a username", s.Name)
	}
	return nil
}
