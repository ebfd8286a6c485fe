package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mhawila/openmrs-module-sync/internal/record"
)

// createTestStore creates a file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRecord builds a minimal valid record with a single create
// change and a computed checksum.
func createTestRecord(t *testing.T, uuid string, ts time.Time) *record.SyncRecord {
	t.Helper()
	changes := []record.ChangeItem{{
		EntityType: "Patient",
		EntityUUID: "p-" + uuid,
		Kind:       record.KindCreate,
		Fields:     map[string]any{"name": "test"},
	}}
	sum, err := record.ChangeSetChecksum(changes)
	if err != nil {
		t.Fatalf("ChangeSetChecksum() failed: %v", err)
	}
	return &record.SyncRecord{
		UUID:         uuid,
		OriginalUUID: uuid,
		Timestamp:    ts,
		State:        record.StateNew,
		Changes:      changes,
		Checksum:     sum,
	}
}

// mustCreate inserts a record and fails the test on error.
func mustCreate(t *testing.T, s *Store, r *record.SyncRecord) {
	t.Helper()
	if err := s.CreateRecord(t.Context(), r); err != nil {
		t.Fatalf("CreateRecord(%s) failed: %v", r.UUID, err)
	}
}

func testServer(uuid, name string, role record.ServerRole) *record.RemoteServer {
	srv := &record.RemoteServer{
		UUID:    uuid,
		Name:    name,
		Role:    role,
		Address: "https://" + name + ".example.org",
	}
	if role == record.RoleChild {
		srv.Username = name + "-user"
	}
	return srv
}
