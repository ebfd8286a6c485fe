package ingest

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhawila/openmrs-module-sync/internal/classes"
	"github.com/mhawila/openmrs-module-sync/internal/entity"
	"github.com/mhawila/openmrs-module-sync/internal/record"
	"github.com/mhawila/openmrs-module-sync/internal/store"
)

func newTestApplier(t *testing.T, relay bool, ids record.UUIDGenerator) (*Applier, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := t.Context()
	for _, name := range []string{"Patient", "PatientIdentifier"} {
		require.NoError(t, s.SaveClass(ctx, &record.SyncClass{
			Name: name, SendTo: true, ReceiveFrom: true,
		}))
	}
	reg, err := classes.Load(ctx, s)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewApplier(s, reg, ids, relay, logger), s
}

// incomingRecord builds a valid sealed record as the wire layer would
// hand it over.
func incomingRecord(t *testing.T, uuid string, changes []record.ChangeItem) *record.SyncRecord {
	t.Helper()
	sum, err := record.ChangeSetChecksum(changes)
	require.NoError(t, err)
	return &record.SyncRecord{
		UUID:         uuid,
		OriginalUUID: uuid,
		Timestamp:    time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		State:        record.StateNew,
		Changes:      changes,
		Checksum:     sum,
	}
}

func TestApply_CreateCommits(t *testing.T) {
	a, s := newTestApplier(t, false, nil)
	ctx := t.Context()

	incoming := incomingRecord(t, "r-1", []record.ChangeItem{{
		EntityType: "Patient",
		EntityUUID: "p-1",
		Kind:       record.KindCreate,
		Fields:     map[string]any{"given_name": "Amina"},
	}})

	imp, err := a.Apply(ctx, incoming, "child-1")
	require.NoError(t, err)
	assert.Equal(t, record.ImportCommitted, imp.State)
	assert.Equal(t, "r-1", imp.OriginalUUID)
	assert.Equal(t, "child-1", imp.SourceServerUUID)

	e, err := entity.Get(ctx, s.DB(), "Patient", "p-1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "Amina", e.Fields["given_name"])

	// The committed import record is durable.
	stored, err := s.GetCommittedImport(ctx, "r-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestApply_SecondApplyShortCircuits(t *testing.T) {
	a, s := newTestApplier(t, false, nil)
	ctx := t.Context()

	incoming := incomingRecord(t, "r-1", []record.ChangeItem{{
		EntityType: "Patient",
		EntityUUID: "p-1",
		Kind:       record.KindCreate,
		Fields:     map[string]any{"given_name": "Amina"},
	}})

	first, err := a.Apply(ctx, incoming, "child-1")
	require.NoError(t, err)
	require.Equal(t, record.ImportCommitted, first.State)

	before, err := entity.Get(ctx, s.DB(), "Patient", "p-1")
	require.NoError(t, err)

	second, err := a.Apply(ctx, incoming, "child-1")
	require.NoError(t, err)
	assert.Equal(t, record.ImportAlreadyCommitted, second.State)

	// No side effects: entity state, including version, is untouched.
	after, err := entity.Get(ctx, s.DB(), "Patient", "p-1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Fields, after.Fields)
}

func TestApply_SameBatchOwnerResolution(t *testing.T) {
	a, s := newTestApplier(t, false, nil)
	ctx := t.Context()

	// Create Patient, then in a later change of the same record add an
	// identifier to its collection. The second change must resolve the
	// patient through the batch identity map, not storage.
	incoming := incomingRecord(t, "r-1", []record.ChangeItem{
		{
			EntityType: "Patient",
			EntityUUID: "p-1",
			Kind:       record.KindCreate,
			Fields:     map[string]any{"given_name": "Amina"},
		},
		{
			EntityType: "Patient",
			EntityUUID: "p-1",
			Kind:       record.KindUpdate,
			Collections: []record.CollectionDiff{{
				Field: "identifiers",
				Entries: []record.CollectionEntry{
					{UUID: "id-1", Action: record.EntryAdd, Payload: map[string]any{"identifier": "OMRS-100"}},
				},
			}},
		},
	})

	imp, err := a.Apply(ctx, incoming, "child-1")
	require.NoError(t, err)
	require.Equal(t, record.ImportCommitted, imp.State)

	e, err := entity.Get(ctx, s.DB(), "Patient", "p-1")
	require.NoError(t, err)
	require.NotNil(t, e)
	ids := e.Collection("identifiers")
	require.Len(t, ids, 1)
	assert.Equal(t, "id-1", ids[0].UUID)
	assert.Equal(t, "OMRS-100", ids[0].Payload["identifier"])
}

func TestApply_FailureRollsBackWholeRecord(t *testing.T) {
	a, s := newTestApplier(t, false, nil)
	ctx := t.Context()

	incoming := incomingRecord(t, "r-1", []record.ChangeItem{
		{
			EntityType: "Patient",
			EntityUUID: "p-1",
			Kind:       record.KindCreate,
			Fields:     map[string]any{"given_name": "Amina"},
		},
		{
			EntityType: "Patient",
			EntityUUID: "p-missing",
			Kind:       record.KindUpdate,
			Fields:     map[string]any{"given_name": "Ghost"},
		},
	})

	imp, err := a.Apply(ctx, incoming, "child-1")
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	require.NotNil(t, imp)
	assert.Equal(t, record.ImportConflict, imp.State)
	assert.NotEmpty(t, imp.ErrorDetail)

	// The create in the same record did not survive.
	e, err := entity.Get(ctx, s.DB(), "Patient", "p-1")
	require.NoError(t, err)
	assert.Nil(t, e)

	// The failure import record survived the rollback.
	conflicts, err := s.ListImportsByState(ctx, record.ImportConflict)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "r-1", conflicts[0].OriginalUUID)
}

func TestApply_RetryAfterFailureSucceeds(t *testing.T) {
	a, s := newTestApplier(t, false, nil)
	ctx := t.Context()

	bad := incomingRecord(t, "r-1", []record.ChangeItem{{
		EntityType: "Patient",
		EntityUUID: "p-1",
		Kind:       record.KindUpdate,
		Fields:     map[string]any{"given_name": "Ghost"},
	}})

	_, err := a.Apply(ctx, bad, "child-1")
	require.Error(t, err)

	// The target shows up (a concurrent create landed); the retry of
	// the same original uuid now commits despite the earlier CONFLICT.
	require.NoError(t, entity.Save(ctx, s.DB(), entity.New("Patient", "p-1")))

	imp, err := a.Apply(ctx, bad, "child-1")
	require.NoError(t, err)
	assert.Equal(t, record.ImportCommitted, imp.State)
}

func TestApply_VersionMismatchIsConflict(t *testing.T) {
	a, s := newTestApplier(t, false, nil)
	ctx := t.Context()

	e := entity.New("Patient", "p-1")
	require.NoError(t, entity.Save(ctx, s.DB(), e)) // version 1
	e.Fields["given_name"] = "edited locally"
	require.NoError(t, entity.Save(ctx, s.DB(), e)) // version 2

	incoming := incomingRecord(t, "r-1", []record.ChangeItem{{
		EntityType:  "Patient",
		EntityUUID:  "p-1",
		Kind:        record.KindUpdate,
		Fields:      map[string]any{"given_name": "stale"},
		BaseVersion: 1,
	}})

	imp, err := a.Apply(ctx, incoming, "child-1")
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Equal(t, record.ImportConflict, imp.State)
	assert.Contains(t, imp.ErrorDetail, "version mismatch")

	// Local edit wins until an operator merges.
	got, err := entity.Get(ctx, s.DB(), "Patient", "p-1")
	require.NoError(t, err)
	assert.Equal(t, "edited locally", got.Fields["given_name"])
}

func TestApply_MatchingBaseVersionCommits(t *testing.T) {
	a, s := newTestApplier(t, false, nil)
	ctx := t.Context()

	require.NoError(t, entity.Save(ctx, s.DB(), entity.New("Patient", "p-1"))) // version 1

	incoming := incomingRecord(t, "r-1", []record.ChangeItem{{
		EntityType:  "Patient",
		EntityUUID:  "p-1",
		Kind:        record.KindUpdate,
		Fields:      map[string]any{"given_name": "fresh"},
		BaseVersion: 1,
	}})

	imp, err := a.Apply(ctx, incoming, "child-1")
	require.NoError(t, err)
	assert.Equal(t, record.ImportCommitted, imp.State)
}

func TestApply_ExcludedClassFails(t *testing.T) {
	a, s := newTestApplier(t, false, nil)
	ctx := t.Context()

	incoming := incomingRecord(t, "r-1", []record.ChangeItem{{
		EntityType: "AuditLog",
		EntityUUID: "log-1",
		Kind:       record.KindCreate,
		Fields:     map[string]any{"entry": "x"},
	}})

	imp, err := a.Apply(ctx, incoming, "child-1")
	require.Error(t, err)
	assert.False(t, IsConflict(err))
	assert.Equal(t, record.ImportFailed, imp.State)
	assert.Contains(t, imp.ErrorDetail, "CLASS_EXCLUDED")

	failed, err := s.ListImportsByState(ctx, record.ImportFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
}

func TestApply_TamperedChecksumFails(t *testing.T) {
	a, _ := newTestApplier(t, false, nil)
	ctx := t.Context()

	incoming := incomingRecord(t, "r-1", []record.ChangeItem{{
		EntityType: "Patient",
		EntityUUID: "p-1",
		Kind:       record.KindCreate,
		Fields:     map[string]any{"given_name": "Amina"},
	}})
	incoming.Changes[0].Fields["given_name"] = "Mallory"

	imp, err := a.Apply(ctx, incoming, "child-1")
	require.Error(t, err)
	assert.Equal(t, record.ImportFailed, imp.State)
}

func TestApply_DeleteThenReferenceFails(t *testing.T) {
	a, s := newTestApplier(t, false, nil)
	ctx := t.Context()

	require.NoError(t, entity.Save(ctx, s.DB(), entity.New("Patient", "p-1")))

	incoming := incomingRecord(t, "r-1", []record.ChangeItem{
		{EntityType: "Patient", EntityUUID: "p-1", Kind: record.KindDelete},
		{EntityType: "Patient", EntityUUID: "p-1", Kind: record.KindUpdate,
			Fields: map[string]any{"given_name": "back from the dead"}},
	})

	imp, err := a.Apply(ctx, incoming, "child-1")
	require.Error(t, err)
	assert.False(t, IsConflict(err))
	assert.Equal(t, record.ImportFailed, imp.State)

	// Rollback: the delete did not land either.
	e, err := entity.Get(ctx, s.DB(), "Patient", "p-1")
	require.NoError(t, err)
	assert.NotNil(t, e)
}

func TestApply_DeleteCommits(t *testing.T) {
	a, s := newTestApplier(t, false, nil)
	ctx := t.Context()

	require.NoError(t, entity.Save(ctx, s.DB(), entity.New("Patient", "p-1")))

	incoming := incomingRecord(t, "r-1", []record.ChangeItem{{
		EntityType: "Patient", EntityUUID: "p-1", Kind: record.KindDelete,
	}})

	imp, err := a.Apply(ctx, incoming, "child-1")
	require.NoError(t, err)
	assert.Equal(t, record.ImportCommitted, imp.State)

	e, err := entity.Get(ctx, s.DB(), "Patient", "p-1")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestApply_RelayEnqueuesDerivedRecord(t *testing.T) {
	gen := record.NewFixedGenerator("derived-uuid-1")
	a, s := newTestApplier(t, true, gen)
	ctx := t.Context()

	incoming := incomingRecord(t, "r-orig", []record.ChangeItem{{
		EntityType: "Patient",
		EntityUUID: "p-1",
		Kind:       record.KindCreate,
		Fields:     map[string]any{"given_name": "Amina"},
	}})

	imp, err := a.Apply(ctx, incoming, "child-1")
	require.NoError(t, err)
	require.Equal(t, record.ImportCommitted, imp.State)

	derived, err := s.GetRecord(ctx, "derived-uuid-1")
	require.NoError(t, err)
	require.NotNil(t, derived)
	assert.Equal(t, "r-orig", derived.OriginalUUID)
	assert.Equal(t, "child-1", derived.OriginServerUUID)
	assert.Equal(t, record.StateNew, derived.State)
	assert.Equal(t, incoming.Checksum, derived.Checksum)
	require.Len(t, derived.Changes, 1)
	assert.Equal(t, "p-1", derived.Changes[0].EntityUUID)
}

func TestApply_NonRelayLeavesQueueEmpty(t *testing.T) {
	a, s := newTestApplier(t, false, nil)
	ctx := t.Context()

	incoming := incomingRecord(t, "r-1", []record.ChangeItem{{
		EntityType: "Patient",
		EntityUUID: "p-1",
		Kind:       record.KindCreate,
		Fields:     map[string]any{"given_name": "Amina"},
	}})

	_, err := a.Apply(ctx, incoming, "child-1")
	require.NoError(t, err)

	queued, err := s.FirstInQueue(ctx)
	require.NoError(t, err)
	assert.Nil(t, queued)
}
