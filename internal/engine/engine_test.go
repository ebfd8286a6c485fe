package engine

import (
	"bytes"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhawila/openmrs-module-sync/internal/entity"
	"github.com/mhawila/openmrs-module-sync/internal/record"
	"github.com/mhawila/openmrs-module-sync/internal/store"
)

func newTestEngine(t *testing.T, ids record.UUIDGenerator) *Engine {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := t.Context()
	for _, name := range []string{"Patient", "PatientIdentifier"} {
		require.NoError(t, s.SaveClass(ctx, &record.SyncClass{
			Name: name, SendTo: true, ReceiveFrom: true,
		}))
	}

	e, err := New(ctx, s, Options{
		MaxRetries: 3,
		IDs:        ids,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return e
}

func TestInitialize_AssignsIdentityOnce(t *testing.T) {
	e := newTestEngine(t, record.NewFixedGenerator("node-uuid-1", "node-uuid-2"))
	ctx := t.Context()

	uuid, err := e.Initialize(ctx, "origin")
	require.NoError(t, err)
	assert.Equal(t, "node-uuid-1", uuid)

	again, err := e.Initialize(ctx, "renamed")
	require.NoError(t, err)
	assert.Equal(t, "node-uuid-1", again)

	got, err := e.NodeUUID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-uuid-1", got)
}

func TestCommitWithRecord_AtomicCapture(t *testing.T) {
	e := newTestEngine(t, record.NewFixedGenerator("rec-1"))
	ctx := t.Context()

	rec, err := e.CommitWithRecord(ctx, func(tx *sql.Tx) ([]record.ChangeItem, error) {
		p := entity.New("Patient", "p-1")
		p.Fields["given_name"] = "Amina"
		if err := entity.Save(ctx, tx, p); err != nil {
			return nil, err
		}
		return []record.ChangeItem{{
			EntityType: "Patient",
			EntityUUID: "p-1",
			Kind:       record.KindCreate,
			Fields:     map[string]any{"given_name": "Amina"},
		}}, nil
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "rec-1", rec.UUID)
	assert.Equal(t, "rec-1", rec.OriginalUUID)
	assert.Equal(t, record.StateNew, rec.State)
	assert.NotZero(t, rec.RecordID)
	assert.NoError(t, rec.VerifyChecksum())

	// Both the entity and the record landed.
	p, err := entity.Get(ctx, e.Store().DB(), "Patient", "p-1")
	require.NoError(t, err)
	assert.NotNil(t, p)
	first, err := e.Queue().FirstInQueue(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, rec.RecordID, first.RecordID)
}

func TestCommitWithRecord_RollsBackTogether(t *testing.T) {
	e := newTestEngine(t, record.NewFixedGenerator("rec-1"))
	ctx := t.Context()

	_, err := e.CommitWithRecord(ctx, func(tx *sql.Tx) ([]record.ChangeItem, error) {
		p := entity.New("Patient", "p-1")
		if err := entity.Save(ctx, tx, p); err != nil {
			return nil, err
		}
		return nil, assert.AnError
	})
	require.Error(t, err)

	// Neither the entity nor any record survived.
	p, err := entity.Get(ctx, e.Store().DB(), "Patient", "p-1")
	require.NoError(t, err)
	assert.Nil(t, p)
	first, err := e.Queue().FirstInQueue(ctx)
	require.NoError(t, err)
	assert.Nil(t, first)
}

func TestCommitWithRecord_FiltersNonParticipatingTypes(t *testing.T) {
	e := newTestEngine(t, record.NewFixedGenerator("rec-1"))
	ctx := t.Context()

	rec, err := e.CommitWithRecord(ctx, func(tx *sql.Tx) ([]record.ChangeItem, error) {
		return []record.ChangeItem{{
			EntityType: "AuditLog",
			EntityUUID: "log-1",
			Kind:       record.KindCreate,
			Fields:     map[string]any{"entry": "x"},
		}}, nil
	})
	require.NoError(t, err)
	assert.Nil(t, rec, "nothing participating, no record")

	first, err := e.Queue().FirstInQueue(ctx)
	require.NoError(t, err)
	assert.Nil(t, first)
}

// The full star hop: origin captures Patient P plus identifier I1 in one
// transaction, transport moves the bytes, the peer ingests, and the
// acknowledgement commits the origin record.
func TestEndToEnd_PatientWithIdentifier(t *testing.T) {
	origin := newTestEngine(t, record.NewFixedGenerator("origin-node", "rec-1"))
	peer := newTestEngine(t, record.NewFixedGenerator("peer-node"))
	ctx := t.Context()

	originUUID, err := origin.Initialize(ctx, "origin")
	require.NoError(t, err)
	peerUUID, err := peer.Initialize(ctx, "peer")
	require.NoError(t, err)

	// Each node knows the other; the peer is a leaf under origin.
	require.NoError(t, origin.Peers().Save(ctx, &record.RemoteServer{
		UUID: peerUUID, Name: "peer", Role: record.RoleChild, Username: "peer",
	}))
	require.NoError(t, peer.Peers().Save(ctx, &record.RemoteServer{
		UUID: originUUID, Name: "origin", Role: record.RoleParent,
	}))

	rec, err := origin.CommitWithRecord(ctx, func(tx *sql.Tx) ([]record.ChangeItem, error) {
		p := entity.New("Patient", "p-1")
		p.Fields["given_name"] = "Amina"
		p.SetCollection("identifiers", []entity.Entry{
			{UUID: "i-1", Payload: map[string]any{"identifier": "OMRS-100"}},
		})
		if err := entity.Save(ctx, tx, p); err != nil {
			return nil, err
		}
		return []record.ChangeItem{
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
						{UUID: "i-1", Action: record.EntryAdd, Payload: map[string]any{"identifier": "OMRS-100"}},
					},
				}},
			},
		}, nil
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Len(t, rec.Changes, 2)

	// Transport claims, serializes, and delivers.
	claimed, err := origin.NextForTransport(ctx, peerUUID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, record.StateSent, claimed.State)

	payload, err := record.Marshal(claimed)
	require.NoError(t, err)

	imp, err := peer.ApplyIncomingRecord(ctx, payload, originUUID)
	require.NoError(t, err)
	assert.Equal(t, record.ImportCommitted, imp.State)
	assert.Equal(t, rec.OriginalUUID, imp.OriginalUUID)

	// Acknowledgement completes the origin record.
	state, err := origin.Acknowledge(ctx, claimed.RecordID, imp.State)
	require.NoError(t, err)
	assert.Equal(t, record.StateCommitted, state)

	// The peer has Patient P with exactly identifier I1.
	p, err := entity.Get(ctx, peer.Store().DB(), "Patient", "p-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Amina", p.Fields["given_name"])
	ids := p.Collection("identifiers")
	require.Len(t, ids, 1)
	assert.Equal(t, "i-1", ids[0].UUID)

	// A committed import record keyed by the original uuid exists.
	stored, err := peer.Store().GetCommittedImport(ctx, rec.OriginalUUID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	// The leaf peer has no one to relay to: its queue stays empty.
	queued, err := peer.Queue().FirstInQueue(ctx)
	require.NoError(t, err)
	assert.Nil(t, queued)

	// Redelivery short-circuits without side effects.
	again, err := peer.ApplyIncomingRecord(ctx, payload, originUUID)
	require.NoError(t, err)
	assert.Equal(t, record.ImportAlreadyCommitted, again.State)
}

func TestApplyIncomingRecord_RelaysThroughHub(t *testing.T) {
	hub := newTestEngine(t, record.NewFixedGenerator("hub-node", "derived-1"))
	ctx := t.Context()

	_, err := hub.Initialize(ctx, "hub")
	require.NoError(t, err)
	require.NoError(t, hub.Peers().Save(ctx, &record.RemoteServer{
		UUID: "child-a", Name: "clinic A", Role: record.RoleChild, Username: "clinic-a",
	}))
	require.NoError(t, hub.Peers().Save(ctx, &record.RemoteServer{
		UUID: "child-b", Name: "clinic B", Role: record.RoleChild, Username: "clinic-b",
	}))

	changes := []record.ChangeItem{{
		EntityType: "Patient",
		EntityUUID: "p-1",
		Kind:       record.KindCreate,
		Fields:     map[string]any{"given_name": "Amina"},
	}}
	sum, err := record.ChangeSetChecksum(changes)
	require.NoError(t, err)
	payload, err := record.Marshal(&record.SyncRecord{
		UUID:         "rec-from-a",
		OriginalUUID: "rec-from-a",
		Timestamp:    time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		State:        record.StateNew,
		Changes:      changes,
		Checksum:     sum,
	})
	require.NoError(t, err)

	imp, err := hub.ApplyIncomingRecord(ctx, payload, "child-a")
	require.NoError(t, err)
	require.Equal(t, record.ImportCommitted, imp.State)

	// The derived record is queued for child-b but never echoed to child-a.
	next, err := hub.NextForTransport(ctx, "child-a")
	require.NoError(t, err)
	assert.Nil(t, next)

	next, err = hub.NextForTransport(ctx, "child-b")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "derived-1", next.UUID)
	assert.Equal(t, "rec-from-a", next.OriginalUUID)
	assert.Equal(t, "child-a", next.OriginServerUUID)
}

func TestApplyIncomingRecord_RejectsGarbage(t *testing.T) {
	e := newTestEngine(t, nil)

	_, err := e.ApplyIncomingRecord(t.Context(), []byte("not json"), "child-1")
	require.Error(t, err)
}

func TestSnapshotForNewChild_AssignsIdentity(t *testing.T) {
	e := newTestEngine(t, record.NewFixedGenerator("node-1", "fresh-child"))
	ctx := t.Context()

	_, err := e.Initialize(ctx, "hub")
	require.NoError(t, err)

	var buf bytes.Buffer
	childUUID, err := e.SnapshotForNewChild(ctx, &buf, "")
	require.NoError(t, err)
	assert.Equal(t, "fresh-child", childUUID)
	assert.True(t, strings.Contains(buf.String(), "fresh-child"))
	assert.False(t, strings.Contains(buf.String(), "node-1"),
		"origin identity must not leak into the snapshot")
}

func TestStatisticsAndBacklog(t *testing.T) {
	e := newTestEngine(t, record.NewFixedGenerator("rec-1", "rec-2"))
	ctx := t.Context()

	for range 2 {
		_, err := e.CommitWithRecord(ctx, func(tx *sql.Tx) ([]record.ChangeItem, error) {
			return []record.ChangeItem{{
				EntityType: "Patient",
				EntityUUID: "p-1",
				Kind:       record.KindUpdate,
				Fields:     map[string]any{"given_name": "x"},
			}}, nil
		})
		require.NoError(t, err)
	}

	n, err := e.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	statsList, err := e.Statistics(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, statsList, 1)
	assert.Equal(t, "local", statsList[0].ServerName)
	assert.Equal(t, record.StateNew, statsList[0].State)
	assert.Equal(t, int64(2), statsList[0].Count)
}
