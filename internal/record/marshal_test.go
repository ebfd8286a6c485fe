package record

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wireFixture is a representative two-change record: create an owner,
// then add an entry to one of its collections. The wire form of this
// fixture is pinned by a golden file so accidental format drift is
// caught at review time.
func wireFixture(t *testing.T) *SyncRecord {
	t.Helper()

	changes := []ChangeItem{
		{
			EntityType: "Patient",
			EntityUUID: "p-0001",
			Kind:       KindCreate,
			Fields:     map[string]any{"gender": "F", "name": "Ada Lovelace"},
		},
		{
			EntityType: "Patient",
			EntityUUID: "p-0001",
			Kind:       KindUpdate,
			Collections: []CollectionDiff{{
				Field:   "identifiers",
				Ordered: true,
				Entries: []CollectionEntry{
					{UUID: "id-0001", Action: EntryAdd, Payload: map[string]any{"type": "MRN", "value": "12345"}},
				},
			}},
		},
	}
	sum, err := ChangeSetChecksum(changes)
	require.NoError(t, err)

	return &SyncRecord{
		UUID:         "0195e9a0-0000-7000-8000-000000000001",
		OriginalUUID: "0195e9a0-0000-7000-8000-000000000001",
		Timestamp:    time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		State:        StateNew,
		Changes:      changes,
		Checksum:     sum,
	}
}

func TestMarshalGolden(t *testing.T) {
	data, err := Marshal(wireFixture(t))
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "patient_record", data)
}

func TestUnmarshalRoundTrip(t *testing.T) {
	orig := wireFixture(t)
	data, err := Marshal(orig)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, orig.UUID, got.UUID)
	assert.Equal(t, orig.OriginalUUID, got.OriginalUUID)
	assert.Equal(t, orig.Checksum, got.Checksum)
	assert.Equal(t, StateNew, got.State, "transported records always arrive NEW")
	assert.Zero(t, got.RecordID, "local sequence is never transmitted")
	require.Len(t, got.Changes, 2)
	assert.Equal(t, KindCreate, got.Changes[0].Kind)
	require.Len(t, got.Changes[1].Collections, 1)
	assert.True(t, got.Changes[1].Collections[0].Ordered)
	require.NoError(t, got.VerifyChecksum())
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte("not json"))
	assert.Error(t, err)

	// Structurally valid JSON, structurally invalid record.
	_, err = Unmarshal([]byte(`{"uuid":"a","original_uuid":"","changes":[]}`))
	assert.Error(t, err)
}

func TestVerifyChecksumDetectsTampering(t *testing.T) {
	rec := wireFixture(t)
	data, err := Marshal(rec)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)

	got.Changes[0].Fields["name"] = "Mallory"
	assert.ErrorContains(t, got.VerifyChecksum(), "checksum mismatch")
}
