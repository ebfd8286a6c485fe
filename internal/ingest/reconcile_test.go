package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhawila/openmrs-module-sync/internal/entity"
	"github.com/mhawila/openmrs-module-sync/internal/record"
)

func uuids(entries []entity.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.UUID
	}
	return out
}

func TestReconcile_AddUpdateRemove(t *testing.T) {
	owner := entity.New("Patient", "p-1")
	owner.SetCollection("identifiers", []entity.Entry{
		{UUID: "a", Payload: map[string]any{"v": "old"}},
	})

	diff := record.CollectionDiff{
		Field: "identifiers",
		Entries: []record.CollectionEntry{
			{UUID: "a", Action: record.EntryUpdate, Payload: map[string]any{"v": "new"}},
			{UUID: "b", Action: record.EntryAdd, Payload: map[string]any{"v": "b"}},
			{UUID: "c", Action: record.EntryAdd, Payload: map[string]any{"v": "c"}},
			{UUID: "c", Action: record.EntryRemove},
		},
	}
	require.Nil(t, reconcileCollection(owner, diff, false))

	got := owner.Collection("identifiers")
	assert.Equal(t, []string{"a", "b"}, uuids(got))
	assert.Equal(t, "new", got[0].Payload["v"])
}

func TestReconcile_AddIsIdempotent(t *testing.T) {
	owner := entity.New("Patient", "p-1")
	diff := record.CollectionDiff{
		Field: "identifiers",
		Entries: []record.CollectionEntry{
			{UUID: "a", Action: record.EntryAdd, Payload: map[string]any{"v": "first"}},
		},
	}
	require.Nil(t, reconcileCollection(owner, diff, false))
	require.Nil(t, reconcileCollection(owner, diff, false))

	got := owner.Collection("identifiers")
	require.Len(t, got, 1)
	// The second add is a no-op, not an overwrite.
	assert.Equal(t, "first", got[0].Payload["v"])
}

func TestReconcile_RemoveAbsentIsNoop(t *testing.T) {
	owner := entity.New("Patient", "p-1")
	owner.SetCollection("identifiers", []entity.Entry{{UUID: "a"}})

	diff := record.CollectionDiff{
		Field: "identifiers",
		Entries: []record.CollectionEntry{
			{UUID: "ghost", Action: record.EntryRemove},
		},
	}
	require.Nil(t, reconcileCollection(owner, diff, false))
	assert.Equal(t, []string{"a"}, uuids(owner.Collection("identifiers")))
}

func TestReconcile_UpdateAbsentBehavesAsAdd(t *testing.T) {
	owner := entity.New("Patient", "p-1")
	diff := record.CollectionDiff{
		Field: "identifiers",
		Entries: []record.CollectionEntry{
			{UUID: "a", Action: record.EntryUpdate, Payload: map[string]any{"v": "x"}},
		},
	}
	require.Nil(t, reconcileCollection(owner, diff, false))

	got := owner.Collection("identifiers")
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].Payload["v"])
}

func TestReconcile_AddAddRemoveLeavesB(t *testing.T) {
	for _, ordered := range []bool{false, true} {
		owner := entity.New("Patient", "p-1")
		diff := record.CollectionDiff{
			Field: "identifiers",
			Entries: []record.CollectionEntry{
				{UUID: "a", Action: record.EntryAdd},
				{UUID: "b", Action: record.EntryAdd},
				{UUID: "a", Action: record.EntryRemove},
			},
		}
		require.Nil(t, reconcileCollection(owner, diff, ordered))
		assert.Equal(t, []string{"b"}, uuids(owner.Collection("identifiers")), "ordered=%v", ordered)
	}
}

func TestReconcile_OrderedFollowsEntrySequence(t *testing.T) {
	owner := entity.New("Patient", "p-1")
	owner.SetCollection("names", []entity.Entry{
		{UUID: "local"},
		{UUID: "b"},
		{UUID: "a"},
	})

	// The diff reorders a before b; the untouched local entry stays first.
	diff := record.CollectionDiff{
		Field:   "names",
		Ordered: true,
		Entries: []record.CollectionEntry{
			{UUID: "a", Action: record.EntryUpdate, Payload: map[string]any{"rank": "1"}},
			{UUID: "b", Action: record.EntryUpdate, Payload: map[string]any{"rank": "2"}},
		},
	}
	require.Nil(t, reconcileCollection(owner, diff, true))
	assert.Equal(t, []string{"local", "a", "b"}, uuids(owner.Collection("names")))
}

func TestReconcile_UnorderedKeepsLocalOrder(t *testing.T) {
	owner := entity.New("Patient", "p-1")
	owner.SetCollection("identifiers", []entity.Entry{
		{UUID: "b"},
		{UUID: "a"},
	})

	diff := record.CollectionDiff{
		Field: "identifiers",
		Entries: []record.CollectionEntry{
			{UUID: "a", Action: record.EntryUpdate, Payload: map[string]any{"v": "x"}},
		},
	}
	require.Nil(t, reconcileCollection(owner, diff, false))
	assert.Equal(t, []string{"b", "a"}, uuids(owner.Collection("identifiers")))
}

func TestReconcile_ScalarFieldCollisionFails(t *testing.T) {
	owner := entity.New("Patient", "p-1")
	owner.Fields["gender"] = "F"

	diff := record.CollectionDiff{
		Field: "gender",
		Entries: []record.CollectionEntry{
			{UUID: "a", Action: record.EntryAdd},
		},
	}
	err := reconcileCollection(owner, diff, false)
	require.NotNil(t, err)
	assert.Equal(t, ErrCodeBadPayload, err.Code)
}
