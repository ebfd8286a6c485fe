package ingest

import (
	"fmt"

	"github.com/mhawila/openmrs-module-sync/internal/entity"
	"github.com/mhawila/openmrs-module-sync/internal/record"
)

// reconcileCollection merges one collection diff into the owner's
// in-memory collection value. Entries apply in transmitted order and
// every action is idempotent: add of a present identity and remove of
// an absent one are no-ops, update of an absent identity degrades to
// add. The caller saves the owner once after all diffs are merged.
//
// For order-sensitive fields the entries named by the diff end up in
// the diff's relative order; local entries the diff never mentions keep
// their existing positions ahead of them. Unordered fields are merged
// in place.
func reconcileCollection(owner *entity.Entity, diff record.CollectionDiff, ordered bool) *ApplyError {
	if _, isScalar := owner.Fields[diff.Field]; isScalar {
		return &ApplyError{
			Code:       ErrCodeBadPayload,
			Message:    fmt.Sprintf("field %s is a scalar, not a collection", diff.Field),
			EntityType: owner.Type,
			EntityUUID: owner.UUID,
		}
	}

	current := owner.Collection(diff.Field)
	if ordered {
		owner.SetCollection(diff.Field, mergeOrdered(current, diff.Entries))
	} else {
		owner.SetCollection(diff.Field, mergeUnordered(current, diff.Entries))
	}
	return nil
}

// mergeUnordered applies the entry sequence against the current value,
// keeping local insertion order for surviving entries.
func mergeUnordered(current []entity.Entry, entries []record.CollectionEntry) []entity.Entry {
	out := make([]entity.Entry, len(current))
	copy(out, current)

	for _, e := range entries {
		idx := indexOf(out, e.UUID)
		switch e.Action {
		case record.EntryAdd:
			if idx < 0 {
				out = append(out, entity.Entry{UUID: e.UUID, Payload: e.Payload})
			}
		case record.EntryUpdate:
			if idx < 0 {
				out = append(out, entity.Entry{UUID: e.UUID, Payload: e.Payload})
			} else {
				out[idx].Payload = e.Payload
			}
		case record.EntryRemove:
			if idx >= 0 {
				out = append(out[:idx], out[idx+1:]...)
			}
		}
	}
	return out
}

// mergeOrdered applies the entry sequence, then rebuilds the collection
// so entries the diff mentions follow the diff's order. Entries the
// diff never touches stay first, in their local order.
func mergeOrdered(current []entity.Entry, entries []record.CollectionEntry) []entity.Entry {
	merged := mergeUnordered(current, entries)

	mentioned := map[string]int{}
	order := []string{}
	for _, e := range entries {
		if _, seen := mentioned[e.UUID]; !seen {
			mentioned[e.UUID] = len(order)
			order = append(order, e.UUID)
		}
	}

	byUUID := map[string]entity.Entry{}
	var out []entity.Entry
	for _, e := range merged {
		if _, ok := mentioned[e.UUID]; ok {
			byUUID[e.UUID] = e
		} else {
			out = append(out, e)
		}
	}
	for _, uuid := range order {
		if e, ok := byUUID[uuid]; ok {
			out = append(out, e)
		}
	}
	return out
}

func indexOf(entries []entity.Entry, uuid string) int {
	for i := range entries {
		if entries[i].UUID == uuid {
			return i
		}
	}
	return -1
}
