package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/mhawila/openmrs-module-sync/internal/entity"
	"github.com/mhawila/openmrs-module-sync/internal/record"
)

// evaluateAssertions checks every scenario assertion against the final
// state of both nodes and records the outcomes on the result. A failed
// lookup counts as a failed assertion, not a run error, so the trace
// still shows what happened before it.
func (h *Harness) evaluateAssertions(ctx context.Context, assertions []Assertion, result *Result) {
	for _, a := range assertions {
		ar := AssertionResult{Type: a.Type}
		switch a.Type {
		case "entity":
			ar.OK, ar.Detail = h.assertEntity(ctx, a)
		case "record_state":
			ar.OK, ar.Detail = h.assertRecordState(ctx, a)
		case "import_state":
			ar.OK, ar.Detail = h.assertImportState(ctx, a)
		case "queue_empty":
			ar.OK, ar.Detail = h.assertQueueEmpty(ctx, a)
		case "backlog":
			ar.OK, ar.Detail = h.assertBacklog(ctx, a)
		}
		result.AddAssertion(ar)
	}
}

func (h *Harness) assertEntity(ctx context.Context, a Assertion) (bool, string) {
	n, err := h.nodeOrDefault(a.Node, "peer")
	if err != nil {
		return false, err.Error()
	}

	e, err := entity.Get(ctx, n.store.DB(), a.EntityType, a.EntityUUID)
	if err != nil {
		return false, err.Error()
	}

	wantExists := true
	if a.Exists != nil {
		wantExists = *a.Exists
	}
	if e == nil {
		if wantExists {
			return false, fmt.Sprintf("%s/%s not found on %s", a.EntityType, a.EntityUUID, n.name)
		}
		return true, fmt.Sprintf("%s/%s absent on %s", a.EntityType, a.EntityUUID, n.name)
	}
	if !wantExists {
		return false, fmt.Sprintf("%s/%s unexpectedly present on %s", a.EntityType, a.EntityUUID, n.name)
	}

	for k, want := range a.Fields {
		got, ok := e.Fields[k]
		if !ok {
			return false, fmt.Sprintf("field %s missing on %s/%s", k, a.EntityType, a.EntityUUID)
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false, fmt.Sprintf("field %s = %v, want %v", k, got, want)
		}
	}

	if a.Collection != nil {
		got := e.Collection(a.Collection.Field)
		var uuids []string
		for _, entry := range got {
			uuids = append(uuids, entry.UUID)
		}
		if strings.Join(uuids, ",") != strings.Join(a.Collection.UUIDs, ",") {
			return false, fmt.Sprintf("collection %s = [%s], want [%s]",
				a.Collection.Field, strings.Join(uuids, ","), strings.Join(a.Collection.UUIDs, ","))
		}
	}
	return true, fmt.Sprintf("%s/%s matches on %s", a.EntityType, a.EntityUUID, n.name)
}

func (h *Harness) assertRecordState(ctx context.Context, a Assertion) (bool, string) {
	n, err := h.nodeOrDefault(a.Node, "origin")
	if err != nil {
		return false, err.Error()
	}

	rec, err := n.store.GetRecordByOriginalUUID(ctx, a.OriginalUUID)
	if err != nil {
		return false, err.Error()
	}
	if rec == nil {
		return false, fmt.Sprintf("record %s not found on %s", a.OriginalUUID, n.name)
	}
	if string(rec.State) != a.State {
		return false, fmt.Sprintf("record %s state %s, want %s", a.OriginalUUID, rec.State, a.State)
	}
	return true, fmt.Sprintf("record %s is %s on %s", a.OriginalUUID, rec.State, n.name)
}

func (h *Harness) assertImportState(ctx context.Context, a Assertion) (bool, string) {
	n, err := h.nodeOrDefault(a.Node, "peer")
	if err != nil {
		return false, err.Error()
	}

	imports, err := n.store.ListImportsByState(ctx, record.ImportState(a.State))
	if err != nil {
		return false, err.Error()
	}
	for _, imp := range imports {
		if imp.OriginalUUID == a.OriginalUUID {
			return true, fmt.Sprintf("%s import for %s on %s", a.State, a.OriginalUUID, n.name)
		}
	}
	return false, fmt.Sprintf("no %s import for %s on %s", a.State, a.OriginalUUID, n.name)
}

func (h *Harness) assertQueueEmpty(ctx context.Context, a Assertion) (bool, string) {
	n, err := h.nodeOrDefault(a.Node, "origin")
	if err != nil {
		return false, err.Error()
	}

	pending, err := n.store.ListByState(ctx, record.QueueStates, false, "")
	if err != nil {
		return false, err.Error()
	}
	if len(pending) > 0 {
		return false, fmt.Sprintf("%d records still queued on %s", len(pending), n.name)
	}
	return true, fmt.Sprintf("queue empty on %s", n.name)
}

func (h *Harness) assertBacklog(ctx context.Context, a Assertion) (bool, string) {
	n, err := h.nodeOrDefault(a.Node, "origin")
	if err != nil {
		return false, err.Error()
	}

	got, err := n.engine.Backlog(ctx)
	if err != nil {
		return false, err.Error()
	}
	want := int64(0)
	if a.Count != nil {
		want = *a.Count
	}
	if got != want {
		return false, fmt.Sprintf("backlog %d on %s, want %d", got, n.name, want)
	}
	return true, fmt.Sprintf("backlog %d on %s", got, n.name)
}
