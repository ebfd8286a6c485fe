// Package harness runs YAML replication scenarios across two in-memory
// nodes, origin (the hub) and peer (a child), producing a deterministic
// trace for golden comparison. Record identities come from sequential
// generators and timestamps from a fixed-step clock, so the same
// scenario yields a byte-identical trace on every run.
package harness

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mhawila/openmrs-module-sync/internal/engine"
	"github.com/mhawila/openmrs-module-sync/internal/entity"
	"github.com/mhawila/openmrs-module-sync/internal/record"
	"github.com/mhawila/openmrs-module-sync/internal/store"
	"github.com/mhawila/openmrs-module-sync/internal/testutil"
)

const (
	originNodeUUID = "origin-node"
	peerNodeUUID   = "peer-node"
)

// node is one side of the scenario.
type node struct {
	name   string
	uuid   string
	store  *store.Store
	engine *engine.Engine
}

// Harness executes one scenario over two fresh nodes.
type Harness struct {
	nodes map[string]*node
	clock *testutil.DeterministicClock
}

// Run executes a scenario and returns its result. Each run builds both
// nodes from scratch in memory; nothing leaks between scenarios.
func Run(scenario *Scenario) (*Result, error) {
	clock := testutil.NewDeterministicClock(
		time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC), time.Second)

	h := &Harness{nodes: map[string]*node{}, clock: clock}
	defer func() {
		for _, n := range h.nodes {
			n.store.Close()
		}
	}()

	ctx := context.Background()
	maxRetries := scenario.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	if err := h.addNode(ctx, "origin", originNodeUUID, scenario, maxRetries); err != nil {
		return nil, err
	}
	if err := h.addNode(ctx, "peer", peerNodeUUID, scenario, maxRetries); err != nil {
		return nil, err
	}

	// Each node knows the other: the origin sees the peer as a child,
	// the peer sees the origin as its parent.
	err := h.nodes["origin"].engine.Peers().Save(ctx, &record.RemoteServer{
		UUID: peerNodeUUID, Name: "peer", Role: record.RoleChild, Username: "peer",
	})
	if err != nil {
		return nil, fmt.Errorf("register peer on origin: %w", err)
	}
	err = h.nodes["peer"].engine.Peers().Save(ctx, &record.RemoteServer{
		UUID: originNodeUUID, Name: "origin", Role: record.RoleParent,
	})
	if err != nil {
		return nil, fmt.Errorf("register origin on peer: %w", err)
	}

	result := NewResult(scenario.Name)
	for i, step := range scenario.Steps {
		var err error
		switch {
		case step.Commit != nil:
			err = h.runCommit(ctx, step.Commit, result)
		case step.Transport != nil:
			err = h.runTransport(ctx, step.Transport, result)
		}
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	h.evaluateAssertions(ctx, scenario.Assertions, result)
	return result, nil
}

func (h *Harness) addNode(ctx context.Context, name, uuid string, scenario *Scenario, maxRetries int) error {
	s, err := store.Open(":memory:")
	if err != nil {
		return fmt.Errorf("create %s store: %w", name, err)
	}

	if err := s.SetProperty(ctx, store.PropServerUUID, uuid); err != nil {
		return err
	}
	if err := s.SetProperty(ctx, store.PropServerName, name); err != nil {
		return err
	}
	for _, c := range scenario.Classes {
		send, receive := true, true
		if c.Send != nil {
			send = *c.Send
		}
		if c.Receive != nil {
			receive = *c.Receive
		}
		err := s.SaveClass(ctx, &record.SyncClass{
			Name:          c.Name,
			SendTo:        send,
			ReceiveFrom:   receive,
			OrderedFields: c.OrderedFields,
		})
		if err != nil {
			return fmt.Errorf("seed class on %s: %w", name, err)
		}
	}

	e, err := engine.New(ctx, s, engine.Options{
		MaxRetries: maxRetries,
		IDs:        testutil.NewSequentialGenerator(name),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        h.clock.Now,
	})
	if err != nil {
		return fmt.Errorf("build %s engine: %w", name, err)
	}

	h.nodes[name] = &node{name: name, uuid: uuid, store: s, engine: e}
	return nil
}

func (h *Harness) nodeOrDefault(name, def string) (*node, error) {
	if name == "" {
		name = def
	}
	n, ok := h.nodes[name]
	if !ok {
		return nil, fmt.Errorf("unknown node %q", name)
	}
	return n, nil
}

// runCommit captures the step's changes in one transaction on the node.
func (h *Harness) runCommit(ctx context.Context, step *CommitStep, result *Result) error {
	n, err := h.nodeOrDefault(step.Node, "origin")
	if err != nil {
		return err
	}

	changes, err := convertChanges(step.Changes)
	if err != nil {
		return err
	}

	rec, err := n.engine.CommitWithRecord(ctx, func(tx *sql.Tx) ([]record.ChangeItem, error) {
		return changes, applyLocal(ctx, tx, changes)
	})
	if err != nil {
		return fmt.Errorf("commit on %s: %w", n.name, err)
	}

	ev := TraceEvent{Node: n.name, Event: "commit"}
	if rec != nil {
		ev.RecordUUID = rec.UUID
		ev.OriginalUUID = rec.OriginalUUID
		ev.State = string(rec.State)
		ev.Changes = len(rec.Changes)
	} else {
		ev.State = "not_captured"
	}
	result.AddTrace(ev)
	return nil
}

// runTransport claims the next record on the source, delivers it to the
// destination, and acknowledges the reported outcome.
func (h *Harness) runTransport(ctx context.Context, step *TransportStep, result *Result) error {
	from, err := h.nodeOrDefault(step.From, "origin")
	if err != nil {
		return err
	}
	to, err := h.nodeOrDefault(step.To, "peer")
	if err != nil {
		return err
	}

	claimed, err := from.engine.NextForTransport(ctx, to.uuid)
	if err != nil {
		return fmt.Errorf("claim on %s: %w", from.name, err)
	}
	if claimed == nil {
		result.AddTrace(TraceEvent{Node: from.name, Event: "claim", State: "queue_empty"})
		return nil
	}
	result.AddTrace(TraceEvent{
		Node:         from.name,
		Event:        "claim",
		RecordUUID:   claimed.UUID,
		OriginalUUID: claimed.OriginalUUID,
		State:        string(claimed.State),
	})

	payload, err := record.Marshal(claimed)
	if err != nil {
		return fmt.Errorf("serialize on %s: %w", from.name, err)
	}
	if step.Tamper {
		if payload, err = tamperPayload(payload); err != nil {
			return err
		}
	}

	imp, applyErr := to.engine.ApplyIncomingRecord(ctx, payload, from.uuid)
	if imp == nil {
		return fmt.Errorf("apply on %s: %w", to.name, applyErr)
	}
	result.AddTrace(TraceEvent{
		Node:         to.name,
		Event:        "apply",
		OriginalUUID: imp.OriginalUUID,
		Outcome:      string(imp.State),
	})

	state, err := from.engine.Acknowledge(ctx, claimed.RecordID, imp.State)
	if err != nil {
		return fmt.Errorf("acknowledge on %s: %w", from.name, err)
	}
	result.AddTrace(TraceEvent{
		Node:         from.name,
		Event:        "ack",
		RecordUUID:   claimed.UUID,
		OriginalUUID: claimed.OriginalUUID,
		Outcome:      string(imp.State),
		State:        string(state),
	})
	return nil
}

// applyLocal mirrors the declared changes into the committing node's
// own entity state inside the capture transaction, standing in for the
// business layer that would normally perform the writes itself.
func applyLocal(ctx context.Context, tx *sql.Tx, changes []record.ChangeItem) error {
	for _, c := range changes {
		switch c.Kind {
		case record.KindDelete:
			if err := entity.Delete(ctx, tx, c.EntityType, c.EntityUUID); err != nil {
				return err
			}
			continue
		case record.KindCreate, record.KindUpdate:
		default:
			return fmt.Errorf("unknown change kind %q", c.Kind)
		}

		e, err := entity.Get(ctx, tx, c.EntityType, c.EntityUUID)
		if err != nil {
			return err
		}
		if e == nil {
			e = entity.New(c.EntityType, c.EntityUUID)
		}
		for k, v := range c.Fields {
			e.Fields[k] = v
		}
		for _, diff := range c.Collections {
			e.SetCollection(diff.Field, mergeEntries(e.Collection(diff.Field), diff.Entries))
		}
		if err := entity.Save(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

// mergeEntries applies a collection diff to the local copy: add and
// update upsert, remove drops.
func mergeEntries(local []entity.Entry, diff []record.CollectionEntry) []entity.Entry {
	for _, d := range diff {
		idx := -1
		for i, e := range local {
			if e.UUID == d.UUID {
				idx = i
				break
			}
		}
		switch d.Action {
		case record.EntryRemove:
			if idx >= 0 {
				local = append(local[:idx], local[idx+1:]...)
			}
		default:
			if idx >= 0 {
				local[idx].Payload = d.Payload
			} else {
				local = append(local, entity.Entry{UUID: d.UUID, Payload: d.Payload})
			}
		}
	}
	return local
}

// tamperPayload flips the checksum so the destination rejects the
// record as corrupted.
func tamperPayload(payload []byte) ([]byte, error) {
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("tamper: %w", err)
	}
	m["checksum"] = "0000000000000000000000000000000000000000000000000000000000000000"
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("tamper: %w", err)
	}
	return out, nil
}

func convertChanges(defs []ChangeDef) ([]record.ChangeItem, error) {
	out := make([]record.ChangeItem, len(defs))
	for i, d := range defs {
		item := record.ChangeItem{
			EntityType:  d.EntityType,
			EntityUUID:  d.EntityUUID,
			Kind:        record.ChangeKind(d.Kind),
			Fields:      normalizeFields(d.Fields),
			BaseVersion: d.BaseVersion,
		}
		for _, c := range d.Collections {
			diff := record.CollectionDiff{Field: c.Field, Ordered: c.Ordered}
			for _, e := range c.Entries {
				diff.Entries = append(diff.Entries, record.CollectionEntry{
					UUID:    e.UUID,
					Action:  record.EntryAction(e.Action),
					Payload: normalizeFields(e.Payload),
				})
			}
			item.Collections = append(item.Collections, diff)
		}
		if err := item.Validate(); err != nil {
			return nil, fmt.Errorf("change %d: %w", i, err)
		}
		out[i] = item
	}
	return out, nil
}

// normalizeFields converts YAML integer values to json.Number so
// checksums match the wire decoding.
func normalizeFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch n := v.(type) {
		case int:
			out[k] = json.Number(fmt.Sprintf("%d", n))
		case int64:
			out[k] = json.Number(fmt.Sprintf("%d", n))
		default:
			out[k] = v
		}
	}
	return out
}
