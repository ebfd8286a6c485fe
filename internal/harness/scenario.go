package harness

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines one star-topology replication scenario: two nodes
// (origin, the hub, and peer, a child), a sequence of commit and
// transport steps, and assertions over the final state of both nodes.
type Scenario struct {
	// Name uniquely identifies the scenario; the golden trace file is
	// named after it.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description,omitempty"`

	// MaxRetries overrides the send retry ceiling on both nodes.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// Classes seeds the participation registry of both nodes.
	Classes []ClassDef `yaml:"classes"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state after all steps ran.
	Assertions []Assertion `yaml:"assertions"`
}

// ClassDef seeds one sync class on both nodes.
type ClassDef struct {
	Name          string   `yaml:"name"`
	Send          *bool    `yaml:"send,omitempty"`
	Receive       *bool    `yaml:"receive,omitempty"`
	OrderedFields []string `yaml:"ordered_fields,omitempty"`
}

// Step is a tagged union: exactly one of Commit or Transport is set.
type Step struct {
	Commit    *CommitStep    `yaml:"commit,omitempty"`
	Transport *TransportStep `yaml:"transport,omitempty"`
}

// CommitStep captures a business transaction with its change items on
// one node.
type CommitStep struct {
	// Node is "origin" or "peer"; default origin.
	Node string `yaml:"node,omitempty"`

	Changes []ChangeDef `yaml:"changes"`
}

// ChangeDef is the YAML form of one change item.
type ChangeDef struct {
	EntityType  string          `yaml:"entity_type"`
	EntityUUID  string          `yaml:"entity_uuid"`
	Kind        string          `yaml:"kind"`
	Fields      map[string]any  `yaml:"fields,omitempty"`
	BaseVersion int64           `yaml:"base_version,omitempty"`
	Collections []CollectionDef `yaml:"collections,omitempty"`
}

// CollectionDef is the YAML form of one collection diff.
type CollectionDef struct {
	Field   string     `yaml:"field"`
	Ordered bool       `yaml:"ordered,omitempty"`
	Entries []EntryDef `yaml:"entries"`
}

// EntryDef is the YAML form of one collection entry action.
type EntryDef struct {
	UUID    string         `yaml:"uuid"`
	Action  string         `yaml:"action"`
	Payload map[string]any `yaml:"payload,omitempty"`
}

// TransportStep moves the next claimable record from one node to the
// other: claim, serialize, apply on the destination, acknowledge on the
// source.
type TransportStep struct {
	// From and To are node names; defaults origin -> peer.
	From string `yaml:"from,omitempty"`
	To   string `yaml:"to,omitempty"`

	// Tamper corrupts the payload checksum in flight, forcing a FAILED
	// apply on the destination.
	Tamper bool `yaml:"tamper,omitempty"`
}

// Assertion validates one fact about the final state.
type Assertion struct {
	// Type is one of entity, record_state, import_state, queue_empty,
	// backlog.
	Type string `yaml:"type"`

	// Node is "origin" or "peer"; default peer for entity and
	// import_state, origin otherwise.
	Node string `yaml:"node,omitempty"`

	// entity assertions.
	EntityType string         `yaml:"entity_type,omitempty"`
	EntityUUID string         `yaml:"entity_uuid,omitempty"`
	Exists     *bool          `yaml:"exists,omitempty"`
	Fields     map[string]any `yaml:"fields,omitempty"`
	Collection *CollectionAssertion `yaml:"collection,omitempty"`

	// record_state / import_state assertions.
	OriginalUUID string `yaml:"original_uuid,omitempty"`
	State        string `yaml:"state,omitempty"`

	// backlog assertion.
	Count *int64 `yaml:"count,omitempty"`
}

// CollectionAssertion checks the exact entry identities, in order, of
// one collection field.
type CollectionAssertion struct {
	Field string   `yaml:"field"`
	UUIDs []string `yaml:"uuids"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if err := sc.validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &sc, nil
}

func (s *Scenario) validate() error {
	if s.Name == "" {
		return fmt.Errorf("missing name")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("no steps")
	}
	for i, st := range s.Steps {
		set := 0
		if st.Commit != nil {
			set++
		}
		if st.Transport != nil {
			set++
		}
		if set != 1 {
			return fmt.Errorf("step %d: exactly one of commit or transport required", i)
		}
		if st.Commit != nil && len(st.Commit.Changes) == 0 {
			return fmt.Errorf("step %d: commit with no changes", i)
		}
	}
	for i, a := range s.Assertions {
		switch a.Type {
		case "entity", "record_state", "import_state", "queue_empty", "backlog":
		default:
			return fmt.Errorf("assertion %d: unknown type %q", i, a.Type)
		}
	}
	return nil
}
