package harness

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RunGolden loads a scenario file, runs it, and compares the JSON form
// of the result against testdata/<name>.golden. The run fails the test
// if any scenario assertion did not hold, so golden files only ever
// capture passing runs.
func RunGolden(t *testing.T, path string) *Result {
	t.Helper()

	scenario, err := LoadScenario(path)
	if err != nil {
		t.Fatalf("load scenario: %v", err)
	}

	result, err := Run(scenario)
	if err != nil {
		t.Fatalf("run scenario %s: %v", scenario.Name, err)
	}
	if !result.Passed() {
		for _, a := range result.Assertions {
			if !a.OK {
				t.Errorf("assertion %d (%s): %s", a.Index, a.Type, a.Detail)
			}
		}
		t.Fatalf("scenario %s: assertions failed", scenario.Name)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	data = append(data, '\n')

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return result
}

// String renders the result as indented JSON, mainly for failure
// diagnostics.
func (r *Result) String() string {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Sprintf("result %s: %v", r.Scenario, err)
	}
	return string(data)
}
