package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// TraceSnapshot is what a scenario's golden file holds.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Cursor       int64        `json:"cursor"`
	Trace        []TraceEvent `json:"trace"`
}

// Snapshot renders the golden form of result.
func Snapshot(name string, result *Result) ([]byte, error) {
	return json.MarshalIndent(TraceSnapshot{
		ScenarioName: name,
		Cursor:       result.Cursor,
		Trace:        result.Trace,
	}, "", "  ")
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, t.TempDir())
	if err != nil {
		return nil, err
	}
	data, err := Snapshot(scenario.Name, result)
	if err != nil {
		return nil, err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return result, nil
}
