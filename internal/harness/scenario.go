package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/replicant/internal/event"
	"github.com/roach88/replicant/internal/registry"
)

// Scenario is one end-to-end replication test.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// MaxRetries caps failed attempts before a hard failure. Defaults to 3.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// Capacity caps concurrent attempts. Defaults to 10.
	Capacity int `yaml:"capacity,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action of a scenario. Exactly one field group is set.
type Step struct {
	// Append adds an event of this kind with Payload to the log.
	Append  string         `yaml:"append,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty"`

	// Script queues Outcomes for the next attempts of this key.
	Script   string   `yaml:"script,omitempty"`
	Outcomes []string `yaml:"outcomes,omitempty"`

	// Pass runs this many engine passes, each waiting for its attempts.
	Pass int `yaml:"pass,omitempty"`

	// Advance moves the clock, e.g. "90s" or "24h".
	Advance string `yaml:"advance,omitempty"`

	// Resync asks the engine to re-prime this key.
	Resync string `yaml:"resync,omitempty"`
}

// Assertion validates the trace or the final state of one key.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Key string `yaml:"key"`

	// Outcome filters trace_contains and trace_count.
	Outcome string `yaml:"outcome,omitempty"`

	// Outcomes is the expected order (trace_order).
	Outcomes []string `yaml:"outcomes,omitempty"`

	// Count is the expected number of attempts (trace_count).
	Count int `yaml:"count,omitempty"`

	// Expect holds expected registry and schedule fields (final_state).
	// Subset match - only specified fields are validated.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Scripted outcomes.
const (
	OutcomeSynced       = "synced"
	OutcomeMissing      = "missing"
	OutcomeTransient    = "transient"
	OutcomeCorrupted    = "corrupted"
	OutcomeUnauthorized = "unauthorized"
	OutcomeSkipped      = "skipped"
)

var validOutcomes = map[string]bool{
	OutcomeSynced:       true,
	OutcomeMissing:      true,
	OutcomeTransient:    true,
	OutcomeCorrupted:    true,
	OutcomeUnauthorized: true,
	OutcomeSkipped:      true,
}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields (typos) and missing required fields are errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.MaxRetries < 0 || s.Capacity < 0 {
		return fmt.Errorf("max_retries and capacity must be non-negative")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step) error {
	set := 0
	for _, b := range []bool{step.Append != "", step.Script != "", step.Pass != 0, step.Advance != "", step.Resync != ""} {
		if b {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of append, script, pass, advance or resync is required", index)
	}

	switch {
	case step.Append != "":
		if !event.Kind(step.Append).Valid() {
			return fmt.Errorf("steps[%d]: unknown event kind %q", index, step.Append)
		}
	case step.Script != "":
		if _, err := registry.ParseKey(step.Script); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
		if len(step.Outcomes) == 0 {
			return fmt.Errorf("steps[%d]: outcomes are required for script", index)
		}
		for _, o := range step.Outcomes {
			if !validOutcomes[o] {
				return fmt.Errorf("steps[%d]: unknown outcome %q", index, o)
			}
		}
	case step.Pass < 0:
		return fmt.Errorf("steps[%d]: pass must be positive", index)
	case step.Advance != "":
		if d, err := time.ParseDuration(step.Advance); err != nil || d <= 0 {
			return fmt.Errorf("steps[%d]: advance must be a positive duration, got %q", index, step.Advance)
		}
	case step.Resync != "":
		if _, err := registry.ParseKey(step.Resync); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if _, err := registry.ParseKey(a.Key); err != nil {
		return fmt.Errorf("assertions[%d]: %w", index, err)
	}

	switch a.Type {
	case AssertTraceContains:
		if !validOutcomes[a.Outcome] {
			return fmt.Errorf("assertions[%d]: outcome is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Outcomes) == 0 {
			return fmt.Errorf("assertions[%d]: outcomes list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
