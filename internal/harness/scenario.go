package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/atombond/internal/config"
)

// Scenario defines a bonding scenario: a hierarchy, a flow of appends and
// bonding attempts, and assertions on the final ledgers.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Lanes is K. Zero means engine.DefaultLanes.
	Lanes int `yaml:"lanes,omitempty"`

	// Tiers is the ordered hierarchy.
	Tiers config.Tiers `yaml:"tiers"`

	// Contracts is an optional CUE file with contract declarations.
	// Relative paths are resolved against the scenario file.
	Contracts string `yaml:"contracts,omitempty"`

	// Flow is executed in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final ledgers and trace.
	Assertions []Assertion `yaml:"assertions"`
}

// FlowStep is one step of the flow: exactly one of Append or Bond is set.
type FlowStep struct {
	Append *AppendStep `yaml:"append,omitempty"`
	Bond   *BondStep   `yaml:"bond,omitempty"`

	// Expect validates a Bond step. If nil, any outcome is accepted.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// AppendStep writes one atom per frequency.
type AppendStep struct {
	Account string `yaml:"account"`
	Tier    string `yaml:"tier"`

	// Lane selects one lane; nil writes to every lane.
	Lane *int `yaml:"lane,omitempty"`

	// Frequencies are stored as written: numbers, numeric strings, or
	// anything else (kept, but ignored by aggregation).
	Frequencies []interface{} `yaml:"frequencies"`
}

// BondStep runs one bonding attempt.
type BondStep struct {
	Account string `yaml:"account"`
	Tier    string `yaml:"tier"`
}

// ExpectClause specifies the expected result of a bonding attempt.
type ExpectClause struct {
	// Outcome is "bonded", "insufficient", "rejected" or "error".
	Outcome string `yaml:"outcome"`

	// Index, Frequency and AtomicWeight are checked when set (bonded only).
	Index        int64  `yaml:"index,omitempty"`
	Frequency    string `yaml:"frequency,omitempty"`
	AtomicWeight int    `yaml:"atomic_weight,omitempty"`

	// Code is the expected engine error code (rejected and error only).
	Code string `yaml:"code,omitempty"`
}

// Outcome names.
const (
	OutcomeBonded       = "bonded"
	OutcomeInsufficient = "insufficient"
	OutcomeRejected     = "rejected"
	OutcomeError        = "error"
)

// Assertion validates the final state or the trace.
type Assertion struct {
	// Type specifies the assertion type:
	// - "lane_depths": lane atom counts of (Account, Tier)
	// - "record": subset match on the record at (Account, Tier, Lane, Position)
	// - "promotion_count": promotions recorded, optionally for Account only
	// - "trace_count": trace events with Step (and Outcome, if set)
	Type string `yaml:"type"`

	Account  string `yaml:"account,omitempty"`
	Tier     string `yaml:"tier,omitempty"`
	Lane     int    `yaml:"lane,omitempty"`
	Position int    `yaml:"position,omitempty"`

	// Depths are the expected lane counts (lane_depths).
	Depths []int `yaml:"depths,omitempty"`

	// Expect contains expected record field values (record).
	// Subset match: only specified fields are validated.
	Expect map[string]interface{} `yaml:"expect,omitempty"`

	// Count is the expected number (promotion_count, trace_count).
	Count int `yaml:"count,omitempty"`

	// Step and Outcome filter trace events (trace_count).
	Step    string `yaml:"step,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`
}

// Assertion type constants.
const (
	AssertLaneDepths     = "lane_depths"
	AssertRecord         = "record"
	AssertPromotionCount = "promotion_count"
	AssertTraceCount     = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Contracts != "" && !filepath.IsAbs(scenario.Contracts) {
		scenario.Contracts = filepath.Join(filepath.Dir(path), scenario.Contracts)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Tiers) < 2 {
		return fmt.Errorf("tiers list needs at least two tiers")
	}

	if s.Lanes < 0 {
		return fmt.Errorf("lanes must be non-negative")
	}

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	if s.Contracts != "" {
		if _, err := os.Stat(s.Contracts); os.IsNotExist(err) {
			return fmt.Errorf("contracts file not found: %s", s.Contracts)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, step *FlowStep) error {
	switch {
	case step.Append != nil && step.Bond != nil:
		return fmt.Errorf("flow[%d]: append and bond are mutually exclusive", index)
	case step.Append != nil:
		if step.Append.Account == "" || step.Append.Tier == "" {
			return fmt.Errorf("flow[%d].append: account and tier are required", index)
		}
		if len(step.Append.Frequencies) == 0 {
			return fmt.Errorf("flow[%d].append: frequencies are required", index)
		}
		if step.Expect != nil {
			return fmt.Errorf("flow[%d]: expect only applies to bond steps", index)
		}
	case step.Bond != nil:
		if step.Bond.Account == "" || step.Bond.Tier == "" {
			return fmt.Errorf("flow[%d].bond: account and tier are required", index)
		}
		if step.Expect != nil {
			switch step.Expect.Outcome {
			case OutcomeBonded, OutcomeInsufficient, OutcomeRejected, OutcomeError:
			default:
				return fmt.Errorf("flow[%d].expect: unknown outcome %q", index, step.Expect.Outcome)
			}
		}
	default:
		return fmt.Errorf("flow[%d]: append or bond is required", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertLaneDepths:
		if a.Account == "" || a.Tier == "" {
			return fmt.Errorf("assertions[%d]: account and tier are required for lane_depths", index)
		}
		if len(a.Depths) == 0 {
			return fmt.Errorf("assertions[%d]: depths are required for lane_depths", index)
		}
	case AssertRecord:
		if a.Account == "" || a.Tier == "" {
			return fmt.Errorf("assertions[%d]: account and tier are required for record", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for record", index)
		}
	case AssertPromotionCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for promotion_count", index)
		}
	case AssertTraceCount:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
