package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/studysync/internal/mutation"
	"github.com/roach88/studysync/internal/remote"
)

// Scenario is one sync scenario: a starting world, a list of steps and
// what must hold afterwards.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description says what the scenario shows.
	Description string `yaml:"description"`

	// Workers is the drain concurrency. Defaults to 1, which keeps call
	// order deterministic.
	Workers int `yaml:"workers,omitempty"`

	Setup      Setup       `yaml:"setup"`
	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Setup is the world before the first step.
type Setup struct {
	// Online is the initial connectivity.
	Online bool `yaml:"online"`

	// Breaker overrides the default breaker thresholds for every endpoint.
	Breaker *BreakerSetup `yaml:"breaker,omitempty"`

	// Responses scripts authority replies per action, consumed in order.
	Responses map[string][]Response `yaml:"responses,omitempty"`

	// Server seeds what fetches of a resource return.
	Server []ServerRecord `yaml:"server,omitempty"`

	// User is the user id on every enqueued intent. Defaults to "u-1".
	User string `yaml:"user,omitempty"`
}

// BreakerSetup overrides breaker thresholds. Zero fields keep defaults.
type BreakerSetup struct {
	FailureThreshold int    `yaml:"failure_threshold,omitempty"`
	SuccessThreshold int    `yaml:"success_threshold,omitempty"`
	ResetTimeout     string `yaml:"reset_timeout,omitempty"`
}

// Response is one scripted authority reply. Error, when set, is one of
// the remote error kinds; otherwise the call succeeds with Data.
type Response struct {
	Error   string         `yaml:"error,omitempty"`
	Message string         `yaml:"message,omitempty"`
	Data    map[string]any `yaml:"data,omitempty"`

	// Current is the server record carried by a conflict.
	Current map[string]any `yaml:"current,omitempty"`
}

// ServerRecord is one resource as the authority holds it.
type ServerRecord struct {
	Entity string         `yaml:"entity"`
	ID     string         `yaml:"id"`
	Record map[string]any `yaml:"record"`
}

// Step is one action. Exactly one field is set.
type Step struct {
	Enqueue      *EnqueueStep `yaml:"enqueue,omitempty"`
	Online       bool         `yaml:"online,omitempty"`
	Offline      bool         `yaml:"offline,omitempty"`
	Drain        bool         `yaml:"drain,omitempty"`
	Advance      string       `yaml:"advance,omitempty"`
	CorruptQueue string       `yaml:"corrupt_queue,omitempty"`
}

// EnqueueStep is a user intent.
type EnqueueStep struct {
	Type        string         `yaml:"type"`
	Entity      string         `yaml:"entity"`
	Resource    string         `yaml:"resource,omitempty"`
	Payload     map[string]any `yaml:"payload,omitempty"`
	BaseVersion int64          `yaml:"base_version,omitempty"`
}

// Assertion checks the outcome of a run.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Actions is the exact call sequence (call_order). An entry is either
	// "<action>" or "<action> <resourceId>".
	Actions []string `yaml:"actions,omitempty"`

	// Action is the RPC name (call_count).
	Action string `yaml:"action,omitempty"`

	// Count is the expected number (call_count, queue_len).
	Count *int `yaml:"count,omitempty"`

	// Mutation and Status check one queued record (status).
	Mutation string `yaml:"mutation,omitempty"`
	Status   string `yaml:"status,omitempty"`

	// Endpoint and State check one breaker (breaker).
	Endpoint string `yaml:"endpoint,omitempty"`
	State    string `yaml:"state,omitempty"`
}

// Assertion type constants.
const (
	AssertCallOrder = "call_order"
	AssertCallCount = "call_count"
	AssertQueueLen  = "queue_len"
	AssertStatus    = "status"
	AssertBreaker   = "breaker"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// errors so typos surface.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
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

// validateScenario checks required fields and step shapes.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Workers < 0 {
		return fmt.Errorf("workers must be non-negative")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if b := s.Setup.Breaker; b != nil && b.ResetTimeout != "" {
		if _, err := time.ParseDuration(b.ResetTimeout); err != nil {
			return fmt.Errorf("setup.breaker.reset_timeout: %w", err)
		}
	}
	for action, replies := range s.Setup.Responses {
		for i, r := range replies {
			if r.Error == "" {
				continue
			}
			if _, ok := errorKinds[r.Error]; !ok {
				return fmt.Errorf("setup.responses.%s[%d]: unknown error %q", action, i, r.Error)
			}
		}
	}
	for i, rec := range s.Setup.Server {
		if _, err := mutation.ParseEntity(rec.Entity); err != nil {
			return fmt.Errorf("setup.server[%d]: %w", i, err)
		}
		if rec.ID == "" {
			return fmt.Errorf("setup.server[%d]: id is required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step) error {
	set := 0
	if step.Enqueue != nil {
		set++
		if _, err := mutation.ParseType(step.Enqueue.Type); err != nil {
			return fmt.Errorf("steps[%d].enqueue: %w", index, err)
		}
		if _, err := mutation.ParseEntity(step.Enqueue.Entity); err != nil {
			return fmt.Errorf("steps[%d].enqueue: %w", index, err)
		}
	}
	if step.Online {
		set++
	}
	if step.Offline {
		set++
	}
	if step.Drain {
		set++
	}
	if step.Advance != "" {
		set++
		if d, err := time.ParseDuration(step.Advance); err != nil || d <= 0 {
			return fmt.Errorf("steps[%d].advance: want a positive duration, got %q", index, step.Advance)
		}
	}
	if step.CorruptQueue != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", index, set)
	}
	return nil
}

// validateAssertion checks the fields each assertion type needs.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertCallOrder:
		if a.Actions == nil {
			return fmt.Errorf("assertions[%d]: actions list is required for call_order", index)
		}
	case AssertCallCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for call_count", index)
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for call_count", index)
		}
	case AssertQueueLen:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for queue_len", index)
		}
	case AssertStatus:
		if a.Mutation == "" || a.Status == "" {
			return fmt.Errorf("assertions[%d]: mutation and status are required for status", index)
		}
	case AssertBreaker:
		if a.Endpoint == "" || a.State == "" {
			return fmt.Errorf("assertions[%d]: endpoint and state are required for breaker", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

var errorKinds = map[string]remote.ErrorKind{
	"network":      remote.KindNetwork,
	"timeout":      remote.KindTimeout,
	"server":       remote.KindServer,
	"conflict":     remote.KindConflict,
	"validation":   remote.KindValidation,
	"not_found":    remote.KindNotFound,
	"unauthorized": remote.KindUnauthorized,
	"rejected":     remote.KindRejected,
}
