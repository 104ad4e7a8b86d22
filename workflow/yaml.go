package workflow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/itsneelabh/stableinfra/attempt"
	"github.com/itsneelabh/stableinfra/gateway"
)

// yamlDefinition is the declarative subset of Definition with a YAML
// representation: a linear phase list of REQUEST items plus the common
// retry config. Hooks (PrePhaseExecutionHook, PhaseDecisionHook,
// HandlePhaseError, ...) are Go closures with no YAML form and must be
// attached to the returned Definition afterward. Grounded on
// itsneelabh/gomind's orchestration/workflow_engine.go WorkflowDefinition/
// WorkflowStepDefinition YAML schema, narrowed from its agent/tool/DAG step
// model to this driver's linear-phase-of-gateway-items model.
type yamlDefinition struct {
	ID                    string       `yaml:"id"`
	EnableMixedExecution  bool         `yaml:"enableMixedExecution"`
	StopOnFirstPhaseError bool         `yaml:"stopOnFirstPhaseError"`
	Common                *yamlConfig  `yaml:"common"`
	Phases                []yamlPhase  `yaml:"phases"`
}

type yamlConfig struct {
	Attempts         int           `yaml:"attempts"`
	Wait             time.Duration `yaml:"wait"`
	RetryStrategy    string        `yaml:"retryStrategy"` // fixed, linear, exponential, backoffV5
	MaxAllowedWait   time.Duration `yaml:"maxAllowedWait"`
	ExecutionTimeout time.Duration `yaml:"executionTimeout"`
	ReturnResult     bool          `yaml:"returnResult"`
}

type yamlPhase struct {
	ID                  string      `yaml:"id"`
	MarkConcurrentPhase bool        `yaml:"markConcurrentPhase"`
	MaxReplayCount      int         `yaml:"maxReplayCount"`
	Common              *yamlConfig `yaml:"common"`
	Items               []yamlItem  `yaml:"items"`
}

type yamlItem struct {
	ID       string            `yaml:"id"`
	GroupID  string            `yaml:"groupId"`
	Protocol string            `yaml:"protocol"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Path     string            `yaml:"path"`
	Method   string            `yaml:"method"`
	Headers  map[string]string `yaml:"headers"`
	Query    map[string]string `yaml:"query"`
	Body     interface{}       `yaml:"body"`
}

// ParseWorkflowYAML parses a declarative workflow definition into a
// Definition, grounded on itsneelabh/gomind's ParseWorkflowYAML
// (orchestration/workflow_engine.go): unmarshal into a YAML-shaped struct,
// then translate into the driver's own types. Branches and FUNCTION items
// have no YAML representation here and must be added in Go.
func ParseWorkflowYAML(data []byte) (*Definition, error) {
	var raw yamlDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing workflow YAML: %w", err)
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("workflow YAML: id is required")
	}

	def := &Definition{
		ID:                    raw.ID,
		CommonConfig:          toAttemptConfig(raw.Common),
		EnableMixedExecution:  raw.EnableMixedExecution,
		StopOnFirstPhaseError: raw.StopOnFirstPhaseError,
	}
	for _, p := range raw.Phases {
		if p.ID == "" {
			return nil, fmt.Errorf("workflow YAML: phase missing id")
		}
		phase := &Phase{
			ID:                  p.ID,
			MarkConcurrentPhase: p.MarkConcurrentPhase,
			MaxReplayCount:      p.MaxReplayCount,
			CommonConfig:        toAttemptConfig(p.Common),
		}
		for _, it := range p.Items {
			phase.Items = append(phase.Items, gateway.Item{
				GroupID: it.GroupID,
				Item: &attempt.Item{
					ID:      it.ID,
					GroupID: it.GroupID,
					Kind:    attempt.ItemKindRequest,
					Request: &attempt.RequestDescriptor{
						Protocol: it.Protocol,
						Host:     it.Host,
						Port:     it.Port,
						Path:     it.Path,
						Method:   it.Method,
						Headers:  it.Headers,
						Query:    it.Query,
						Body:     it.Body,
					},
				},
			})
		}
		def.Phases = append(def.Phases, phase)
	}
	return def, nil
}

func toAttemptConfig(c *yamlConfig) *attempt.Config {
	if c == nil {
		return nil
	}
	cfg := attempt.DefaultConfig()
	if c.Attempts > 0 {
		cfg.Attempts = c.Attempts
	}
	cfg.Wait = c.Wait
	cfg.MaxAllowedWait = c.MaxAllowedWait
	cfg.ExecutionTimeout = c.ExecutionTimeout
	cfg.ReturnResult = c.ReturnResult
	switch c.RetryStrategy {
	case "linear":
		cfg.RetryStrategy = attempt.RetryLinear
	case "exponential":
		cfg.RetryStrategy = attempt.RetryExponential
	case "backoffV5":
		cfg.RetryStrategy = attempt.RetryBackoffV5
		cfg.BackoffV5 = attempt.NewBackoffV5Strategy(c.Wait, c.MaxAllowedWait)
	default:
		cfg.RetryStrategy = attempt.RetryFixed
	}
	return cfg
}
