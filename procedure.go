package tactus

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Param defines one procedure parameter.
type Param struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// FilterSpec declares one element of an agent's context filter chain.
type FilterSpec struct {
	Type    string   `json:"type" yaml:"type"`
	Max     int      `json:"max,omitempty" yaml:"max,omitempty"`
	K       int      `json:"k,omitempty" yaml:"k,omitempty"`
	Classes []string `json:"classes,omitempty" yaml:"classes,omitempty"`
}

// AgentSpec declares one agent: its model, prompt, allowed tools, and
// context filters.
type AgentSpec struct {
	Name           string         `json:"name" yaml:"name"`
	Provider       string         `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model          string         `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature    *float64       `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens      int            `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Extra          map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
	SystemPrompt   string         `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	InitialMessage string         `json:"initial_message,omitempty" yaml:"initial_message,omitempty"`
	Tools          []string       `json:"tools,omitempty" yaml:"tools,omitempty"`
	Filters        []*FilterSpec  `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// ToolSpec declares a procedure-backed tool: invoking it spawns a child
// invocation of the named procedure and awaits its result.
type ToolSpec struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Procedure   string         `json:"procedure" yaml:"procedure"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// ResourceSpec declares a dependency created at invocation start and shared
// by reference with child invocations.
type ResourceSpec struct {
	Name   string         `json:"name" yaml:"name"`
	Type   string         `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// CustomStep defines a user BDD assertion step: a match pattern and a script
// evaluated against the finished invocation.
type CustomStep struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Script  string `json:"script" yaml:"script"`
}

// EvalConfig configures the evaluation harness defaults for a procedure.
type EvalConfig struct {
	Runs    int `json:"runs,omitempty" yaml:"runs,omitempty"`
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty"`
}

// Options configures a procedure definition.
type Options struct {
	Name           string          `json:"name" yaml:"name"`
	Version        string          `json:"version,omitempty" yaml:"version,omitempty"`
	Description    string          `json:"description,omitempty" yaml:"description,omitempty"`
	Params         []*Param        `json:"params,omitempty" yaml:"params,omitempty"`
	Agents         []*AgentSpec    `json:"agents,omitempty" yaml:"agents,omitempty"`
	Resources      []*ResourceSpec `json:"resources,omitempty" yaml:"resources,omitempty"`
	Stages         []string        `json:"stages,omitempty" yaml:"stages,omitempty"`
	Tools          []*ToolSpec     `json:"tools,omitempty" yaml:"tools,omitempty"`
	Script         string          `json:"script" yaml:"script"`
	Specifications string          `json:"specifications,omitempty" yaml:"specifications,omitempty"`
	Steps          []*CustomStep   `json:"steps,omitempty" yaml:"steps,omitempty"`
	Evaluation     *EvalConfig     `json:"evaluation,omitempty" yaml:"evaluation,omitempty"`
	Path           string          `json:"path,omitempty" yaml:"path,omitempty"`
}

// Procedure is a named, versioned, immutable definition of an agentic
// workflow: parameter schema, agent declarations, stages, the orchestration
// script, and optional Gherkin specifications.
type Procedure struct {
	name           string
	version        string
	description    string
	path           string
	params         []*Param
	agents         []*AgentSpec
	agentsByName   map[string]*AgentSpec
	resources      []*ResourceSpec
	stages         []string
	tools          []*ToolSpec
	script         string
	specifications string
	steps          []*CustomStep
	evaluation     *EvalConfig
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// New returns a new Procedure configured with the given options.
func New(opts Options) (*Procedure, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("procedure name required")
	}
	if opts.Script == "" {
		return nil, fmt.Errorf("procedure script required")
	}

	agentsByName := make(map[string]*AgentSpec, len(opts.Agents))
	for _, agent := range opts.Agents {
		if agent.Name == "" {
			return nil, fmt.Errorf("agent name required")
		}
		if !identifierPattern.MatchString(agent.Name) {
			return nil, fmt.Errorf("agent name %q is not a valid identifier", agent.Name)
		}
		if _, exists := agentsByName[agent.Name]; exists {
			return nil, fmt.Errorf("duplicate agent name %q", agent.Name)
		}
		agentsByName[agent.Name] = agent
	}

	paramNames := make(map[string]bool, len(opts.Params))
	for _, param := range opts.Params {
		if param.Name == "" {
			return nil, fmt.Errorf("parameter name required")
		}
		if paramNames[param.Name] {
			return nil, fmt.Errorf("duplicate parameter name %q", param.Name)
		}
		paramNames[param.Name] = true
		if err := checkParamType(param.Type); err != nil {
			return nil, fmt.Errorf("parameter %q: %w", param.Name, err)
		}
	}

	for _, tool := range opts.Tools {
		if tool.Name == "" || tool.Procedure == "" {
			return nil, fmt.Errorf("procedure-backed tools require a name and a procedure")
		}
	}
	for _, step := range opts.Steps {
		if step.Pattern == "" || step.Script == "" {
			return nil, fmt.Errorf("custom steps require a pattern and a script")
		}
		if _, err := regexp.Compile(step.Pattern); err != nil {
			return nil, fmt.Errorf("custom step pattern %q: %w", step.Pattern, err)
		}
	}

	return &Procedure{
		name:           opts.Name,
		version:        opts.Version,
		description:    opts.Description,
		path:           opts.Path,
		params:         opts.Params,
		agents:         opts.Agents,
		agentsByName:   agentsByName,
		resources:      opts.Resources,
		stages:         opts.Stages,
		tools:          opts.Tools,
		script:         opts.Script,
		specifications: opts.Specifications,
		steps:          opts.Steps,
		evaluation:     opts.Evaluation,
	}, nil
}

func checkParamType(paramType string) error {
	switch paramType {
	case "", "string", "number", "boolean", "list", "map":
		return nil
	default:
		return fmt.Errorf("unknown type %q", paramType)
	}
}

func (p *Procedure) Name() string            { return p.name }
func (p *Procedure) Version() string         { return p.version }
func (p *Procedure) Description() string     { return p.description }
func (p *Procedure) Path() string            { return p.path }
func (p *Procedure) Params() []*Param        { return p.params }
func (p *Procedure) Agents() []*AgentSpec    { return p.agents }
func (p *Procedure) Resources() []*ResourceSpec { return p.resources }
func (p *Procedure) Stages() []string        { return p.stages }
func (p *Procedure) Tools() []*ToolSpec      { return p.tools }
func (p *Procedure) Script() string          { return p.script }
func (p *Procedure) Specifications() string  { return p.specifications }
func (p *Procedure) Steps() []*CustomStep    { return p.steps }
func (p *Procedure) Evaluation() *EvalConfig { return p.evaluation }

// Agent returns a declared agent by name.
func (p *Procedure) Agent(name string) (*AgentSpec, bool) {
	agent, ok := p.agentsByName[name]
	return agent, ok
}

// ResolveParams validates provided values against the parameter schema,
// applies defaults, and rejects unknown or missing parameters.
func (p *Procedure) ResolveParams(provided map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(p.params))
	for _, param := range p.params {
		value, ok := provided[param.Name]
		if !ok {
			if param.Default != nil {
				value = param.Default
			} else if param.Required {
				return nil, NewError(ErrValidation, "parameter %q is required", param.Name)
			} else {
				continue
			}
		}
		normalized, err := normalizeJSONValue(value)
		if err != nil {
			return nil, NewError(ErrValidation, "parameter %q is not JSON-serialisable: %v", param.Name, err)
		}
		if err := checkParamValue(param, normalized); err != nil {
			return nil, err
		}
		resolved[param.Name] = normalized
	}
	for name := range provided {
		known := false
		for _, param := range p.params {
			if param.Name == name {
				known = true
				break
			}
		}
		if !known {
			return nil, NewError(ErrValidation, "unknown parameter %q", name)
		}
	}
	return resolved, nil
}

func checkParamValue(param *Param, value any) error {
	if param.Type == "" || value == nil {
		return nil
	}
	ok := false
	switch param.Type {
	case "string":
		_, ok = value.(string)
	case "number":
		switch value.(type) {
		case int64, float64:
			ok = true
		}
	case "boolean":
		_, ok = value.(bool)
	case "list":
		_, ok = value.([]any)
	case "map":
		_, ok = value.(map[string]any)
	}
	if !ok {
		return NewError(ErrValidation, "parameter %q expects %s, got %T", param.Name, param.Type, value)
	}
	return nil
}

// LoadFile loads a procedure definition from a YAML file.
func LoadFile(path string) (*Procedure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read procedure file: %w", err)
	}
	var opts Options
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal procedure file: %w", err)
	}
	opts.Path = path
	return New(opts)
}

// LoadString loads a procedure definition from a YAML string.
func LoadString(data string) (*Procedure, error) {
	var opts Options
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal procedure: %w", err)
	}
	return New(opts)
}
