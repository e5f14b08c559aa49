// Package workflow holds the declarative data model for a workflow
// document: the immutable input a run is built from.
package workflow

import (
	"regexp"

	"gopkg.in/yaml.v3"
)

// Actor kinds published by the runtime. Step.Actor must be one of these.
const (
	ActorDiagnostic = "diag"
	ActorFixer      = "fixer"
	ActorReviewer   = "reviewer"
	ActorAIEditor   = "ai_editor"
	ActorVerifier   = "verifier"
	ActorCustom     = "custom"
)

// KnownActorKinds is the closed enumeration of actor kinds the loader
// accepts. Unknown values fail schema validation.
var KnownActorKinds = map[string]bool{
	ActorDiagnostic: true,
	ActorFixer:      true,
	ActorReviewer:   true,
	ActorAIEditor:   true,
	ActorVerifier:   true,
	ActorCustom:     true,
}

// StepIDPattern matches the required step ID shape: "<rank>.<3-digit>".
var StepIDPattern = regexp.MustCompile(`^\d+\.\d{3}$`)

// Workflow is the declarative input document. Immutable for the run.
type Workflow struct {
	Name   string         `yaml:"name" json:"name"`
	Inputs map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Policy Policy         `yaml:"policy" json:"policy"`
	Steps  []Step         `yaml:"steps" json:"steps"`
}

// Policy controls budget and run-level retry/fail behavior.
type Policy struct {
	MaxTokens               int         `yaml:"max_tokens" json:"max_tokens"`
	PreferDeterministic     bool        `yaml:"prefer_deterministic,omitempty" json:"prefer_deterministic,omitempty"`
	FailFast                bool        `yaml:"fail_fast,omitempty" json:"fail_fast,omitempty"`
	Retry                   RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
	MaxWorkers              int         `yaml:"max_workers,omitempty" json:"max_workers,omitempty"`
	StepTimeoutSeconds      int         `yaml:"step_timeout_seconds,omitempty" json:"step_timeout_seconds,omitempty"`
	OverdrawTolerancePct    int         `yaml:"overdraw_tolerance_percent,omitempty" json:"overdraw_tolerance_percent,omitempty"`
}

// RetryPolicy bounds per-step retry attempts and spacing.
type RetryPolicy struct {
	MaxAttempts int   `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	BackoffMs   []int `yaml:"backoff_ms,omitempty" json:"backoff_ms,omitempty"`
}

// Step is one unit of work bound to an actor kind.
type Step struct {
	ID         string            `yaml:"id" json:"id"`
	Name       string            `yaml:"name,omitempty" json:"name,omitempty"`
	Actor      string            `yaml:"actor" json:"actor"`
	With       map[string]any    `yaml:"with,omitempty" json:"with,omitempty"`
	Emits      []string          `yaml:"emits,omitempty" json:"emits,omitempty"`
	Gates      []Gate            `yaml:"gates,omitempty" json:"gates,omitempty"`
	When       *Predicate        `yaml:"when,omitempty" json:"when,omitempty"`
	DependsOn  []string          `yaml:"depends_on" json:"depends_on"`
	hasDepends bool              `yaml:"-" json:"-"`
}

// UnmarshalYAML lets Step tell the difference between an omitted
// depends_on (sequential default) and an explicit empty list (root).
func (s *Step) UnmarshalYAML(value *yaml.Node) error {
	type rawStep struct {
		ID        string         `yaml:"id"`
		Name      string         `yaml:"name,omitempty"`
		Actor     string         `yaml:"actor"`
		With      map[string]any `yaml:"with,omitempty"`
		Emits     []string       `yaml:"emits,omitempty"`
		Gates     []Gate         `yaml:"gates,omitempty"`
		When      *Predicate     `yaml:"when,omitempty"`
		DependsOn *[]string      `yaml:"depends_on"`
	}
	var raw rawStep
	if err := value.Decode(&raw); err != nil {
		return err
	}

	s.ID = raw.ID
	s.Name = raw.Name
	s.Actor = raw.Actor
	s.With = raw.With
	s.Emits = raw.Emits
	s.Gates = raw.Gates
	s.When = raw.When

	if raw.DependsOn != nil {
		s.DependsOn = *raw.DependsOn
		s.hasDepends = true
	} else {
		s.DependsOn = nil
		s.hasDepends = false
	}
	return nil
}

// HasExplicitDependsOn reports whether depends_on was present in the
// source document (even as an empty list), as opposed to omitted.
func (s *Step) HasExplicitDependsOn() bool {
	return s.hasDepends
}

// Predicate is a `when` guard evaluated against run context before a
// step is dispatched.
type Predicate struct {
	Kind     string `yaml:"kind" json:"kind"`
	Artifact string `yaml:"artifact,omitempty" json:"artifact,omitempty"`
	Property string `yaml:"property,omitempty" json:"property,omitempty"`
	Equals   any    `yaml:"equals,omitempty" json:"equals,omitempty"`
}

const (
	PredicateAlways            = "always"
	PredicateArtifactExists    = "artifact_exists"
	PredicateArtifactProperty  = "artifact_property"
)

// Gate is a tagged-variant verification check run after a step.
type Gate struct {
	Kind      string         `yaml:"kind" json:"kind"`
	Severity  string         `yaml:"severity,omitempty" json:"severity,omitempty"`
	Params    map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

const (
	SeverityBlock = "block"
	SeverityWarn  = "warn"

	GateTestsPass   = "tests_pass"
	GateDiffLimits  = "diff_limits"
	GateSchemaValid = "schema_valid"
	GateExists      = "artifact_exists"
	GateCustom      = "custom"
)

// EffectiveSeverity defaults an empty severity to block, matching the
// spec's requirement that every declared gate gates something.
func (g Gate) EffectiveSeverity() string {
	if g.Severity == "" {
		return SeverityBlock
	}
	return g.Severity
}
