package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stepforge/kernel/internal/kernelerrors"
	"github.com/stepforge/kernel/internal/schema"
)

// Loader reads a workflow document, validates it against the "workflow"
// schema, and normalizes defaults (sequential depends_on).
type Loader struct {
	Schemas *schema.Registry
}

// NewLoader constructs a Loader bound to the given schema registry.
func NewLoader(schemas *schema.Registry) *Loader {
	return &Loader{Schemas: schemas}
}

// LoadFile reads and validates a workflow document from disk.
func (l *Loader) LoadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return l.LoadBytes(data)
}

// LoadBytes parses, validates, and normalizes a workflow document.
func (l *Loader) LoadBytes(data []byte) (*Workflow, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, kernelerrors.New(kernelerrors.SchemaValidationError, fmt.Sprintf("malformed workflow document: %v", err))
	}

	if l.Schemas != nil {
		result := l.Schemas.Validate(toJSONable(generic), "workflow")
		if !result.OK {
			return nil, kernelerrors.New(kernelerrors.SchemaValidationError, result.Summary())
		}
	}

	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, kernelerrors.New(kernelerrors.SchemaValidationError, fmt.Sprintf("failed to decode workflow: %v", err))
	}

	if err := normalize(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// normalize fills in structural defaults and performs the basic
// structural checks the JSON Schema pass cannot express cheaply:
// unique step IDs and known actor kinds.
func normalize(wf *Workflow) error {
	seen := make(map[string]bool, len(wf.Steps))
	for i := range wf.Steps {
		step := &wf.Steps[i]

		if !StepIDPattern.MatchString(step.ID) {
			return kernelerrors.New(kernelerrors.SchemaValidationError, fmt.Sprintf("step id %q does not match ^\\d+\\.\\d{3}$", step.ID))
		}
		if seen[step.ID] {
			return kernelerrors.New(kernelerrors.SchemaValidationError, fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = true

		if !KnownActorKinds[step.Actor] {
			return kernelerrors.New(kernelerrors.SchemaValidationError, fmt.Sprintf("step %q has unknown actor %q", step.ID, step.Actor))
		}

		if !step.HasExplicitDependsOn() {
			if i == 0 {
				step.DependsOn = nil
			} else {
				step.DependsOn = []string{wf.Steps[i-1].ID}
			}
		}

		for _, g := range step.Gates {
			if !knownGateKind(g.Kind) {
				return kernelerrors.New(kernelerrors.SchemaValidationError, fmt.Sprintf("step %q has unknown gate kind %q", step.ID, g.Kind))
			}
		}

		if step.When != nil && !knownPredicateKind(step.When.Kind) {
			return kernelerrors.New(kernelerrors.PlanError, fmt.Sprintf("step %q has unknown when-predicate kind %q", step.ID, step.When.Kind))
		}
	}
	return nil
}

func knownGateKind(kind string) bool {
	switch kind {
	case GateTestsPass, GateDiffLimits, GateSchemaValid, GateExists, GateCustom:
		return true
	default:
		return false
	}
}

func knownPredicateKind(kind string) bool {
	switch kind {
	case PredicateAlways, PredicateArtifactExists, PredicateArtifactProperty:
		return true
	default:
		return false
	}
}

// toJSONable converts a yaml-decoded generic value (which may contain
// map[string]interface{} with non-string keys from some decoders) into a
// form safe for encoding/json-based schema validation.
func toJSONable(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = toJSONable(vv)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[fmt.Sprintf("%v", k)] = toJSONable(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = toJSONable(vv)
		}
		return out
	default:
		return val
	}
}
