// Package gate implements the Verifier / Gate Engine (spec §4.6):
// evaluates a step's declared gates against emitted artifacts and run
// state, producing a GateReport. Dispatch-by-kind is grounded on the
// teacher's contract.QualityGateRunner.findGate
// (internal/contract/quality_gate.go), which looks a gate
// implementation up from a fixed table by config.Type the same way
// this package looks one up by workflow.Gate.Kind.
package gate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stepforge/kernel/internal/artifact"
	"github.com/stepforge/kernel/internal/schema"
	"github.com/stepforge/kernel/internal/workflow"
)

// Result is one gate's evaluation outcome.
type Result struct {
	Kind     string `json:"kind"`
	Passed   bool   `json:"passed"`
	Severity string `json:"severity"`
	Details  string `json:"details,omitempty"`
}

// Report is the ordered set of gate results for one step.
type Report []Result

// BlockFailed reports whether any block-severity gate failed.
func (r Report) BlockFailed() bool {
	for _, res := range r {
		if res.Severity == workflow.SeverityBlock && !res.Passed {
			return true
		}
	}
	return false
}

// CustomPlugin evaluates a `custom` gate, looked up by plugin id (the
// gate's params["plugin"] value), matching spec §4.6's "custom:
// delegates to a plugin id" and the teacher's gate-lookup-by-name
// pattern.
type CustomPlugin func(artifacts *artifact.Store, params map[string]any) (passed bool, details string, err error)

// Engine evaluates gates against a run's artifact store and schema
// registry.
type Engine struct {
	Schemas *schema.Registry
	plugins map[string]CustomPlugin
}

// NewEngine constructs an Engine bound to a schema registry.
func NewEngine(schemas *schema.Registry) *Engine {
	return &Engine{Schemas: schemas, plugins: make(map[string]CustomPlugin)}
}

// RegisterPlugin adds a custom-gate plugin under id, discoverable by
// `custom` gates whose params name it (spec §4.6).
func (e *Engine) RegisterPlugin(id string, plugin CustomPlugin) {
	e.plugins[id] = plugin
}

// Evaluate runs every gate declared on step against the artifacts
// produced so far, in declaration order.
func (e *Engine) Evaluate(step *workflow.Step, artifacts *artifact.Store) Report {
	report := make(Report, 0, len(step.Gates))
	for _, g := range step.Gates {
		report = append(report, e.evaluateOne(g, artifacts))
	}
	return report
}

func (e *Engine) evaluateOne(g workflow.Gate, artifacts *artifact.Store) Result {
	severity := g.EffectiveSeverity()
	switch g.Kind {
	case workflow.GateTestsPass:
		return e.testsPass(g, artifacts, severity)
	case workflow.GateDiffLimits:
		return e.diffLimits(g, artifacts, severity)
	case workflow.GateSchemaValid:
		return e.schemaValid(g, artifacts, severity)
	case workflow.GateExists:
		return e.artifactExists(g, artifacts, severity)
	case workflow.GateCustom:
		return e.custom(g, artifacts, severity)
	default:
		return Result{Kind: g.Kind, Passed: false, Severity: severity, Details: fmt.Sprintf("unknown gate kind %q", g.Kind)}
	}
}

type testReport struct {
	PassCount int `json:"pass_count"`
	Failures  int `json:"failures"`
}

func (e *Engine) testsPass(g workflow.Gate, artifacts *artifact.Store, severity string) Result {
	name := stringParam(g.Params, "artifact", "test_report.json")
	data, err := artifacts.Read(name)
	if err != nil {
		return Result{Kind: g.Kind, Passed: false, Severity: severity, Details: fmt.Sprintf("read %s: %v", name, err)}
	}

	if e.Schemas != nil {
		if res := e.Schemas.ValidateBytes(data, "test_report"); !res.OK {
			return Result{Kind: g.Kind, Passed: false, Severity: severity, Details: "test report schema invalid: " + res.Summary()}
		}
	}

	var report testReport
	if err := json.Unmarshal(data, &report); err != nil {
		return Result{Kind: g.Kind, Passed: false, Severity: severity, Details: fmt.Sprintf("parse %s: %v", name, err)}
	}

	minPass := intParam(g.Params, "min_pass_count", 1)
	allowFailures := intParam(g.Params, "allow_failures", 0)

	if report.PassCount < minPass {
		return Result{Kind: g.Kind, Passed: false, Severity: severity, Details: fmt.Sprintf("pass_count %d < required %d", report.PassCount, minPass)}
	}
	if report.Failures > allowFailures {
		return Result{Kind: g.Kind, Passed: false, Severity: severity, Details: fmt.Sprintf("failures %d > allowed %d", report.Failures, allowFailures)}
	}
	return Result{Kind: g.Kind, Passed: true, Severity: severity}
}

func (e *Engine) diffLimits(g workflow.Gate, artifacts *artifact.Store, severity string) Result {
	name := stringParam(g.Params, "artifact", "patch.diff")
	data, err := artifacts.Read(name)
	if err != nil {
		return Result{Kind: g.Kind, Passed: false, Severity: severity, Details: fmt.Sprintf("read %s: %v", name, err)}
	}

	maxLines := intParam(g.Params, "max_lines", 500)
	changed := countChangedLines(string(data))

	if changed > maxLines {
		return Result{Kind: g.Kind, Passed: false, Severity: severity, Details: fmt.Sprintf("changed_lines %d > max_lines %d", changed, maxLines)}
	}
	return Result{Kind: g.Kind, Passed: true, Severity: severity, Details: fmt.Sprintf("changed_lines=%d", changed)}
}

// countChangedLines counts +/- content lines in a unified diff,
// excluding file headers (---/+++) and hunk headers (@@).
func countChangedLines(diff string) int {
	count := 0
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"), strings.HasPrefix(line, "@@"):
			continue
		case strings.HasPrefix(line, "+"), strings.HasPrefix(line, "-"):
			count++
		}
	}
	return count
}

func (e *Engine) schemaValid(g workflow.Gate, artifacts *artifact.Store, severity string) Result {
	name := stringParam(g.Params, "artifact", "")
	schemaID := stringParam(g.Params, "schema", "")
	if name == "" || schemaID == "" {
		return Result{Kind: g.Kind, Passed: false, Severity: severity, Details: "schema_valid gate requires params.artifact and params.schema"}
	}

	data, err := artifacts.Read(name)
	if err != nil {
		return Result{Kind: g.Kind, Passed: false, Severity: severity, Details: fmt.Sprintf("read %s: %v", name, err)}
	}

	if e.Schemas == nil {
		return Result{Kind: g.Kind, Passed: false, Severity: severity, Details: "no schema registry configured"}
	}
	res := e.Schemas.ValidateBytes(data, schemaID)
	if !res.OK {
		return Result{Kind: g.Kind, Passed: false, Severity: severity, Details: res.Summary()}
	}
	return Result{Kind: g.Kind, Passed: true, Severity: severity}
}

func (e *Engine) artifactExists(g workflow.Gate, artifacts *artifact.Store, severity string) Result {
	name := stringParam(g.Params, "artifact", "")
	if name == "" {
		return Result{Kind: g.Kind, Passed: false, Severity: severity, Details: "artifact_exists gate requires params.artifact"}
	}
	if _, ok := artifacts.Descriptor(name); !ok {
		return Result{Kind: g.Kind, Passed: false, Severity: severity, Details: fmt.Sprintf("%s not in artifacts index", name)}
	}
	return Result{Kind: g.Kind, Passed: true, Severity: severity}
}

func (e *Engine) custom(g workflow.Gate, artifacts *artifact.Store, severity string) Result {
	pluginID := stringParam(g.Params, "plugin", "")
	plugin, ok := e.plugins[pluginID]
	if !ok {
		return Result{Kind: g.Kind, Passed: false, Severity: severity, Details: fmt.Sprintf("no custom gate plugin registered for %q", pluginID)}
	}
	passed, details, err := plugin(artifacts, g.Params)
	if err != nil {
		return Result{Kind: g.Kind, Passed: false, Severity: severity, Details: err.Error()}
	}
	return Result{Kind: g.Kind, Passed: passed, Severity: severity, Details: details}
}

func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return def
}
