package schema

import "embed"

//go:embed builtin/*.schema.json
var builtinFS embed.FS

// builtinNames maps the logical schema name to its embedded filename,
// mirroring the "workflow", "diagnostics", "test_report" registry keys
// spec §4.1 names explicitly.
var builtinNames = map[string]string{
	"workflow":     "builtin/workflow.schema.json",
	"diagnostics":  "builtin/diagnostics.schema.json",
	"test_report":  "builtin/test_report.schema.json",
}

// NewBuiltinRegistry returns a Registry preloaded with the kernel's
// built-in schemas, compiled once at call time (intended to be called
// exactly once at process start, per the Design Notes in spec §9).
func NewBuiltinRegistry() (*Registry, error) {
	r := NewRegistry()
	for name, file := range builtinNames {
		data, err := builtinFS.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if err := r.Register(name, data); err != nil {
			return nil, err
		}
	}
	return r, nil
}
