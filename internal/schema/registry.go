// Package schema implements the Schema Validator (spec §4.1): a
// read-only, process-lifetime registry of named JSON Schemas, validated
// against with a single deterministic entry point.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Result is the outcome of a single validation call.
type Result struct {
	OK     bool
	Errors []FieldError
}

// FieldError names one schema violation at a JSON pointer path.
type FieldError struct {
	Path    string
	Message string
}

// Summary renders Result as a single human-readable line for embedding
// in a SchemaValidationError message.
func (r Result) Summary() string {
	if r.OK {
		return "ok"
	}
	msg := ""
	for i, e := range r.Errors {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return msg
}

// Registry holds compiled schemas keyed by logical name ("workflow",
// "diagnostics", "test_report", ...). Schemas are added once at process
// start via Register/MustRegister and the registry is read-only
// thereafter, per the Design Notes in spec §9.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns an empty, ready-to-populate registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles the given raw JSON Schema document and stores it
// under name. Draft is auto-detected from "$schema"; the compiler
// defaults to draft 2020-12 when absent, per spec §9's Design Notes.
func (r *Registry) Register(name string, rawSchema []byte) error {
	var doc any
	if err := json.Unmarshal(rawSchema, &doc); err != nil {
		return fmt.Errorf("schema %q: invalid JSON: %w", name, err)
	}

	compiler := jsonschema.NewCompiler()
	resourceURL := "mem://schemas/" + name
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		return fmt.Errorf("schema %q: add resource: %w", name, err)
	}
	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return fmt.Errorf("schema %q: compile: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[name] = compiled
	return nil
}

// MustRegister panics on error; intended for process-startup wiring of
// built-in schemas where a bad schema is a programming error.
func (r *Registry) MustRegister(name string, rawSchema []byte) {
	if err := r.Register(name, rawSchema); err != nil {
		panic(err)
	}
}

// Validate checks document (any Go value produced by decoding JSON/YAML)
// against the named schema. Validate is pure and side-effect free.
func (r *Registry) Validate(document any, schemaID string) Result {
	r.mu.RLock()
	compiled, ok := r.schemas[schemaID]
	r.mu.RUnlock()
	if !ok {
		return Result{OK: false, Errors: []FieldError{{Path: "$", Message: fmt.Sprintf("unknown schema %q", schemaID)}}}
	}

	if err := compiled.Validate(document); err != nil {
		return Result{OK: false, Errors: flatten(err)}
	}
	return Result{OK: true}
}

// ValidateBytes is a convenience wrapper for raw JSON bytes, as used
// when validating emitted artifacts read straight off disk.
func (r *Registry) ValidateBytes(data []byte, schemaID string) Result {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Result{OK: false, Errors: []FieldError{{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)}}}
	}
	return r.Validate(doc, schemaID)
}

// flatten converts a jsonschema validation error tree into a flat list
// of field errors, one per leaf cause.
func flatten(err error) []FieldError {
	valErr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []FieldError{{Path: "$", Message: err.Error()}}
	}

	var out []FieldError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			path := "$"
			if e.InstanceLocation != nil {
				path = "$/" + joinPointer(e.InstanceLocation)
			}
			out = append(out, FieldError{Path: path, Message: e.Error()})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(valErr)
	return out
}

func joinPointer(segments []string) string {
	out := ""
	for i, s := range segments {
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out
}
