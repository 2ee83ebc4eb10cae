// Package cel evaluates CEL expressions against port descriptors.
//
// Expressions see four variables: subsystem, name and driver as strings, and
// props as the port's kernel property map. For example:
//
//	subsystem == "net" && props["DEVTYPE"] == "wwan"
package cel

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/gezibash/arc-modem/internal/port"
)

// Filter is a compiled CEL expression over a port.
type Filter struct {
	expr    string
	program cel.Program
}

// Compile parses and type-checks expr. The result must be a bool.
func Compile(expr string) (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("subsystem", cel.StringType),
		cel.Variable("name", cel.StringType),
		cel.Variable("driver", cel.StringType),
		cel.Variable("props", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("cel compile: %q yields %s, want bool", expr, ast.OutputType())
	}

	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	return &Filter{expr: expr, program: prog}, nil
}

// String returns the source expression.
func (f *Filter) String() string { return f.expr }

// Match evaluates the filter against d.
// Missing properties and evaluation errors produce false, not an error.
func (f *Filter) Match(d port.Descriptor) bool {
	props := d.Properties
	if props == nil {
		props = map[string]string{}
	}
	out, _, err := f.program.Eval(map[string]any{
		"subsystem": string(d.Subsystem),
		"name":      d.Name,
		"driver":    d.Driver,
		"props":     props,
	})
	if err != nil {
		return false
	}
	if out.Type() != types.BoolType {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// MatchAny reports whether any port satisfies the filter.
func (f *Filter) MatchAny(ports []port.Descriptor) bool {
	for _, d := range ports {
		if f.Match(d) {
			return true
		}
	}
	return false
}
