// Package celfilter compiles CEL expressions into filter policies, for
// deployments that want the subscription filter screen as config rather
// than the built-in legacy-identifier heuristic.
package celfilter

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"

	"livecache/internal/realtime"
	"livecache/internal/transport"
)

// New compiles expr into a realtime.FilterPolicy. The expression is
// evaluated against the parsed filter with two string variables, "field"
// and "value", and must produce a bool.
//
//	field != "user_id" || value.matches("^[0-9a-f-]{36}$")
//
// The empty filter is always accepted and an unparseable filter is
// always rejected, before the expression runs.
func New(expr string) (realtime.FilterPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("field", cel.StringType),
		cel.Variable("value", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("celfilter: env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("celfilter: compile: %w", issues.Err())
	}
	if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) {
		return nil, fmt.Errorf("celfilter: expression must produce bool, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("celfilter: program: %w", err)
	}

	return func(filter string) bool {
		if filter == "" {
			return true
		}
		f, err := transport.ParseFilter(filter)
		if err != nil {
			return false
		}
		out, _, err := prg.Eval(map[string]interface{}{
			"field": f.Field,
			"value": f.Value,
		})
		if err != nil {
			return false
		}
		ok, isBool := out.Value().(bool)
		return isBool && ok
	}, nil
}
