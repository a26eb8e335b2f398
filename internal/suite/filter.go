package suite

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// filterEnv is the environment filter expressions are evaluated in.
type filterEnv struct {
	Name string   `expr:"name"`
	Tags []string `expr:"tags"`
	WDL  string   `expr:"wdl"`
}

// Filter selects tests with a boolean expression over name, tags and wdl,
// for example `"slow" not in tags && name startsWith "align"`.
type Filter struct {
	source  string
	program *vm.Program
}

// NewFilter compiles exprStr. An empty expression yields a nil Filter,
// which accepts everything.
func NewFilter(exprStr string) (*Filter, error) {
	exprStr = strings.TrimSpace(exprStr)
	if exprStr == "" {
		return nil, nil
	}
	program, err := expr.Compile(exprStr, expr.Env(filterEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", exprStr, err)
	}
	return &Filter{source: exprStr, program: program}, nil
}

// String returns the filter expression.
func (f *Filter) String() string { return f.source }

// Match evaluates the filter for t.
func (f *Filter) Match(t Test) (bool, error) {
	if f == nil {
		return true, nil
	}
	env := filterEnv{Name: t.Name, Tags: t.Tags, WDL: t.WDL}
	if env.Tags == nil {
		env.Tags = []string{}
	}
	output, err := expr.Run(f.program, env)
	if err != nil {
		return false, fmt.Errorf("eval filter %q: %w", f.source, err)
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("filter %q did not return bool (got %T: %v)", f.source, output, output)
	}
	return result, nil
}
