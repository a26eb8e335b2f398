// Package suite loads declarative test suites: a fixture descriptor section
// plus a list of workflow runs with their inputs and expected outputs.
package suite

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/me/wdlharness/pkg/fixture"
	"github.com/me/wdlharness/pkg/model"
)

// Suite is a parsed suite file.
type Suite struct {
	// Data holds fixture descriptors, keyed by fixture name.
	Data map[string]any `json:"data,omitempty" jsonschema:"description=Fixture descriptors keyed by name"`
	// ImportDirs are relative to the suite file.
	ImportDirs []string `json:"import_dirs,omitempty"`
	// Executors is the default for every test of the suite.
	Executors []string `json:"executors,omitempty"`
	Tests     []Test   `json:"tests" jsonschema:"minItems=1"`

	path string
}

// Test is one workflow run. String values in Inputs and Expected that name
// a Data entry are replaced by that fixture.
type Test struct {
	Name         string         `json:"name" jsonschema:"minLength=1"`
	WDL          string         `json:"wdl" jsonschema:"minLength=1,description=Workflow file relative to the suite file"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	Expected     map[string]any `json:"expected,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Executors    []string       `json:"executors,omitempty"`
	WorkflowName string         `json:"workflow_name,omitempty"`
	TaskName     string         `json:"task_name,omitempty"`
	InputsFile   string         `json:"inputs_file,omitempty"`
	Args         string         `json:"args,omitempty"`
	JavaArgs     string         `json:"java_args,omitempty"`
	// Timeout is in seconds.
	Timeout float64 `json:"timeout,omitempty" jsonschema:"minimum=0"`
	Skip    string  `json:"skip,omitempty" jsonschema:"description=Reason to skip the test"`
}

// Path returns the file the suite was loaded from.
func (s *Suite) Path() string { return s.path }

// Dir returns the directory relative paths are resolved against.
func (s *Suite) Dir() string {
	if s.path == "" {
		return "."
	}
	return filepath.Dir(s.path)
}

// Rel resolves p against the suite directory.
func (s *Suite) Rel(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.Dir(), p)
}

// Load reads, schema-validates and checks a suite file (JSON, or YAML by
// extension).
func Load(path string) (*Suite, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := fixture.DecodeFile(abs, &raw); err != nil {
		return nil, err
	}
	s, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.path = abs
	return s, nil
}

// Parse validates a decoded suite document and converts it to a Suite.
func Parse(raw map[string]any) (*Suite, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal suite: %w", err)
	}
	var s Suite
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &model.ConfigError{Field: "suite", Message: "invalid suite", Err: err}
	}
	if s.Data == nil {
		s.Data = map[string]any{}
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return &s, nil
}

// check enforces rules the schema cannot express.
func (s *Suite) check() error {
	seen := make(map[string]bool, len(s.Tests))
	var dups []string
	for _, t := range s.Tests {
		if seen[t.Name] {
			dups = append(dups, t.Name)
		}
		seen[t.Name] = true
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		return model.NewConfigError("tests", "duplicate test names: %s", strings.Join(dups, ", "))
	}
	return nil
}

// Select returns the tests accepted by filter, in file order. A nil filter
// accepts every test.
func (s *Suite) Select(filter *Filter) ([]Test, error) {
	if filter == nil {
		return s.Tests, nil
	}
	var out []Test
	for _, t := range s.Tests {
		ok, err := filter.Match(t)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}
