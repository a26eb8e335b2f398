package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/me/wdlharness/pkg/datafile"
	"github.com/me/wdlharness/pkg/fixture"
)

// Serialize converts an input value into its JSON-ready form. Data files
// (bare or wrapped in a fixture.Value) become their local paths, which forces
// materialization; maps and slices are converted recursively.
func Serialize(ctx context.Context, v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return t, nil
	case *datafile.DataFile:
		if t == nil {
			return nil, nil
		}
		return t.Path(ctx)
	case fixture.Value:
		r, err := t.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		if t.IsFile() {
			return r, nil
		}
		return Serialize(ctx, r)
	case *fixture.Value:
		if t == nil {
			return nil, nil
		}
		return Serialize(ctx, *t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			s, err := Serialize(ctx, item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			s, err := Serialize(ctx, item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = s
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := fmt.Sprint(iter.Key().Interface())
			s, err := Serialize(ctx, iter.Value().Interface())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = s
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v, nil
		}
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			s, err := Serialize(ctx, rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = s
		}
		return out, nil
	}
	return v, nil
}

// NamespacedInputs serializes every input and keys it "<namespace>.<name>",
// or just "<name>" when namespace is empty.
func NamespacedInputs(ctx context.Context, inputs map[string]any, namespace string) (map[string]any, error) {
	doc := make(map[string]any, len(inputs))
	for name, v := range inputs {
		s, err := Serialize(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("serialize input %s: %w", name, err)
		}
		key := name
		if namespace != "" {
			key = namespace + "." + name
		}
		doc[key] = s
	}
	return doc, nil
}

// readInputsFile reads an existing inputs document. ok is false when path is
// empty or does not exist.
func readInputsFile(path string) (doc map[string]any, ok bool, err error) {
	if path == "" {
		return nil, false, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read inputs file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("parse inputs file %s: %w", path, err)
	}
	return doc, true, nil
}

// WorkflowInputs produces the inputs document for a run. When inputsFile
// already exists it is read and returned unchanged. Otherwise the inputs are
// namespaced (see NamespacedInputs) and written to inputsFile, or to a temp
// file when inputsFile is empty. With no inputs and no existing file both
// results are empty.
func WorkflowInputs(ctx context.Context, inputs map[string]any, inputsFile, namespace string) (map[string]any, string, error) {
	doc, ok, err := readInputsFile(inputsFile)
	if err != nil {
		return nil, "", err
	}
	if ok {
		return doc, inputsFile, nil
	}
	if len(inputs) == 0 {
		return nil, "", nil
	}

	doc, err = NamespacedInputs(ctx, inputs, namespace)
	if err != nil {
		return nil, "", err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("encode inputs: %w", err)
	}

	if inputsFile == "" {
		f, err := os.CreateTemp("", "inputs-*.json")
		if err != nil {
			return nil, "", fmt.Errorf("create inputs file: %w", err)
		}
		inputsFile = f.Name()
		if _, err := f.Write(data); err != nil {
			f.Close()
			return nil, "", fmt.Errorf("write inputs file: %w", err)
		}
		if err := f.Close(); err != nil {
			return nil, "", fmt.Errorf("write inputs file: %w", err)
		}
		return doc, inputsFile, nil
	}

	if err := os.MkdirAll(filepath.Dir(inputsFile), 0o755); err != nil {
		return nil, "", fmt.Errorf("create inputs dir: %w", err)
	}
	if err := os.WriteFile(inputsFile, data, 0o644); err != nil {
		return nil, "", fmt.Errorf("write inputs file: %w", err)
	}
	return doc, inputsFile, nil
}
