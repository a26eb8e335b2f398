package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/spf13/cast"

	"github.com/me/wdlharness/pkg/datafile"
	"github.com/me/wdlharness/pkg/fixture"
	"github.com/me/wdlharness/pkg/model"
)

// ValidateOutputs checks that every expected output exists in actual under
// "<target>.<name>" and matches. Data files are compared with their type's
// comparator against the actual output path; everything else by structural
// equality with numeric normalization.
func ValidateOutputs(ctx context.Context, actual, expected map[string]any, target string) error {
	names := make([]string, 0, len(expected))
	for name := range expected {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		key := target + "." + name
		got, ok := actual[key]
		if !ok {
			return &model.OutputMismatchError{Key: key, Message: "workflow did not generate output"}
		}
		if err := validateValue(ctx, key, got, expected[name]); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(ctx context.Context, key string, actual, expected any) error {
	switch exp := expected.(type) {
	case *datafile.DataFile:
		return compareFile(ctx, key, exp, actual)
	case fixture.Value:
		if exp.IsFile() {
			return compareFile(ctx, key, exp.File(), actual)
		}
		return validateValue(ctx, key, actual, exp.Literal())
	case *fixture.Value:
		if exp == nil {
			return validateValue(ctx, key, actual, nil)
		}
		return validateValue(ctx, key, actual, *exp)
	}

	if expected == nil || actual == nil {
		if expected == nil && actual == nil {
			return nil
		}
		return mismatch(key, actual, expected)
	}

	if em, ok := asMap(expected); ok {
		am, ok := asMap(actual)
		if !ok {
			return mismatch(key, actual, expected)
		}
		if len(am) != len(em) {
			return &model.OutputMismatchError{Key: key,
				Message: fmt.Sprintf("expected %d keys, got %d", len(em), len(am))}
		}
		keys := make([]string, 0, len(em))
		for k := range em {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			av, ok := am[k]
			if !ok {
				return &model.OutputMismatchError{Key: key + "." + k, Message: "missing key"}
			}
			if err := validateValue(ctx, key+"."+k, av, em[k]); err != nil {
				return err
			}
		}
		return nil
	}

	if es, ok := asSlice(expected); ok {
		as, ok := asSlice(actual)
		if !ok {
			return mismatch(key, actual, expected)
		}
		if len(as) != len(es) {
			return &model.OutputMismatchError{Key: key,
				Message: fmt.Sprintf("expected %d elements, got %d", len(es), len(as))}
		}
		for i := range es {
			if err := validateValue(ctx, fmt.Sprintf("%s[%d]", key, i), as[i], es[i]); err != nil {
				return err
			}
		}
		return nil
	}

	if en, ok := asNumber(expected); ok {
		an, ok := asNumber(actual)
		if !ok || en != an {
			return mismatch(key, actual, expected)
		}
		return nil
	}

	if !reflect.DeepEqual(actual, expected) {
		return mismatch(key, actual, expected)
	}
	return nil
}

func compareFile(ctx context.Context, key string, expected *datafile.DataFile, actual any) error {
	path, err := cast.ToStringE(actual)
	if err != nil || path == "" {
		return &model.OutputMismatchError{Key: key,
			Message: fmt.Sprintf("expected a file path, got %v", actual)}
	}
	if err := expected.AssertContentsEqual(ctx, path); err != nil {
		return &model.OutputMismatchError{Key: key, Message: "file contents differ", Err: err}
	}
	return nil
}

func mismatch(key string, actual, expected any) error {
	return &model.OutputMismatchError{Key: key,
		Message: fmt.Sprintf("expected %#v, got %#v", expected, actual)}
}

func asMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[fmt.Sprint(iter.Key().Interface())] = iter.Value().Interface()
	}
	return out, true
}

func asSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range rv.Len() {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// asNumber normalizes Go and JSON numeric types to float64.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		f := cast.ToFloat64(n)
		return f, !math.IsNaN(f)
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
