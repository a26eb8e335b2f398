package datafile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/go-cmp/cmp"

	"github.com/me/wdlharness/pkg/model"
)

// compareJSON parses both files and compares the decoded values.
func compareJSON(_ context.Context, path1, path2 string, _ Options) error {
	v1, err := readJSON(path1, path2)
	if err != nil {
		return err
	}
	v2, err := readJSON(path2, path1)
	if err != nil {
		return err
	}
	if diff := cmp.Diff(v1, v2); diff != "" {
		return &model.ComparisonError{
			Path1:   path1,
			Path2:   path2,
			Message: "JSON contents differ",
			Err:     errors.New("(-first +second):\n" + diff),
		}
	}
	return nil
}

func readJSON(path, other string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &model.ComparisonError{
			Path1:   path,
			Path2:   other,
			Message: fmt.Sprintf("invalid JSON file %s", path),
			Err:     err,
		}
	}
	return v, nil
}
