// Package fixture resolves named test fixtures from declarative descriptors
// into data files or literal values.
package fixture

import (
	"context"
	"fmt"

	"github.com/me/wdlharness/pkg/datafile"
)

// Value is a resolved fixture: either a literal descriptor value passed
// through unchanged, or a DataFile.
type Value struct {
	literal any
	file    *datafile.DataFile
}

// Literal wraps a literal value.
func Literal(v any) Value { return Value{literal: v} }

// File wraps a data file.
func File(f *datafile.DataFile) Value { return Value{file: f} }

// IsFile reports whether the value is a DataFile.
func (v Value) IsFile() bool { return v.file != nil }

// File returns the DataFile, or nil for literals.
func (v Value) File() *datafile.DataFile { return v.file }

// Literal returns the literal value, or nil for files.
func (v Value) Literal() any { return v.literal }

// Resolve returns the value as it should appear in a workflow inputs
// document: a file's local path (materializing it) or the literal.
func (v Value) Resolve(ctx context.Context) (any, error) {
	if v.file != nil {
		return v.file.Path(ctx)
	}
	return v.literal, nil
}

func (v Value) String() string {
	if v.file != nil {
		return v.file.String()
	}
	return fmt.Sprint(v.literal)
}
