// Package datafile models test data files that may need to be localized
// before use and compares them with type-aware equality.
package datafile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/me/wdlharness/pkg/localize"
	"github.com/me/wdlharness/pkg/model"
)

// DataFile is a file at a canonical local path, optionally materialized on
// first access by a Localizer. Once the backing file exists it is not
// rewritten.
type DataFile struct {
	typeName  string
	localPath string
	localizer localize.Localizer
	opts      Options
	cmp       Comparator

	mu sync.Mutex
}

// New creates a DataFile of the given type. Without a localizer the path must
// already exist.
func New(typeName, localPath string, localizer localize.Localizer, opts Options) (*DataFile, error) {
	if typeName == "" {
		typeName = DefaultType
	}
	cmp, err := Lookup(typeName)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", localPath, err)
	}
	if localizer == nil {
		if _, err := os.Stat(abs); err != nil {
			return nil, &model.ConfigError{
				Field:   "path",
				Message: fmt.Sprintf("local path %s does not exist and no localizer is defined", abs),
				Err:     err,
			}
		}
	}
	return &DataFile{
		typeName:  strings.ToLower(typeName),
		localPath: abs,
		localizer: localizer,
		opts:      opts,
		cmp:       cmp,
	}, nil
}

// Type returns the data type tag.
func (f *DataFile) Type() string { return f.typeName }

// LocalPath returns the canonical local path without materializing it.
func (f *DataFile) LocalPath() string { return f.localPath }

// Options returns the file's comparison options.
func (f *DataFile) Options() Options { return f.opts }

// Localizer returns the strategy used to materialize the file, if any.
func (f *DataFile) Localizer() localize.Localizer { return f.localizer }

func (f *DataFile) String() string { return f.localPath }

// Path returns the local path, localizing the file first if it is missing.
func (f *DataFile) Path(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.localPath); err == nil {
		return f.localPath, nil
	}
	// A dangling symlink left by an earlier Link localization is replaced.
	if fi, err := os.Lstat(f.localPath); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		if f.localizer == nil {
			return "", fmt.Errorf("%s: broken symlink: %w", f.localPath, model.ErrNoLocalizer)
		}
		if err := os.Remove(f.localPath); err != nil {
			return "", err
		}
	}
	if f.localizer == nil {
		return "", fmt.Errorf("%s: %w", f.localPath, model.ErrNoLocalizer)
	}
	if err := f.localizer.Localize(ctx, f.localPath); err != nil {
		return "", err
	}
	return f.localPath, nil
}

// AssertContentsEqual compares this file with other, which is a *DataFile or
// a path string. Comparison options of both sides are merged.
func (f *DataFile) AssertContentsEqual(ctx context.Context, other any) error {
	var otherPath string
	var otherOpts Options
	switch o := other.(type) {
	case *DataFile:
		p, err := o.Path(ctx)
		if err != nil {
			return err
		}
		otherPath, otherOpts = p, o.opts
	case string:
		otherPath = o
	default:
		return fmt.Errorf("cannot compare data file with %T", other)
	}

	path, err := f.Path(ctx)
	if err != nil {
		return err
	}
	return f.cmp.Compare(ctx, path, otherPath, f.opts.Merge(otherOpts))
}
