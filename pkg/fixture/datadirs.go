package fixture

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/me/wdlharness/pkg/model"
)

// DataDirs is the identity of a test (base directory, dotted module name,
// function and optional class) together with the memoized list of
// directories in which its fixture files are searched.
type DataDirs struct {
	baseDir  string
	module   string
	function string
	class    string

	once  sync.Once
	paths []string
}

// NewDataDirs creates a DataDirs. baseDir is the directory of the test
// module; it must end with the module's parent packages, and the base is
// moved up one directory per parent package.
func NewDataDirs(baseDir, module, function, class string) (*DataDirs, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", baseDir, err)
	}
	var parts []string
	if module != "" {
		parts = strings.Split(module, ".")
	}
	if len(parts) > 1 {
		for i := len(parts) - 2; i >= 0; i-- {
			if filepath.Base(abs) != parts[i] {
				return nil, model.NewConfigError("datadirs",
					"module path %s does not match base directory %s", module, baseDir)
			}
			abs = filepath.Dir(abs)
		}
	}
	return &DataDirs{
		baseDir:  abs,
		module:   filepath.Join(parts...),
		function: function,
		class:    class,
	}, nil
}

// FromTestName creates a DataDirs from a Go test name. "TestFoo" names the
// function; "TestSuite/TestCase" names a class and its function.
func FromTestName(baseDir, module, testName string) (*DataDirs, error) {
	class, function, ok := strings.Cut(testName, "/")
	if !ok {
		return NewDataDirs(baseDir, module, testName, "")
	}
	if i := strings.LastIndex(function, "/"); i >= 0 {
		function = function[i+1:]
	}
	return NewDataDirs(baseDir, module, function, class)
}

// BaseDir returns the base directory after walking up past parent packages.
func (d *DataDirs) BaseDir() string { return d.baseDir }

// Key identifies the DataDirs for memoization.
func (d *DataDirs) Key() string {
	if d == nil {
		return ""
	}
	return strings.Join([]string{d.baseDir, d.module, d.class, d.function}, "\x00")
}

// Paths returns the existing candidate directories, most specific first. The
// list is computed on first call.
func (d *DataDirs) Paths() []string {
	d.once.Do(func() {
		var paths []string
		paths = d.appendRoot(paths, d.baseDir)
		dataRoot := filepath.Join(d.baseDir, "data")
		if isDir(dataRoot) {
			paths = d.appendRoot(paths, dataRoot)
			if len(paths) == 0 || paths[len(paths)-1] != dataRoot {
				paths = append(paths, dataRoot)
			}
		}
		d.paths = paths
	})
	return d.paths
}

// appendRoot adds the class, function and module directories under root.
// Without a module name, root itself is the module directory.
func (d *DataDirs) appendRoot(paths []string, root string) []string {
	testDir := filepath.Join(root, d.module)
	if !isDir(testDir) {
		return paths
	}
	if d.class != "" {
		classDir := filepath.Join(testDir, d.class)
		if isDir(classDir) {
			if d.function != "" && isDir(filepath.Join(classDir, d.function)) {
				paths = append(paths, filepath.Join(classDir, d.function))
			}
			paths = append(paths, classDir)
		}
	} else if d.function != "" && isDir(filepath.Join(testDir, d.function)) {
		paths = append(paths, filepath.Join(testDir, d.function))
	}
	return append(paths, testDir)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
