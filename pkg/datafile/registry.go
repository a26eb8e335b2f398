package datafile

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/me/wdlharness/pkg/model"
)

// DefaultType is used when a descriptor names no type.
const DefaultType = "default"

// Comparator asserts that two local files are equal under a type-specific
// notion of equality. A non-nil error means they differ or could not be read.
type Comparator interface {
	Compare(ctx context.Context, path1, path2 string, opts Options) error
}

// ComparatorFunc adapts a function to the Comparator interface.
type ComparatorFunc func(ctx context.Context, path1, path2 string, opts Options) error

// Compare calls f.
func (f ComparatorFunc) Compare(ctx context.Context, path1, path2 string, opts Options) error {
	return f(ctx, path1, path2, opts)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Comparator{
		DefaultType: ComparatorFunc(compareDefault),
		"vcf":       ComparatorFunc(compareVCF),
		"bam":       ComparatorFunc(compareBAM),
		"json":      ComparatorFunc(compareJSON),
	}
)

// Register adds or replaces the comparator for a type tag.
func Register(name string, c Comparator) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = c
}

// Lookup returns the comparator registered for name.
func Lookup(name string) (Comparator, error) {
	if name == "" {
		name = DefaultType
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, model.NewConfigError("type", "unknown data type %q (known: %s)",
			name, strings.Join(typesLocked(), ", "))
	}
	return c, nil
}

// Types returns the registered type tags in sorted order.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return typesLocked()
}

func typesLocked() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
