package executor

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/me/wdlharness/pkg/model"
)

// Factory builds an executor from the configured import directories and the
// executor's default options (from user configuration).
type Factory func(importDirs []string, defaults map[string]any, logger *slog.Logger) (Executor, error)

// Registry maps executor names to their factories. Names are case-insensitive.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	factories map[string]Factory
	base      *slog.Logger
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	logger = discardIfNil(logger)
	return &Registry{
		factories: make(map[string]Factory),
		base:      logger,
		logger:    logger.With("component", "executor-registry"),
	}
}

// DefaultRegistry returns a registry holding every built-in executor. Omics
// executors created from it share one in-memory workflow cache.
func DefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(CromwellName, NewCromwellFromOptions)
	r.Register(MiniwdlName, NewMiniwdlFromOptions)
	r.Register(CromwellServerName, NewCromwellServerFromOptions)
	r.Register(OmicsName, OmicsFactory(NewMemoryCache()))
	return r
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	name = strings.ToLower(name)
	r.factories[name] = f
	r.logger.Debug("executor registered", "name", name)
}

// Names returns the registered executor names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds the named executor or returns a ConfigError if no executor
// is registered under that name.
func (r *Registry) Create(name string, importDirs []string, defaults map[string]any) (Executor, error) {
	key := strings.ToLower(name)
	f, ok := r.factories[key]
	if !ok {
		return nil, model.NewConfigError("executor", "no executor registered for name %q (known: %s)",
			name, strings.Join(r.Names(), ", "))
	}
	exec, err := f(importDirs, defaults, r.base)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("executor created", "name", key)
	return exec, nil
}
