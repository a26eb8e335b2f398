package fixture

import "context"

// Manager resolves fixtures for one test, binding a Resolver to the test's
// data directories.
type Manager struct {
	resolver *Resolver
	dirs     *DataDirs
}

// NewManager creates a Manager. dirs may be nil when no name-based lookup is
// needed.
func NewManager(resolver *Resolver, dirs *DataDirs) *Manager {
	return &Manager{resolver: resolver, dirs: dirs}
}

// Resolver returns the underlying resolver.
func (m *Manager) Resolver() *Resolver { return m.resolver }

// DataDirs returns the data directories searched by name, if any.
func (m *Manager) DataDirs() *DataDirs { return m.dirs }

// Get resolves a single fixture.
func (m *Manager) Get(ctx context.Context, name string) (Value, error) {
	return m.resolver.Resolve(ctx, name, m.dirs)
}

// GetMap resolves several fixtures, keyed by their own names.
func (m *Manager) GetMap(ctx context.Context, names ...string) (map[string]Value, error) {
	out := make(map[string]Value, len(names))
	for _, name := range names {
		v, err := m.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// GetParams resolves fixtures keyed by workflow parameter name.
func (m *Manager) GetParams(ctx context.Context, params map[string]string) (map[string]Value, error) {
	out := make(map[string]Value, len(params))
	for param, name := range params {
		v, err := m.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		out[param] = v
	}
	return out, nil
}
