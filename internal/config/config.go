// Package config loads the user configuration shared by the harness, the
// suite runner and the CLI.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cast"

	"github.com/me/wdlharness/pkg/fixture"
	"github.com/me/wdlharness/pkg/localize"
	"github.com/me/wdlharness/pkg/model"
)

// Environment variables consulted while loading.
const (
	EnvConfigFile   = "WDL_HARNESS_CONFIG"
	EnvCacheDir     = "WDL_HARNESS_CACHE_DIR"
	EnvExecutionDir = "WDL_HARNESS_EXECUTION_DIR"
	EnvExecutors    = "WDL_HARNESS_EXECUTORS"

	defaultConfigName = "wdlharness_config"
)

// Config file keys.
const (
	keyCacheDir         = "cache_dir"
	keyExecutionDir     = "execution_dir"
	keyProxies          = "proxies"
	keyHTTPHeaders      = "http_headers"
	keyShowProgress     = "show_progress"
	keyDefaultExecutors = "default_executors"
	keyExecutors        = "executors"
	keyWorkflowCache    = "workflow_cache"
)

// DefaultExecutors is used when neither the environment nor the config file
// names any.
var DefaultExecutors = []string{"miniwdl"}

// HTTPHeader is a default request header. An empty Pattern matches all URLs.
type HTTPHeader struct {
	Pattern string
	Name    string
	Value   model.ValueDescriptor
}

// UserConfig holds user-level settings.
type UserConfig struct {
	// CacheDir receives localized fixture files.
	CacheDir string
	// RemoveCacheDir is set when CacheDir is a temp dir owned by this config.
	RemoveCacheDir bool
	// ExecutionDir, when set, is used for every run; otherwise each run gets
	// a fresh temp dir.
	ExecutionDir string
	Proxies      map[string]model.ValueDescriptor
	HTTPHeaders  []HTTPHeader
	ShowProgress bool
	// Executors are the default executor names.
	Executors []string
	// ExecutorDefaults maps a lower-cased executor name to its options.
	ExecutorDefaults map[string]map[string]any
	// WorkflowCache is the SQLite database of remote workflow registrations.
	// Empty keeps registrations in memory.
	WorkflowCache string
}

// DefaultConfigFile returns the config file named by $WDL_HARNESS_CONFIG, or
// the first existing default file in the home directory. It returns "" when
// there is none.
func DefaultConfigFile() (string, error) {
	if p := os.Getenv(EnvConfigFile); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", &model.NotFoundError{Kind: "config file", Name: p}
		}
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", nil
	}
	for _, name := range []string{
		defaultConfigName + ".json",
		"." + defaultConfigName + ".json",
		defaultConfigName + ".yaml",
		"." + defaultConfigName + ".yaml",
	} {
		p := filepath.Join(home, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// Load reads the config file at path. An empty path falls back to
// DefaultConfigFile; no file at all yields the defaults.
func Load(path string) (*UserConfig, error) {
	if path == "" {
		p, err := DefaultConfigFile()
		if err != nil {
			return nil, err
		}
		path = p
	}
	raw := map[string]any{}
	if path != "" {
		if err := fixture.DecodeFile(path, &raw); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, &model.NotFoundError{Kind: "config file", Name: path}
			}
			return nil, err
		}
	}
	cfg, err := FromMap(raw)
	if err != nil && path != "" {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, err
}

// FromMap builds a UserConfig from a decoded config document, applying
// environment overrides and creating the cache and execution dirs.
func FromMap(raw map[string]any) (*UserConfig, error) {
	cfg := &UserConfig{
		Proxies:          map[string]model.ValueDescriptor{},
		ExecutorDefaults: map[string]map[string]any{},
	}

	cacheDir := os.Getenv(EnvCacheDir)
	if cacheDir == "" {
		cacheDir = cast.ToString(raw[keyCacheDir])
	}
	if cacheDir != "" {
		abs, err := ensureDir(cacheDir)
		if err != nil {
			return nil, &model.ConfigError{Field: keyCacheDir, Message: "cannot create cache directory", Err: err}
		}
		cfg.CacheDir = abs
	} else {
		tmp, err := os.MkdirTemp("", "wdlharness-cache-")
		if err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		cfg.CacheDir = tmp
		cfg.RemoveCacheDir = true
	}

	execDir := os.Getenv(EnvExecutionDir)
	if execDir == "" {
		execDir = cast.ToString(raw[keyExecutionDir])
	}
	if execDir != "" {
		abs, err := ensureDir(execDir)
		if err != nil {
			cfg.Cleanup()
			return nil, &model.ConfigError{Field: keyExecutionDir, Message: "cannot create execution directory", Err: err}
		}
		cfg.ExecutionDir = abs
	}

	if p := cast.ToString(raw[keyWorkflowCache]); p != "" {
		abs, err := filepath.Abs(expandHome(p))
		if err != nil {
			cfg.Cleanup()
			return nil, &model.ConfigError{Field: keyWorkflowCache, Message: "invalid path", Err: err}
		}
		cfg.WorkflowCache = abs
	}

	if err := cfg.parseSections(raw); err != nil {
		cfg.Cleanup()
		return nil, err
	}
	return cfg, nil
}

func (c *UserConfig) parseSections(raw map[string]any) error {
	if v, ok := raw[keyProxies]; ok && v != nil {
		proxies, err := cast.ToStringMapE(v)
		if err != nil {
			return &model.ConfigError{Field: keyProxies, Message: "must be a mapping", Err: err}
		}
		for scheme, desc := range proxies {
			d, err := model.ParseValueDescriptor(normalize(desc))
			if err != nil {
				return &model.ConfigError{Field: keyProxies + "." + scheme, Message: "invalid value", Err: err}
			}
			c.Proxies[strings.ToLower(scheme)] = d
		}
	}

	if v, ok := raw[keyHTTPHeaders]; ok && v != nil {
		items, err := cast.ToSliceE(v)
		if err != nil {
			return &model.ConfigError{Field: keyHTTPHeaders, Message: "must be a list", Err: err}
		}
		for i, item := range items {
			h, err := parseHeader(normalize(item))
			if err != nil {
				return &model.ConfigError{Field: fmt.Sprintf("%s[%d]", keyHTTPHeaders, i), Message: "invalid header", Err: err}
			}
			c.HTTPHeaders = append(c.HTTPHeaders, h)
		}
	}

	if v, ok := raw[keyShowProgress]; ok && v != nil {
		b, err := cast.ToBoolE(v)
		if err != nil {
			return &model.ConfigError{Field: keyShowProgress, Message: "must be a boolean", Err: err}
		}
		c.ShowProgress = b
	} else {
		c.ShowProgress = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	}

	if env := os.Getenv(EnvExecutors); env != "" {
		c.Executors = splitNames(env)
	} else if v, ok := raw[keyDefaultExecutors]; ok && v != nil {
		names, err := cast.ToStringSliceE(v)
		if err != nil {
			return &model.ConfigError{Field: keyDefaultExecutors, Message: "must be a list of names", Err: err}
		}
		c.Executors = names
	}
	if len(c.Executors) == 0 {
		c.Executors = append([]string(nil), DefaultExecutors...)
	}

	if v, ok := raw[keyExecutors]; ok && v != nil {
		execs, err := cast.ToStringMapE(v)
		if err != nil {
			return &model.ConfigError{Field: keyExecutors, Message: "must be a mapping", Err: err}
		}
		for name, opts := range execs {
			m, err := cast.ToStringMapE(normalize(opts))
			if err != nil {
				return &model.ConfigError{Field: keyExecutors + "." + name, Message: "must be a mapping", Err: err}
			}
			key := strings.ToLower(name)
			if _, dup := c.ExecutorDefaults[key]; !dup {
				c.ExecutorDefaults[key] = m
			}
		}
	}
	return nil
}

func parseHeader(item any) (HTTPHeader, error) {
	m, err := cast.ToStringMapE(item)
	if err != nil {
		return HTTPHeader{}, err
	}
	h := HTTPHeader{
		Pattern: cast.ToString(m["pattern"]),
		Name:    cast.ToString(m["name"]),
	}
	if h.Name == "" {
		return h, model.NewConfigError("name", "header name is required")
	}
	desc := map[string]any{}
	for _, k := range []string{"env", "value"} {
		if v, ok := m[k]; ok {
			desc[k] = v
		}
	}
	h.Value, err = model.ParseValueDescriptor(desc)
	return h, err
}

// ExecutorOptions returns the configured options for an executor, or nil.
func (c *UserConfig) ExecutorOptions(name string) map[string]any {
	return c.ExecutorDefaults[strings.ToLower(name)]
}

// ExecutorNames returns the configured executor option sections in sorted
// order.
func (c *UserConfig) ExecutorNames() []string {
	names := make([]string, 0, len(c.ExecutorDefaults))
	for n := range c.ExecutorDefaults {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DownloaderConfig converts proxies and headers to the localization config.
func (c *UserConfig) DownloaderConfig() (localize.Config, error) {
	dc := localize.Config{
		Proxies:      model.EnvMap(c.Proxies),
		ShowProgress: c.ShowProgress,
	}
	for _, h := range c.HTTPHeaders {
		rule, err := localize.NewHeaderRule(h.Pattern, h.Name, h.Value)
		if err != nil {
			return dc, err
		}
		dc.HeaderRules = append(dc.HeaderRules, rule)
	}
	return dc, nil
}

// NewDownloader creates a Downloader from the config.
func (c *UserConfig) NewDownloader(logger *slog.Logger) (*localize.Downloader, error) {
	dc, err := c.DownloaderConfig()
	if err != nil {
		return nil, err
	}
	return localize.NewDownloader(dc, logger), nil
}

// Cleanup removes the cache dir when it is a temp dir owned by this config.
func (c *UserConfig) Cleanup() error {
	if !c.RemoveCacheDir || c.CacheDir == "" {
		return nil
	}
	return os.RemoveAll(c.CacheDir)
}

// DefaultWorkflowCache is the workflow cache used by the CLI when none is
// configured.
func DefaultWorkflowCache() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "wdlharness", "workflow_cache.db")
	}
	return filepath.Join(home, ".wdlharness", "workflow_cache.db")
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}

func ensureDir(dir string) (string, error) {
	abs, err := filepath.Abs(expandHome(dir))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func splitNames(s string) []string {
	var names []string
	for _, n := range strings.Split(s, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// normalize converts map[any]any values, which some decoders produce, to
// map[string]any.
func normalize(v any) any {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[cast.ToString(k)] = normalize(val)
		}
		return m
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}
