package fixture

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/me/wdlharness/pkg/datafile"
	"github.com/me/wdlharness/pkg/localize"
	"github.com/me/wdlharness/pkg/model"
)

// Descriptor keys with special meaning; all other keys are comparison options.
const (
	keyType        = "type"
	keyName        = "name"
	keyPath        = "path"
	keyURL         = "url"
	keyContents    = "contents"
	keyEnv         = "env"
	keyHTTPHeaders = "http_headers"
	keyDigests     = "digests"
)

// Resolver turns fixture descriptors into Values. Resolution of a name is
// memoized per DataDirs and safe for concurrent use.
type Resolver struct {
	descriptors map[string]any
	cacheDir    string
	downloader  *localize.Downloader
	logger      *slog.Logger

	mu    sync.Mutex
	cache map[string]Value
}

// NewResolver creates a Resolver. Relative fixture paths and localized
// downloads land in cacheDir.
func NewResolver(descriptors map[string]any, cacheDir string, downloader *localize.Downloader, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if downloader == nil {
		downloader = localize.NewDownloader(localize.Config{}, logger)
	}
	return &Resolver{
		descriptors: descriptors,
		cacheDir:    cacheDir,
		downloader:  downloader,
		logger:      logger.With("component", "resolver"),
		cache:       make(map[string]Value),
	}
}

// Names returns the descriptor names in sorted order.
func (r *Resolver) Names() []string {
	names := make([]string, 0, len(r.descriptors))
	for n := range r.descriptors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name has a descriptor.
func (r *Resolver) Has(name string) bool {
	_, ok := r.descriptors[name]
	return ok
}

// Resolve returns the fixture for name. Mapping descriptors become DataFiles;
// any other descriptor is returned as a literal.
func (r *Resolver) Resolve(ctx context.Context, name string, dirs *DataDirs) (Value, error) {
	raw, ok := r.descriptors[name]
	if !ok {
		return Value{}, &model.NotFoundError{Kind: "fixture", Name: name}
	}

	key := name + "\x00" + dirs.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.cache[key]; ok {
		return v, nil
	}

	var v Value
	if desc, ok := asMap(raw); ok {
		f, err := r.createDataFile(ctx, desc, dirs)
		if err != nil {
			return Value{}, fmt.Errorf("fixture %s: %w", name, err)
		}
		v = File(f)
	} else {
		v = Literal(raw)
	}
	r.cache[key] = v
	return v, nil
}

func asMap(raw any) (map[string]any, bool) {
	switch m := raw.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out, err := cast.ToStringMapE(m)
		return out, err == nil
	}
	return nil, false
}

// createDataFile applies the source precedence: an existing explicit path,
// then env, url, contents, and finally a search of the data directories.
func (r *Resolver) createDataFile(ctx context.Context, desc map[string]any, dirs *DataDirs) (*datafile.DataFile, error) {
	typeName := stringField(desc, keyType)
	name := stringField(desc, keyName)
	explicitPath := stringField(desc, keyPath)
	rawURL := stringField(desc, keyURL)
	envName := stringField(desc, keyEnv)
	contents, hasContents := desc[keyContents]
	hasContents = hasContents && contents != nil

	opts, err := datafile.ParseOptions(desc)
	if err != nil {
		return nil, err
	}

	var localPath string
	if explicitPath != "" {
		localPath = explicitPath
		if !filepath.IsAbs(localPath) {
			localPath = filepath.Join(r.cacheDir, localPath)
		}
	}

	var localizer localize.Localizer
	switch {
	case localPath != "" && exists(localPath):

	case envName != "" && os.Getenv(envName) != "":
		envPath, err := filepath.Abs(os.Getenv(envName))
		if err != nil {
			return nil, err
		}
		if !exists(envPath) {
			return nil, &model.NotFoundError{Kind: "file", Name: envPath}
		}
		if localPath == "" {
			localPath = envPath
		} else {
			localizer = &localize.Link{Source: envPath}
		}

	case rawURL != "":
		headers, err := headerMap(desc[keyHTTPHeaders])
		if err != nil {
			return nil, err
		}
		digests, err := cast.ToStringMapStringE(desc[keyDigests])
		if err != nil && desc[keyDigests] != nil {
			return nil, &model.ConfigError{Field: keyDigests, Message: "must map algorithm to digest", Err: err}
		}
		localizer = &localize.URL{
			URL:        rawURL,
			Headers:    headers,
			Digests:    localize.DigestSet(digests),
			Downloader: r.downloader,
		}
		if localPath == "" {
			if name != "" {
				localPath = filepath.Join(r.cacheDir, name)
			} else {
				base, err := urlBasename(rawURL)
				if err != nil {
					return nil, err
				}
				localPath = filepath.Join(r.cacheDir, base)
			}
		}

	case hasContents:
		if s, ok := contents.(string); ok {
			localizer = &localize.String{Contents: s}
		} else {
			localizer = &localize.JSON{Contents: contents}
		}
		if localPath == "" {
			if name != "" {
				localPath = filepath.Join(r.cacheDir, name)
			} else {
				localPath = filepath.Join(r.cacheDir, uuid.NewString())
			}
		}

	case name != "" && dirs != nil:
		found := ""
		searched := dirs.Paths()
		for _, dir := range searched {
			if candidate := filepath.Join(dir, name); exists(candidate) {
				found = candidate
				break
			}
		}
		if found == "" {
			return nil, &model.NotFoundError{Kind: "file", Name: name, Searched: searched}
		}
		if localPath == "" {
			localPath = found
		} else {
			localizer = &localize.Link{Source: found}
		}

	default:
		target := explicitPath
		if target == "" {
			target = name
		}
		return nil, model.NewConfigError("", "file %s does not exist. Either a url, file contents, or a local file must be provided", target)
	}

	r.logger.Debug("resolved fixture", "path", localPath, "type", typeName, "localized", localizer != nil)
	return datafile.New(typeName, localPath, localizer, opts)
}

func stringField(desc map[string]any, key string) string {
	v, ok := desc[key]
	if !ok || v == nil {
		return ""
	}
	return cast.ToString(v)
}

func headerMap(raw any) (map[string]string, error) {
	if raw == nil {
		return nil, nil
	}
	m, err := cast.ToStringMapE(raw)
	if err != nil {
		return nil, &model.ConfigError{Field: keyHTTPHeaders, Message: "must be a mapping", Err: err}
	}
	return model.ParseEnvMap(m)
}

func urlBasename(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", &model.ConfigError{Field: keyURL, Message: "invalid url", Err: err}
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return "", model.NewConfigError(keyURL, "cannot derive a file name from %s; set 'name' or 'path'", rawURL)
	}
	return base, nil
}

func exists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}
