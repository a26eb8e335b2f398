package localize

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/me/wdlharness/pkg/model"
)

// Fetcher retrieves the object at u into dest. Implementations are keyed by
// URL scheme in a Downloader.
type Fetcher interface {
	Fetch(ctx context.Context, u *url.URL, headers http.Header, dest *os.File) (int64, error)
}

// HeaderRule adds a default header to requests whose URL matches Pattern.
// A nil Pattern matches every URL.
type HeaderRule struct {
	Pattern *regexp.Regexp
	Name    string
	Value   model.ValueDescriptor
}

// NewHeaderRule compiles pattern so that it only matches at the start of a URL.
func NewHeaderRule(pattern, name string, value model.ValueDescriptor) (HeaderRule, error) {
	rule := HeaderRule{Name: name, Value: value}
	if pattern != "" {
		re, err := regexp.Compile("^(?:" + pattern + ")")
		if err != nil {
			return rule, &model.ConfigError{Field: "http_headers.pattern", Message: "invalid regexp", Err: err}
		}
		rule.Pattern = re
	}
	return rule, nil
}

// Config holds the shared localization context.
type Config struct {
	// Proxies maps a URL scheme to a proxy URL.
	Proxies map[string]string

	// HeaderRules are default headers applied by URL pattern.
	HeaderRules []HeaderRule

	// ShowProgress logs download progress.
	ShowProgress bool

	// Timeout bounds a single HTTP request. Zero means no client timeout; the
	// caller's context still applies.
	Timeout time.Duration
}

// Downloader streams remote objects to local files.
type Downloader struct {
	config   Config
	logger   *slog.Logger
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewDownloader creates a Downloader with http, https and s3 fetchers.
func NewDownloader(cfg Config, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := &Downloader{
		config:   cfg,
		logger:   logger.With("component", "downloader"),
		fetchers: make(map[string]Fetcher),
	}
	hf := NewHTTPFetcher(cfg.Proxies, cfg.Timeout)
	d.fetchers["http"] = hf
	d.fetchers["https"] = hf
	d.fetchers["s3"] = NewS3Fetcher(nil, AWSOptions{})
	return d
}

// RegisterFetcher installs or replaces the fetcher for a URL scheme.
func (d *Downloader) RegisterFetcher(scheme string, f Fetcher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetchers[strings.ToLower(scheme)] = f
}

// Headers merges explicit headers with configured default headers whose
// pattern matches rawURL. Explicit headers win.
func (d *Downloader) Headers(rawURL string, explicit map[string]string) http.Header {
	h := make(http.Header)
	for k, v := range explicit {
		h.Set(k, v)
	}
	for _, rule := range d.config.HeaderRules {
		if h.Get(rule.Name) != "" {
			continue
		}
		if rule.Pattern != nil && !rule.Pattern.MatchString(rawURL) {
			continue
		}
		if v, ok := rule.Value.Resolve(); ok {
			h.Set(rule.Name, v)
		}
	}
	return h
}

// Download fetches rawURL into dest, verifying digests when given. On any
// failure the partial download is removed and the error is wrapped in a
// LocalizationError naming the source.
func (d *Downloader) Download(ctx context.Context, rawURL, dest string, headers map[string]string, digests DigestSet) error {
	if err := d.download(ctx, rawURL, dest, headers, digests); err != nil {
		return &model.LocalizationError{Source: rawURL, Err: err}
	}
	return nil
}

func (d *Downloader) download(ctx context.Context, rawURL, dest string, headers map[string]string, digests DigestSet) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	d.mu.RLock()
	fetcher, ok := d.fetchers[strings.ToLower(u.Scheme)]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unsupported url scheme %q (supported: %s)", u.Scheme, strings.Join(d.schemes(), ", "))
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { os.Remove(tmpPath) }

	d.logger.Debug("downloading", "url", rawURL, "dest", dest)
	start := time.Now()
	n, err := fetcher.Fetch(ctx, u, d.Headers(rawURL, headers), tmp)
	if closeErr := tmp.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return err
	}

	if _, err := VerifyDigests(tmpPath, digests, d.logger); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}

	if d.config.ShowProgress {
		d.logger.Info("downloaded", "url", rawURL, "size", humanize.Bytes(uint64(n)),
			"elapsed", time.Since(start).Round(time.Millisecond))
	} else {
		d.logger.Debug("downloaded", "url", rawURL, "bytes", n)
	}
	return nil
}

func (d *Downloader) schemes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.fetchers))
	for s := range d.fetchers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// HTTPFetcher fetches http and https URLs.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates an HTTPFetcher routing requests through the proxy
// configured for their scheme.
func NewHTTPFetcher(proxies map[string]string, timeout time.Duration) *HTTPFetcher {
	transport := &http.Transport{
		Proxy:               proxyFunc(proxies),
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout, Transport: transport}}
}

func proxyFunc(proxies map[string]string) func(*http.Request) (*url.URL, error) {
	if len(proxies) == 0 {
		return http.ProxyFromEnvironment
	}
	return func(req *http.Request) (*url.URL, error) {
		p, ok := proxies[req.URL.Scheme]
		if !ok || p == "" {
			return nil, nil
		}
		return url.Parse(p)
	}
}

// Fetch performs a GET and streams the body into dest.
func (f *HTTPFetcher) Fetch(ctx context.Context, u *url.URL, headers http.Header, dest *os.File) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, &httpError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	n, err := io.Copy(dest, resp.Body)
	if err != nil {
		return n, fmt.Errorf("write file: %w", err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, fmt.Errorf("incomplete download: got %d bytes, expected %d", n, resp.ContentLength)
	}
	return n, nil
}

// httpError represents an HTTP error response.
type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}
