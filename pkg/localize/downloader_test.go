package localize

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/wdlharness/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDownloader_Download(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Write([]byte("hello world"))
	}))
	defer server.Close()

	d := NewDownloader(Config{}, testLogger())
	dest := filepath.Join(t.TempDir(), "a", "hello.txt")
	err := d.Download(context.Background(), server.URL+"/hello.txt", dest, nil, DigestSet{"md5": helloMD5})
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestDownloader_Headers(t *testing.T) {
	t.Setenv("HARNESS_TEST_TOKEN", "tok")
	var gotAuth, gotExtra, gotOther string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotExtra = r.Header.Get("X-Extra")
		gotOther = r.Header.Get("X-Other-Host")
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	authRule, err := NewHeaderRule("http://127\\.0\\.0\\.1", "Authorization", model.ValueDescriptor{Env: "HARNESS_TEST_TOKEN"})
	require.NoError(t, err)
	extraRule, err := NewHeaderRule("", "X-Extra", model.ValueDescriptor{Value: "default", HasValue: true})
	require.NoError(t, err)
	otherRule, err := NewHeaderRule("https://elsewhere", "X-Other-Host", model.ValueDescriptor{Value: "no", HasValue: true})
	require.NoError(t, err)

	d := NewDownloader(Config{HeaderRules: []HeaderRule{authRule, extraRule, otherRule}}, testLogger())
	dest := filepath.Join(t.TempDir(), "out")
	err = d.Download(context.Background(), server.URL+"/f", dest, map[string]string{"X-Extra": "explicit"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "tok", gotAuth)
	assert.Equal(t, "explicit", gotExtra, "explicit headers take precedence over defaults")
	assert.Empty(t, gotOther, "non-matching pattern must not apply")
}

func TestHeaderRule_MatchesAtStart(t *testing.T) {
	rule, err := NewHeaderRule("example", "X", model.ValueDescriptor{Value: "v", HasValue: true})
	require.NoError(t, err)
	d := NewDownloader(Config{HeaderRules: []HeaderRule{rule}}, nil)
	assert.Empty(t, d.Headers("https://example.com/x", nil).Get("X"))
	assert.Equal(t, "v", d.Headers("example://x", nil).Get("X"))
}

func TestNewHeaderRule_InvalidPattern(t *testing.T) {
	_, err := NewHeaderRule("(", "X", model.ValueDescriptor{})
	var cfgErr *model.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestDownloader_HTTPErrorLeavesNoFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "missing.txt")
	err := NewDownloader(Config{}, testLogger()).Download(context.Background(), server.URL+"/missing", dest, nil, nil)

	var locErr *model.LocalizationError
	require.ErrorAs(t, err, &locErr)
	assert.Equal(t, server.URL+"/missing", locErr.Source)
	assert.Contains(t, err.Error(), "HTTP 404")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownloader_DigestMismatchLeavesNoFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer server.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "hello.txt")
	err := NewDownloader(Config{}, testLogger()).Download(context.Background(), server.URL, dest, nil,
		DigestSet{"sha256": "deadbeef"})

	var mismatch *model.DigestMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.NoFileExists(t, dest)
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestDownloader_UnsupportedScheme(t *testing.T) {
	err := NewDownloader(Config{}, testLogger()).Download(context.Background(), "ftp://host/file",
		filepath.Join(t.TempDir(), "f"), nil, nil)

	var locErr *model.LocalizationError
	require.ErrorAs(t, err, &locErr)
	assert.Contains(t, err.Error(), `unsupported url scheme "ftp"`)
}

type stubFetcher struct{ body string }

func (s stubFetcher) Fetch(_ context.Context, _ *url.URL, _ http.Header, dest *os.File) (int64, error) {
	n, err := dest.WriteString(s.body)
	return int64(n), err
}

func TestDownloader_RegisterFetcher(t *testing.T) {
	d := NewDownloader(Config{}, testLogger())
	d.RegisterFetcher("MEM", stubFetcher{body: "in memory"})

	dest := filepath.Join(t.TempDir(), "m.txt")
	require.NoError(t, d.Download(context.Background(), "mem://anything", dest, nil, nil))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "in memory", string(got))
}

func TestProxyFunc(t *testing.T) {
	pf := proxyFunc(map[string]string{"http": "http://proxy:3128"})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/x", nil)
	u, err := pf(req)
	require.NoError(t, err)
	assert.Equal(t, "http://proxy:3128", u.String())

	req = httptest.NewRequest(http.MethodGet, "https://example.com/x", nil)
	u, err = pf(req)
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestParseS3URL(t *testing.T) {
	bucket, key, err := ParseS3URL("s3://my-bucket/path/to/obj.vcf")
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "path/to/obj.vcf", key)

	_, _, err = ParseS3URL("s3://only-bucket")
	assert.Error(t, err)
	_, _, err = ParseS3URL("https://bucket/key")
	assert.Error(t, err)
}
