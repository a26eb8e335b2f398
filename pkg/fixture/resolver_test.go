package fixture

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/wdlharness/pkg/localize"
	"github.com/me/wdlharness/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newResolver(t *testing.T, descriptors map[string]any) (*Resolver, string) {
	t.Helper()
	cache := t.TempDir()
	return NewResolver(descriptors, cache, localize.NewDownloader(localize.Config{}, testLogger()), testLogger()), cache
}

func readPath(t *testing.T, v Value) string {
	t.Helper()
	require.True(t, v.IsFile())
	p, err := v.File().Path(context.Background())
	require.NoError(t, err)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(data)
}

func TestResolver_Literal(t *testing.T) {
	r, _ := newResolver(t, map[string]any{"n": float64(3), "s": "hello", "l": []any{1, 2}})
	for name, want := range map[string]any{"n": float64(3), "s": "hello", "l": []any{1, 2}} {
		v, err := r.Resolve(context.Background(), name, nil)
		require.NoError(t, err)
		assert.False(t, v.IsFile())
		assert.Equal(t, want, v.Literal())
	}
}

func TestResolver_UnknownName(t *testing.T) {
	tests := []struct {
		name        string
		descriptors map[string]any
	}{
		{"empty", map[string]any{}},
		{"other names present", map[string]any{
			"greeting": map[string]any{"name": "greeting.txt", "contents": "hello"},
			"threads":  4,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newResolver(t, tt.descriptors)
			_, err := r.Resolve(context.Background(), "missing", nil)
			var nf *model.NotFoundError
			require.ErrorAs(t, err, &nf)
			assert.Equal(t, "fixture", nf.Kind)
			assert.Contains(t, err.Error(), "missing")
		})
	}
}

func TestResolver_Contents(t *testing.T) {
	r, cache := newResolver(t, map[string]any{
		"named":   map[string]any{"name": "named.txt", "contents": "abc"},
		"anon":    map[string]any{"contents": "xyz"},
		"jsonval": map[string]any{"name": "v.json", "type": "json", "contents": map[string]any{"a": 1}},
	})
	ctx := context.Background()

	v, err := r.Resolve(ctx, "named", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cache, "named.txt"), v.File().LocalPath())
	assert.Equal(t, "abc", readPath(t, v))

	v, err = r.Resolve(ctx, "anon", nil)
	require.NoError(t, err)
	assert.Equal(t, cache, filepath.Dir(v.File().LocalPath()))
	assert.Equal(t, "xyz", readPath(t, v))

	v, err = r.Resolve(ctx, "jsonval", nil)
	require.NoError(t, err)
	assert.Equal(t, "json", v.File().Type())
	assert.JSONEq(t, `{"a": 1}`, readPath(t, v))
}

func TestResolver_URL(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		w.Write([]byte("remote data"))
	}))
	defer server.Close()

	r, cache := newResolver(t, map[string]any{
		"remote": map[string]any{
			"url":                server.URL + "/files/sample.txt",
			"http_headers":       map[string]any{"X-Test": map[string]any{"value": "yes"}},
			"allowed_diff_lines": 2,
		},
	})
	v, err := r.Resolve(context.Background(), "remote", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cache, "sample.txt"), v.File().LocalPath())
	assert.Equal(t, 2, v.File().Options().AllowedDiffLines)
	assert.EqualValues(t, 0, hits.Load(), "downloads happen on first path access")

	assert.Equal(t, "remote data", readPath(t, v))
	assert.Equal(t, "remote data", readPath(t, v))
	assert.EqualValues(t, 1, hits.Load())
}

func TestResolver_ExistingPathWins(t *testing.T) {
	r, cache := newResolver(t, map[string]any{
		"f": map[string]any{"path": "already.txt", "url": "http://127.0.0.1:1/never"},
	})
	require.NoError(t, os.WriteFile(filepath.Join(cache, "already.txt"), []byte("local"), 0o644))

	v, err := r.Resolve(context.Background(), "f", nil)
	require.NoError(t, err)
	assert.Nil(t, v.File().Localizer())
	assert.Equal(t, "local", readPath(t, v))
}

func TestResolver_Env(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("from env"), 0o644))
	t.Setenv("HARNESS_FIXTURE_PATH", src)

	r, cache := newResolver(t, map[string]any{
		"direct": map[string]any{"env": "HARNESS_FIXTURE_PATH"},
		"linked": map[string]any{"env": "HARNESS_FIXTURE_PATH", "path": "linked.txt"},
	})
	v, err := r.Resolve(context.Background(), "direct", nil)
	require.NoError(t, err)
	assert.Equal(t, src, v.File().LocalPath())

	v, err = r.Resolve(context.Background(), "linked", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cache, "linked.txt"), v.File().LocalPath())
	assert.Equal(t, "from env", readPath(t, v))
}

func TestResolver_DataDirs(t *testing.T) {
	base := t.TempDir()
	mkdirs(t, base, "mod/fn", "mod")
	require.NoError(t, os.WriteFile(filepath.Join(base, "mod", "fn", "a.txt"), []byte("fn level"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "mod", "a.txt"), []byte("module level"), 0o644))

	dirs, err := NewDataDirs(base, "mod", "fn", "")
	require.NoError(t, err)

	r, cache := newResolver(t, map[string]any{
		"found":    map[string]any{"name": "a.txt"},
		"override": map[string]any{"name": "a.txt", "path": "copy/a.txt"},
		"missing":  map[string]any{"name": "b.txt"},
		"nothing":  map[string]any{"type": "default"},
	})
	ctx := context.Background()

	v, err := r.Resolve(ctx, "found", dirs)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "mod", "fn", "a.txt"), v.File().LocalPath())

	v, err = r.Resolve(ctx, "override", dirs)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cache, "copy", "a.txt"), v.File().LocalPath())
	assert.Equal(t, "fn level", readPath(t, v))

	_, err = r.Resolve(ctx, "missing", dirs)
	var nf *model.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, []string{filepath.Join(base, "mod", "fn"), filepath.Join(base, "mod")}, nf.Searched)

	_, err = r.Resolve(ctx, "nothing", dirs)
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "Either a url, file contents, or a local file must be provided")
}

func TestResolver_Memoized(t *testing.T) {
	r, _ := newResolver(t, map[string]any{"c": map[string]any{"contents": "x"}})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Value, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := r.Resolve(ctx, "c", nil)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()
	for _, v := range results[1:] {
		assert.Same(t, results[0].File(), v.File())
	}
}

func TestManager(t *testing.T) {
	r, _ := newResolver(t, map[string]any{"a": "x", "b": float64(2)})
	m := NewManager(r, nil)
	ctx := context.Background()

	got, err := m.GetMap(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "x", got["a"].Literal())

	params, err := m.GetParams(ctx, map[string]string{"input_a": "a"})
	require.NoError(t, err)
	assert.Equal(t, "x", params["input_a"].Literal())

	_, err = m.GetMap(ctx, "a", "nope")
	assert.Error(t, err)
}
