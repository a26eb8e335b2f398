package store

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/wdlharness/pkg/executor"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleEntry(key string, created time.Time) *executor.CachedWorkflow {
	return &executor.CachedWorkflow{
		Executor:   executor.OmicsName,
		Key:        key,
		WorkflowID: "wf-" + key,
		Source:     "/work/" + key + ".wdl",
		CreatedAt:  created,
	}
}

func TestSQLiteStore_PutGet(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	got, err := st.Get(ctx, executor.OmicsName, "abc")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, st.Put(ctx, sampleEntry("abc", now)))
	got, err = st.Get(ctx, executor.OmicsName, "abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "wf-abc", got.WorkflowID)
	assert.Equal(t, "/work/abc.wdl", got.Source)
	assert.True(t, now.Equal(got.CreatedAt))

	// entries are scoped by executor
	got, err = st.Get(ctx, "other", "abc")
	require.NoError(t, err)
	assert.Nil(t, got)

	// a second Put replaces the registration
	replacement := sampleEntry("abc", now)
	replacement.WorkflowID = "wf-new"
	require.NoError(t, st.Put(ctx, replacement))
	got, err = st.Get(ctx, executor.OmicsName, "abc")
	require.NoError(t, err)
	assert.Equal(t, "wf-new", got.WorkflowID)
}

func TestSQLiteStore_GetRecordsUse(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, sampleEntry("abc", time.Time{})))

	var lastUsed string
	require.NoError(t, st.db.QueryRow(`SELECT last_used_at FROM workflow_cache`).Scan(&lastUsed))
	assert.Empty(t, lastUsed)

	_, err := st.Get(ctx, executor.OmicsName, "abc")
	require.NoError(t, err)
	require.NoError(t, st.db.QueryRow(`SELECT last_used_at FROM workflow_cache`).Scan(&lastUsed))
	assert.NotEmpty(t, lastUsed)
}

func TestSQLiteStore_ListDeleteClear(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, st.Put(ctx, sampleEntry("b", t0.Add(time.Hour))))
	require.NoError(t, st.Put(ctx, sampleEntry("a", t0)))
	require.NoError(t, st.Put(ctx, sampleEntry("c", t0.Add(time.Hour))))

	list, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].Key)
	assert.Equal(t, "b", list[1].Key)
	assert.Equal(t, "c", list[2].Key)

	ok, err := st.Delete(ctx, executor.OmicsName, "b")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.Delete(ctx, executor.OmicsName, "b")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := st.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err = st.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestOpen_FileAndMigrateTwice(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "cache.db")

	st, err := Open(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, sampleEntry("abc", time.Time{})))
	require.NoError(t, st.Close())

	st, err = Open(ctx, path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx))

	got, err := st.Get(ctx, executor.OmicsName, "abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSQLiteStore_ConcurrentPut(t *testing.T) {
	st, err := Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, st.Put(context.Background(), sampleEntry(string(rune('a'+i)), time.Time{})))
		}()
	}
	wg.Wait()

	list, err := st.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 8)
}
