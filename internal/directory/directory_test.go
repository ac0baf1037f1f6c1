package directory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "hosts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRegisterListAndGet(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.Register(ctx, Entry{
		DisplayName: "tcflow-host-b",
		PID:         200,
		Address:     "127.0.0.1:5001",
		Headless:    false,
		CreatedAt:   base.Add(time.Minute),
	}))
	require.NoError(t, store.Register(ctx, Entry{
		DisplayName: "tcflow-host-a",
		PID:         100,
		Address:     "127.0.0.1:5000",
		Headless:    true,
		ProjectPath: `C:\Projects\Line1\Line1.sln`,
		CreatedAt:   base,
	}))

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "tcflow-host-a", entries[0].DisplayName)
	assert.True(t, entries[0].Headless)
	assert.Equal(t, `C:\Projects\Line1\Line1.sln`, entries[0].ProjectPath)
	assert.False(t, entries[1].Headless)
	assert.True(t, entries[0].CreatedAt.Equal(base))

	got, err := store.Get(ctx, "tcflow-host-b")
	require.NoError(t, err)
	assert.Equal(t, 200, got.PID)
}

func TestRegisterUpsertsAndValidates(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, Entry{DisplayName: "h", PID: 1, Address: "a:1", Headless: true}))
	require.NoError(t, store.Register(ctx, Entry{DisplayName: "h", PID: 2, Address: "a:2", Headless: true}))

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].PID)
	assert.Equal(t, "a:2", entries[0].Address)

	require.Error(t, store.Register(ctx, Entry{PID: 1, Address: "a"}))
	require.Error(t, store.Register(ctx, Entry{DisplayName: "x", Address: "a"}))
	require.Error(t, store.Register(ctx, Entry{DisplayName: "x", PID: 1}))
}

func TestSetProjectAndRemove(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Register(ctx, Entry{DisplayName: "h", PID: 1, Address: "a:1", Headless: true}))

	require.NoError(t, store.SetProject(ctx, "h", "/p/x.sln"))
	got, err := store.Get(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, "/p/x.sln", got.ProjectPath)

	require.ErrorIs(t, store.SetProject(ctx, "missing", "/p"), ErrNotFound)
	require.NoError(t, store.Remove(ctx, "h"))
	require.ErrorIs(t, store.Remove(ctx, "h"), ErrNotFound)
	_, err = store.Get(ctx, "h")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPruneRemovesDeadProcesses(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	for i, pid := range []int{10, 20, 30} {
		require.NoError(t, store.Register(ctx, Entry{
			DisplayName: NewDisplayName(),
			PID:         pid,
			Address:     "127.0.0.1:1",
			Headless:    true,
			CreatedAt:   time.Unix(int64(i), 0),
		}))
	}

	pruned, err := store.Prune(ctx, func(pid int) bool { return pid == 20 })
	require.NoError(t, err)
	require.Len(t, pruned, 2)

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 20, entries[0].PID)

	_, err = store.Prune(ctx, nil)
	require.Error(t, err)
}

func TestNewDisplayNameUsesPrefix(t *testing.T) {
	t.Parallel()

	first := NewDisplayName()
	second := NewDisplayName()
	assert.True(t, strings.HasPrefix(first, DisplayNamePrefix))
	assert.NotEqual(t, first, second)
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open("  ")
	require.Error(t, err)

	var nilStore *Store
	_, err = nilStore.List(context.Background())
	require.Error(t, err)
	assert.NoError(t, nilStore.Close())
}
