package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(context.Background(), NewMemoryBackend())
	require.NoError(t, err)
	return r
}

// =============================================================================
// KIND / KEY TESTS
// =============================================================================

func TestParseKind(t *testing.T) {
	tests := []struct {
		input    string
		expected Kind
	}{
		{"modules", KindModules},
		{"module", KindModules},
		{"Capability", KindCapabilities},
		{"dependency", KindDependencies},
		{"entities", KindEntities},
		{" conventions ", KindConventions},
		{"component", KindComponents},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseKind(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	_, err := ParseKind("secrets")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestValidateKey(t *testing.T) {
	valid := []string{"storage", "github.com/google/uuid", "ui.Button", "@scope/pkg", "feature:settings"}
	for _, k := range valid {
		assert.NoError(t, ValidateKey(k), k)
	}
	invalid := []string{"", "/abs", "has space", "../up"}
	for _, k := range invalid {
		assert.ErrorIs(t, ValidateKey(k), ErrInvalidKey, k)
	}
}

// =============================================================================
// MERGE TESTS
// =============================================================================

func TestMergeAddsAndReplacesByKey(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	require.NoError(t, r.Merge(ctx, "modules", "storage", map[string]any{"path": "internal/storage"}))
	require.NoError(t, r.Merge(ctx, "modules", "api", map[string]any{"path": "internal/api"}))
	require.NoError(t, r.Merge(ctx, "module", "storage", map[string]any{"path": "pkg/storage"}))

	rec, err := r.Get(KindModules, "storage")
	require.NoError(t, err)
	assert.Equal(t, "pkg/storage", rec.Value["path"])
	assert.Equal(t, 2, rec.Version)

	api, err := r.Get(KindModules, "api")
	require.NoError(t, err)
	assert.Equal(t, 1, api.Version, "other keys untouched")
	assert.Equal(t, 2, r.Len(KindModules))
}

func TestMergeValidation(t *testing.T) {
	r := newTestRegistry(t)
	assert.ErrorIs(t, r.Merge(context.Background(), "secrets", "k", nil), ErrUnknownKind)
	assert.ErrorIs(t, r.Merge(context.Background(), "modules", "bad key", nil), ErrInvalidKey)
}

func TestGetMissing(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get(KindEntities, "User")
	assert.ErrorIs(t, err, ErrRecordMissing)
	_, err = r.Get(Kind("secrets"), "x")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	require.NoError(t, r.Merge(ctx, "entities", "User", map[string]any{"fields": 3}))

	rec, err := r.Get(KindEntities, "User")
	require.NoError(t, err)
	rec.Value["fields"] = 99

	again, err := r.Get(KindEntities, "User")
	require.NoError(t, err)
	assert.Equal(t, 3, again.Value["fields"])
}

func TestPrefix(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	for _, k := range []string{"ui/button", "ui/card", "data/repo", "ui/badge"} {
		require.NoError(t, r.Merge(ctx, "components", k, map[string]any{"name": k}))
	}

	recs, err := r.Prefix(KindComponents, "ui/")
	require.NoError(t, err)

	keys := make([]string, len(recs))
	for i, rec := range recs {
		keys[i] = rec.Key
	}
	assert.Equal(t, []string{"ui/badge", "ui/button", "ui/card"}, keys)

	none, err := r.Prefix(KindComponents, "zzz")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	require.NoError(t, r.Merge(ctx, "conventions", "naming", map[string]any{"style": "camel"}))

	snap := r.Snapshot()

	assert.Equal(t, map[string]map[string]map[string]any{
		"conventions": {"naming": {"style": "camel"}},
	}, snap)
	snap["conventions"]["naming"]["style"] = "snake"
	rec, err := r.Get(KindConventions, "naming")
	require.NoError(t, err)
	assert.Equal(t, "camel", rec.Value["style"])
}

func TestConcurrentMergesDifferentKeys(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, r.Merge(ctx, "dependencies", fmt.Sprintf("dep-%d", i%10), map[string]any{"writer": i}))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, r.Len(KindDependencies))
	total := 0
	for i := 0; i < 10; i++ {
		rec, err := r.Get(KindDependencies, fmt.Sprintf("dep-%d", i))
		require.NoError(t, err)
		total += rec.Version
	}
	assert.Equal(t, 50, total, "every merge bumped exactly one version")
}

// =============================================================================
// PERSISTENCE TESTS
// =============================================================================

func TestSQLiteBackendPersists(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/registry.db"
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	backend, err := OpenSQLiteBackend(ctx, path)
	require.NoError(t, err)
	r, err := Open(ctx, backend, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	require.NoError(t, r.Merge(ctx, "capabilities", "offline-sync", map[string]any{"enabled": true}))
	require.NoError(t, r.Merge(ctx, "capabilities", "offline-sync", map[string]any{"enabled": false}))
	require.NoError(t, r.Close())

	backend, err = OpenSQLiteBackend(ctx, path)
	require.NoError(t, err)
	reopened, err := Open(ctx, backend)
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.Get(KindCapabilities, "offline-sync")
	require.NoError(t, err)
	assert.Equal(t, false, rec.Value["enabled"])
	assert.Equal(t, 2, rec.Version)
	assert.Equal(t, fixed, rec.UpdatedAt)
}

func TestSQLiteBackendInMemory(t *testing.T) {
	ctx := context.Background()
	backend, err := OpenSQLiteBackend(ctx, storage.MemoryPath)
	require.NoError(t, err)
	defer backend.Close()

	require.NoError(t, backend.Put(ctx, Record{Kind: KindEntities, Key: "Order", Value: map[string]any{"n": 1.0}, Version: 1}))
	recs, err := backend.Load(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1.0, recs[0].Value["n"])
}
