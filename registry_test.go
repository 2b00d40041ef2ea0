package docsync

import (
	"context"
	"sort"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestRegistry(t *testing.T) *WorkspaceRegistry {
	settings := DefaultWorkspaceRegistrySettings(t.TempDir(), "https://api.test")
	settings.NewStore = func(workspaceId WorkspaceId) (LocalStore, error) {
		return NewMemoryLocalStore(), nil
	}
	settings.NewSnapshots = func(workspaceId WorkspaceId) SnapshotSource {
		return NewStaticSnapshotSource(nil)
	}
	registry := NewWorkspaceRegistry(context.Background(), func() string { return "" }, settings)
	t.Cleanup(registry.Close)
	return registry
}

func TestRegistryGetOrCreateReturnsSameReference(t *testing.T) {
	registry := newTestRegistry(t)

	first, err := registry.GetOrCreate("w1")
	assert.Equal(t, err, nil)
	second, err := registry.GetOrCreate("w1")
	assert.Equal(t, err, nil)
	assert.Equal(t, first == second, true)
	assert.Equal(t, registry.WorkspaceIds(), []WorkspaceId{"w1"})
}

func TestRegistryIsolatesWorkspaces(t *testing.T) {
	registry := newTestRegistry(t)

	w1, err := registry.GetOrCreate("w1")
	assert.Equal(t, err, nil)
	w2, err := registry.GetOrCreate("w2")
	assert.Equal(t, err, nil)
	assert.Equal(t, w1 == w2, false)

	doc, err := w1.CreateDoc(Id{})
	assert.Equal(t, err, nil)

	// no cross-workspace leakage through the registry
	assert.Equal(t, w2.GetDoc(doc.Id()), nil)
	assert.Equal(t, len(w2.DocIds()), 0)

	workspaceIds := registry.WorkspaceIds()
	sort.Slice(workspaceIds, func(i, j int) bool {
		return workspaceIds[i] < workspaceIds[j]
	})
	assert.Equal(t, workspaceIds, []WorkspaceId{"w1", "w2"})
}

func TestRegistryRejectsEmptyId(t *testing.T) {
	registry := newTestRegistry(t)

	_, err := registry.GetOrCreate("")
	assert.NotEqual(t, err, nil)
}

func TestRegistryCloseDisposesRuntimes(t *testing.T) {
	registry := newTestRegistry(t)

	runtime, err := registry.GetOrCreate("w1")
	assert.Equal(t, err, nil)

	registry.Close()
	assert.Equal(t, len(registry.WorkspaceIds()), 0)

	_, err = runtime.CreateDoc(Id{})
	assert.NotEqual(t, err, nil)
}
