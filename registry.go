package docsync

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
)

// WorkspaceRegistry holds exactly one WorkspaceRuntime per workspace id
// for the process lifetime. two concurrent runtimes for one id would be
// two in-memory roots receiving different edit streams for what must be
// one logical document set. no eviction: the map is bounded by the
// number of distinct workspaces visited in a session.

type WorkspaceRegistrySettings struct {
	// directory for the per-workspace bbolt files
	StoreDir string
	// base url of the remote snapshot endpoint
	ApiUrl string

	// overrides for tests and embedders
	NewStore     func(workspaceId WorkspaceId) (LocalStore, error)
	NewSnapshots func(workspaceId WorkspaceId) SnapshotSource

	EngineSettings *DocEngineSettings
}

func DefaultWorkspaceRegistrySettings(storeDir string, apiUrl string) *WorkspaceRegistrySettings {
	return &WorkspaceRegistrySettings{
		StoreDir:       storeDir,
		ApiUrl:         apiUrl,
		EngineSettings: DefaultDocEngineSettings(),
	}
}

type WorkspaceRegistry struct {
	ctx    context.Context
	cancel context.CancelFunc

	tokenSource TokenSource
	settings    *WorkspaceRegistrySettings

	stateLock sync.Mutex
	runtimes  map[WorkspaceId]*WorkspaceRuntime
}

func NewWorkspaceRegistry(
	ctx context.Context,
	tokenSource TokenSource,
	settings *WorkspaceRegistrySettings,
) *WorkspaceRegistry {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WorkspaceRegistry{
		ctx:         cancelCtx,
		cancel:      cancel,
		tokenSource: tokenSource,
		settings:    settings,
		runtimes:    map[WorkspaceId]*WorkspaceRuntime{},
	}
}

// GetOrCreate returns the cached runtime for the id, or constructs one
// wired to local storage as primary and the remote snapshot fetch as
// shadow, and caches it.
func (self *WorkspaceRegistry) GetOrCreate(workspaceId WorkspaceId) (*WorkspaceRuntime, error) {
	if workspaceId == "" {
		return nil, fmt.Errorf("empty workspace id")
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if runtime, ok := self.runtimes[workspaceId]; ok {
		return runtime, nil
	}

	store, err := self.newStore(workspaceId)
	if err != nil {
		return nil, err
	}
	snapshots := self.newSnapshots(workspaceId)

	runtime := NewWorkspaceRuntime(self.ctx, workspaceId, store, snapshots, self.engineSettings())
	self.runtimes[workspaceId] = runtime
	return runtime, nil
}

func (self *WorkspaceRegistry) newStore(workspaceId WorkspaceId) (LocalStore, error) {
	if self.settings.NewStore != nil {
		return self.settings.NewStore(workspaceId)
	}
	return NewBoltLocalStore(filepath.Join(self.settings.StoreDir, fmt.Sprintf("%s.db", workspaceId)))
}

func (self *WorkspaceRegistry) newSnapshots(workspaceId WorkspaceId) SnapshotSource {
	if self.settings.NewSnapshots != nil {
		return self.settings.NewSnapshots(workspaceId)
	}
	return NewHttpSnapshotSourceWithDefaults(self.settings.ApiUrl, self.tokenSource)
}

func (self *WorkspaceRegistry) engineSettings() *DocEngineSettings {
	if self.settings.EngineSettings != nil {
		return self.settings.EngineSettings
	}
	return DefaultDocEngineSettings()
}

func (self *WorkspaceRegistry) WorkspaceIds() []WorkspaceId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	workspaceIds := make([]WorkspaceId, 0, len(self.runtimes))
	for workspaceId := range self.runtimes {
		workspaceIds = append(workspaceIds, workspaceId)
	}
	return workspaceIds
}

// disposes every runtime. persisted data is kept.
func (self *WorkspaceRegistry) Close() {
	self.cancel()

	self.stateLock.Lock()
	runtimes := make([]*WorkspaceRuntime, 0, len(self.runtimes))
	for _, runtime := range self.runtimes {
		runtimes = append(runtimes, runtime)
	}
	self.runtimes = map[WorkspaceId]*WorkspaceRuntime{}
	self.stateLock.Unlock()

	for _, runtime := range runtimes {
		runtime.Dispose()
	}
}
