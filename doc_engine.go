package docsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

// DocEngine reconciles in-memory containers against the local durable
// store (primary) and the remote snapshot store (read-only shadow).
// local deltas are appended to the store as they happen; the shadow is
// consulted only when a container has no local state at all. storage
// and fetch failures surface asynchronously on the error channel, never
// as panics and never by blocking a mutator.

type DocEngineSettings struct {
	// after this many appended deltas the container is compacted
	// into a snapshot record
	CompactThreshold int
	// retry delay for shadow backfills that failed outright
	BackfillRetryTimeout time.Duration
	ErrorBufferSize      int
}

func DefaultDocEngineSettings() *DocEngineSettings {
	return &DocEngineSettings{
		CompactThreshold:     64,
		BackfillRetryTimeout: 15 * time.Second,
		ErrorBufferSize:      16,
	}
}

type DocEngine struct {
	ctx    context.Context
	cancel context.CancelFunc

	workspaceId WorkspaceId
	store       LocalStore
	snapshots   SnapshotSource
	settings    *DocEngineSettings

	stateLock    sync.Mutex
	updateCounts map[Id]int

	errs chan error
}

func NewDocEngineWithDefaults(
	ctx context.Context,
	workspaceId WorkspaceId,
	store LocalStore,
	snapshots SnapshotSource,
) *DocEngine {
	return NewDocEngine(ctx, workspaceId, store, snapshots, DefaultDocEngineSettings())
}

func NewDocEngine(
	ctx context.Context,
	workspaceId WorkspaceId,
	store LocalStore,
	snapshots SnapshotSource,
	settings *DocEngineSettings,
) *DocEngine {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &DocEngine{
		ctx:          cancelCtx,
		cancel:       cancel,
		workspaceId:  workspaceId,
		store:        store,
		snapshots:    snapshots,
		settings:     settings,
		updateCounts: map[Id]int{},
		errs:         make(chan error, settings.ErrorBufferSize),
	}
}

// async failure channel. construction does no integrity validation;
// corruption or unreachability shows up here once touched.
func (self *DocEngine) Errors() <-chan error {
	return self.errs
}

func (self *DocEngine) reportError(err error) {
	select {
	case self.errs <- err:
	default:
		// a full channel means nobody is draining. drop rather than block.
		glog.Infof("[e]%s error dropped = %s\n", self.workspaceId, err)
	}
}

// CreateContainer binds a brand-new container: no local replay, no
// shadow fetch. the returned future is already resolved, which is what
// makes newly-created docs start loaded.
func (self *DocEngine) CreateContainer(docId Id) (*ContentTree, <-chan struct{}) {
	tree := NewContentTree()
	self.persistDeltas(docId, tree)
	available := make(chan struct{})
	close(available)
	return tree, available
}

// AttachContainer rebinds a container that may already have history:
// local snapshot and update log are replayed synchronously; when there
// is no local state the shadow backfill runs in the background and the
// future resolves once the container became available. the future
// resolves exactly once.
func (self *DocEngine) AttachContainer(docId Id) (*ContentTree, <-chan struct{}) {
	tree := NewContentTree()

	replayed, err := self.replayLocal(docId, tree)
	if err != nil {
		self.reportError(err)
	}

	// wire persistence before any mutation can happen, including
	// edits made while the backfill is still in flight
	self.persistDeltas(docId, tree)

	available := make(chan struct{})
	if replayed {
		close(available)
		return tree, available
	}

	go func() {
		defer close(available)
		self.backfill(docId, tree)
	}()
	return tree, available
}

func (self *DocEngine) replayLocal(docId Id, tree *ContentTree) (bool, error) {
	replayed := false

	snapshot, err := self.store.Snapshot(docId)
	if err != nil {
		return false, err
	}
	if snapshot != nil {
		if err := tree.ApplyUpdate(snapshot); err != nil {
			return false, err
		}
		replayed = true
	}

	updates, err := self.store.Updates(docId)
	if err != nil {
		return replayed, err
	}
	for _, update := range updates {
		if err := tree.ApplyUpdate(update); err != nil {
			// a corrupt record is skipped, not fatal. the rest of the
			// log still merges.
			self.reportError(err)
			continue
		}
		replayed = true
	}
	return replayed, nil
}

// backfill-only: runs when there is no local copy. a missing remote
// snapshot is a normal outcome (the doc is simply empty everywhere).
// transient failures retry until the engine stops; local edits made in
// the meantime stay valid and mergeable.
func (self *DocEngine) backfill(docId Id, tree *ContentTree) {
	for {
		snapshot, err := self.snapshots.FetchLatest(self.ctx, self.workspaceId, docId)
		if err == nil {
			if len(snapshot) != 0 {
				if err := tree.ApplyUpdate(snapshot); err != nil {
					self.reportError(err)
					return
				}
				// the fetched state lands in the update log, never as a
				// saved snapshot. saving would drop the log, and a local
				// delta appended while the fetch was in flight must stay
				// durable.
				self.appendAndMaybeCompact(docId, tree, snapshot)
			}
			return
		}
		if errors.Is(err, ErrSnapshotNotFound) {
			return
		}
		self.reportError(err)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.BackfillRetryTimeout):
		}
	}
}

// every locally produced delta is appended to the primary as it
// happens. the transport push is the caller's concern; the store write
// is what makes the edit durable.
func (self *DocEngine) persistDeltas(docId Id, tree *ContentTree) {
	tree.OnDelta(func(updateId Id, delta []byte) {
		self.appendAndMaybeCompact(docId, tree, delta)
	})
}

// appends one update to the primary and compacts once the log reaches
// the threshold. append and compaction exclude each other, and an
// update is merged into its tree before it is appended, so the snapshot
// that replaces the log contains everything the log held.
func (self *DocEngine) appendAndMaybeCompact(docId Id, tree *ContentTree, update []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if err := self.store.AppendUpdate(docId, update); err != nil {
		self.reportError(err)
		return
	}
	self.updateCounts[docId] += 1
	if self.updateCounts[docId] < self.settings.CompactThreshold {
		return
	}
	self.updateCounts[docId] = 0

	snapshot, err := tree.Snapshot()
	if err != nil {
		self.reportError(err)
		return
	}
	if err := self.store.SaveSnapshot(docId, snapshot); err != nil {
		self.reportError(err)
		return
	}
	glog.V(2).Infof("[e]%s compacted %s\n", self.workspaceId, docId)
}

// ApplyRemote merges a delta received from the transport into the
// container and appends it to the primary.
func (self *DocEngine) ApplyRemote(docId Id, tree *ContentTree, delta []byte) error {
	if err := tree.ApplyUpdate(delta); err != nil {
		return err
	}
	self.appendAndMaybeCompact(docId, tree, delta)
	return nil
}

func (self *DocEngine) Stop() {
	self.cancel()
}
