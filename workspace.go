package docsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// WorkspaceRuntime owns one root container per workspace: the doc
// engine (local store primary, remote snapshot shadow), the blob
// engine, and the map of live documents materialized from the root.

// the root container itself is persisted like any doc, under a
// reserved all-zero id
var rootContainerId = Id{}

type DocListChangedFunction func(docIds []Id)

type WorkspaceRuntime struct {
	ctx    context.Context
	cancel context.CancelFunc

	workspaceId WorkspaceId
	store       LocalStore
	engine      *DocEngine
	blobs       *BlobEngine

	// parent root container. nested docs hang off "docs/<id>" keys.
	root *ContentTree

	stateLock sync.Mutex
	docs      map[Id]*Document
	metas     map[Id]*DocMeta
	disposed  bool

	docListCallbacks *CallbackList[DocListChangedFunction]
}

func NewWorkspaceRuntimeWithDefaults(
	ctx context.Context,
	workspaceId WorkspaceId,
	store LocalStore,
	snapshots SnapshotSource,
) *WorkspaceRuntime {
	return NewWorkspaceRuntime(ctx, workspaceId, store, snapshots, DefaultDocEngineSettings())
}

// construction does no integrity validation. storage problems surface
// asynchronously on the engine error channel once touched.
func NewWorkspaceRuntime(
	ctx context.Context,
	workspaceId WorkspaceId,
	store LocalStore,
	snapshots SnapshotSource,
	engineSettings *DocEngineSettings,
) *WorkspaceRuntime {
	cancelCtx, cancel := context.WithCancel(ctx)
	engine := NewDocEngine(cancelCtx, workspaceId, store, snapshots, engineSettings)

	root, _ := engine.AttachContainer(rootContainerId)

	workspace := &WorkspaceRuntime{
		ctx:              cancelCtx,
		cancel:           cancel,
		workspaceId:      workspaceId,
		store:            store,
		engine:           engine,
		blobs:            NewBlobEngine(store),
		root:             root,
		docs:             map[Id]*Document{},
		metas:            map[Id]*DocMeta{},
		docListCallbacks: NewCallbackList[DocListChangedFunction](),
	}

	metas, err := store.MetaList()
	if err != nil {
		engine.reportError(err)
	} else {
		for _, meta := range metas {
			workspace.metas[meta.DocId] = meta
		}
	}

	return workspace
}

func (self *WorkspaceRuntime) WorkspaceId() WorkspaceId {
	return self.workspaceId
}

func (self *WorkspaceRuntime) Engine() *DocEngine {
	return self.engine
}

func (self *WorkspaceRuntime) Blobs() *BlobEngine {
	return self.blobs
}

// the parent root container handle
func (self *WorkspaceRuntime) Root() *ContentTree {
	return self.root
}

func rootDocPath(docId Id) string {
	return fmt.Sprintf("docs/%s", docId)
}

// CreateDoc is idempotent per id: the existing live instance is
// returned when the id is already registered. a zero id allocates a
// new one. a newly-created container starts loaded; re-attaching an id
// with persisted or remote history starts unloaded and resolves once
// the container is available.
func (self *WorkspaceRuntime) CreateDoc(docId Id) (*Document, error) {
	var doc *Document
	var changed []Id
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.disposed {
			return fmt.Errorf("workspace disposed")
		}

		if existing, ok := self.docs[docId]; ok {
			doc = existing
			return nil
		}

		preexisting := false
		if docId == (Id{}) {
			docId = NewId()
		} else {
			_, preexisting = self.metas[docId]
			if !preexisting {
				// the id may have history the meta map never saw,
				// e.g. written by an earlier session
				if snapshot, err := self.store.Snapshot(docId); err == nil && snapshot != nil {
					preexisting = true
				} else if updates, err := self.store.Updates(docId); err == nil && 0 < len(updates) {
					preexisting = true
				}
			}
		}

		meta, ok := self.metas[docId]
		if !ok {
			meta = &DocMeta{
				DocId:     docId,
				CreatedAt: time.Now().UTC(),
				Tags:      []string{},
			}
			self.metas[docId] = meta
			if err := self.store.PutMeta(meta); err != nil {
				self.engine.reportError(err)
			}
		}

		var tree *ContentTree
		var available <-chan struct{}
		if preexisting {
			tree, available = self.engine.AttachContainer(docId)
		} else {
			tree, available = self.engine.CreateContainer(docId)
		}

		doc = newDocument(docId, self.workspaceId, tree, available)
		self.docs[docId] = doc

		// bind the nested container into the parent root
		if err := self.root.Set(rootDocPath(docId), docId.String()); err != nil {
			self.engine.reportError(err)
		}

		changed = self.docIdsLocked()
		return nil
	}()
	if err != nil {
		return nil, err
	}

	if changed != nil {
		self.notifyDocListChanged(changed)
	}
	return doc, nil
}

// GetDoc returns the live instance or nil. it never creates.
func (self *WorkspaceRuntime) GetDoc(docId Id) *Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.docs[docId]
}

// RemoveDoc drops the metadata and live instance and detaches the
// nested container from the parent root. deltas already broadcast stay
// valid, and the underlying history stays in storage until collected.
func (self *WorkspaceRuntime) RemoveDoc(docId Id) {
	var changed []Id
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		_, hadDoc := self.docs[docId]
		_, hadMeta := self.metas[docId]
		if !hadDoc && !hadMeta {
			return
		}

		delete(self.docs, docId)
		delete(self.metas, docId)
		if err := self.store.DeleteMeta(docId); err != nil {
			self.engine.reportError(err)
		}
		if err := self.root.Delete(rootDocPath(docId)); err != nil {
			self.engine.reportError(err)
		}

		changed = self.docIdsLocked()
	}()

	if changed != nil {
		self.notifyDocListChanged(changed)
	}
}

func (self *WorkspaceRuntime) docIdsLocked() []Id {
	docIds := maps.Keys(self.metas)
	sort.Slice(docIds, func(i, j int) bool {
		return docIds[i].LessThan(docIds[j])
	})
	return docIds
}

func (self *WorkspaceRuntime) DocIds() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.docIdsLocked()
}

func (self *WorkspaceRuntime) DocMetas() []*DocMeta {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	metas := make([]*DocMeta, 0, len(self.metas))
	for _, docId := range self.docIdsLocked() {
		metas = append(metas, self.metas[docId])
	}
	return metas
}

func (self *WorkspaceRuntime) notifyDocListChanged(docIds []Id) {
	for _, callback := range self.docListCallbacks.Get() {
		callback(docIds)
	}
}

func (self *WorkspaceRuntime) OnDocListChanged(callback DocListChangedFunction) func() {
	id := self.docListCallbacks.Add(callback)
	return func() {
		self.docListCallbacks.Remove(id)
	}
}

// Dispose stops the engine loops and clears the live-document map.
// persisted data is kept.
func (self *WorkspaceRuntime) Dispose() {
	self.cancel()
	self.engine.Stop()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.disposed {
		return
	}
	self.disposed = true
	self.docs = map[Id]*Document{}
	if err := self.store.Close(); err != nil {
		glog.Infof("[w]%s store close error = %s\n", self.workspaceId, err)
	}
}
