package docsync

import (
	"context"
	"sync"
)

// Document is a lazily-materialized nested container bound to one
// workspace. state machine: unloaded -> loaded-not-ready -> ready,
// and ready is terminal; there is no unload. a brand-new container
// starts loaded; a pre-existing one starts unloaded and becomes loaded
// when its availability future resolves.

type DocInitFunction func(tree *ContentTree)

type Document struct {
	id          Id
	workspaceId WorkspaceId

	tree *ContentTree
	// single-resolution future: closed exactly once when the nested
	// container became available locally
	available <-chan struct{}

	stateLock sync.Mutex
	ready     bool
	initOnce  sync.Once
}

func newDocument(id Id, workspaceId WorkspaceId, tree *ContentTree, available <-chan struct{}) *Document {
	return &Document{
		id:          id,
		workspaceId: workspaceId,
		tree:        tree,
		available:   available,
	}
}

func (self *Document) Id() Id {
	return self.id
}

func (self *Document) WorkspaceId() WorkspaceId {
	return self.workspaceId
}

func (self *Document) Loaded() bool {
	select {
	case <-self.available:
		return true
	default:
		return false
	}
}

// resolves when the container becomes available locally
func (self *Document) WaitLoaded(ctx context.Context) error {
	select {
	case <-self.available:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ready becomes true, and stays true, once Load has run
func (self *Document) Ready() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.ready
}

// Load activates the container locally and is idempotent. the optional
// initializer runs exactly once across all calls, on first activation,
// to seed default content.
func (self *Document) Load(initFn DocInitFunction) {
	self.initOnce.Do(func() {
		if initFn != nil {
			initFn(self.tree)
		}
	})

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.ready = true
}

// GetStore returns a content-tree handle scoped to this document.
// every handle binds the same shared container; options derive
// read-only or prefixed views without copying state.
func (self *Document) GetStore(options TreeOptions) *ContentTree {
	return self.tree.With(options)
}

// the unscoped handle
func (self *Document) Store() *ContentTree {
	return self.tree
}
