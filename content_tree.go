package docsync

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// ContentTree is the per-document block container handed to editor
// front-ends. from the outside a delta is an opaque binary diff; any two
// deltas for the same document merge commutatively and idempotently.
// internally a delta is a msgpack record of keyed writes, merged
// last-writer-wins on the write id, with tombstones for deletes.

type ChangeOrigin string

const (
	ChangeOriginLocal  ChangeOrigin = "local"
	ChangeOriginRemote ChangeOrigin = "remote"
)

type TreeChangeFunction func(paths []string, origin ChangeOrigin)

// emitted for every locally produced delta, in mutation order
type TreeDeltaFunction func(updateId Id, delta []byte)

type entryRecord struct {
	Path      string `msgpack:"path"`
	Value     any    `msgpack:"value"`
	UpdateId  []byte `msgpack:"update_id"`
	Tombstone bool   `msgpack:"tombstone"`
}

type updateRecord struct {
	UpdateId []byte        `msgpack:"update_id"`
	Entries  []entryRecord `msgpack:"entries"`
}

type treeEntry struct {
	value     any
	updateId  Id
	tombstone bool
}

// shared container state. every handle derived for the same store id
// points at the same treeState, never a copy.
type treeState struct {
	lock sync.Mutex

	entries map[string]*treeEntry
	seen    map[Id]bool

	changeCallbacks *CallbackList[TreeChangeFunction]
	deltaCallbacks  *CallbackList[TreeDeltaFunction]
}

func newTreeState() *treeState {
	return &treeState{
		entries:         map[string]*treeEntry{},
		seen:            map[Id]bool{},
		changeCallbacks: NewCallbackList[TreeChangeFunction](),
		deltaCallbacks:  NewCallbackList[TreeDeltaFunction](),
	}
}

type TreeOptions struct {
	// a read-only handle observes the shared state but rejects mutation
	ReadOnly bool
	// scopes all paths under a prefix without copying the container
	Prefix string
}

type ContentTree struct {
	state   *treeState
	options TreeOptions
}

func NewContentTree() *ContentTree {
	return &ContentTree{
		state: newTreeState(),
	}
}

// a new handle over the same shared container
func (self *ContentTree) With(options TreeOptions) *ContentTree {
	return &ContentTree{
		state:   self.state,
		options: options,
	}
}

func (self *ContentTree) path(path string) string {
	if self.options.Prefix == "" {
		return path
	}
	return self.options.Prefix + "/" + path
}

func (self *ContentTree) Set(path string, value any) error {
	return self.apply(map[string]any{path: value}, nil)
}

func (self *ContentTree) SetAll(values map[string]any) error {
	return self.apply(values, nil)
}

func (self *ContentTree) Delete(path string) error {
	return self.apply(nil, []string{path})
}

func (self *ContentTree) apply(sets map[string]any, deletes []string) error {
	if self.options.ReadOnly {
		return fmt.Errorf("read-only tree handle")
	}

	updateId := NewId()
	record := &updateRecord{
		UpdateId: updateId.Bytes(),
	}
	for path, value := range sets {
		record.Entries = append(record.Entries, entryRecord{
			Path:     self.path(path),
			Value:    value,
			UpdateId: updateId.Bytes(),
		})
	}
	for _, path := range deletes {
		record.Entries = append(record.Entries, entryRecord{
			Path:      self.path(path),
			UpdateId:  updateId.Bytes(),
			Tombstone: true,
		})
	}
	sort.Slice(record.Entries, func(i, j int) bool {
		return record.Entries[i].Path < record.Entries[j].Path
	})

	delta, err := msgpack.Marshal(record)
	if err != nil {
		return err
	}

	paths, err := self.state.merge(record)
	if err != nil {
		return err
	}
	self.state.notify(paths, ChangeOriginLocal, updateId, delta)
	return nil
}

// ApplyUpdate merges a delta produced elsewhere (another editor, the
// local store replay, or a remote snapshot). applying the same delta
// twice is a no-op.
func (self *ContentTree) ApplyUpdate(delta []byte) error {
	record := &updateRecord{}
	if err := msgpack.Unmarshal(delta, record); err != nil {
		return fmt.Errorf("cannot decode update: %w", err)
	}
	paths, err := self.state.merge(record)
	if err != nil {
		return err
	}
	if 0 < len(paths) {
		self.state.notify(paths, ChangeOriginRemote, Id{}, nil)
	}
	return nil
}

func (self *treeState) merge(record *updateRecord) ([]string, error) {
	recordId, err := IdFromBytes(record.UpdateId)
	if err != nil {
		return nil, fmt.Errorf("cannot decode update: %w", err)
	}

	self.lock.Lock()
	defer self.lock.Unlock()

	if self.seen[recordId] {
		return nil, nil
	}
	self.seen[recordId] = true

	changed := []string{}
	for _, entry := range record.Entries {
		entryId, err := IdFromBytes(entry.UpdateId)
		if err != nil {
			continue
		}
		existing, ok := self.entries[entry.Path]
		if ok && !existing.updateId.LessThan(entryId) {
			// an equal or newer write already landed
			continue
		}
		self.entries[entry.Path] = &treeEntry{
			value:     entry.Value,
			updateId:  entryId,
			tombstone: entry.Tombstone,
		}
		changed = append(changed, entry.Path)
	}
	return changed, nil
}

func (self *treeState) notify(paths []string, origin ChangeOrigin, updateId Id, delta []byte) {
	if delta != nil {
		for _, callback := range self.deltaCallbacks.Get() {
			callback(updateId, delta)
		}
	}
	if len(paths) == 0 {
		return
	}
	for _, callback := range self.changeCallbacks.Get() {
		callback(paths, origin)
	}
}

func (self *ContentTree) Get(path string) (any, bool) {
	self.state.lock.Lock()
	defer self.state.lock.Unlock()

	entry, ok := self.state.entries[self.path(path)]
	if !ok || entry.tombstone {
		return nil, false
	}
	return entry.value, true
}

func (self *ContentTree) Paths() []string {
	self.state.lock.Lock()
	defer self.state.lock.Unlock()

	prefix := ""
	if self.options.Prefix != "" {
		prefix = self.options.Prefix + "/"
	}
	paths := []string{}
	for path, entry := range self.state.entries {
		if entry.tombstone {
			continue
		}
		if prefix != "" {
			if !strings.HasPrefix(path, prefix) {
				continue
			}
			path = strings.TrimPrefix(path, prefix)
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (self *ContentTree) Len() int {
	return len(self.Paths())
}

// Snapshot encodes the full container, tombstones included, as one
// delta record. applying a snapshot is the same merge as applying any
// other delta, which is what lets a remote snapshot backfill an empty
// local copy without ever overriding newer local writes.
func (self *ContentTree) Snapshot() ([]byte, error) {
	self.state.lock.Lock()
	record := &updateRecord{
		UpdateId: NewId().Bytes(),
	}
	for path, entry := range self.state.entries {
		record.Entries = append(record.Entries, entryRecord{
			Path:      path,
			Value:     entry.value,
			UpdateId:  entry.updateId.Bytes(),
			Tombstone: entry.tombstone,
		})
	}
	self.state.lock.Unlock()

	sort.Slice(record.Entries, func(i, j int) bool {
		return record.Entries[i].Path < record.Entries[j].Path
	})
	return msgpack.Marshal(record)
}

func (self *ContentTree) OnChange(callback TreeChangeFunction) func() {
	id := self.state.changeCallbacks.Add(callback)
	return func() {
		self.state.changeCallbacks.Remove(id)
	}
}

func (self *ContentTree) OnDelta(callback TreeDeltaFunction) func() {
	id := self.state.deltaCallbacks.Add(callback)
	return func() {
		self.state.deltaCallbacks.Remove(id)
	}
}
