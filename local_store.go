package docsync

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

// LocalStore is the durable primary behind a workspace: opaque update
// deltas appended per document, compacted snapshots, doc metadata
// records, and attachment blobs. any put/get-by-id implementation
// suffices; the default is one bbolt file per workspace.
type LocalStore interface {
	AppendUpdate(docId Id, update []byte) error
	Updates(docId Id) ([][]byte, error)
	// SaveSnapshot compacts: the snapshot subsumes the update log,
	// so the log for the doc is dropped in the same transaction
	SaveSnapshot(docId Id, snapshot []byte) error
	// nil when no snapshot was saved
	Snapshot(docId Id) ([]byte, error)
	PutMeta(meta *DocMeta) error
	Meta(docId Id) (*DocMeta, error)
	MetaList() ([]*DocMeta, error)
	DeleteMeta(docId Id) error
	// hard-deletes updates and snapshot for a doc. removing a doc from
	// a workspace does not call this; history stays until collected.
	CollectDoc(docId Id) error
	PutBlob(ref BlobRef, data []byte) error
	Blob(ref BlobRef) ([]byte, error)
	Close() error
}

var (
	bucketUpdates   = []byte("updates")
	bucketSnapshots = []byte("snapshots")
	bucketMeta      = []byte("meta")
	bucketBlobs     = []byte("blobs")
)

type BoltLocalStore struct {
	db *bolt.DB
}

func NewBoltLocalStore(path string) (*BoltLocalStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketUpdates, bucketSnapshots, bucketMeta, bucketBlobs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltLocalStore{db: db}, nil
}

func (self *BoltLocalStore) AppendUpdate(docId Id, update []byte) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		docBucket, err := tx.Bucket(bucketUpdates).CreateBucketIfNotExists(docId.Bytes())
		if err != nil {
			return err
		}
		seq, err := docBucket.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return docBucket.Put(key[:], update)
	})
}

func (self *BoltLocalStore) Updates(docId Id) ([][]byte, error) {
	updates := [][]byte{}
	err := self.db.View(func(tx *bolt.Tx) error {
		docBucket := tx.Bucket(bucketUpdates).Bucket(docId.Bytes())
		if docBucket == nil {
			return nil
		}
		return docBucket.ForEach(func(k []byte, v []byte) error {
			update := make([]byte, len(v))
			copy(update, v)
			updates = append(updates, update)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return updates, nil
}

func (self *BoltLocalStore) SaveSnapshot(docId Id, snapshot []byte) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSnapshots).Put(docId.Bytes(), snapshot); err != nil {
			return err
		}
		updates := tx.Bucket(bucketUpdates)
		if updates.Bucket(docId.Bytes()) != nil {
			return updates.DeleteBucket(docId.Bytes())
		}
		return nil
	})
}

func (self *BoltLocalStore) Snapshot(docId Id) ([]byte, error) {
	var snapshot []byte
	err := self.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get(docId.Bytes())
		if v != nil {
			snapshot = make([]byte, len(v))
			copy(snapshot, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (self *BoltLocalStore) PutMeta(meta *DocMeta) error {
	record, err := msgpack.Marshal(meta)
	if err != nil {
		return err
	}
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(meta.DocId.Bytes(), record)
	})
}

func (self *BoltLocalStore) Meta(docId Id) (*DocMeta, error) {
	var meta *DocMeta
	err := self.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(docId.Bytes())
		if v == nil {
			return nil
		}
		meta = &DocMeta{}
		return msgpack.Unmarshal(v, meta)
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (self *BoltLocalStore) MetaList() ([]*DocMeta, error) {
	metas := []*DocMeta{}
	err := self.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(k []byte, v []byte) error {
			meta := &DocMeta{}
			if err := msgpack.Unmarshal(v, meta); err != nil {
				return err
			}
			metas = append(metas, meta)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return metas, nil
}

func (self *BoltLocalStore) DeleteMeta(docId Id) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Delete(docId.Bytes())
	})
}

func (self *BoltLocalStore) CollectDoc(docId Id) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSnapshots).Delete(docId.Bytes()); err != nil {
			return err
		}
		updates := tx.Bucket(bucketUpdates)
		if updates.Bucket(docId.Bytes()) != nil {
			return updates.DeleteBucket(docId.Bytes())
		}
		return nil
	})
}

func (self *BoltLocalStore) PutBlob(ref BlobRef, data []byte) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte(ref), data)
	})
}

func (self *BoltLocalStore) Blob(ref BlobRef) ([]byte, error) {
	var data []byte
	err := self.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte(ref))
		if v == nil {
			return fmt.Errorf("blob not found: %s", ref)
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (self *BoltLocalStore) Close() error {
	return self.db.Close()
}

// in-memory store with the same semantics, for tests and throwaway sessions
type MemoryLocalStore struct {
	lock      sync.Mutex
	updates   map[Id][][]byte
	snapshots map[Id][]byte
	metas     map[Id]*DocMeta
	blobs     map[BlobRef][]byte
}

func NewMemoryLocalStore() *MemoryLocalStore {
	return &MemoryLocalStore{
		updates:   map[Id][][]byte{},
		snapshots: map[Id][]byte{},
		metas:     map[Id]*DocMeta{},
		blobs:     map[BlobRef][]byte{},
	}
}

func (self *MemoryLocalStore) AppendUpdate(docId Id, update []byte) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.updates[docId] = append(self.updates[docId], update)
	return nil
}

func (self *MemoryLocalStore) Updates(docId Id) ([][]byte, error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	return append([][]byte{}, self.updates[docId]...), nil
}

func (self *MemoryLocalStore) SaveSnapshot(docId Id, snapshot []byte) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.snapshots[docId] = snapshot
	delete(self.updates, docId)
	return nil
}

func (self *MemoryLocalStore) Snapshot(docId Id) ([]byte, error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.snapshots[docId], nil
}

func (self *MemoryLocalStore) PutMeta(meta *DocMeta) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.metas[meta.DocId] = meta
	return nil
}

func (self *MemoryLocalStore) Meta(docId Id) (*DocMeta, error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.metas[docId], nil
}

func (self *MemoryLocalStore) MetaList() ([]*DocMeta, error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	metas := make([]*DocMeta, 0, len(self.metas))
	for _, meta := range self.metas {
		metas = append(metas, meta)
	}
	return metas, nil
}

func (self *MemoryLocalStore) DeleteMeta(docId Id) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	delete(self.metas, docId)
	return nil
}

func (self *MemoryLocalStore) CollectDoc(docId Id) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	delete(self.updates, docId)
	delete(self.snapshots, docId)
	return nil
}

func (self *MemoryLocalStore) PutBlob(ref BlobRef, data []byte) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.blobs[ref] = data
	return nil
}

func (self *MemoryLocalStore) Blob(ref BlobRef) ([]byte, error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	data, ok := self.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("blob not found: %s", ref)
	}
	return data, nil
}

func (self *MemoryLocalStore) Close() error {
	return nil
}
