package docsync

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testLocalStore(t *testing.T, store LocalStore) {
	docId := NewId()

	updates, err := store.Updates(docId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(updates), 0)

	assert.Equal(t, store.AppendUpdate(docId, []byte("u1")), nil)
	assert.Equal(t, store.AppendUpdate(docId, []byte("u2")), nil)

	updates, err = store.Updates(docId)
	assert.Equal(t, err, nil)
	assert.Equal(t, updates, [][]byte{[]byte("u1"), []byte("u2")})

	// snapshot compacts the log
	snapshot, err := store.Snapshot(docId)
	assert.Equal(t, err, nil)
	assert.Equal(t, snapshot, nil)

	assert.Equal(t, store.SaveSnapshot(docId, []byte("s1")), nil)
	snapshot, err = store.Snapshot(docId)
	assert.Equal(t, err, nil)
	assert.Equal(t, snapshot, []byte("s1"))
	updates, err = store.Updates(docId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(updates), 0)

	// meta records
	meta := &DocMeta{
		DocId:     docId,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Tags:      []string{"scene"},
	}
	assert.Equal(t, store.PutMeta(meta), nil)
	got, err := store.Meta(docId)
	assert.Equal(t, err, nil)
	assert.Equal(t, got.DocId, docId)
	assert.Equal(t, got.Tags, []string{"scene"})

	metas, err := store.MetaList()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(metas), 1)

	assert.Equal(t, store.DeleteMeta(docId), nil)
	got, err = store.Meta(docId)
	assert.Equal(t, err, nil)
	assert.Equal(t, got, nil)

	// deleting meta keeps the history until collected
	snapshot, err = store.Snapshot(docId)
	assert.Equal(t, err, nil)
	assert.Equal(t, snapshot, []byte("s1"))

	assert.Equal(t, store.CollectDoc(docId), nil)
	snapshot, err = store.Snapshot(docId)
	assert.Equal(t, err, nil)
	assert.Equal(t, snapshot, nil)

	// blobs
	ref := BlobRefFor([]byte("img"))
	assert.Equal(t, store.PutBlob(ref, []byte("img")), nil)
	data, err := store.Blob(ref)
	assert.Equal(t, err, nil)
	assert.Equal(t, data, []byte("img"))

	_, err = store.Blob(BlobRefFor([]byte("missing")))
	assert.NotEqual(t, err, nil)
}

func TestMemoryLocalStore(t *testing.T) {
	store := NewMemoryLocalStore()
	defer store.Close()
	testLocalStore(t, store)
}

func TestBoltLocalStore(t *testing.T) {
	store, err := NewBoltLocalStore(filepath.Join(t.TempDir(), "ws.db"))
	assert.Equal(t, err, nil)
	defer store.Close()
	testLocalStore(t, store)
}

func TestBoltLocalStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ws.db")
	docId := NewId()

	store, err := NewBoltLocalStore(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, store.AppendUpdate(docId, []byte("u1")), nil)
	assert.Equal(t, store.Close(), nil)

	store, err = NewBoltLocalStore(path)
	assert.Equal(t, err, nil)
	defer store.Close()
	updates, err := store.Updates(docId)
	assert.Equal(t, err, nil)
	assert.Equal(t, updates, [][]byte{[]byte("u1")})
}

func TestBlobEngine(t *testing.T) {
	store := NewMemoryLocalStore()
	defer store.Close()
	blobs := NewBlobEngine(store)

	ref, err := blobs.Put([]byte("map tile"))
	assert.Equal(t, err, nil)
	assert.Equal(t, ref.Valid(), true)

	data, err := blobs.Get(ref)
	assert.Equal(t, err, nil)
	assert.Equal(t, data, []byte("map tile"))

	// same content, same ref
	ref2, err := blobs.Put([]byte("map tile"))
	assert.Equal(t, err, nil)
	assert.Equal(t, ref2, ref)

	_, err = blobs.Get(BlobRef("zz"))
	assert.NotEqual(t, err, nil)
}
