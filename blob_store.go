package docsync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// content-addressed attachment store. trees hold BlobRef values, the
// bytes live in the workspace's local store.
type BlobEngine struct {
	store LocalStore
}

func NewBlobEngine(store LocalStore) *BlobEngine {
	return &BlobEngine{store: store}
}

func BlobRefFor(data []byte) BlobRef {
	sum := sha256.Sum256(data)
	return BlobRef(hex.EncodeToString(sum[:]))
}

func (self *BlobEngine) Put(data []byte) (BlobRef, error) {
	ref := BlobRefFor(data)
	if err := self.store.PutBlob(ref, data); err != nil {
		return "", err
	}
	return ref, nil
}

func (self *BlobEngine) Get(ref BlobRef) ([]byte, error) {
	if !ref.Valid() {
		return nil, fmt.Errorf("invalid blob ref: %s", ref)
	}
	return self.store.Blob(ref)
}
