package docsync

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// makes a copy of the list on update, so that fanout can iterate
// a snapshot without holding the lock

type callbackId int

type CallbackList[T any] struct {
	mutex       sync.Mutex
	nextId      callbackId
	callbackIds []callbackId
	callbacks   map[callbackId]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[callbackId]T{},
	}
}

// snapshot in subscription order
func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, id := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[id])
	}
	return callbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbackIds)
}

func (self *CallbackList[T]) Add(callback T) callbackId {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	id := self.nextId
	self.nextId += 1
	self.callbackIds = append(self.callbackIds, id)
	self.callbacks[id] = callback
	return id
}

func (self *CallbackList[T]) Remove(id callbackId) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, id)
	if i < 0 {
		// not present
		return
	}
	self.callbackIds = slices.Delete(slices.Clone(self.callbackIds), i, i+1)
	delete(self.callbacks, id)
}

// keyed callback buckets. the bucket for a key is removed when its
// last callback unsubscribes, so repeated subscribe/unsubscribe
// cycles do not grow the map.
type callbackBuckets[T any] struct {
	mutex   sync.Mutex
	buckets map[string]*CallbackList[T]
}

func newCallbackBuckets[T any]() *callbackBuckets[T] {
	return &callbackBuckets[T]{
		buckets: map[string]*CallbackList[T]{},
	}
}

func (self *callbackBuckets[T]) add(roomKey string, callback T) func() {
	self.mutex.Lock()
	bucket, ok := self.buckets[roomKey]
	if !ok {
		bucket = NewCallbackList[T]()
		self.buckets[roomKey] = bucket
	}
	// add while holding the mutex. a concurrent last-callback
	// unsubscribe must not delete the bucket between the lookup
	// and the add.
	id := bucket.Add(callback)
	self.mutex.Unlock()

	return func() {
		bucket.Remove(id)

		self.mutex.Lock()
		defer self.mutex.Unlock()
		if current, ok := self.buckets[roomKey]; ok && current == bucket && bucket.Len() == 0 {
			delete(self.buckets, roomKey)
		}
	}
}

func (self *callbackBuckets[T]) get(roomKey string) []T {
	self.mutex.Lock()
	bucket, ok := self.buckets[roomKey]
	self.mutex.Unlock()

	if !ok {
		return nil
	}
	return bucket.Get()
}

func (self *callbackBuckets[T]) keys() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Keys(self.buckets)
}
