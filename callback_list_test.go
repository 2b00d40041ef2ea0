package docsync

import (
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackListOrderAndRemove(t *testing.T) {
	list := NewCallbackList[func()]()

	calls := []int{}
	id1 := list.Add(func() { calls = append(calls, 1) })
	id2 := list.Add(func() { calls = append(calls, 2) })

	for _, callback := range list.Get() {
		callback()
	}
	// notification follows subscription order
	assert.Equal(t, calls, []int{1, 2})

	list.Remove(id1)
	calls = []int{}
	for _, callback := range list.Get() {
		callback()
	}
	assert.Equal(t, calls, []int{2})

	list.Remove(id2)
	assert.Equal(t, list.Len(), 0)

	// removing again is a no-op
	list.Remove(id2)
	assert.Equal(t, list.Len(), 0)
}

func TestCallbackBucketsLifecycle(t *testing.T) {
	buckets := newCallbackBuckets[func(int)]()

	a := 0
	b := 0
	unsubA := buckets.add("k1", func(v int) { a += v })
	unsubB := buckets.add("k1", func(v int) { b += v })
	assert.Equal(t, len(buckets.keys()), 1)

	for _, callback := range buckets.get("k1") {
		callback(1)
	}
	assert.Equal(t, a, 1)
	assert.Equal(t, b, 1)

	// one unsubscribed, the remaining callback still fires
	unsubA()
	for _, callback := range buckets.get("k1") {
		callback(1)
	}
	assert.Equal(t, a, 1)
	assert.Equal(t, b, 2)

	// unsubscribing the last callback removes the bucket
	unsubB()
	assert.Equal(t, len(buckets.keys()), 0)
	assert.Equal(t, buckets.get("k1"), nil)
}

func TestCallbackBucketsConcurrentAddAndUnsubscribe(t *testing.T) {
	buckets := newCallbackBuckets[func()]()

	for i := 0; i < 200; i++ {
		unsubOld := buckets.add("k", func() {})

		var unsubNew func()
		wg := sync.WaitGroup{}
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsubOld()
		}()
		go func() {
			defer wg.Done()
			unsubNew = buckets.add("k", func() {})
		}()
		wg.Wait()

		// whichever order the pair ran in, the new subscription is
		// reachable and never stranded in a deleted bucket
		assert.Equal(t, len(buckets.get("k")), 1)
		unsubNew()
		assert.Equal(t, len(buckets.keys()), 0)
	}
}

func TestCallbackBucketsNoGrowth(t *testing.T) {
	buckets := newCallbackBuckets[func()]()

	for i := 0; i < 1000; i++ {
		unsub := buckets.add("k", func() {})
		unsub()
	}
	assert.Equal(t, len(buckets.keys()), 0)
}
