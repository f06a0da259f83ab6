package jsbridge

import (
	"sync"
	"sync/atomic"
)

// handleStore tracks the engine objects currently referenced from Go. Each live handle
// (*Object, *Array, *Function, ...) owns one slot until it is released, finalized, or the
// owning Context is torn down.
type handleStore struct {
	handles sync.Map      // map[uint64]interface{}
	nextID  atomic.Uint64 // 0 is reserved as invalid
	count   atomic.Int64
}

func newHandleStore() *handleStore {
	return &handleStore{}
}

// Store stores a value and returns its slot id. Ids are never reused.
func (hs *handleStore) Store(value interface{}) uint64 {
	id := hs.nextID.Add(1)
	hs.handles.Store(id, value)
	hs.count.Add(1)
	return id
}

// Load loads value by id.
func (hs *handleStore) Load(id uint64) (interface{}, bool) {
	return hs.handles.Load(id)
}

// Delete releases the slot; it reports whether the slot was live.
func (hs *handleStore) Delete(id uint64) bool {
	if _, ok := hs.handles.LoadAndDelete(id); ok {
		hs.count.Add(-1)
		return true
	}
	return false
}

func (hs *handleStore) release(id uint64) {
	hs.Delete(id)
}

// Clear releases every slot (called on Context.Close).
func (hs *handleStore) Clear() {
	hs.handles.Range(func(key, _ interface{}) bool {
		hs.Delete(key.(uint64))
		return true
	})
}

// Count returns number of live slots.
func (hs *handleStore) Count() int {
	return int(hs.count.Load())
}
