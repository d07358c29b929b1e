package jsbridge

import (
	"math"
	"sync"
	"sync/atomic"
)

// HandleStore keeps Go values that script objects point back to. A host
// function wrapper holds the id of its Go closure, and an Error thrown from
// a host function carries the id of the original Go error in a hidden
// property so the decoder can hand the same error back. Entries are removed
// by cleanups on the owning script objects, or all at once by Runtime.Close.
type HandleStore struct {
	handles sync.Map // int32 -> any; cleanups delete from their own goroutine
	nextID  atomic.Int32
}

// NewHandleStore returns an empty store. Ids start at 1.
func NewHandleStore() *HandleStore {
	return &HandleStore{}
}

// Store keeps value and returns the id script uses to refer to it.
func (hs *HandleStore) Store(value any) int32 {
	id := hs.nextID.Add(1)

	// ids travel through script as numbers and must stay positive
	if id <= 0 || id == math.MaxInt32 {
		panic("jsbridge: HandleStore ID overflow, too many handles stored")
	}

	hs.handles.Store(id, value)
	return id
}

// Load returns the value behind a script-held id.
func (hs *HandleStore) Load(id int32) (any, bool) {
	return hs.handles.Load(id)
}

// Delete drops id. It reports whether id was present.
func (hs *HandleStore) Delete(id int32) bool {
	_, ok := hs.handles.LoadAndDelete(id)
	return ok
}

// Clear drops every entry once the heap holding the ids is gone.
func (hs *HandleStore) Clear() {
	hs.handles.Range(func(key, _ any) bool {
		hs.handles.Delete(key)
		return true
	})
}

// Count returns the number of live entries.
func (hs *HandleStore) Count() int {
	count := 0
	hs.handles.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
