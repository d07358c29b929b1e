package jsbridge

import (
	"sync"

	"github.com/dop251/goja"
)

// RefID identifies a Reference Table entry.
type RefID uint64

type refEntry struct {
	obj   *goja.Object
	realm *realm
	count int
}

// refTable keeps proxied script objects reachable. Entries are keyed by
// object identity, so every proxy of one object shares one entry and its
// count.
type refTable struct {
	byObj   map[*goja.Object]RefID
	entries map[RefID]*refEntry
	next    RefID
}

func newRefTable() *refTable {
	return &refTable{
		byObj:   make(map[*goja.Object]RefID),
		entries: make(map[RefID]*refEntry),
	}
}

// intern returns the entry for obj, creating it with count 1 or
// incrementing the count of the existing one.
func (tb *refTable) intern(obj *goja.Object, rl *realm) RefID {
	if id, ok := tb.byObj[obj]; ok {
		tb.entries[id].count++
		return id
	}
	tb.next++
	id := tb.next
	tb.byObj[obj] = id
	tb.entries[id] = &refEntry{obj: obj, realm: rl, count: 1}
	return id
}

func (tb *refTable) retain(id RefID) bool {
	e, ok := tb.entries[id]
	if ok {
		e.count++
	}
	return ok
}

// release decrements the count of id and removes the entry at zero. It
// reports whether id was live.
func (tb *refTable) release(id RefID) bool {
	e, ok := tb.entries[id]
	if !ok {
		return false
	}
	e.count--
	if e.count <= 0 {
		delete(tb.entries, id)
		delete(tb.byObj, e.obj)
	}
	return true
}

func (tb *refTable) resolve(id RefID) (*goja.Object, bool) {
	e, ok := tb.entries[id]
	if !ok {
		return nil, false
	}
	return e.obj, true
}

func (tb *refTable) count(id RefID) int {
	if e, ok := tb.entries[id]; ok {
		return e.count
	}
	return 0
}

func (tb *refTable) len() int { return len(tb.entries) }

func (tb *refTable) clear() {
	clear(tb.entries)
	clear(tb.byObj)
}

func (tb *refTable) realmRefs(rl *realm) int {
	n := 0
	for _, e := range tb.entries {
		if e.realm == rl {
			n++
		}
	}
	return n
}

// dropRealm removes every entry pointing into rl.
func (tb *refTable) dropRealm(rl *realm) {
	for id, e := range tb.entries {
		if e.realm == rl {
			delete(tb.entries, id)
			delete(tb.byObj, e.obj)
		}
	}
}

// releaseQueue collects releases requested by finalizers. Finalizers run on
// their own goroutine and must not touch the heap, so they only append
// here; the runtime applies the queue before its next operation.
type releaseQueue struct {
	mu      sync.Mutex
	refs    []RefID
	threads []uint64
}

func (q *releaseQueue) pushRef(id RefID) {
	q.mu.Lock()
	q.refs = append(q.refs, id)
	q.mu.Unlock()
}

func (q *releaseQueue) pushThread(id uint64) {
	q.mu.Lock()
	q.threads = append(q.threads, id)
	q.mu.Unlock()
}

func (q *releaseQueue) take() (refs []RefID, threads []uint64) {
	q.mu.Lock()
	refs, threads = q.refs, q.threads
	q.refs, q.threads = nil, nil
	q.mu.Unlock()
	return refs, threads
}

func (q *releaseQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.refs) + len(q.threads)
}

// resolveRef pushes the value of entry id onto t's stack.
func (t *thread) resolveRef(id RefID) bool {
	obj, ok := t.rt.refs.resolve(id)
	if !ok {
		return false
	}
	t.push(obj)
	return true
}

// internAt interns the object at idx.
func (t *thread) internAt(idx int) (RefID, bool) {
	obj := t.heapPtr(idx)
	if obj == nil {
		return 0, false
	}
	return t.rt.refs.intern(obj, t.realm), true
}
