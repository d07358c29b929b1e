package jsbridge

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefTable_Intern(t *testing.T) {
	vm := goja.New()
	a, b := vm.NewObject(), vm.NewObject()
	rl := &realm{}
	tb := newRefTable()

	id := tb.intern(a, rl)
	assert.Equal(t, id, tb.intern(a, rl))
	assert.Equal(t, 2, tb.count(id))

	other := tb.intern(b, rl)
	assert.NotEqual(t, id, other)
	assert.Equal(t, 2, tb.len())

	obj, ok := tb.resolve(id)
	require.True(t, ok)
	assert.Same(t, a, obj)

	assert.True(t, tb.retain(id))
	assert.Equal(t, 3, tb.count(id))
	assert.False(t, tb.retain(999))
}

func TestRefTable_Release(t *testing.T) {
	vm := goja.New()
	a := vm.NewObject()
	tb := newRefTable()

	id := tb.intern(a, &realm{})
	tb.intern(a, nil)

	assert.True(t, tb.release(id))
	assert.Equal(t, 1, tb.count(id))
	assert.True(t, tb.release(id))
	assert.Equal(t, 0, tb.len())
	assert.False(t, tb.release(id))

	_, ok := tb.resolve(id)
	assert.False(t, ok)

	// a released object gets a fresh id
	assert.NotEqual(t, id, tb.intern(a, nil))
}

func TestRefTable_DropRealm(t *testing.T) {
	vm := goja.New()
	r1, r2 := &realm{}, &realm{}
	tb := newRefTable()

	for i := 0; i < 3; i++ {
		tb.intern(vm.NewObject(), r1)
	}
	kept := tb.intern(vm.NewObject(), r2)
	assert.Equal(t, 3, tb.realmRefs(r1))

	tb.dropRealm(r1)
	assert.Equal(t, 0, tb.realmRefs(r1))
	assert.Equal(t, 1, tb.len())
	assert.Equal(t, 1, tb.count(kept))

	tb.clear()
	assert.Equal(t, 0, tb.len())
}

func TestReleaseQueue(t *testing.T) {
	var q releaseQueue
	q.pushRef(1)
	q.pushRef(2)
	q.pushThread(7)
	assert.Equal(t, 3, q.pending())

	refs, threads := q.take()
	assert.Equal(t, []RefID{1, 2}, refs)
	assert.Equal(t, []uint64{7}, threads)
	assert.Equal(t, 0, q.pending())

	refs, threads = q.take()
	assert.Empty(t, refs)
	assert.Empty(t, threads)
}

// TestRefTable_SharedProxies tests that proxies of one object share an entry
func TestRefTable_SharedProxies(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	_, err := rt.Eval(`globalThis.o = {a: 1}`)
	require.NoError(t, err)

	p1, err := rt.Proxy("o")
	require.NoError(t, err)
	p2, err := rt.Proxy("o")
	require.NoError(t, err)

	id := p1.RefID()
	require.Equal(t, id, p2.RefID())
	assert.Equal(t, 2, rt.RefCount(id))

	p1.Release()
	p1.Release()
	assert.Equal(t, 1, rt.RefCount(id))
	p2.Release()
	assert.Equal(t, 0, rt.RefCount(id))
	assert.Equal(t, 0, rt.RefTableLen())
}

func TestRefTable_CountAppliesQueuedReleases(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	_, err := rt.Eval(`globalThis.f = function () {}; undefined`)
	require.NoError(t, err)
	p, err := rt.Proxy("f")
	require.NoError(t, err)
	defer p.Release()

	id := p.RefID()
	require.Equal(t, 1, rt.RefCount(id))

	// as queued by a collected proxy
	rt.dropped.pushRef(id)
	assert.Equal(t, 0, rt.RefCount(id))
	assert.Equal(t, 0, rt.RefTableLen())
}
