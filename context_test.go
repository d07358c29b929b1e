package jsbridge_test

import (
	"runtime"
	"testing"
	"time"

	"github.com/buke/jsbridge"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestContextBasics tests shared and isolated contexts
func TestContextBasics(t *testing.T) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()

	require.NoError(t, rt.Set("x", 1))

	shared, err := rt.NewContext(false)
	require.NoError(t, err)
	defer shared.Close()
	require.False(t, shared.Isolated())
	require.Equal(t, jsbridge.StateDetached, shared.State())
	require.NotEqual(t, rt.Main().ID(), shared.ID())

	v, err := shared.Eval(`x`)
	require.NoError(t, err)
	require.EqualValues(t, int64(1), v)

	require.NoError(t, shared.Set("y", "from shared"))
	v, err = rt.Get("y")
	require.NoError(t, err)
	require.Equal(t, "from shared", v)

	iso, err := rt.NewContext(true)
	require.NoError(t, err)
	defer iso.Close()
	require.True(t, iso.Isolated())

	v, err = iso.Eval(`typeof x`)
	require.NoError(t, err)
	require.Equal(t, "undefined", v)

	require.NoError(t, iso.Set("x", "isolated"))
	v, err = rt.Get("x")
	require.NoError(t, err)
	require.EqualValues(t, int64(1), v)
}

// TestContextEvaluation tests Eval semantics
func TestContextEvaluation(t *testing.T) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()

	v, err := rt.Eval(`var a = 1; a + 1`)
	require.NoError(t, err)
	require.EqualValues(t, int64(2), v)

	v, err = rt.Eval(`a`)
	require.NoError(t, err)
	require.EqualValues(t, int64(1), v)

	v, err = rt.Eval(`undefined`)
	require.NoError(t, err)
	require.Nil(t, v)

	_, err = rt.Eval(`undeclaredThing.prop`)
	var se *jsbridge.ScriptError
	require.ErrorAs(t, err, &se)
	var jsErr *jsbridge.Error
	require.ErrorAs(t, err, &jsErr)
	require.Equal(t, "ReferenceError", jsErr.Name)
	require.NotEmpty(t, se.Stack)

	_, err = rt.Eval(`throw "plain"`)
	require.ErrorAs(t, err, &se)
	require.Equal(t, "plain", se.Value)
	require.Contains(t, se.Error(), "plain")

	t.Run("Strict", func(t *testing.T) {
		strict := jsbridge.NewRuntime(jsbridge.WithStrict(true))
		defer strict.Close()

		_, err := strict.Eval(`implicitGlobal = 1`)
		require.ErrorAs(t, err, &jsErr)
		require.Equal(t, "ReferenceError", jsErr.Name)

		_, err = rt.Eval(`implicitGlobal = 1`)
		require.NoError(t, err)
	})
}

// TestContextStack tests direct stack access
func TestContextStack(t *testing.T) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()

	c, err := rt.NewContext(false)
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, 0, c.StackLen())
	require.NoError(t, c.Push(1))
	require.NoError(t, c.Push("a"))
	require.NoError(t, c.Push(map[string]any{"k": true}))
	require.Equal(t, 3, c.StackLen())

	require.Equal(t, jsbridge.TypeObject, c.Type(-1))
	require.Equal(t, jsbridge.TypeString, c.Type(1))
	require.Equal(t, jsbridge.TypeNumber, c.Type(0))
	require.Equal(t, jsbridge.TypeNone, c.Type(10))
	require.Equal(t, "none", c.Type(-10).String())

	v, err := c.Peek(0)
	require.NoError(t, err)
	require.EqualValues(t, int64(1), v)
	_, err = c.Peek(3)
	require.ErrorIs(t, err, jsbridge.ErrIndexOutOfRange)

	v, err = c.Pop()
	require.NoError(t, err)
	require.Equal(t, map[string]any{"k": true}, v)
	v, err = c.Pop()
	require.NoError(t, err)
	require.Equal(t, "a", v)
	v, err = c.Pop()
	require.NoError(t, err)
	require.EqualValues(t, int64(1), v)

	_, err = c.Pop()
	require.Error(t, err)

	// a failed push leaves the stack unchanged
	require.Error(t, c.Push(make(chan int)))
	require.Equal(t, 0, c.StackLen())
}

// TestContextSuspendResume tests detaching a context while its host function
// blocks
func TestContextSuspendResume(t *testing.T) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()

	other, err := rt.NewContext(false)
	require.NoError(t, err)
	defer other.Close()

	_, err = rt.Main().Suspend()
	require.ErrorIs(t, err, jsbridge.ErrNotRunning)

	require.NoError(t, rt.Set("block", func(c *jsbridge.Context) (any, error) {
		require.Equal(t, jsbridge.StateRunning, c.State())

		s, err := c.Suspend()
		if err != nil {
			return nil, err
		}
		require.Equal(t, jsbridge.StateSuspended, c.State())

		_, err = c.Eval(`1`)
		require.ErrorIs(t, err, jsbridge.ErrSuspended)
		_, err = c.Suspend()
		require.ErrorIs(t, err, jsbridge.ErrNotRunning)

		// other contexts run while c is detached
		v, err := other.Eval(`40 + 2`)
		if err != nil {
			return nil, err
		}

		require.ErrorIs(t, other.Resume(s), jsbridge.ErrResumeMismatch)
		require.NoError(t, c.Resume(s))
		require.ErrorIs(t, c.Resume(s), jsbridge.ErrResumeMismatch)
		return v, nil
	}))

	v, err := rt.Eval(`block() + 1`)
	require.NoError(t, err)
	require.EqualValues(t, int64(43), v)
	require.Equal(t, jsbridge.StateDetached, rt.Main().State())
}

// TestContextNestedSuspensions tests that suspensions resume newest first
func TestContextNestedSuspensions(t *testing.T) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()

	other, err := rt.NewContext(false)
	require.NoError(t, err)
	defer other.Close()

	var outer *jsbridge.Suspension
	require.NoError(t, rt.Set("inner", func(c *jsbridge.Context) (any, error) {
		require.Equal(t, other.ID(), c.ID())
		s, err := c.Suspend()
		if err != nil {
			return nil, err
		}
		require.ErrorIs(t, rt.Main().Resume(outer), jsbridge.ErrResumeMismatch)
		return "inner", c.Resume(s)
	}))
	require.NoError(t, rt.Set("outer", func(c *jsbridge.Context) (any, error) {
		s, err := c.Suspend()
		if err != nil {
			return nil, err
		}
		outer = s
		v, err := other.Eval(`inner()`)
		if err != nil {
			return nil, err
		}
		return v, c.Resume(s)
	}))

	v, err := rt.Eval(`outer()`)
	require.NoError(t, err)
	require.Equal(t, "inner", v)
}

// TestContextAbandonedSuspension tests a host function returning while its
// context is still suspended
func TestContextAbandonedSuspension(t *testing.T) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()

	require.NoError(t, rt.Set("leak", func(c *jsbridge.Context) error {
		_, err := c.Suspend()
		return err
	}))

	_, err := rt.Eval(`leak()`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "still suspended")

	require.Equal(t, jsbridge.StateDetached, rt.Main().State())
	v, err := rt.Eval(`"usable"`)
	require.NoError(t, err)
	require.Equal(t, "usable", v)
}

// TestContextClose tests closing contexts
func TestContextClose(t *testing.T) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()

	require.Error(t, rt.Main().Close())

	c, err := rt.NewContext(true)
	require.NoError(t, err)

	require.NoError(t, c.Set("tryClose", func() error { return c.Close() }))
	_, err = c.Eval(`tryClose()`)
	require.ErrorContains(t, err, "calls in flight")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Equal(t, jsbridge.StateDestroyed, c.State())

	_, err = c.Eval(`1`)
	require.ErrorIs(t, err, jsbridge.ErrContextDestroyed)
	require.ErrorIs(t, c.Push(1), jsbridge.ErrContextDestroyed)
}

func newDroppedContext(t *testing.T, rt *jsbridge.Runtime) {
	c, err := rt.NewContext(true)
	require.NoError(t, err)
	_, err = c.Eval(`globalThis.big = new Array(1000).fill(0)`)
	require.NoError(t, err)
}

// TestContextCollected tests that unreachable contexts are destroyed
func TestContextCollected(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	rt := jsbridge.NewRuntime(jsbridge.WithLogger(zap.New(core)))
	defer rt.Close()

	newDroppedContext(t, rt)
	require.Eventually(t, func() bool {
		runtime.GC()
		rt.GC()
		return logs.FilterMessage("context collected").Len() > 0
	}, 5*time.Second, 10*time.Millisecond)
}
