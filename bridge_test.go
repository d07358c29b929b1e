package jsbridge_test

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/buke/jsbridge"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// quotaError carries positional arguments across the bridge
type quotaError struct {
	Limit int
	Who   string
}

func (e *quotaError) Error() string { return fmt.Sprintf("quota %d exceeded by %s", e.Limit, e.Who) }

func (e *quotaError) ErrorArgs() []any { return []any{e.Limit, e.Who} }

// TestBridgeHostFunctions tests calling Go functions from script
func TestBridgeHostFunctions(t *testing.T) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()

	t.Run("Func", func(t *testing.T) {
		require.NoError(t, rt.Set("add", jsbridge.Func(func(_ *jsbridge.Context, args ...any) (any, error) {
			a, _ := args[0].(int64)
			b, _ := args[1].(int64)
			return a + b, nil
		})))
		v, err := rt.Eval(`add(2, 3)`)
		require.NoError(t, err)
		require.EqualValues(t, int64(5), v)
	})

	t.Run("Reflect", func(t *testing.T) {
		require.NoError(t, rt.Set("concat", func(sep string, parts ...string) string {
			out := ""
			for i, p := range parts {
				if i > 0 {
					out += sep
				}
				out += p
			}
			return out
		}))
		v, err := rt.Eval(`concat("-", "a", "b", "c")`)
		require.NoError(t, err)
		require.Equal(t, "a-b-c", v)

		_, err = rt.Eval(`concat("-", 1)`)
		var cerr *jsbridge.ConversionError
		require.ErrorAs(t, err, &cerr)
		require.Equal(t, jsbridge.KindTypeMismatch, cerr.Kind)
	})

	t.Run("NoResult", func(t *testing.T) {
		called := false
		require.NoError(t, rt.Set("touch", func() { called = true }))
		v, err := rt.Eval(`typeof touch()`)
		require.NoError(t, err)
		require.Equal(t, "undefined", v)
		require.True(t, called)
	})

	t.Run("MultipleResults", func(t *testing.T) {
		require.NoError(t, rt.Set("divmod", func(a, b int) (int, int, error) {
			if b == 0 {
				return 0, 0, errors.New("division by zero")
			}
			return a / b, a % b, nil
		}))
		v, err := rt.Eval(`divmod(7, 2)`)
		require.NoError(t, err)
		require.Equal(t, []any{int64(3), int64(1)}, v)

		_, err = rt.Eval(`divmod(1, 0)`)
		require.ErrorContains(t, err, "division by zero")
	})

	t.Run("Context", func(t *testing.T) {
		var got *jsbridge.Context
		require.NoError(t, rt.Set("who", func(c *jsbridge.Context) { got = c }))
		_, err := rt.Eval(`who()`)
		require.NoError(t, err)
		require.Same(t, rt.Main(), got)
	})

	t.Run("ArgumentsDecoded", func(t *testing.T) {
		var got []any
		require.NoError(t, rt.Set("capture", jsbridge.Func(func(_ *jsbridge.Context, args ...any) (any, error) {
			got = args
			return nil, nil
		})))
		_, err := rt.Eval(`capture(1, "s", [true], {k: null}, undefined)`)
		require.NoError(t, err)
		require.Equal(t, []any{int64(1), "s", []any{true}, map[string]any{"k": nil}, nil}, got)
	})

	t.Run("Callback", func(t *testing.T) {
		require.NoError(t, rt.Set("apply", func(fn func(int) (int, error), n int) (int, error) {
			return fn(n)
		}))
		v, err := rt.Eval(`apply((x) => x * 10, 4)`)
		require.NoError(t, err)
		require.EqualValues(t, int64(40), v)
	})

	t.Run("NotAFunction", func(t *testing.T) {
		_, err := rt.Eval(`(1)()`)
		var jsErr *jsbridge.Error
		require.ErrorAs(t, err, &jsErr)
		require.Equal(t, "TypeError", jsErr.Name)
	})
}

// TestBridgeArity tests fixed-arity host functions
func TestBridgeArity(t *testing.T) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()

	count := func(_ *jsbridge.Context, args ...any) (any, error) { return len(args), nil }
	require.NoError(t, rt.Set("two", jsbridge.WithArity(jsbridge.Func(count), 2)))
	require.NoError(t, rt.Set("any", jsbridge.Func(count)))

	for src, want := range map[string]int64{
		`two()`:        2,
		`two(1)`:       2,
		`two(1, 2, 3)`: 2,
		`any()`:        0,
		`any(1, 2, 3)`: 3,
	} {
		v, err := rt.Eval(src)
		require.NoError(t, err, src)
		require.Equal(t, want, v, src)
	}

	var missing []any
	require.NoError(t, rt.Set("pad", &jsbridge.HostFunc{Fn: jsbridge.Func(func(_ *jsbridge.Context, args ...any) (any, error) {
		missing = args
		return nil, nil
	}), Arity: 3}))
	_, err := rt.Eval(`pad("a")`)
	require.NoError(t, err)
	require.Equal(t, []any{"a", nil, nil}, missing)

	require.Error(t, rt.Set("nil", jsbridge.WithArity(nil, 1)))
	require.Error(t, rt.Set("notFunc", jsbridge.WithArity(42, 1)))
}

// TestBridgePanics tests that panics in host functions become script errors
func TestBridgePanics(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	rt := jsbridge.NewRuntime(jsbridge.WithLogger(zap.New(core)))
	defer rt.Close()

	require.NoError(t, rt.Set("explode", func() { panic("kaboom") }))
	v, err := rt.Eval(`try { explode(); "no" } catch (e) { e.message }`)
	require.NoError(t, err)
	require.Contains(t, v, "kaboom")
	require.Equal(t, 1, logs.FilterMessage("recovered host function panic").Len())

	boom := errors.New("wrapped")
	require.NoError(t, rt.Set("explodeErr", func() { panic(boom) }))
	_, err = rt.Eval(`explodeErr()`)
	require.ErrorIs(t, err, boom)
}

// TestBridgeErrorRoundTrip tests Go errors passing through script
func TestBridgeErrorRoundTrip(t *testing.T) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()

	t.Run("SameError", func(t *testing.T) {
		orig := &quotaError{Limit: 1, Who: "a"}
		require.NoError(t, rt.Set("fail", func() error { return orig }))

		_, err := rt.Eval(`fail()`)
		var qe *quotaError
		require.ErrorAs(t, err, &qe)
		require.Same(t, orig, qe)

		v, err := rt.Eval(`try { fail() } catch (e) { [e instanceof Error, e.name, e.message] }`)
		require.NoError(t, err)
		require.Equal(t, []any{true, "*jsbridge_test.quotaError", "quota 1 exceeded by a"}, v)
	})

	t.Run("CaughtAndRethrown", func(t *testing.T) {
		orig := fs.ErrNotExist
		require.NoError(t, rt.Set("open", func() error { return orig }))
		_, err := rt.Eval(`try { open() } catch (e) { throw e }`)
		require.ErrorIs(t, err, fs.ErrNotExist)
	})

	t.Run("ThroughNestedCalls", func(t *testing.T) {
		require.NoError(t, rt.Set("callScript", func(c *jsbridge.Context) (any, error) {
			return c.Eval(`fail()`)
		}))
		_, err := rt.Eval(`callScript()`)
		var qe *quotaError
		require.ErrorAs(t, err, &qe)
	})

	t.Run("ScriptErrorPassesThrough", func(t *testing.T) {
		require.NoError(t, rt.Set("relay", func(c *jsbridge.Context) (any, error) {
			return c.Eval(`throw new TypeError("inner")`)
		}))
		v, err := rt.Eval(`try { relay() } catch (e) { e instanceof TypeError && e.message }`)
		require.NoError(t, err)
		require.Equal(t, "inner", v)
	})
}

// TestBridgeHostErrorFactory tests rebuilding errors that lost their
// original value
func TestBridgeHostErrorFactory(t *testing.T) {
	a := jsbridge.NewRuntime()
	defer a.Close()

	// an error value encoded directly is tagged but keeps no back-reference
	require.NoError(t, a.Set("e", &quotaError{Limit: 5, Who: "b"}))

	got, err := a.Get("e")
	require.NoError(t, err)
	he, ok := got.(*jsbridge.HostError)
	require.True(t, ok, "got %T", got)
	require.Equal(t, "*jsbridge_test.quotaError", he.Type)
	require.Equal(t, "quota 5 exceeded by b", he.Message)
	require.Equal(t, []any{int64(5), "b"}, he.Args)

	a.RegisterError(jsbridge.ErrorTypeName(&quotaError{}), func(args []any) error {
		var limit int
		var who string
		if len(args) == 2 {
			_ = jsbridge.Unmarshal(args[0], &limit)
			_ = jsbridge.Unmarshal(args[1], &who)
		}
		return &quotaError{Limit: limit, Who: who}
	})
	got, err = a.Get("e")
	require.NoError(t, err)
	require.Equal(t, &quotaError{Limit: 5, Who: "b"}, got)

	_, err = a.Eval(`throw e`)
	var qe *quotaError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, 5, qe.Limit)

	t.Run("Option", func(t *testing.T) {
		rt := jsbridge.NewRuntime(jsbridge.WithErrorType("*errors.errorString", func(args []any) error {
			return fmt.Errorf("rebuilt: %v", args[0])
		}))
		defer rt.Close()
		require.NoError(t, rt.Set("e", errors.New("plain")))
		got, err := rt.Get("e")
		require.NoError(t, err)
		require.EqualError(t, got.(error), "rebuilt: plain")
	})
}
