package jsbridge_test

import (
	"testing"

	"github.com/buke/jsbridge"
	"github.com/dop251/goja"
)

var benchValue = map[string]any{
	"name":  "bench",
	"count": int64(42),
	"tags":  []any{"a", "b", "c"},
	"inner": map[string]any{"ok": true, "ratio": 0.5},
}

func BenchmarkEval(b *testing.B) {
	b.Run("jsbridge", func(b *testing.B) {
		rt := jsbridge.NewRuntime()
		defer rt.Close()
		for b.Loop() {
			if _, err := rt.Eval(`1 + 2`); err != nil {
				b.Fatal(err)
			}
		}
	})
	b.Run("goja", func(b *testing.B) {
		vm := goja.New()
		for b.Loop() {
			if _, err := vm.RunString(`1 + 2`); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkRoundTrip(b *testing.B) {
	b.Run("jsbridge", func(b *testing.B) {
		rt := jsbridge.NewRuntime()
		defer rt.Close()
		for b.Loop() {
			if err := rt.Set("v", benchValue); err != nil {
				b.Fatal(err)
			}
			if _, err := rt.Get("v"); err != nil {
				b.Fatal(err)
			}
		}
	})
	b.Run("goja", func(b *testing.B) {
		vm := goja.New()
		for b.Loop() {
			if err := vm.Set("v", benchValue); err != nil {
				b.Fatal(err)
			}
			_ = vm.Get("v").Export()
		}
	})
}

func BenchmarkHostCall(b *testing.B) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()
	if err := rt.Set("add", func(a, b int) int { return a + b }); err != nil {
		b.Fatal(err)
	}
	for b.Loop() {
		if _, err := rt.Eval(`add(1, 2)`); err != nil {
			b.Fatal(err)
		}
	}
}
