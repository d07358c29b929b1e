package jsbridge

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/buke/jsbridge/internal/cesu8"
	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
)

// The value stack is the only way the encoder, decoder and proxies touch
// script values. Every primitive here either pushes exactly one value, pops
// the values it consumes, or both; calls follow the error-return convention
// of leaving the thrown value on top of the stack.

func (t *thread) vm() *goja.Runtime { return t.realm.vm }

func (t *thread) top() int { return len(t.stack) }

// absIndex turns a relative (negative) index into an absolute one.
func (t *thread) absIndex(idx int) (int, bool) {
	if idx < 0 {
		idx += len(t.stack)
	}
	return idx, idx >= 0 && idx < len(t.stack)
}

func (t *thread) at(idx int) goja.Value {
	i, ok := t.absIndex(idx)
	if !ok {
		return nil
	}
	return t.stack[i]
}

func (t *thread) object(idx int) *goja.Object {
	o, _ := t.at(idx).(*goja.Object)
	return o
}

func (t *thread) push(v goja.Value) {
	if v == nil {
		v = goja.Undefined()
	}
	t.stack = append(t.stack, v)
}

func (t *thread) pop() { t.popN(1) }

func (t *thread) popN(n int) {
	if n > len(t.stack) {
		n = len(t.stack)
	}
	t.setTop(len(t.stack) - n)
}

// setTop truncates the stack to n entries, clearing dropped slots so the
// engine can collect them.
func (t *thread) setTop(n int) {
	if n < 0 || n >= len(t.stack) {
		return
	}
	clear(t.stack[n:])
	t.stack = t.stack[:n]
}

func (t *thread) pushUndefined() { t.push(goja.Undefined()) }

func (t *thread) pushNull() { t.push(goja.Null()) }

func (t *thread) pushBool(b bool) { t.push(t.vm().ToValue(b)) }

func (t *thread) pushInt(i int64) { t.push(t.vm().ToValue(i)) }

func (t *thread) pushNumber(f float64) { t.push(t.vm().ToValue(f)) }

func (t *thread) pushBigInt(b *big.Int) { t.push(t.vm().ToValue(new(big.Int).Set(b))) }

// pushString pushes a script string built from CESU-8 bytes.
func (t *thread) pushString(b []byte) { t.push(goja.StringFromUTF16(cesu8.ToUTF16(b))) }

// getString returns the string at idx as CESU-8 bytes.
func (t *thread) getString(idx int) []byte {
	v := t.at(idx)
	if v == nil {
		return nil
	}
	if s, ok := v.(goja.String); ok {
		units := make([]uint16, s.Length())
		for i := range units {
			units[i] = s.CharAt(i)
		}
		return cesu8.FromUTF16(units)
	}
	return cesu8.Encode(v.String())
}

func (t *thread) pushBytes(b []byte) {
	t.push(t.vm().ToValue(t.vm().NewArrayBuffer(bytes.Clone(b))))
}

func (t *thread) pushObject() { t.push(t.vm().NewObject()) }

func (t *thread) pushArray() { t.push(t.vm().NewArray()) }

func (t *thread) pushGlobal() { t.push(t.vm().GlobalObject()) }

func (t *thread) typeOf(idx int) ValueType {
	return typeOfValue(t.at(idx))
}

func typeOfValue(v goja.Value) ValueType {
	switch v.(type) {
	case nil:
		return TypeNone
	case *goja.Object:
		return TypeObject
	case *goja.Symbol:
		return TypeSymbol
	}
	switch {
	case goja.IsUndefined(v):
		return TypeUndefined
	case goja.IsNull(v):
		return TypeNull
	case goja.IsNumber(v):
		return TypeNumber
	case goja.IsBigInt(v):
		return TypeBigInt
	case goja.IsString(v):
		return TypeString
	}
	if _, ok := v.Export().(bool); ok {
		return TypeBoolean
	}
	return TypeNone
}

// try runs f and converts a script exception into an error.
func (t *thread) try(f func()) error {
	if ex := t.vm().Try(f); ex != nil {
		return ex
	}
	return nil
}

func (t *thread) targetObject(objIdx int) (*goja.Object, error) {
	o := t.object(objIdx)
	if o == nil {
		return nil, fmt.Errorf("jsbridge: stack index %d is %s, not an object", objIdx, t.typeOf(objIdx))
	}
	return o, nil
}

// getPropString pushes obj[key]. The bool result is false when the property
// does not exist, in which case undefined is pushed.
func (t *thread) getPropString(objIdx int, key []byte) (bool, error) {
	o, err := t.targetObject(objIdx)
	if err != nil {
		return false, err
	}
	var v goja.Value
	if err := t.try(func() { v = o.Get(cesu8.Decode(key)) }); err != nil {
		return false, err
	}
	t.push(v)
	return v != nil, nil
}

// putPropString assigns the value on top of the stack to obj[key] and pops it.
func (t *thread) putPropString(objIdx int, key []byte) error {
	defer t.pop()
	o, err := t.targetObject(objIdx)
	if err != nil {
		return err
	}
	return o.Set(cesu8.Decode(key), t.at(-1))
}

func (t *thread) getPropIndex(objIdx, i int) (bool, error) {
	return t.getPropString(objIdx, indexKey(i))
}

func (t *thread) putPropIndex(objIdx, i int) error {
	return t.putPropString(objIdx, indexKey(i))
}

func indexKey(i int) []byte {
	return strconv.AppendInt(nil, int64(i), 10)
}

// delPropString deletes an own property; it reports whether it existed.
func (t *thread) delPropString(objIdx int, key []byte) (bool, error) {
	o, err := t.targetObject(objIdx)
	if err != nil {
		return false, err
	}
	name := cesu8.Decode(key)
	own, err := t.realm.hasOwn(o, name)
	if err != nil || !own {
		return false, err
	}
	return true, o.Delete(name)
}

// getPropSymbol pushes obj[sym]; it pushes undefined when absent.
func (t *thread) getPropSymbol(objIdx int, sym *goja.Symbol) (bool, error) {
	o, err := t.targetObject(objIdx)
	if err != nil {
		return false, err
	}
	var v goja.Value
	if err := t.try(func() { v = o.GetSymbol(sym) }); err != nil {
		return false, err
	}
	t.push(v)
	return v != nil, nil
}

// defineHidden attaches the value on top of the stack to obj under sym as a
// non-enumerable, read-only property and pops it.
func (t *thread) defineHidden(objIdx int, sym *goja.Symbol) error {
	defer t.pop()
	o, err := t.targetObject(objIdx)
	if err != nil {
		return err
	}
	return o.DefineDataPropertySymbol(sym, t.at(-1), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
}

// pushPath pushes the value of a dotted global name such as "Math.PI".
func (t *thread) pushPath(name string) (bool, error) {
	t.pushGlobal()
	found := true
	for _, part := range splitPath(name) {
		if t.typeOf(-1) != TypeObject {
			t.pop()
			t.pushUndefined()
			return false, nil
		}
		ok, err := t.getPropString(-1, []byte(part))
		if err != nil {
			t.pop()
			return false, err
		}
		t.stack[len(t.stack)-2] = t.stack[len(t.stack)-1]
		t.pop()
		found = ok
	}
	return found, nil
}

func splitPath(name string) []string {
	return strings.Split(name, ".")
}

// call invokes [fn this args...] on top of the stack, replacing them with
// the result, or with the thrown value when an error is returned.
func (t *thread) call(nargs int) error {
	base := len(t.stack) - nargs - 2
	if base < 0 {
		return fmt.Errorf("jsbridge: call needs %d stack values, have %d", nargs+2, len(t.stack))
	}
	fnv, this := t.stack[base], t.stack[base+1]
	args := append([]goja.Value(nil), t.stack[base+2:]...)
	t.setTop(base)

	fn, ok := goja.AssertFunction(fnv)
	if !ok {
		return t.throwTypeError("%s is not a function", typeOfValue(fnv))
	}
	if err := t.enter(); err != nil {
		t.pushUndefined()
		return err
	}
	res, err := fn(this, args...)
	t.leave()
	if err != nil {
		t.push(thrownValue(err))
		return err
	}
	t.push(res)
	return nil
}

// construct invokes [ctor args...] as a constructor call.
func (t *thread) construct(nargs int) error {
	base := len(t.stack) - nargs - 1
	if base < 0 {
		return fmt.Errorf("jsbridge: construct needs %d stack values, have %d", nargs+1, len(t.stack))
	}
	ctorv := t.stack[base]
	args := append([]goja.Value(nil), t.stack[base+1:]...)
	t.setTop(base)

	ctor, ok := goja.AssertConstructor(ctorv)
	if !ok {
		return t.throwTypeError("%s is not a constructor", typeOfValue(ctorv))
	}
	if err := t.enter(); err != nil {
		t.pushUndefined()
		return err
	}
	obj, err := ctor(nil, args...)
	t.leave()
	if err != nil {
		t.push(thrownValue(err))
		return err
	}
	t.push(obj)
	return nil
}

// throwTypeError raises a TypeError the way the engine would, leaving it on
// top of the stack.
func (t *thread) throwTypeError(format string, args ...any) error {
	vm := t.vm()
	err := t.try(func() { panic(vm.NewTypeError("%s", fmt.Sprintf(format, args...))) })
	t.push(thrownValue(err))
	return err
}

func thrownValue(err error) goja.Value {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.Value()
	}
	return goja.Undefined()
}

// compile pushes a function that runs src as program code. Nothing is
// pushed on a syntax error.
func (t *thread) compile(src, name string, strict bool) error {
	prg, err := compileProgram(name, src, strict)
	if err != nil {
		return err
	}
	vm := t.vm()
	t.push(vm.ToValue(func(goja.FunctionCall) goja.Value {
		v, err := vm.RunProgram(prg)
		if err != nil {
			panic(err)
		}
		return v
	}))
	return nil
}

// compileProgram parses src separately so syntax errors keep their
// position.
func compileProgram(name, src string, strict bool) (*goja.Program, error) {
	ast, err := parser.ParseFile(nil, name, src, 0)
	if err != nil {
		return nil, asSyntaxError(err, name)
	}
	prg, err := goja.CompileAST(ast, strict)
	if err != nil {
		return nil, asSyntaxError(err, name)
	}
	return prg, nil
}

// heapPtr returns the identity of the object at idx, or nil.
func (t *thread) heapPtr(idx int) *goja.Object { return t.object(idx) }

// className returns the class of o. Revoked engine proxies throw here.
func (t *thread) className(o *goja.Object) (class string, err error) {
	err = t.try(func() { class = o.ClassName() })
	return class, err
}

func isCallable(v goja.Value) bool {
	_, ok := goja.AssertFunction(v)
	return ok
}
