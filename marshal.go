package jsbridge

import (
	"bytes"
	"errors"
	"math"
	"math/big"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/buke/jsbridge/internal/cesu8"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// maxDepth bounds the nesting the encoder and decoder follow.
const maxDepth = 1000

type encoder struct {
	t     *thread
	path  []string
	seen  map[uintptr]struct{}
	depth int
	noExt bool
}

// pushValue encodes v and pushes exactly one value, or nothing on error.
func (t *thread) pushValue(v any) error {
	e := &encoder{t: t}
	return e.encode(v)
}

// encodeStep pushes v and reports true when it handles v.
type encodeStep func(e *encoder, v any, rv reflect.Value) (bool, error)

var encodeSteps []encodeStep

func init() {
	encodeSteps = []encodeStep{
		(*encoder).encodeMarshaler,
		(*encoder).encodeNil,
		(*encoder).encodeString,
		(*encoder).encodeBool,
		(*encoder).encodeNumber,
		(*encoder).encodeSequence,
		(*encoder).encodeMapping,
		(*encoder).encodeTime,
		(*encoder).encodeNew,
		(*encoder).encodeCallable,
		(*encoder).encodeProxy,
		(*encoder).encodeExtension,
		(*encoder).encodeError,
		(*encoder).encodeStruct,
	}
}

func (e *encoder) encode(v any) error {
	if e.depth >= maxDepth {
		return conversion(PhaseEncode, KindUnsupported).
			path(e.path).
			goType(v).
			detail("nesting deeper than %d levels", maxDepth).
			build()
	}
	e.depth++
	defer func() { e.depth-- }()

	rv := reflect.ValueOf(v)
	for _, step := range encodeSteps {
		if ok, err := step(e, v, rv); ok || err != nil {
			return err
		}
	}
	return conversion(PhaseEncode, KindUnsupported).path(e.path).goType(v).value(v).build()
}

// indirect follows non-nil pointers and interfaces.
func indirect(rv reflect.Value) reflect.Value {
	for rv.IsValid() && (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) && !rv.IsNil() {
		rv = rv.Elem()
	}
	return rv
}

func (e *encoder) encodeMarshaler(v any, rv reflect.Value) (bool, error) {
	m, ok := v.(Marshaler)
	if !ok || (rv.Kind() == reflect.Pointer && rv.IsNil()) {
		return false, nil
	}
	sub, err := m.MarshalJS()
	if err != nil {
		return true, conversion(PhaseEncode, KindUnsupported).
			path(e.path).
			goType(v).
			cause(err).
			detail("MarshalJS failed").
			build()
	}
	if _, again := sub.(Marshaler); again {
		return true, conversion(PhaseEncode, KindUnsupported).
			path(e.path).
			goType(v).
			detail("MarshalJS returned another Marshaler").
			build()
	}
	return true, e.encode(sub)
}

func (e *encoder) encodeNil(v any, rv reflect.Value) (bool, error) {
	if v == nil {
		e.t.pushNull()
		return true, nil
	}
	if _, ok := v.(undefinedValue); ok {
		e.t.pushUndefined()
		return true, nil
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		if rv.IsNil() {
			e.t.pushNull()
			return true, nil
		}
	}
	return false, nil
}

func (e *encoder) encodeString(_ any, rv reflect.Value) (bool, error) {
	rv = indirect(rv)
	if rv.Kind() != reflect.String {
		return false, nil
	}
	e.t.pushString(cesu8.Encode(rv.String()))
	return true, nil
}

func (e *encoder) encodeBool(_ any, rv reflect.Value) (bool, error) {
	rv = indirect(rv)
	if rv.Kind() != reflect.Bool {
		return false, nil
	}
	e.t.pushBool(rv.Bool())
	return true, nil
}

func (e *encoder) encodeNumber(v any, rv reflect.Value) (bool, error) {
	if b, ok := v.(*big.Int); ok {
		e.t.pushBigInt(b)
		return true, nil
	}
	rv = indirect(rv)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.t.pushInt(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if u := rv.Uint(); u <= math.MaxInt64 {
			e.t.pushInt(int64(u))
		} else {
			e.t.pushNumber(float64(u))
		}
	case reflect.Float32, reflect.Float64:
		e.t.pushNumber(rv.Float())
	default:
		return false, nil
	}
	return true, nil
}

// enterContainer guards against cycles through reference-typed containers.
func (e *encoder) enterContainer(v any, ptr uintptr) error {
	if ptr == 0 {
		return nil
	}
	if _, ok := e.seen[ptr]; ok {
		return conversion(PhaseEncode, KindCycle).
			path(e.path).
			goType(v).
			detail("value refers to itself").
			build()
	}
	if e.seen == nil {
		e.seen = make(map[uintptr]struct{})
	}
	e.seen[ptr] = struct{}{}
	return nil
}

func (e *encoder) encodeSequence(v any, rv reflect.Value) (bool, error) {
	rv = indirect(rv)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			e.t.pushBytes(rv.Bytes())
			return true, nil
		}
		ptr := uintptr(0)
		if rv.Len() > 0 {
			ptr = rv.Pointer()
		}
		if err := e.enterContainer(v, ptr); err != nil {
			return true, err
		}
		defer delete(e.seen, ptr)
	case reflect.Array:
	default:
		return false, nil
	}

	t := e.t
	t.pushArray()
	for i := 0; i < rv.Len(); i++ {
		e.path = append(e.path, strconv.Itoa(i))
		err := e.encodeElem(rv.Index(i))
		if err == nil {
			err = t.putPropIndex(-2, i)
		}
		e.path = e.path[:len(e.path)-1]
		if err != nil {
			t.pop()
			return true, err
		}
	}
	return true, nil
}

func (e *encoder) encodeElem(rv reflect.Value) error {
	if !rv.CanInterface() {
		return conversion(PhaseEncode, KindUnsupported).
			path(e.path).
			goType(rv.Type()).
			detail("unexported value").
			build()
	}
	return e.encode(rv.Interface())
}

func (e *encoder) encodeMapping(v any, rv reflect.Value) (bool, error) {
	rv = indirect(rv)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return false, nil
	}
	ptr := rv.Pointer()
	if err := e.enterContainer(v, ptr); err != nil {
		return true, err
	}
	defer delete(e.seen, ptr)

	keys := rv.MapKeys()
	slices.SortFunc(keys, func(a, b reflect.Value) int { return strings.Compare(a.String(), b.String()) })

	t := e.t
	t.pushObject()
	for _, k := range keys {
		e.path = append(e.path, k.String())
		err := e.encodeElem(rv.MapIndex(k))
		if err == nil {
			err = t.putPropString(-2, cesu8.Encode(k.String()))
		}
		e.path = e.path[:len(e.path)-1]
		if err != nil {
			t.pop()
			return true, err
		}
	}
	return true, nil
}

func (e *encoder) encodeTime(v any, rv reflect.Value) (bool, error) {
	rv = indirect(rv)
	if !rv.IsValid() || rv.Kind() != reflect.Struct || !rv.CanInterface() {
		return false, nil
	}
	micros, kind, ok := dateMicros(rv.Interface())
	if !ok {
		return false, nil
	}
	return true, e.t.pushDate(micros, kind)
}

func (e *encoder) encodeNew(v any, _ reflect.Value) (bool, error) {
	var n New
	switch x := v.(type) {
	case New:
		n = x
	case *New:
		n = *x
	default:
		return false, nil
	}
	return true, e.construct(n.Name, n.Args)
}

// construct pushes new <name>(args...) for a dotted global name.
func (e *encoder) construct(name string, args []any) error {
	t := e.t
	base := t.top()
	found, err := t.pushPath(name)
	if err != nil {
		return t.wrapAccessError(err)
	}
	if _, ok := goja.AssertConstructor(t.at(-1)); !found || !ok {
		t.setTop(base)
		return &ConstructorNotFoundError{Name: name}
	}
	for i, a := range args {
		e.path = append(e.path, name+"#"+strconv.Itoa(i))
		err := e.encode(a)
		e.path = e.path[:len(e.path)-1]
		if err != nil {
			t.setTop(base)
			return err
		}
	}
	if err := t.construct(len(args)); err != nil {
		return t.raise(err)
	}
	return nil
}

func (e *encoder) encodeCallable(v any, rv reflect.Value) (bool, error) {
	switch fn := v.(type) {
	case Func:
		return true, e.t.pushHostFunc(fn, -1)
	case HostFunc:
		return true, e.t.pushHostFunc(fn.Fn, fn.Arity)
	case *HostFunc:
		return true, e.t.pushHostFunc(fn.Fn, fn.Arity)
	}
	if rv.Kind() == reflect.Func {
		return true, e.t.pushHostFunc(v, -1)
	}
	return false, nil
}

func (e *encoder) encodeProxy(v any, _ reflect.Value) (bool, error) {
	p, ok := v.(Proxy)
	if !ok {
		return false, nil
	}
	ref := p.proxy()
	if ref == nil {
		return false, nil
	}
	if ref.rt != e.t.rt || ref.realm != e.t.realm {
		return true, conversion(PhaseEncode, KindForeignRealm).
			path(e.path).
			goType(v).
			detail("proxy belongs to another runtime or isolated context").
			build()
	}
	if ref.rt.closed {
		return true, ErrClosed
	}
	if ref.released || !e.t.resolveRef(ref.id) {
		return true, ErrReleased
	}
	return true, nil
}

func (e *encoder) encodeExtension(v any, _ reflect.Value) (bool, error) {
	hook := e.t.rt.opts.encodeHook
	if e.noExt || hook == nil {
		return false, nil
	}
	sub, ok, err := hook(v, encodeHelper{e.t})
	if err != nil {
		return true, conversion(PhaseEncode, KindUnsupported).
			path(e.path).
			goType(v).
			cause(err).
			detail("encode hook failed").
			build()
	}
	if !ok {
		return false, nil
	}

	base := e.t.top()
	e.noExt = true
	err = e.encode(sub)
	e.noExt = false
	if err == nil {
		return true, nil
	}
	e.t.setTop(base)
	e.t.rt.log.Debug("encode hook substitute rejected", zap.Strings("path", e.path), zap.Error(err))
	return false, nil
}

func (e *encoder) encodeError(v any, _ reflect.Value) (bool, error) {
	err, ok := v.(error)
	if !ok {
		return false, nil
	}
	return true, e.t.pushHostError(err)
}

func (e *encoder) encodeStruct(v any, rv reflect.Value) (bool, error) {
	rv = indirect(rv)
	if rv.Kind() != reflect.Struct {
		return false, nil
	}

	t := e.t
	t.pushObject()
	for _, f := range structFields(rv.Type()) {
		fv := rv.Field(f.index)
		if f.omitEmpty && fv.IsZero() {
			continue
		}
		e.path = append(e.path, f.name)
		err := e.encodeElem(fv)
		if err == nil {
			err = t.putPropString(-2, cesu8.Encode(f.name))
		}
		e.path = e.path[:len(e.path)-1]
		if err != nil {
			t.pop()
			return true, err
		}
	}
	return true, nil
}

type structField struct {
	index     int
	name      string
	omitEmpty bool
}

// structFields lists the exported fields of a struct type with their script
// names, honouring js and then json tags.
func structFields(typ reflect.Type) []structField {
	fields := make([]structField, 0, typ.NumField())
	for i := 0; i < typ.NumField(); i++ {
		sf := typ.Field(i)
		if !sf.IsExported() {
			continue
		}
		f := structField{index: i, name: sf.Name}
		tag, ok := sf.Tag.Lookup("js")
		if !ok {
			tag, ok = sf.Tag.Lookup("json")
		}
		if ok {
			if tag == "-" {
				continue
			}
			name, opts, _ := strings.Cut(tag, ",")
			if name != "" {
				f.name = name
			}
			f.omitEmpty = slices.Contains(strings.Split(opts, ","), "omitempty")
		}
		fields = append(fields, f)
	}
	return fields
}

// pushHostError pushes an Error instance tagged with the Go type name and
// positional args of err.
func (t *thread) pushHostError(err error) error {
	if se, ok := err.(*Error); ok {
		return t.pushScriptError(se)
	}
	base := t.top()
	name := ErrorTypeName(err)

	t.push(t.realm.errorCtor)
	t.pushString(cesu8.Encode(err.Error()))
	if cerr := t.construct(1); cerr != nil {
		return t.raise(cerr)
	}
	fail := func(err error) error {
		t.setTop(base)
		return err
	}

	t.pushString(cesu8.Encode(name))
	if err := t.putPropString(-2, []byte("name")); err != nil {
		return fail(err)
	}
	t.pushString(cesu8.Encode(name))
	if err := t.defineHidden(-2, t.rt.syms.errType); err != nil {
		return fail(err)
	}
	if aerr := t.pushValue(errorArgs(err)); aerr != nil {
		// the decoder falls back to [message]
		t.rt.log.Debug("error args not encodable", zap.String("type", name), zap.Error(aerr))
		return nil
	}
	if err := t.defineHidden(-2, t.rt.syms.errArgs); err != nil {
		return fail(err)
	}
	return nil
}

// pushScriptError rebuilds a decoded script error as an instance of the
// global constructor named by e.Name, or of Error when there is none.
func (t *thread) pushScriptError(e *Error) error {
	base := t.top()
	fail := func(err error) error {
		t.setTop(base)
		return err
	}

	ctor := t.realm.errorCtor
	if e.Name != "" {
		if found, err := t.pushPath(e.Name); err == nil && found {
			if c := t.object(-1); c != nil && c != ctor {
				if _, ok := goja.AssertConstructor(c); ok {
					ctor = c
				}
			}
		}
		t.setTop(base)
	}

	construct := func(ctor *goja.Object) bool {
		t.push(ctor)
		t.pushString(cesu8.Encode(e.Message))
		if err := t.construct(1); err != nil {
			t.setTop(base)
			return false
		}
		if class, err := t.className(t.object(-1)); err != nil || class != "Error" {
			t.setTop(base)
			return false
		}
		return true
	}
	if !construct(ctor) {
		if ctor == t.realm.errorCtor || !construct(t.realm.errorCtor) {
			return fail(conversion(PhaseEncode, KindUnsupported).
				goType(e).
				detail("cannot construct %s", e.Name).
				build())
		}
	}

	if e.Name != "" {
		found, err := t.getPropString(-1, []byte("name"))
		if err != nil {
			return fail(t.wrapAccessError(err))
		}
		same := found && t.typeOf(-1) == TypeString && cesu8.Decode(t.getString(-1)) == e.Name
		t.pop()
		if !same {
			t.pushString(cesu8.Encode(e.Name))
			if err := t.putPropString(-2, []byte("name")); err != nil {
				return fail(t.wrapAccessError(err))
			}
		}
	}
	if e.Cause != "" {
		t.pushString(cesu8.Encode(e.Cause))
		if err := t.putPropString(-2, []byte("cause")); err != nil {
			return fail(t.wrapAccessError(err))
		}
	}
	if e.Stack != "" {
		t.pushString(cesu8.Encode(e.Stack))
		if err := t.putPropString(-2, []byte("stack")); err != nil {
			return fail(t.wrapAccessError(err))
		}
	}
	return nil
}

type encodeHelper struct {
	t *thread
}

func (h encodeHelper) Construct(name string, args ...any) (*Object, error) {
	t := h.t
	base := t.top()
	defer t.setTop(base)

	e := &encoder{t: t}
	if err := e.construct(name, args); err != nil {
		return nil, err
	}
	if t.typeOf(-1) != TypeObject {
		return nil, conversion(PhaseEncode, KindTypeMismatch).
			scriptType(t.typeOf(-1).String()).
			detail("constructor %s returned a non-object", name).
			build()
	}
	return &Object{t.newRef(-1)}, nil
}

func (h encodeHelper) Type(name string) (*Function, error) {
	t := h.t
	base := t.top()
	defer t.setTop(base)

	found, err := t.pushPath(name)
	if err != nil {
		return nil, t.wrapAccessError(err)
	}
	if _, ok := goja.AssertFunction(t.at(-1)); !found || !ok {
		return nil, &ConstructorNotFoundError{Name: name}
	}
	return &Function{Object{t.newRef(-1)}}, nil
}

type decoder struct {
	t     *thread
	path  []string
	seen  map[*goja.Object]struct{}
	depth int
}

// get decodes the value at idx without changing the stack.
func (t *thread) get(idx int) (any, error) {
	d := &decoder{t: t}
	return d.decode(idx)
}

func (d *decoder) decode(idx int) (any, error) {
	t := d.t
	i, ok := t.absIndex(idx)
	if !ok {
		return nil, &IndexOutOfRangeError{Index: idx, Length: t.top()}
	}
	v := t.stack[i]

	switch typ := typeOfValue(v); typ {
	case TypeBoolean:
		return v.ToBoolean(), nil
	case TypeUndefined, TypeNull:
		return nil, nil
	case TypeNumber:
		return decodeNumber(v), nil
	case TypeString:
		return cesu8.Decode(t.getString(i)), nil
	case TypeBigInt:
		if b, ok := v.Export().(*big.Int); ok {
			return b, nil
		}
		return Unknown{Type: typ, Repr: v.String()}, nil
	case TypeObject:
		if d.depth >= maxDepth {
			return nil, conversion(PhaseDecode, KindUnsupported).
				path(d.path).
				scriptType("object").
				detail("nesting deeper than %d levels", maxDepth).
				build()
		}
		d.depth++
		defer func() { d.depth-- }()
		return d.decodeObject(i, v.(*goja.Object))
	default:
		return Unknown{Type: typ, Repr: v.String()}, nil
	}
}

// decodeNumber maps integral numbers in int64 range to int64 and everything
// else to float64.
func decodeNumber(v goja.Value) any {
	switch n := v.Export().(type) {
	case int64:
		return n
	case float64:
		if n == math.Trunc(n) && n >= -(1<<63) && n < 1<<63 {
			return int64(n)
		}
		return n
	}
	return v.ToFloat()
}

func (d *decoder) decodeObject(idx int, o *goja.Object) (any, error) {
	t := d.t

	// engine Proxy objects run traps (or throw once revoked) on each lookup
	var (
		class string
		buf   []byte
		isBuf bool
		plain bool
	)
	if err := t.try(func() {
		class = o.ClassName()
		if o.ExportType() == reflect.TypeOf(goja.ArrayBuffer{}) {
			if ab, ok := o.Export().(goja.ArrayBuffer); ok {
				buf, isBuf = bytes.Clone(ab.Bytes()), true
				if buf == nil {
					buf = []byte{}
				}
			}
		}
		proto := o.Prototype()
		plain = proto == nil || proto == t.realm.objectProto
	}); err != nil {
		return nil, t.wrapAccessError(err)
	}

	if class == "Date" {
		if v, ok, err := t.getDate(idx, o); err != nil || ok {
			return v, err
		}
	}
	if isBuf {
		return buf, nil
	}
	if class == "Array" {
		return d.decodeArray(idx, o)
	}
	_, callable := goja.AssertFunction(o)
	if !callable && plain {
		if tagged, err := d.isHostError(idx); err != nil || !tagged {
			if err != nil {
				return nil, err
			}
			return d.decodeMap(idx, o)
		}
	}
	if hook := t.rt.opts.decodeHook; hook != nil {
		if v, ok, err := d.decodeHook(hook, idx, o); err != nil || ok {
			return v, err
		}
	}
	if v, ok, err := d.decodeHostError(idx, o); err != nil || ok {
		return v, err
	}
	if class == "Error" {
		return d.decodeError(idx, o)
	}
	return t.newProxy(idx), nil
}

func (d *decoder) enter(o *goja.Object) error {
	if _, ok := d.seen[o]; ok {
		return conversion(PhaseDecode, KindCycle).
			path(d.path).
			scriptType(o.ClassName()).
			detail("object refers to itself").
			build()
	}
	if d.seen == nil {
		d.seen = make(map[*goja.Object]struct{})
	}
	d.seen[o] = struct{}{}
	return nil
}

func (d *decoder) decodeArray(idx int, o *goja.Object) (any, error) {
	if err := d.enter(o); err != nil {
		return nil, err
	}
	defer delete(d.seen, o)

	t := d.t
	n, err := t.length(idx)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		if _, err := t.getPropIndex(idx, i); err != nil {
			return nil, t.wrapAccessError(err)
		}
		d.path = append(d.path, strconv.Itoa(i))
		v, err := d.decode(-1)
		d.path = d.path[:len(d.path)-1]
		t.pop()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *decoder) decodeMap(idx int, o *goja.Object) (any, error) {
	if err := d.enter(o); err != nil {
		return nil, err
	}
	defer delete(d.seen, o)
	return d.ownProps(idx)
}

// ownProps decodes the own enumerable string-keyed properties at idx.
func (d *decoder) ownProps(idx int) (map[string]any, error) {
	t := d.t
	keys, err := t.ownKeys(idx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if _, err := t.getPropString(idx, k); err != nil {
			return nil, t.wrapAccessError(err)
		}
		key := cesu8.Decode(k)
		d.path = append(d.path, key)
		v, err := d.decode(-1)
		d.path = d.path[:len(d.path)-1]
		t.pop()
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func (d *decoder) decodeHook(hook DecodeHook, idx int, o *goja.Object) (any, bool, error) {
	props, err := d.ownProps(idx)
	if err != nil {
		return nil, false, err
	}
	v, ok, err := hook(props, decodeHelper{t: d.t, obj: o})
	if err != nil {
		return nil, false, conversion(PhaseDecode, KindUnsupported).
			path(d.path).
			scriptType(o.ClassName()).
			cause(err).
			detail("decode hook failed").
			build()
	}
	return v, ok, nil
}

// isHostError reports whether the object at idx carries the Go error tag.
func (d *decoder) isHostError(idx int) (bool, error) {
	t := d.t
	found, err := t.getPropSymbol(idx, t.rt.syms.errType)
	t.pop()
	return found, err
}

func (d *decoder) decodeHostError(idx int, o *goja.Object) (any, bool, error) {
	t := d.t
	rt := t.rt
	base := t.top()
	defer t.setTop(base)

	found, err := t.getPropSymbol(idx, rt.syms.errType)
	if err != nil || !found || t.typeOf(-1) != TypeString {
		return nil, false, err
	}
	typeName := cesu8.Decode(t.getString(-1))

	if ok, _ := t.getPropSymbol(idx, rt.syms.errRef); ok && t.typeOf(-1) == TypeNumber {
		if orig, ok := rt.handles.Load(int32(t.at(-1).ToInteger())); ok {
			if err, ok := orig.(error); ok {
				return err, true, nil
			}
		}
	}

	var msg string
	if _, err := t.getPropString(idx, []byte("message")); err == nil && t.typeOf(-1) == TypeString {
		msg = cesu8.Decode(t.getString(-1))
	}
	args := []any{msg}
	if ok, _ := t.getPropSymbol(idx, rt.syms.errArgs); ok {
		v, err := d.decode(-1)
		if err != nil {
			return nil, false, err
		}
		if list, ok := v.([]any); ok {
			args = list
		}
	}

	if f, ok := rt.errorFactory(typeName); ok {
		if rebuilt := f(args); rebuilt != nil {
			return rebuilt, true, nil
		}
	}
	return &HostError{Type: typeName, Message: msg, Args: args}, true, nil
}

func (d *decoder) decodeError(idx int, o *goja.Object) (any, error) {
	t := d.t
	base := t.top()
	defer t.setTop(base)

	str := func(key string) string {
		defer t.setTop(base)
		found, err := t.getPropString(idx, []byte(key))
		if err != nil || !found {
			return ""
		}
		switch t.typeOf(-1) {
		case TypeUndefined, TypeNull:
			return ""
		case TypeString:
			return cesu8.Decode(t.getString(-1))
		}
		return t.at(-1).String()
	}
	return &Error{
		Name:    str("name"),
		Message: str("message"),
		Cause:   str("cause"),
		Stack:   str("stack"),
	}, nil
}

type decodeHelper struct {
	t   *thread
	obj *goja.Object
}

func (h decodeHelper) InstanceOf(name string) (bool, error) {
	t := h.t
	base := t.top()
	defer t.setTop(base)

	found, err := t.pushPath(name)
	if err != nil {
		return false, t.wrapAccessError(err)
	}
	ctor := t.object(-1)
	if !found || ctor == nil {
		return false, &ConstructorNotFoundError{Name: name}
	}
	var res bool
	if err := t.try(func() { res = t.vm().InstanceOf(h.obj, ctor) }); err != nil {
		return false, t.wrapAccessError(err)
	}
	return res, nil
}

func (h decodeHelper) ConstructorName() string {
	var name string
	_ = h.t.try(func() {
		ctor, ok := h.obj.Get("constructor").(*goja.Object)
		if !ok {
			return
		}
		if v := ctor.Get("name"); v != nil {
			name = v.String()
		}
	})
	return name
}

// length returns the length property of the object at idx.
func (t *thread) length(idx int) (int, error) {
	idx, _ = t.absIndex(idx)
	if _, err := t.getPropString(idx, []byte("length")); err != nil {
		return 0, t.wrapAccessError(err)
	}
	defer t.pop()
	return int(t.at(-1).ToInteger()), nil
}

// ownKeys lists the own enumerable string keys of the object at idx in
// enumeration order, as CESU-8.
func (t *thread) ownKeys(idx int) ([][]byte, error) {
	var keys [][]byte
	err := t.forIn(idx, func() bool {
		keys = append(keys, t.getString(-1))
		return true
	})
	return keys, err
}

// forIn runs the realm's for-in generator over the object at idx, pushing
// each key before calling yield and popping it afterwards.
func (t *thread) forIn(idx int, yield func() bool) error {
	idx, _ = t.absIndex(idx)
	base := t.top()
	defer t.setTop(base)

	t.push(t.realm.forInFn)
	t.pushUndefined()
	t.push(t.at(idx))
	if err := t.call(1); err != nil {
		return t.raise(err)
	}
	gen := t.top() - 1
	if _, err := t.getPropString(gen, []byte("next")); err != nil {
		return t.wrapAccessError(err)
	}
	next := t.top() - 1

	for {
		t.push(t.at(next))
		t.push(t.at(gen))
		if err := t.call(0); err != nil {
			return t.raise(err)
		}
		step := t.top() - 1
		if _, err := t.getPropString(step, []byte("done")); err != nil {
			return t.wrapAccessError(err)
		}
		done := t.at(-1).ToBoolean()
		t.pop()
		if done {
			return nil
		}
		if _, err := t.getPropString(step, []byte("value")); err != nil {
			return t.wrapAccessError(err)
		}
		more := yield()
		t.setTop(step)
		if !more {
			return nil
		}
	}
}

// raise converts the error of a failed call into the error returned to the
// host, consuming the thrown value on top of the stack.
func (t *thread) raise(err error) error {
	defer t.pop()

	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		return &ScriptError{Message: ie.Error(), Stack: stackText(ie.Stack()), err: ie}
	}
	var so *goja.StackOverflowError
	if errors.As(err, &so) {
		return &ScriptError{Message: "RangeError: Maximum call stack size exceeded", Stack: stackText(so.Stack()), err: so}
	}
	var ex *goja.Exception
	if !errors.As(err, &ex) {
		return err
	}

	v, derr := t.get(-1)
	if derr != nil {
		t.rt.log.Debug("thrown value not decodable", zap.Error(derr))
		v = Unknown{Type: t.typeOf(-1), Repr: t.at(-1).String()}
	}
	se := newScriptError(v, stackText(ex.Stack()), nil)
	se.thrown, se.realm = ex.Value(), t.realm
	return se
}

func stackText(frames []goja.StackFrame) string {
	var b bytes.Buffer
	for i := range frames {
		b.WriteString("\tat ")
		frames[i].Write(&b)
		b.WriteByte('\n')
	}
	return b.String()
}
