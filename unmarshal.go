package jsbridge

import (
	"math"
	"math/big"
	"reflect"
	"strconv"
	"time"
)

// Unmarshaler is the interface implemented by types that convert a decoded
// script value into themselves.
type Unmarshaler interface {
	UnmarshalJS(v any) error
}

// Unmarshal stores a decoded value (as returned by Eval, Get or a proxy) in
// the value pointed to by dst, converting between the decoder's shapes and
// dst's type: []any into slices and arrays, map[string]any into maps and
// structs, int64/float64/*big.Int into any numeric kind with overflow checks.
func Unmarshal(src any, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return conversion(PhaseDecode, KindUnsupported).
			goType(dst).
			detail("Unmarshal needs a non-nil pointer").
			build()
	}
	return unmarshalValue(src, rv.Elem(), nil)
}

var timeType = reflect.TypeOf(time.Time{})

func unmarshalValue(src any, dst reflect.Value, path []string) error {
	if dst.CanAddr() {
		if u, ok := dst.Addr().Interface().(Unmarshaler); ok {
			return u.UnmarshalJS(src)
		}
	}

	if src == nil {
		dst.SetZero()
		return nil
	}
	sv := reflect.ValueOf(src)
	if sv.Type().AssignableTo(dst.Type()) {
		dst.Set(sv)
		return nil
	}

	mismatch := func() error {
		return conversion(PhaseDecode, KindTypeMismatch).
			path(path).
			goType(dst.Type()).
			scriptType(scriptTypeOf(src)).
			value(src).
			build()
	}
	overflow := func() error {
		return conversion(PhaseDecode, KindOverflow).
			path(path).
			goType(dst.Type()).
			scriptType(scriptTypeOf(src)).
			value(src).
			detail("%v does not fit", src).
			build()
	}

	switch dst.Kind() {
	case reflect.Pointer:
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return unmarshalValue(src, dst.Elem(), path)

	case reflect.Interface:
		return mismatch()

	case reflect.Bool:
		b, ok := src.(bool)
		if !ok {
			return mismatch()
		}
		dst.SetBool(b)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var i int64
		switch n := src.(type) {
		case int64:
			i = n
		case float64:
			if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
				return overflow()
			}
			i = int64(n)
		case *big.Int:
			if !n.IsInt64() {
				return overflow()
			}
			i = n.Int64()
		default:
			return mismatch()
		}
		if dst.OverflowInt(i) {
			return overflow()
		}
		dst.SetInt(i)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		var u uint64
		switch n := src.(type) {
		case int64:
			if n < 0 {
				return overflow()
			}
			u = uint64(n)
		case float64:
			if n != math.Trunc(n) || n < 0 || n >= math.MaxUint64 {
				return overflow()
			}
			u = uint64(n)
		case *big.Int:
			if !n.IsUint64() {
				return overflow()
			}
			u = n.Uint64()
		default:
			return mismatch()
		}
		if dst.OverflowUint(u) {
			return overflow()
		}
		dst.SetUint(u)

	case reflect.Float32, reflect.Float64:
		var f float64
		switch n := src.(type) {
		case int64:
			f = float64(n)
		case float64:
			f = n
		case *big.Int:
			f, _ = new(big.Float).SetInt(n).Float64()
		default:
			return mismatch()
		}
		if dst.OverflowFloat(f) && !math.IsInf(f, 0) {
			return overflow()
		}
		dst.SetFloat(f)

	case reflect.String:
		s, ok := src.(string)
		if !ok {
			return mismatch()
		}
		dst.SetString(s)

	case reflect.Slice:
		if b, ok := src.([]byte); ok && dst.Type().Elem().Kind() == reflect.Uint8 {
			dst.SetBytes(append([]byte(nil), b...))
			return nil
		}
		list, ok := src.([]any)
		if !ok {
			return mismatch()
		}
		out := reflect.MakeSlice(dst.Type(), len(list), len(list))
		for i, v := range list {
			if err := unmarshalValue(v, out.Index(i), append(path, strconv.Itoa(i))); err != nil {
				return err
			}
		}
		dst.Set(out)

	case reflect.Array:
		list, ok := src.([]any)
		if !ok {
			return mismatch()
		}
		dst.SetZero()
		for i := 0; i < min(len(list), dst.Len()); i++ {
			if err := unmarshalValue(list[i], dst.Index(i), append(path, strconv.Itoa(i))); err != nil {
				return err
			}
		}

	case reflect.Map:
		m, ok := src.(map[string]any)
		if !ok {
			return mismatch()
		}
		typ := dst.Type()
		if dst.IsNil() {
			dst.Set(reflect.MakeMapWithSize(typ, len(m)))
		}
		for k, v := range m {
			key := reflect.New(typ.Key()).Elem()
			switch typ.Key().Kind() {
			case reflect.String:
				key.SetString(k)
			case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
				n, err := strconv.ParseInt(k, 10, typ.Key().Bits())
				if err != nil {
					return conversion(PhaseDecode, KindTypeMismatch).
						path(append(path, k)).
						goType(typ.Key()).
						scriptType("string").
						cause(err).
						build()
				}
				key.SetInt(n)
			default:
				return mismatch()
			}
			elem := reflect.New(typ.Elem()).Elem()
			if err := unmarshalValue(v, elem, append(path, k)); err != nil {
				return err
			}
			dst.SetMapIndex(key, elem)
		}

	case reflect.Struct:
		if dst.Type() == timeType {
			switch d := src.(type) {
			case Date:
				dst.Set(reflect.ValueOf(d.Time()))
				return nil
			case TimeOfDay:
				dst.Set(reflect.ValueOf(time.UnixMicro(d.micros()).UTC()))
				return nil
			}
			return mismatch()
		}
		m, ok := src.(map[string]any)
		if !ok {
			return mismatch()
		}
		for _, f := range structFields(dst.Type()) {
			v, ok := m[f.name]
			if !ok {
				continue
			}
			if err := unmarshalValue(v, dst.Field(f.index), append(path, f.name)); err != nil {
				return err
			}
		}

	case reflect.Func:
		fn, ok := src.(*Function)
		if !ok {
			return mismatch()
		}
		dst.Set(makeScriptFunc(fn, dst.Type()))

	default:
		return mismatch()
	}
	return nil
}

// makeScriptFunc returns a Go func of type typ that calls fn. A trailing
// error result receives call failures; without one they panic.
func makeScriptFunc(fn *Function, typ reflect.Type) reflect.Value {
	return reflect.MakeFunc(typ, func(in []reflect.Value) []reflect.Value {
		args := make([]any, 0, len(in))
		for i, v := range in {
			if typ.IsVariadic() && i == len(in)-1 {
				for j := 0; j < v.Len(); j++ {
					args = append(args, v.Index(j).Interface())
				}
				continue
			}
			args = append(args, v.Interface())
		}

		res, err := fn.Call(args...)
		out := make([]reflect.Value, typ.NumOut())
		for i := range out {
			out[i] = reflect.New(typ.Out(i)).Elem()
		}
		n := len(out)
		withErr := n > 0 && typ.Out(n-1) == errorType
		if err == nil && n > 0 && !(withErr && n == 1) {
			err = unmarshalValue(res, out[0], nil)
		}
		if err != nil {
			if !withErr {
				panic(err)
			}
			out[n-1] = reflect.ValueOf(&err).Elem()
		}
		return out
	})
}

// scriptTypeOf names the script type a decoded value came from.
func scriptTypeOf(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case int64, float64:
		return "number"
	case string:
		return "string"
	case *big.Int:
		return "bigint"
	case []byte:
		return "ArrayBuffer"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case time.Time, Date, TimeOfDay:
		return "Date"
	case *Function:
		return "function"
	case *Array:
		return "array"
	case *Object:
		return "object"
	case error:
		return "Error"
	case Unknown:
		return x.Type.String()
	}
	return reflect.TypeOf(v).String()
}
