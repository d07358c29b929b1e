package jsbridge

import "fmt"

// ValueType is the script-side type of a value on a context's stack.
type ValueType int

const (
	TypeNone ValueType = iota // no value at the index
	TypeUndefined
	TypeNull
	TypeBoolean
	TypeNumber
	TypeString
	TypeBigInt
	TypeSymbol
	TypeObject
)

func (t ValueType) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeUndefined:
		return "undefined"
	case TypeNull:
		return "null"
	case TypeBoolean:
		return "boolean"
	case TypeNumber:
		return "number"
	case TypeString:
		return "string"
	case TypeBigInt:
		return "bigint"
	case TypeSymbol:
		return "symbol"
	case TypeObject:
		return "object"
	}
	return fmt.Sprintf("ValueType(%d)", int(t))
}

type undefinedValue struct{}

func (undefinedValue) String() string { return "undefined" }

// Undefined encodes to the script undefined value. Decoding undefined
// yields nil.
var Undefined = undefinedValue{}

// Unknown is returned by the decoder for script values outside the
// convertible set, such as symbols.
type Unknown struct {
	Type ValueType
	Repr string
}

func (u Unknown) String() string {
	return fmt.Sprintf("<unknown %s %s>", u.Type, u.Repr)
}

// New asks the encoder to invoke the global constructor Name with Args and
// use the result.
type New struct {
	Name string
	Args []any
}

// NewInstance returns a New request for the dotted constructor name.
func NewInstance(name string, args ...any) New {
	return New{Name: name, Args: args}
}

// Func is the native signature for Go functions exposed to script. The
// context is the one the call runs in.
type Func func(c *Context, args ...any) (any, error)

// HostFunc wraps a Go function with a fixed arity. Fn is a Func or any Go
// function value. With Arity >= 0 the function always receives exactly Arity
// arguments: missing ones are undefined and extra ones are dropped.
type HostFunc struct {
	Fn    any
	Arity int
}

// WithArity returns fn wrapped with a fixed arity.
func WithArity(fn any, arity int) HostFunc {
	return HostFunc{Fn: fn, Arity: arity}
}

// Marshaler is the interface implemented by types that can replace themselves
// with a value the encoder understands.
type Marshaler interface {
	MarshalJS() (any, error)
}

// EncodeHelper is handed to an EncodeHook.
type EncodeHelper interface {
	// Construct invokes the global constructor name with args.
	Construct(name string, args ...any) (*Object, error)
	// Type returns the global constructor name.
	Type(name string) (*Function, error)
}

// EncodeHook may substitute a value the encoder cannot handle. It returns
// ok=false to decline.
type EncodeHook func(v any, h EncodeHelper) (sub any, ok bool, err error)

// DecodeHelper is handed to a DecodeHook and describes the object being
// decoded.
type DecodeHelper interface {
	// InstanceOf reports whether the object is an instance of the global
	// constructor at the dotted name.
	InstanceOf(name string) (bool, error)
	// ConstructorName returns the name of the object's constructor, if any.
	ConstructorName() string
}

// DecodeHook may substitute the Go value for a non-plain script object. It
// receives the object's own enumerable properties already decoded and
// returns ok=false to decline.
type DecodeHook func(props map[string]any, h DecodeHelper) (sub any, ok bool, err error)
