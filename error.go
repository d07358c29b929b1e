package jsbridge

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
)

var (
	ErrClosed              = errors.New("jsbridge: runtime closed")
	ErrReleased            = errors.New("jsbridge: proxy released")
	ErrSuspended           = errors.New("jsbridge: context suspended")
	ErrNotRunning          = errors.New("jsbridge: context has no call in flight")
	ErrResumeMismatch      = errors.New("jsbridge: suspension does not match context")
	ErrContextDestroyed    = errors.New("jsbridge: context destroyed")
	ErrExecuteTimeout      = errors.New("jsbridge: execution timeout")
	ErrKeyNotFound         = errors.New("jsbridge: key not found")
	ErrIndexOutOfRange     = errors.New("jsbridge: index out of range")
	ErrConstructorNotFound = errors.New("jsbridge: constructor not found")
)

// Error represents a JavaScript error instance decoded into Go.
type Error struct {
	Name    string // Error name (e.g., "TypeError", "ReferenceError")
	Message string // Error message
	Cause   string // String form of the error's cause property
	Stack   string // Stack trace
}

// Error implements the error interface.
func (err *Error) Error() string {
	if err.Cause != "" {
		return fmt.Sprintf("%s: %s (cause: %s)", err.Name, err.Message, err.Cause)
	}
	return fmt.Sprintf("%s: %s", err.Name, err.Message)
}

// ScriptError is returned when script execution throws. Value holds the
// decoded thrown value and Stack the script stack trace. Unwrap yields the
// thrown error: the original Go error for errors raised by host functions,
// otherwise an *Error or *HostError.
type ScriptError struct {
	Message string
	Stack   string
	Value   any
	err     error

	thrown goja.Value // rethrown as is when the error passes back into script
	realm  *realm
}

func (e *ScriptError) Error() string { return e.Message }

func (e *ScriptError) Unwrap() error { return e.err }

func newScriptError(value any, stack string, cause error) *ScriptError {
	if cause == nil {
		if err, ok := value.(error); ok {
			cause = err
		}
	}
	var msg string
	switch {
	case cause != nil:
		msg = cause.Error()
	default:
		msg = fmt.Sprintf("Uncaught %v", value)
	}
	return &ScriptError{Message: msg, Stack: stack, Value: value, err: cause}
}

// SyntaxError is returned when source text fails to compile.
type SyntaxError struct {
	File    string
	Line    int
	Column  int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("SyntaxError: %s (%s:%d:%d)", e.Message, e.File, e.Line, e.Column)
}

// asSyntaxError normalises the compile errors goja produces.
func asSyntaxError(err error, file string) error {
	var list parser.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		pos := list[0].Position
		name := pos.Filename
		if name == "" {
			name = file
		}
		return &SyntaxError{File: name, Line: pos.Line, Column: pos.Column, Message: list[0].Message}
	}
	var perr *parser.Error
	if errors.As(err, &perr) {
		return &SyntaxError{File: file, Line: perr.Position.Line, Column: perr.Position.Column, Message: perr.Message}
	}
	var cerr *goja.CompilerSyntaxError
	if errors.As(err, &cerr) {
		se := &SyntaxError{File: file, Message: cerr.Message}
		if cerr.File != nil {
			pos := cerr.File.Position(cerr.Offset)
			se.Line, se.Column = pos.Line, pos.Column
			if pos.Filename != "" {
				se.File = pos.Filename
			}
		}
		return se
	}
	return err
}

// Phase indicates the direction a conversion failed in.
type Phase string

const (
	PhaseEncode Phase = "encode" // Go to script
	PhaseDecode Phase = "decode" // script to Go
)

// Kind categorizes a conversion failure.
type Kind string

const (
	KindUnsupported  Kind = "unsupported"
	KindCycle        Kind = "cycle"
	KindForeignRealm Kind = "foreign_realm"
	KindOverflow     Kind = "overflow"
	KindTypeMismatch Kind = "type_mismatch"
)

// ConversionError reports a value with no counterpart on the other side of
// the bridge.
type ConversionError struct {
	Value      any
	Cause      error
	Phase      Phase
	Kind       Kind
	GoType     string
	ScriptType string
	Detail     string
	Path       []string
}

func (e *ConversionError) Error() string {
	var b strings.Builder

	b.WriteString("jsbridge: [")
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.GoType != "" || e.ScriptType != "" {
		b.WriteString(": ")
		switch {
		case e.GoType != "" && e.ScriptType != "":
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
			b.WriteString(", script type ")
			b.WriteString(e.ScriptType)
		case e.GoType != "":
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
		default:
			b.WriteString("script type ")
			b.WriteString(e.ScriptType)
		}
	}

	if e.Detail != "" {
		if e.GoType != "" || e.ScriptType != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

func (e *ConversionError) Unwrap() error { return e.Cause }

// Is matches another *ConversionError with the same Phase and Kind. Empty
// fields in the target act as wildcards.
func (e *ConversionError) Is(target error) bool {
	t, ok := target.(*ConversionError)
	if !ok {
		return false
	}
	return (t.Phase == "" || t.Phase == e.Phase) && (t.Kind == "" || t.Kind == e.Kind)
}

type conversionBuilder struct {
	err ConversionError
}

func conversion(phase Phase, kind Kind) *conversionBuilder {
	return &conversionBuilder{err: ConversionError{Phase: phase, Kind: kind}}
}

func (b *conversionBuilder) path(path []string) *conversionBuilder {
	if len(path) > 0 {
		b.err.Path = append([]string(nil), path...)
	}
	return b
}

func (b *conversionBuilder) goType(v any) *conversionBuilder {
	if t, ok := v.(reflect.Type); ok {
		b.err.GoType = t.String()
	} else if v != nil {
		b.err.GoType = reflect.TypeOf(v).String()
	}
	return b
}

func (b *conversionBuilder) scriptType(t string) *conversionBuilder {
	b.err.ScriptType = t
	return b
}

func (b *conversionBuilder) value(v any) *conversionBuilder {
	b.err.Value = v
	return b
}

func (b *conversionBuilder) cause(err error) *conversionBuilder {
	b.err.Cause = err
	return b
}

func (b *conversionBuilder) detail(msg string, args ...any) *conversionBuilder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

func (b *conversionBuilder) build() *ConversionError {
	return &b.err
}

// KeyNotFoundError is returned by object proxies for missing keys.
type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("jsbridge: key not found: %q", e.Key)
}

func (e *KeyNotFoundError) Is(target error) bool { return target == ErrKeyNotFound }

// IndexOutOfRangeError is returned by array proxies for indices outside the
// current length.
type IndexOutOfRangeError struct {
	Index  int
	Length int
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("jsbridge: index %d out of range [0:%d]", e.Index, e.Length)
}

func (e *IndexOutOfRangeError) Is(target error) bool { return target == ErrIndexOutOfRange }

// ConstructorNotFoundError is returned when a dotted global name used as a
// constructor or type does not resolve to a function.
type ConstructorNotFoundError struct {
	Name string
}

func (e *ConstructorNotFoundError) Error() string {
	return fmt.Sprintf("jsbridge: constructor not found: %s", e.Name)
}

func (e *ConstructorNotFoundError) Is(target error) bool { return target == ErrConstructorNotFound }

// HostError stands in for a Go error that crossed into script and came back
// without a registered way to rebuild its original type.
type HostError struct {
	Type    string
	Message string
	Args    []any
}

func (e *HostError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ArgsError is implemented by errors that can report the positional
// arguments they were constructed with. The arguments travel with the error
// into script and are passed to the registered ErrorFactory on the way back.
type ArgsError interface {
	error
	ErrorArgs() []any
}

// ErrorFactory rebuilds an error from its positional arguments.
type ErrorFactory func(args []any) error

// ErrorTypeName returns the qualified type name used to tag err in script,
// e.g. "*fs.PathError".
func ErrorTypeName(err error) string {
	if err == nil {
		return ""
	}
	return reflect.TypeOf(err).String()
}

func errorArgs(err error) []any {
	if a, ok := err.(ArgsError); ok {
		return a.ErrorArgs()
	}
	return []any{err.Error()}
}
