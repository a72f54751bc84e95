package lookup

import (
	"context"
	"reflect"
	"strings"

	"easy-rpc/rpcerr"
)

// builtinTypes resolve without consulting handler signatures. Names are the
// ones reflect.Type.String reports, plus the usual aliases.
var builtinTypes = map[string]reflect.Type{
	"bool":        reflect.TypeFor[bool](),
	"int":         reflect.TypeFor[int](),
	"int8":        reflect.TypeFor[int8](),
	"int16":       reflect.TypeFor[int16](),
	"int32":       reflect.TypeFor[int32](),
	"int64":       reflect.TypeFor[int64](),
	"uint":        reflect.TypeFor[uint](),
	"uint8":       reflect.TypeFor[uint8](),
	"uint16":      reflect.TypeFor[uint16](),
	"uint32":      reflect.TypeFor[uint32](),
	"uint64":      reflect.TypeFor[uint64](),
	"float32":     reflect.TypeFor[float32](),
	"float64":     reflect.TypeFor[float64](),
	"string":      reflect.TypeFor[string](),
	"byte":        reflect.TypeFor[byte](),
	"rune":        reflect.TypeFor[rune](),
	"[]byte":      reflect.TypeFor[[]byte](),
	"[]uint8":     reflect.TypeFor[[]byte](),
	"any":         reflect.TypeFor[any](),
	"interface {}": reflect.TypeFor[any](),
}

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// TypeName is the name a parameter of type t travels under.
func TypeName(t reflect.Type) string {
	return t.String()
}

// collectTypes records every parameter and result type of the exported
// methods of handler, so that named types resolve by their reflect name.
func collectTypes(known map[string]reflect.Type, handler any) {
	t := reflect.TypeOf(handler)
	for i := range t.NumMethod() {
		m := t.Method(i).Type
		for j := 1; j < m.NumIn(); j++ {
			addType(known, m.In(j))
		}
		for j := range m.NumOut() {
			addType(known, m.Out(j))
		}
	}
}

func addType(known map[string]reflect.Type, t reflect.Type) {
	name := TypeName(t)
	if _, ok := known[name]; ok {
		return
	}
	known[name] = t
	switch t.Kind() {
	case reflect.Slice, reflect.Array, reflect.Pointer:
		addType(known, t.Elem())
	case reflect.Map:
		addType(known, t.Key())
		addType(known, t.Elem())
	}
}

// parseType builds composite types out of resolvable element types.
func parseType(name string, elem func(string) (reflect.Type, error)) (reflect.Type, error) {
	switch {
	case strings.HasPrefix(name, "[]"):
		e, err := elem(name[2:])
		if err != nil {
			return nil, err
		}
		return reflect.SliceOf(e), nil
	case strings.HasPrefix(name, "*"):
		e, err := elem(name[1:])
		if err != nil {
			return nil, err
		}
		return reflect.PointerTo(e), nil
	case strings.HasPrefix(name, "map["):
		end := closingBracket(name, len("map"))
		if end < 0 {
			break
		}
		k, err := elem(name[len("map["):end])
		if err != nil {
			return nil, err
		}
		v, err := elem(name[end+1:])
		if err != nil {
			return nil, err
		}
		if !k.Comparable() {
			break
		}
		return reflect.MapOf(k, v), nil
	}
	return nil, rpcerr.Wrapf(rpcerr.ErrResolution, nil, "unknown type %q", name)
}

// closingBracket returns the index of the bracket matching the one at open.
func closingBracket(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
