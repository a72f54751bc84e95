package client

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/juju/errors"

	"easy-rpc/lookup"
)

// Method describes a remote method by the names the server resolves it with.
type Method struct {
	Type       string   // declaring type, the key in the server's handler registry
	Name       string   // method name; a lower camel case name matches the exported one
	ParamTypes []string // reflect names of the parameter types, e.g. "int", "[]string", "calc.Point"
}

// NewMethod builds a descriptor from explicit parameter type names.
func NewMethod(typeName, name string, paramTypes ...string) Method {
	return Method{Type: typeName, Name: name, ParamTypes: slices.Clone(paramTypes)}
}

// MethodOf builds a descriptor whose parameter types are taken from fn, a
// function with the remote method's signature. A leading context.Context is
// skipped, matching the server, which supplies its own.
//
//	add, err := client.MethodOf("Calc", "Add", (*calc.Calc)(nil).Add)
func MethodOf(typeName, name string, fn any) (Method, error) {
	t := reflect.TypeOf(fn)
	if t == nil || t.Kind() != reflect.Func {
		return Method{}, errors.NotValidf("%T as method signature", fn)
	}
	m := Method{Type: typeName, Name: name}
	for i := range t.NumIn() {
		in := t.In(i)
		if i == 0 && in == reflect.TypeFor[context.Context]() {
			continue
		}
		m.ParamTypes = append(m.ParamTypes, lookup.TypeName(in))
	}
	return m, nil
}

func (m Method) String() string {
	return fmt.Sprintf("%s.%s(%s)", m.Type, m.Name, strings.Join(m.ParamTypes, ", "))
}
