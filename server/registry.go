package server

import (
	"reflect"

	"github.com/juju/errors"
)

// Registry is the fixed mapping from declaring type name to handler. It is
// read once when the server is built; later changes are not seen.
type Registry map[string]any

// NewRegistry registers each receiver under its type name, so &Calc{} is
// served as "Calc". Receivers must be named types, optionally behind a pointer.
func NewRegistry(rcvrs ...any) (Registry, error) {
	r := make(Registry, len(rcvrs))
	for _, rcvr := range rcvrs {
		if err := r.Add("", rcvr); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers rcvr under name, or under its type name when name is empty.
func (r Registry) Add(name string, rcvr any) error {
	if rcvr == nil {
		return errors.NotValidf("nil handler")
	}
	if name == "" {
		typ := reflect.TypeOf(rcvr)
		if typ.Kind() == reflect.Pointer {
			typ = typ.Elem()
		}
		name = typ.Name()
		if name == "" {
			return errors.NotValidf("handler of unnamed type %s", typ)
		}
	}
	if _, dup := r[name]; dup {
		return errors.AlreadyExistsf("handler %q", name)
	}
	if reflect.TypeOf(rcvr).NumMethod() == 0 {
		return errors.NotValidf("handler %q without exported methods", name)
	}
	r[name] = rcvr
	return nil
}
