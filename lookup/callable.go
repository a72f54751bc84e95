package lookup

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/juju/errors"
	"github.com/mitchellh/mapstructure"

	"easy-rpc/rpcerr"
)

// Callable is a handler method bound to its receiver.
type Callable struct {
	typeName string
	name     string
	fn       reflect.Value
	withCtx  bool
	in       []reflect.Type
	result   bool // first result is a value
	err      bool // last result is an error
}

func newCallable(typeName, name string, fn reflect.Value) (*Callable, error) {
	t := fn.Type()
	c := &Callable{typeName: typeName, name: name, fn: fn}
	first := 0
	if t.NumIn() > 0 && t.In(0) == contextType {
		c.withCtx = true
		first = 1
	}
	for i := first; i < t.NumIn(); i++ {
		c.in = append(c.in, t.In(i))
	}
	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errorType {
			c.err = true
		} else {
			c.result = true
		}
	case 2:
		if t.Out(1) != errorType {
			return nil, rpcerr.Wrapf(rpcerr.ErrResolution, nil, "method %s.%s: second result must be error", typeName, name)
		}
		c.result, c.err = true, true
	default:
		return nil, rpcerr.Wrapf(rpcerr.ErrResolution, nil, "method %s.%s returns %d values", typeName, name, t.NumOut())
	}
	return c, nil
}

// ParamTypes returns the wire-visible parameter types, context excluded.
func (c *Callable) ParamTypes() []reflect.Type {
	return c.in
}

// Invoke calls the method with args coerced to the parameter types. A panic
// in the handler is returned as an error.
func (c *Callable) Invoke(ctx context.Context, args []any) (result any, err error) {
	if len(args) != len(c.in) {
		return nil, rpcerr.Wrapf(rpcerr.ErrResolution, nil, "%s takes %d arguments, got %d", c, len(c.in), len(args))
	}
	in := make([]reflect.Value, 0, len(args)+1)
	if c.withCtx {
		if ctx == nil {
			ctx = context.Background()
		}
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, arg := range args {
		v, err := coerce(arg, c.in[i])
		if err != nil {
			return nil, rpcerr.Wrapf(rpcerr.ErrResolution, err, "argument %d of %s", i, c)
		}
		in = append(in, v)
	}

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, errors.Errorf("%s panicked: %v", c, r)
		}
	}()
	var out []reflect.Value
	if c.fn.Type().IsVariadic() {
		out = c.fn.CallSlice(in)
	} else {
		out = c.fn.Call(in)
	}
	if c.err {
		if e := out[len(out)-1]; !e.IsNil() {
			return nil, e.Interface().(error)
		}
	}
	if c.result {
		return out[0].Interface(), nil
	}
	return nil, nil
}

func (c *Callable) String() string {
	names := make([]string, len(c.in))
	for i, t := range c.in {
		names[i] = TypeName(t)
	}
	return fmt.Sprintf("%s.%s(%s)", c.typeName, c.name, strings.Join(names, ", "))
}

// coerce converts a decoded argument to t. Codecs that are not type
// preserving hand back float64 for numbers and maps for structs.
func coerce(arg any, t reflect.Type) (reflect.Value, error) {
	if arg == nil {
		switch t.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, errors.Errorf("cannot use nil as %s", t)
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	if numeric(v.Kind()) && numeric(t.Kind()) {
		if isFloat(v.Kind()) && !isFloat(t.Kind()) {
			f := v.Float()
			if f != math.Trunc(f) {
				return reflect.Value{}, errors.Errorf("cannot use %v as %s", f, t)
			}
		}
		return v.Convert(t), nil
	}
	out := reflect.New(t)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out.Interface(),
		WeaklyTypedInput: true,
		TagName:          "json",
	})
	if err != nil {
		return reflect.Value{}, errors.Trace(err)
	}
	if err := dec.Decode(arg); err != nil {
		return reflect.Value{}, errors.Annotatef(err, "cannot use %T as %s", arg, t)
	}
	return out.Elem(), nil
}

func numeric(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Float64
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}
