package lookup

import (
	"reflect"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/juju/errors"

	"easy-rpc/rpcerr"
)

const (
	DefaultTypeCacheSize   = 128
	DefaultMethodCacheSize = 1024
)

// methodKey identifies a cached method binding. Parameter type names are
// not part of it: Go methods cannot be overloaded, so (type, method) names at
// most one method, and the requested parameter types are checked against the
// binding after the lookup.
type methodKey struct {
	typeName string
	method   string
}

// Resolver maps request target names onto a fixed set of handlers.
type Resolver struct {
	handlers map[string]any
	known    map[string]reflect.Type
	types    *Cache[string, reflect.Type]
	methods  *Cache[methodKey, *Callable]
}

// NewResolver builds a resolver over handlers, keyed by the declaring type
// name clients put in Request.TargetType. The map is copied.
func NewResolver(handlers map[string]any) (*Resolver, error) {
	return NewResolverSize(handlers, DefaultTypeCacheSize, DefaultMethodCacheSize)
}

// NewResolverSize is NewResolver with explicit cache bounds.
func NewResolverSize(handlers map[string]any, typeCache, methodCache int) (*Resolver, error) {
	if len(handlers) == 0 {
		return nil, errors.NotValidf("empty handler registry")
	}
	known := make(map[string]reflect.Type, len(builtinTypes))
	for name, t := range builtinTypes {
		known[name] = t
	}
	owned := make(map[string]any, len(handlers))
	for name, h := range handlers {
		if name == "" || h == nil {
			return nil, errors.NotValidf("handler %q", name)
		}
		owned[name] = h
		collectTypes(known, h)
	}
	types, err := NewCache[string, reflect.Type](typeCache)
	if err != nil {
		return nil, errors.Trace(err)
	}
	methods, err := NewCache[methodKey, *Callable](methodCache)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Resolver{handlers: owned, known: known, types: types, methods: methods}, nil
}

// Handler returns the handler registered under typeName.
func (r *Resolver) Handler(typeName string) (any, error) {
	h, ok := r.handlers[typeName]
	if !ok {
		return nil, rpcerr.Wrapf(rpcerr.ErrResolution, nil, "no handler for type %q", typeName)
	}
	return h, nil
}

// TypeNames lists the registered handler names, sorted.
func (r *Resolver) TypeNames() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ResolveType returns the runtime type for a parameter type name.
func (r *Resolver) ResolveType(name string) (reflect.Type, error) {
	return r.types.Resolve(name, r.lookupType)
}

func (r *Resolver) lookupType(name string) (reflect.Type, error) {
	if t, ok := r.known[name]; ok {
		return t, nil
	}
	return parseType(name, r.lookupType)
}

// ResolveMethod returns the callable for typeName.method whose parameters
// are exactly paramTypes. A method named in lower camel case also matches
// its exported Go name.
func (r *Resolver) ResolveMethod(typeName, method string, paramTypes []string) (*Callable, error) {
	c, err := r.methods.Resolve(methodKey{typeName, method}, r.bind)
	if err != nil {
		return nil, err
	}
	want := c.ParamTypes()
	if len(want) == len(paramTypes) {
		matched := true
		for i, name := range paramTypes {
			t, err := r.ResolveType(name)
			if err != nil {
				return nil, err
			}
			if t != want[i] {
				matched = false
				break
			}
		}
		if matched {
			return c, nil
		}
	}
	return nil, rpcerr.Wrapf(rpcerr.ErrResolution, nil, "no method %s.%s(%s), have %s",
		typeName, method, strings.Join(paramTypes, ", "), c)
}

func (r *Resolver) bind(key methodKey) (*Callable, error) {
	h, err := r.Handler(key.typeName)
	if err != nil {
		return nil, err
	}
	recv := reflect.ValueOf(h)
	m, ok := recv.Type().MethodByName(key.method)
	if !ok {
		m, ok = recv.Type().MethodByName(exported(key.method))
	}
	if !ok {
		return nil, rpcerr.Wrapf(rpcerr.ErrResolution, nil, "no method %s.%s", key.typeName, key.method)
	}
	return newCallable(key.typeName, m.Name, recv.Method(m.Index))
}

// TypeResolutions and MethodResolutions count cache misses that ran a resolution.
func (r *Resolver) TypeResolutions() int64   { return r.types.Resolutions() }
func (r *Resolver) MethodResolutions() int64 { return r.methods.Resolutions() }

func exported(name string) string {
	first, size := utf8.DecodeRuneInString(name)
	if first == utf8.RuneError {
		return name
	}
	return string(unicode.ToUpper(first)) + name[size:]
}
