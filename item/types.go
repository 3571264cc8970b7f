package item

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/c360/mapeflow/errors"
)

// Built-in value type tags.
const (
	TypeNil    = "nil"
	TypeBool   = "bool"
	TypeInt    = "int"
	TypeUint   = "uint"
	TypeFloat  = "float"
	TypeString = "string"
	TypeBytes  = "bytes"
	TypeList   = "list"
	TypeMap    = "map"
	// TypeAny marks unregistered values; they decode as generic maps/slices.
	TypeAny = "any"
)

// TypeFactory returns a pointer to a new zero value of a registered type.
type TypeFactory func() any

// TypeRegistry maps application value types to wire type tags so that
// decoding can rebuild the concrete Go type.
type TypeRegistry struct {
	mu        sync.RWMutex
	factories map[string]TypeFactory
	names     map[reflect.Type]string
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		factories: make(map[string]TypeFactory),
		names:     make(map[reflect.Type]string),
	}
}

// DefaultTypes is used by codecs created without an explicit registry.
var DefaultTypes = NewTypeRegistry()

// RegisterType registers a factory in DefaultTypes.
func RegisterType(name string, factory TypeFactory) error {
	return DefaultTypes.Register(name, factory)
}

// Register binds name to the type produced by factory. The factory must return a pointer.
func (r *TypeRegistry) Register(name string, factory TypeFactory) error {
	if name == "" || factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "TypeRegistry", "Register", "validate registration")
	}
	if isBuiltinTag(name) || name[0] == '&' {
		return errors.WrapInvalid(fmt.Errorf("%q is reserved", name), "TypeRegistry", "Register", "validate name")
	}

	sample := factory()
	t := reflect.TypeOf(sample)
	if t == nil || t.Kind() != reflect.Pointer {
		return errors.WrapInvalid(fmt.Errorf("factory for %q must return a pointer", name),
			"TypeRegistry", "Register", "validate factory")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("type %q already registered", name),
			"TypeRegistry", "Register", "check duplicate")
	}
	r.factories[name] = factory
	r.names[t.Elem()] = name
	return nil
}

// tagOf returns the wire tag for v. Pointers to registered types get a "&" prefix.
func (r *TypeRegistry) tagOf(v any) string {
	if v == nil {
		return TypeNil
	}

	t := reflect.TypeOf(v)
	r.mu.RLock()
	name, ok := r.names[t]
	if !ok && t.Kind() == reflect.Pointer {
		if n, found := r.names[t.Elem()]; found {
			name, ok = "&"+n, true
		}
	}
	r.mu.RUnlock()
	if ok {
		return name
	}

	switch t.Kind() {
	case reflect.Bool:
		return TypeBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return TypeInt
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return TypeUint
	case reflect.Float32, reflect.Float64:
		return TypeFloat
	case reflect.String:
		return TypeString
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return TypeBytes
		}
		return TypeList
	case reflect.Map:
		return TypeMap
	}
	return TypeAny
}

// target returns a pointer to decode into for tag and a function producing
// the final value from it.
func (r *TypeRegistry) target(tag string) (any, func(any) any, error) {
	switch tag {
	case TypeNil:
		return nil, nil, nil
	case TypeBool:
		return new(bool), deref[bool], nil
	case TypeInt:
		return new(int64), func(p any) any { return int(*p.(*int64)) }, nil
	case TypeUint:
		return new(uint64), func(p any) any { return uint(*p.(*uint64)) }, nil
	case TypeFloat:
		return new(float64), deref[float64], nil
	case TypeString:
		return new(string), deref[string], nil
	case TypeBytes:
		return new([]byte), deref[[]byte], nil
	case TypeList:
		return new([]any), deref[[]any], nil
	case TypeMap:
		return new(map[string]any), deref[map[string]any], nil
	case TypeAny, "":
		return new(any), deref[any], nil
	}

	pointer := tag[0] == '&'
	name := tag
	if pointer {
		name = tag[1:]
	}

	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnknownType, tag),
			"TypeRegistry", "target", "resolve value type")
	}

	p := factory()
	if pointer {
		return p, func(v any) any { return v }, nil
	}
	return p, func(v any) any { return reflect.ValueOf(v).Elem().Interface() }, nil
}

func deref[T any](p any) any {
	return *p.(*T)
}

func isBuiltinTag(tag string) bool {
	switch tag {
	case TypeNil, TypeBool, TypeInt, TypeUint, TypeFloat, TypeString, TypeBytes, TypeList, TypeMap, TypeAny:
		return true
	}
	return false
}
