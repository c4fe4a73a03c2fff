package gamesocket

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// Registry is a TypeRegistry built from explicit registrations made at
// startup. Each message type maps to exactly one Go type.
type Registry struct {
	mu     sync.RWMutex
	byType map[uint16]reflect.Type
	byGo   map[reflect.Type]uint16
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[uint16]reflect.Type),
		byGo:   make(map[reflect.Type]uint16),
	}
}

// Register binds typ to the Go type of sample. Pointer samples are
// instantiated with reflect.New of their element type.
func (r *Registry) Register(typ uint16, sample any) error {
	if typ == SystemType {
		return errors.Errorf("message type %d is reserved", typ)
	}
	if sample == nil {
		return errors.New("nil sample")
	}
	rt := reflect.TypeOf(sample)

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byType[typ]; ok {
		return errors.Errorf("message type %d already bound to %v", typ, prev)
	}
	if prev, ok := r.byGo[rt]; ok {
		return errors.Errorf("%v already registered as type %d", rt, prev)
	}
	r.byType[typ] = rt
	r.byGo[rt] = typ
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(typ uint16, sample any) *Registry {
	if err := r.Register(typ, sample); err != nil {
		panic(err)
	}
	return r
}

// TypeOf implements TypeRegistry.
func (r *Registry) TypeOf(v any) (uint16, bool) {
	if v == nil {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	typ, ok := r.byGo[reflect.TypeOf(v)]
	return typ, ok
}

// New implements TypeRegistry.
func (r *Registry) New(typ uint16) (any, bool) {
	r.mu.RLock()
	rt, ok := r.byType[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if rt.Kind() == reflect.Ptr {
		return reflect.New(rt.Elem()).Interface(), true
	}
	return reflect.New(rt).Elem().Interface(), true
}

// Known implements TypeRegistry.
func (r *Registry) Known(typ uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byType[typ]
	return ok
}
