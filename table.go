package jsbridge

import (
	"fmt"
	"reflect"
	"sync"
)

// DescriptorTable maps Go types and class names to descriptors. Descriptors are stored in
// an arena indexed by id; parents are registered before their children.
type DescriptorTable struct {
	mu     sync.RWMutex
	byType map[reflect.Type]*Descriptor
	byName map[string]*Descriptor
	arena  []*Descriptor
}

// NewDescriptorTable creates an empty table.
func NewDescriptorTable() *DescriptorTable {
	return &DescriptorTable{
		byType: make(map[reflect.Type]*Descriptor),
		byName: make(map[string]*Descriptor),
	}
}

// Register adds d (and its parents). Registering the same descriptor again is a no-op;
// registering a different descriptor for an already bound type or exposed name fails.
func (t *DescriptorTable) Register(d *Descriptor) error {
	if d == nil {
		return fmt.Errorf("cannot register nil descriptor")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.register(d)
}

func (t *DescriptorTable) register(d *Descriptor) error {
	if t.contains(d) {
		return nil
	}
	if d.parent != nil {
		if err := t.register(d.parent); err != nil {
			return err
		}
	}

	if d.typ != nil {
		if existing, ok := t.byType[d.typ]; ok && existing != d {
			if existing.Frozen() {
				return fmt.Errorf("%w: type %s is bound to %s", ErrDescriptorFrozen, d.typ, existing.name)
			}
			return fmt.Errorf("type %s is already bound to descriptor %s", d.typ, existing.name)
		}
	}
	if d.exposed {
		if existing, ok := t.byName[d.name]; ok && existing != d {
			return fmt.Errorf("class name %s is already registered", d.name)
		}
	}

	t.arena = append(t.arena, d)
	if d.id == 0 {
		d.id = len(t.arena)
	}
	if d.typ != nil {
		t.byType[d.typ] = d
	}
	if d.exposed {
		t.byName[d.name] = d
	}
	return nil
}

func (t *DescriptorTable) contains(d *Descriptor) bool {
	for _, x := range t.arena {
		if x == d {
			return true
		}
	}
	return false
}

// Lookup returns the descriptor bound to typ. A pointer type also matches a descriptor
// bound to its element type and vice versa.
func (t *DescriptorTable) Lookup(typ reflect.Type) (*Descriptor, bool) {
	if typ == nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	if d, ok := t.byType[typ]; ok {
		return d, true
	}
	if typ.Kind() == reflect.Ptr {
		d, ok := t.byType[typ.Elem()]
		return d, ok
	}
	d, ok := t.byType[reflect.PointerTo(typ)]
	return d, ok
}

// LookupValue returns the descriptor bound to the dynamic type of v.
func (t *DescriptorTable) LookupValue(v interface{}) (*Descriptor, bool) {
	return t.Lookup(reflect.TypeOf(v))
}

// LookupName returns the exposed descriptor with the given class name.
func (t *DescriptorTable) LookupName(name string) (*Descriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.byName[name]
	return d, ok
}

// Exposed returns the exposed descriptors in registration order.
func (t *DescriptorTable) Exposed() []*Descriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Descriptor, 0, len(t.byName))
	for _, d := range t.arena {
		if d.exposed {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of registered descriptors.
func (t *DescriptorTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.arena)
}

// derive returns the descriptor for typ, reflecting a non-exposed one on first use.
func (t *DescriptorTable) derive(typ reflect.Type) (*Descriptor, error) {
	if d, ok := t.Lookup(typ); ok {
		return d, nil
	}

	d, err := ReflectDescriptor(typ, WithExposed(false))
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byType[d.typ]; ok {
		return existing, nil
	}
	if err := t.register(d); err != nil {
		return nil, err
	}
	return d, nil
}

// NameResolver resolves global names that are not declared in a context.
type NameResolver interface {
	Resolve(ctx *Context, name string) (interface{}, bool)
}

// NameResolverFunc adapts a function to NameResolver.
type NameResolverFunc func(ctx *Context, name string) (interface{}, bool)

func (f NameResolverFunc) Resolve(ctx *Context, name string) (interface{}, bool) {
	return f(ctx, name)
}

// TableResolver resolves exposed class names of the context's descriptor table to their
// constructors, so classes need not be exposed one by one.
func TableResolver() NameResolver {
	return NameResolverFunc(func(ctx *Context, name string) (interface{}, bool) {
		d, ok := ctx.rt.table.LookupName(name)
		if !ok || !d.exposed {
			return nil, false
		}
		return d, true
	})
}
