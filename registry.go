package jsbridge

import (
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
)

// Registry tracks the live contexts of a runtime, their parent/child ownership and the Go
// objects bound as their globals.
type Registry struct {
	mu       sync.RWMutex
	nextID   atomic.Uint64
	contexts map[uint64]*Context
	children map[uint64][]uint64
	byGlobal map[interface{}]*Context
}

func newRegistry() *Registry {
	return &Registry{
		contexts: make(map[uint64]*Context),
		children: make(map[uint64][]uint64),
		byGlobal: make(map[interface{}]*Context),
	}
}

// add assigns an id to ctx and records it under its parent.
func (reg *Registry) add(ctx *Context) uint64 {
	id := reg.nextID.Add(1)

	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.contexts[id] = ctx
	if ctx.parent != nil {
		reg.children[ctx.parent.id] = append(reg.children[ctx.parent.id], id)
	}
	if key, ok := identityKey(ctx.global); ok {
		reg.byGlobal[key] = ctx
	}
	return id
}

func (reg *Registry) remove(ctx *Context) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	delete(reg.contexts, ctx.id)
	delete(reg.children, ctx.id)
	if ctx.parent != nil {
		siblings := reg.children[ctx.parent.id]
		for i, id := range siblings {
			if id == ctx.id {
				reg.children[ctx.parent.id] = append(siblings[:i:i], siblings[i+1:]...)
				break
			}
		}
	}
	if key, ok := identityKey(ctx.global); ok && reg.byGlobal[key] == ctx {
		delete(reg.byGlobal, key)
	}
}

// Lookup returns the live context with the given id.
func (reg *Registry) Lookup(id uint64) (*Context, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	ctx, ok := reg.contexts[id]
	return ctx, ok
}

// ByGlobal returns the context whose global is the given Go object.
func (reg *Registry) ByGlobal(global interface{}) (*Context, bool) {
	key, ok := identityKey(global)
	if !ok {
		return nil, false
	}
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	ctx, ok := reg.byGlobal[key]
	return ctx, ok
}

// Children returns the live children of ctx in creation order.
func (reg *Registry) Children(ctx *Context) []*Context {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	ids := reg.children[ctx.id]
	out := make([]*Context, 0, len(ids))
	for _, id := range ids {
		if c, ok := reg.contexts[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of live contexts.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.contexts)
}

// roots returns contexts without a parent, oldest first.
func (reg *Registry) roots() []*Context {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var out []*Context
	for _, c := range reg.contexts {
		if c.parent == nil {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// identityKey returns a map key that identifies a Go object by reference. Only pointers
// have a stable identity.
func identityKey(v interface{}) (interface{}, bool) {
	if v == nil {
		return nil, false
	}
	if reflect.TypeOf(v).Kind() != reflect.Ptr {
		return nil, false
	}
	if reflect.ValueOf(v).IsNil() {
		return nil, false
	}
	return v, true
}
