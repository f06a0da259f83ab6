package jsbridge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// =============================================================================
// NAMESPACE MODULES
// =============================================================================

// ModuleBuilder provides a fluent API for building namespace modules: a read-only object
// of named exports bound in the global scope under the module name. Dotted names nest
// (e.g. "net.http").
type ModuleBuilder struct {
	name    string  // Module name
	exports []Named // All exports, in declaration order
}

// NewModuleBuilder creates a new ModuleBuilder with the specified name
func NewModuleBuilder(name string) *ModuleBuilder {
	return &ModuleBuilder{name: name}
}

// Export adds an export. value may be anything Expose accepts as a Named value: Go
// values, functions, descriptors or script handles.
func (mb *ModuleBuilder) Export(name string, value interface{}) *ModuleBuilder {
	mb.exports = append(mb.exports, Named{Name: name, Value: value})
	return mb
}

// Name returns the module name.
func (mb *ModuleBuilder) Name() string { return mb.name }

// Build creates the namespace in ctx and returns a handle to it.
func (mb *ModuleBuilder) Build(ctx *Context) (*Object, error) {
	if err := mb.validate(); err != nil {
		return nil, fmt.Errorf("module validation failed: %w", err)
	}
	if err := ctx.check(); err != nil {
		return nil, err
	}

	var ns *goja.Object
	err := ctx.try(func() {
		parent, leaf, err := ctx.modulePath(mb.name)
		if err != nil {
			panic(convError{err})
		}

		ns = ctx.vm.NewObject()
		for _, export := range mb.exports {
			v, err := ctx.exposedValue(export.Name, export.Value)
			if err != nil {
				panic(convError{fmt.Errorf("export %s: %w", export.Name, err)})
			}
			if err := ns.DefineDataProperty(export.Name, v, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
				panic(convError{err})
			}
		}
		if err := ns.DefineDataPropertySymbol(goja.SymToStringTag, ctx.vm.ToValue("Module"), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
			panic(convError{err})
		}
		if err := parent.DefineDataProperty(leaf, ns, goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE); err != nil {
			panic(convError{err})
		}
	})
	if err != nil {
		return nil, err
	}

	ctx.logger.Debug("module built")
	return newObject(ctx, ns), nil
}

// validate checks the module name and export names.
func (mb *ModuleBuilder) validate() error {
	if mb.name == "" {
		return errors.New("module name cannot be empty")
	}
	for _, part := range strings.Split(mb.name, ".") {
		if part == "" {
			return fmt.Errorf("invalid module name: %s", mb.name)
		}
	}

	nameSet := make(map[string]bool)
	for _, export := range mb.exports {
		if export.Name == "" {
			return errors.New("export name cannot be empty")
		}
		if nameSet[export.Name] {
			return fmt.Errorf("duplicate export name: %s", export.Name)
		}
		nameSet[export.Name] = true
	}
	return nil
}

// modulePath creates the intermediate objects of a dotted module name and returns the
// object that will hold the last segment.
func (ctx *Context) modulePath(name string) (*goja.Object, string, error) {
	parts := strings.Split(name, ".")
	cur := ctx.vm.GlobalObject()
	for _, part := range parts[:len(parts)-1] {
		next := cur.Get(part)
		if next == nil || isUndefined(next) {
			obj := ctx.vm.NewObject()
			if err := cur.DefineDataProperty(part, obj, goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_FALSE); err != nil {
				return nil, "", err
			}
			cur = obj
			continue
		}
		obj, ok := next.(*goja.Object)
		if !ok {
			return nil, "", fmt.Errorf("module path %s: %s is not an object", name, part)
		}
		cur = obj
	}
	leaf := parts[len(parts)-1]
	if existing := cur.Get(leaf); existing != nil && !isUndefined(existing) {
		return nil, "", fmt.Errorf("module %s is already defined", name)
	}
	return cur, leaf, nil
}
