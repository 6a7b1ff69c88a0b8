// Package world is the authoritative state store a remote client inspects and mutates.
//
// A World holds entities, each carrying components addressed by fully-qualified type path, plus
// a parent/child hierarchy. It is owned by the tick loop and is not safe for concurrent use:
// every access happens on the goroutine that drives the loop.
//
// Mutating operations validate all of their inputs before touching anything, so a failed call
// leaves the world exactly as it was.
package world

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
)

var (
	ErrEntityNotFound       = errors.New("entity not found")
	ErrComponentNotFound    = errors.New("component not found")
	ErrUnknownComponentType = errors.New("Unknown component type")
	ErrInvalidHierarchy     = errors.New("invalid hierarchy")
)

// Entity is an opaque handle. The low 32 bits are the index and the high 32 bits the
// generation, which starts at 1; indexes are never reused.
type Entity uint64

func (e Entity) Index() uint32      { return uint32(e) }
func (e Entity) Generation() uint32 { return uint32(e >> 32) }

func (e Entity) String() string {
	return fmt.Sprintf("%dv%d", e.Index(), e.Generation())
}

// EntityNotFoundError matches ErrEntityNotFound.
type EntityNotFoundError struct {
	Entity Entity
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("Entity %d not found", uint64(e.Entity))
}

func (e *EntityNotFoundError) Is(target error) bool { return target == ErrEntityNotFound }

// ComponentNotFoundError matches ErrComponentNotFound.
type ComponentNotFoundError struct {
	Entity Entity
	Path   string
}

func (e *ComponentNotFoundError) Error() string {
	return fmt.Sprintf("Entity %d has no component `%s`", uint64(e.Entity), e.Path)
}

func (e *ComponentNotFoundError) Is(target error) bool { return target == ErrComponentNotFound }

type entityData struct {
	components map[string]json.RawMessage
	parent     Entity
	hasParent  bool
	children   []Entity
}

// World is the entity/component store.
type World struct {
	types     *TypeRegistry
	entities  map[Entity]*entityData
	nextIndex uint32
}

// New creates an empty world validating components against types. A nil registry gets the
// default one.
func New(types *TypeRegistry) *World {
	if types == nil {
		types = DefaultTypeRegistry()
	}
	return &World{
		types:    types,
		entities: make(map[Entity]*entityData),
	}
}

func (w *World) Types() *TypeRegistry { return w.types }

func (w *World) Len() int { return len(w.entities) }

func (w *World) Contains(e Entity) bool {
	_, ok := w.entities[e]
	return ok
}

// Entities returns all live entities in ascending handle order.
func (w *World) Entities() []Entity {
	out := make([]Entity, 0, len(w.entities))
	for e := range w.entities {
		out = append(out, e)
	}
	slices.Sort(out)
	return out
}

func (w *World) lookup(e Entity) (*entityData, error) {
	data, ok := w.entities[e]
	if !ok {
		return nil, &EntityNotFoundError{Entity: e}
	}
	return data, nil
}

func (w *World) validateAll(components map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(components))
	for path, raw := range components {
		value, err := w.types.Validate(path, raw)
		if err != nil {
			return nil, err
		}
		out[path] = value
	}
	return out, nil
}

// Spawn creates an entity carrying components.
func (w *World) Spawn(components map[string]json.RawMessage) (Entity, error) {
	validated, err := w.validateAll(components)
	if err != nil {
		return 0, err
	}
	w.nextIndex++
	e := Entity(uint64(1)<<32 | uint64(w.nextIndex))
	w.entities[e] = &entityData{components: validated}
	return e, nil
}

// Insert adds or replaces components on e.
func (w *World) Insert(e Entity, components map[string]json.RawMessage) error {
	data, err := w.lookup(e)
	if err != nil {
		return err
	}
	validated, err := w.validateAll(components)
	if err != nil {
		return err
	}
	for path, value := range validated {
		data.components[path] = value
	}
	return nil
}

// Get returns the named components of e.
func (w *World) Get(e Entity, paths []string) (map[string]json.RawMessage, error) {
	data, err := w.lookup(e)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(paths))
	for _, path := range paths {
		if _, ok := w.types.Lookup(path); !ok {
			return nil, fmt.Errorf("%w: `%s`", ErrUnknownComponentType, path)
		}
		value, ok := data.components[path]
		if !ok {
			return nil, &ComponentNotFoundError{Entity: e, Path: path}
		}
		out[path] = value
	}
	return out, nil
}

// Has reports whether e is alive and carries path.
func (w *World) Has(e Entity, path string) bool {
	data, ok := w.entities[e]
	if !ok {
		return false
	}
	_, ok = data.components[path]
	return ok
}

// Remove deletes the named components from e. Every path must be present.
func (w *World) Remove(e Entity, paths []string) error {
	data, err := w.lookup(e)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if _, ok := w.types.Lookup(path); !ok {
			return fmt.Errorf("%w: `%s`", ErrUnknownComponentType, path)
		}
		if _, ok := data.components[path]; !ok {
			return &ComponentNotFoundError{Entity: e, Path: path}
		}
	}
	for _, path := range paths {
		delete(data.components, path)
	}
	return nil
}

// Despawn deletes e and its components. Its children are detached and become roots.
func (w *World) Despawn(e Entity) error {
	data, err := w.lookup(e)
	if err != nil {
		return err
	}
	for _, child := range data.children {
		if c, ok := w.entities[child]; ok {
			c.hasParent = false
			c.parent = 0
		}
	}
	if data.hasParent {
		w.detach(e, data)
	}
	delete(w.entities, e)
	return nil
}

// Components lists the type paths present on e in sorted order.
func (w *World) Components(e Entity) ([]string, error) {
	data, err := w.lookup(e)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(data.components))
	for path := range data.components {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

// Parent returns the parent of e, if any.
func (w *World) Parent(e Entity) (Entity, bool) {
	data, ok := w.entities[e]
	if !ok || !data.hasParent {
		return 0, false
	}
	return data.parent, true
}

// Children returns the children of e in insertion order.
func (w *World) Children(e Entity) []Entity {
	data, ok := w.entities[e]
	if !ok {
		return nil
	}
	return slices.Clone(data.children)
}

// SetParent moves every entity in children under parent, or makes them roots when parent is
// nil. Cycles are rejected.
func (w *World) SetParent(children []Entity, parent *Entity) error {
	for _, child := range children {
		if _, err := w.lookup(child); err != nil {
			return err
		}
	}
	if parent != nil {
		if _, err := w.lookup(*parent); err != nil {
			return err
		}
		for _, child := range children {
			if child == *parent || w.isAncestor(child, *parent) {
				return fmt.Errorf("%w: entity %d cannot be a child of %d", ErrInvalidHierarchy, uint64(child), uint64(*parent))
			}
		}
	}

	for _, child := range children {
		data := w.entities[child]
		if data.hasParent {
			w.detach(child, data)
		}
		if parent != nil {
			data.parent = *parent
			data.hasParent = true
			p := w.entities[*parent]
			p.children = append(p.children, child)
		}
	}
	return nil
}

// isAncestor reports whether a is an ancestor of e.
func (w *World) isAncestor(a, e Entity) bool {
	for {
		parent, ok := w.Parent(e)
		if !ok {
			return false
		}
		if parent == a {
			return true
		}
		e = parent
	}
}

func (w *World) detach(e Entity, data *entityData) {
	if p, ok := w.entities[data.parent]; ok {
		p.children = slices.DeleteFunc(p.children, func(c Entity) bool { return c == e })
	}
	data.hasParent = false
	data.parent = 0
}

// Read decodes the component path of e into v.
func (w *World) Read(e Entity, path string, v any) error {
	values, err := w.Get(e, []string{path})
	if err != nil {
		return err
	}
	return json.Unmarshal(values[path], v)
}

// Write encodes v and inserts it as component path of e.
func (w *World) Write(e Entity, path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.Insert(e, map[string]json.RawMessage{path: raw})
}
