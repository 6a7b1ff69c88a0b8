package world

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
)

// Type paths of the components the protocol knows out of the box. Paths are fully qualified so
// that two modules may each define a "Transform" without colliding.
const (
	TransformPath  = "bevy_transform::components::transform::Transform"
	CameraPath     = "bevy_render::camera::camera::Camera"
	NamePath       = "bevy_core::name::Name"
	PointLightPath = "bevy_pbr::light::point_light::PointLight"

	// Marker components spawned by a client to show or hide the frame counter overlay.
	FpsCounterPath     = "remotectl::overlay::FpsCounter"
	HideFpsCounterPath = "remotectl::overlay::HideFpsCounter"
)

// TypeInfo describes one registered component type. A nil Type marks a unit (marker) component
// whose value must be null or an empty object.
type TypeInfo struct {
	Path string
	Type reflect.Type
}

// TypeRegistry maps type paths to the Go types their values are validated against. It is
// filled during setup and only read afterwards.
type TypeRegistry struct {
	types map[string]TypeInfo
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]TypeInfo)}
}

// DefaultTypeRegistry returns a registry with the built-in component types.
func DefaultTypeRegistry() *TypeRegistry {
	r := NewTypeRegistry()
	RegisterType[Transform](r, TransformPath)
	RegisterType[Camera](r, CameraPath)
	RegisterType[string](r, NamePath)
	RegisterType[PointLight](r, PointLightPath)
	r.RegisterMarker(FpsCounterPath)
	r.RegisterMarker(HideFpsCounterPath)
	return r
}

// RegisterType registers T under path, replacing an earlier registration.
func RegisterType[T any](r *TypeRegistry, path string) {
	r.types[path] = TypeInfo{Path: path, Type: reflect.TypeFor[T]()}
}

// RegisterMarker registers a unit component.
func (r *TypeRegistry) RegisterMarker(path string) {
	r.types[path] = TypeInfo{Path: path}
}

// RegisterRaw registers a component whose values are stored without validation.
func (r *TypeRegistry) RegisterRaw(path string) {
	r.types[path] = TypeInfo{Path: path, Type: reflect.TypeFor[json.RawMessage]()}
}

func (r *TypeRegistry) Lookup(path string) (TypeInfo, bool) {
	info, ok := r.types[path]
	return info, ok
}

// Paths lists every registered type path in sorted order.
func (r *TypeRegistry) Paths() []string {
	paths := make([]string, 0, len(r.types))
	for path := range r.types {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Validate checks raw against the type registered for path and returns the compacted value.
func (r *TypeRegistry) Validate(path string, raw json.RawMessage) (json.RawMessage, error) {
	info, ok := r.types[path]
	if !ok {
		return nil, fmt.Errorf("%w: `%s`", ErrUnknownComponentType, path)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("null")
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return nil, fmt.Errorf("invalid value for `%s`: %w", path, err)
	}

	if info.Type == nil {
		if s := compact.String(); s != "null" && s != "{}" {
			return nil, fmt.Errorf("invalid value for `%s`: marker components take no data", path)
		}
		return compact.Bytes(), nil
	}
	if info.Type == reflect.TypeFor[json.RawMessage]() {
		return compact.Bytes(), nil
	}

	decoder := json.NewDecoder(bytes.NewReader(compact.Bytes()))
	decoder.DisallowUnknownFields()
	target := reflect.New(info.Type).Interface()
	if err := decoder.Decode(target); err != nil {
		return nil, fmt.Errorf("invalid value for `%s`: %w", path, err)
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid value for `%s`: trailing data", path)
	}
	return compact.Bytes(), nil
}
