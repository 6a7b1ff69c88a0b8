package verb

import (
	"encoding/json"
	"fmt"
	"remotectl/world"
)

// Built-in verb names.
const (
	Query    = "QUERY"
	Get      = "GET"
	Insert   = "INSERT"
	Spawn    = "SPAWN"
	Remove   = "REMOVE"
	Destroy  = "DESTROY"
	Reparent = "REPARENT"
	List     = "LIST"
)

// RegisterBuiltins adds every built-in verb to r.
func RegisterBuiltins(r *Registry) error {
	builtins := []struct {
		name    string
		handler Handler
	}{
		{Query, handleQuery},
		{Get, handleGet},
		{Insert, handleInsert},
		{Spawn, handleSpawn},
		{Remove, handleRemove},
		{Destroy, handleDestroy},
		{Reparent, handleReparent},
		{List, handleList},
	}
	for _, b := range builtins {
		if err := r.Register(b.name, b.handler); err != nil {
			return err
		}
	}
	return nil
}

// QueryParams selects entities. An entity matches when it has every type in Data.Components
// and Filter.With and none in Filter.Without.
type QueryParams struct {
	Data   QueryData   `json:"data"`
	Filter QueryFilter `json:"filter"`
}

type QueryData struct {
	Components []string `json:"components,omitempty"` // Required and returned
	Option     []string `json:"option,omitempty"`     // Returned when present
	Has        []string `json:"has,omitempty"`        // Presence reported per row
}

type QueryFilter struct {
	With    []string `json:"with,omitempty"`
	Without []string `json:"without,omitempty"`
}

type QueryRow struct {
	Entity     world.Entity               `json:"entity"`
	Components map[string]json.RawMessage `json:"components"`
	Has        map[string]bool            `json:"has,omitempty"`
}

type QueryResponse struct {
	Rows []QueryRow `json:"rows"`
}

type GetParams struct {
	Data GetData `json:"data"`
}

type GetData struct {
	Entity     world.Entity `json:"entity"`
	Components []string     `json:"components"`
}

type GetResponse struct {
	Entity     world.Entity               `json:"entity"`
	Components map[string]json.RawMessage `json:"components"`
}

type InsertParams struct {
	Entity     world.Entity               `json:"entity"`
	Components map[string]json.RawMessage `json:"components"`
}

type SpawnParams struct {
	Components map[string]json.RawMessage `json:"components"`
}

type SpawnResponse struct {
	Entity world.Entity `json:"entity"`
}

type RemoveParams struct {
	Entity     world.Entity `json:"entity"`
	Components []string     `json:"components"`
}

type DestroyParams struct {
	Entity world.Entity `json:"entity"`
}

// ReparentParams moves Entities under Parent; a nil Parent makes them roots.
type ReparentParams struct {
	Entities []world.Entity `json:"entities"`
	Parent   *world.Entity  `json:"parent"`
}

type ListParams struct {
	Entity world.Entity `json:"entity"`
}

type ListResponse struct {
	Components []string `json:"components"`
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func checkTypes(w *world.World, groups ...[]string) error {
	for _, paths := range groups {
		for _, path := range paths {
			if _, ok := w.Types().Lookup(path); !ok {
				return fmt.Errorf("%w: `%s`", world.ErrUnknownComponentType, path)
			}
		}
	}
	return nil
}

func handleQuery(raw json.RawMessage, w *world.World) (any, error) {
	var params QueryParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	data, filter := params.Data, params.Filter
	if err := checkTypes(w, data.Components, data.Option, data.Has, filter.With, filter.Without); err != nil {
		return nil, err
	}

	rows := make([]QueryRow, 0)
	for _, e := range w.Entities() {
		if !hasAll(w, e, data.Components) || !hasAll(w, e, filter.With) || hasAny(w, e, filter.Without) {
			continue
		}
		components, err := w.Get(e, data.Components)
		if err != nil {
			return nil, err
		}
		for _, path := range data.Option {
			if w.Has(e, path) {
				optional, err := w.Get(e, []string{path})
				if err != nil {
					return nil, err
				}
				components[path] = optional[path]
			}
		}
		row := QueryRow{Entity: e, Components: components}
		if len(data.Has) > 0 {
			row.Has = make(map[string]bool, len(data.Has))
			for _, path := range data.Has {
				row.Has[path] = w.Has(e, path)
			}
		}
		rows = append(rows, row)
	}
	return QueryResponse{Rows: rows}, nil
}

func hasAll(w *world.World, e world.Entity, paths []string) bool {
	for _, path := range paths {
		if !w.Has(e, path) {
			return false
		}
	}
	return true
}

func hasAny(w *world.World, e world.Entity, paths []string) bool {
	for _, path := range paths {
		if w.Has(e, path) {
			return true
		}
	}
	return false
}

func handleGet(raw json.RawMessage, w *world.World) (any, error) {
	var params GetParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	components, err := w.Get(params.Data.Entity, params.Data.Components)
	if err != nil {
		return nil, err
	}
	return GetResponse{Entity: params.Data.Entity, Components: components}, nil
}

func handleInsert(raw json.RawMessage, w *world.World) (any, error) {
	var params InsertParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := w.Insert(params.Entity, params.Components); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func handleSpawn(raw json.RawMessage, w *world.World) (any, error) {
	var params SpawnParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	e, err := w.Spawn(params.Components)
	if err != nil {
		return nil, err
	}
	return SpawnResponse{Entity: e}, nil
}

func handleRemove(raw json.RawMessage, w *world.World) (any, error) {
	var params RemoveParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := w.Remove(params.Entity, params.Components); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func handleDestroy(raw json.RawMessage, w *world.World) (any, error) {
	var params DestroyParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := w.Despawn(params.Entity); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func handleReparent(raw json.RawMessage, w *world.World) (any, error) {
	var params ReparentParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := w.SetParent(params.Entities, params.Parent); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func handleList(raw json.RawMessage, w *world.World) (any, error) {
	var params ListParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	components, err := w.Components(params.Entity)
	if err != nil {
		return nil, err
	}
	return ListResponse{Components: components}, nil
}
