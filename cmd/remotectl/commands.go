package main

import (
	"encoding/json"
	"fmt"
	"io"
	"remotectl/client"
	"remotectl/message"
	"remotectl/verb"
	"remotectl/world"
	"strconv"
	"strings"
)

// buildRequest turns a command line into a request envelope.
func buildRequest(c *client.Client, args []string, opts options) (*message.Request, error) {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "query":
		return c.NewRequest(verb.Query, verb.QueryParams{
			Data:   verb.QueryData{Components: args, Option: opts.option, Has: opts.has},
			Filter: verb.QueryFilter{With: opts.with, Without: opts.without},
		})

	case "get":
		if len(args) < 1 {
			return nil, fmt.Errorf("get: need <entity> <type-path>...")
		}
		e, err := parseEntity(args[0])
		if err != nil {
			return nil, err
		}
		return c.NewRequest(verb.Get, verb.GetParams{Data: verb.GetData{Entity: e, Components: nonNil(args[1:])}})

	case "list":
		if len(args) != 1 {
			return nil, fmt.Errorf("list: need exactly one <entity>")
		}
		e, err := parseEntity(args[0])
		if err != nil {
			return nil, err
		}
		return c.NewRequest(verb.List, verb.ListParams{Entity: e})

	case "insert":
		if len(args) < 2 {
			return nil, fmt.Errorf("insert: need <entity> <type-path>=<json>...")
		}
		e, err := parseEntity(args[0])
		if err != nil {
			return nil, err
		}
		components, err := parseComponents(args[1:])
		if err != nil {
			return nil, err
		}
		return c.NewRequest(verb.Insert, verb.InsertParams{Entity: e, Components: components})

	case "spawn":
		components, err := parseComponents(args)
		if err != nil {
			return nil, err
		}
		return c.NewRequest(verb.Spawn, verb.SpawnParams{Components: components})

	case "remove":
		if len(args) < 2 {
			return nil, fmt.Errorf("remove: need <entity> <type-path>...")
		}
		e, err := parseEntity(args[0])
		if err != nil {
			return nil, err
		}
		return c.NewRequest(verb.Remove, verb.RemoveParams{Entity: e, Components: args[1:]})

	case "destroy":
		if len(args) != 1 {
			return nil, fmt.Errorf("destroy: need exactly one <entity>")
		}
		e, err := parseEntity(args[0])
		if err != nil {
			return nil, err
		}
		return c.NewRequest(verb.Destroy, verb.DestroyParams{Entity: e})

	case "reparent":
		if len(args) < 2 {
			return nil, fmt.Errorf("reparent: need <parent|null> <entity>...")
		}
		var parent *world.Entity
		if args[0] != "null" {
			p, err := parseEntity(args[0])
			if err != nil {
				return nil, err
			}
			parent = &p
		}
		entities := make([]world.Entity, 0, len(args)-1)
		for _, arg := range args[1:] {
			e, err := parseEntity(arg)
			if err != nil {
				return nil, err
			}
			entities = append(entities, e)
		}
		return c.NewRequest(verb.Reparent, verb.ReparentParams{Entities: entities, Parent: parent})

	case "call":
		if len(args) < 1 || len(args) > 2 {
			return nil, fmt.Errorf("call: need <VERB> [<params-json>]")
		}
		params := json.RawMessage("{}")
		if len(args) == 2 {
			params = json.RawMessage(args[1])
			if !json.Valid(params) {
				return nil, fmt.Errorf("call: params are not valid JSON")
			}
		}
		return c.NewRequest(args[0], params)

	default:
		return nil, fmt.Errorf("unknown command %q", cmd)
	}
}

// parseEntity accepts the numeric handle or the index v generation form printed by the server.
func parseEntity(s string) (world.Entity, error) {
	if index, generation, ok := strings.Cut(s, "v"); ok {
		i, err := strconv.ParseUint(index, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid entity %q: %w", s, err)
		}
		g, err := strconv.ParseUint(generation, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid entity %q: %w", s, err)
		}
		return world.Entity(g<<32 | i), nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid entity %q: %w", s, err)
	}
	return world.Entity(n), nil
}

// parseComponents reads path=json pairs. A bare path is a marker component.
func parseComponents(args []string) (map[string]json.RawMessage, error) {
	components := make(map[string]json.RawMessage, len(args))
	for _, arg := range args {
		path, value, ok := strings.Cut(arg, "=")
		if !ok {
			components[path] = json.RawMessage("null")
			continue
		}
		raw := json.RawMessage(value)
		if !json.Valid(raw) {
			return nil, fmt.Errorf("value of %s is not valid JSON", path)
		}
		components[path] = raw
	}
	return components, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func printResponse(w io.Writer, resp *message.Response) error {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
