// Package message defines the envelopes exchanged between a remote-control client and server.
//
// A Request is the "envelope" for every call:
//
//	{"request": "GET", "id": 0, "params": {"data": {"entity": 4294967298, "components": [...]}}}
//
// A Response always carries "status" and the echoed "id". On success the verb-specific fields are
// merged at the top level; on failure a "message" string is present:
//
//	{"status": "OK", "id": 0, "entity": 4294967298, "components": {...}}
//	{"status": "ERROR", "id": 0, "message": "Unknown verb: `FROB`"}
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Status is the outcome carried by every Response.
type Status string

const (
	StatusOK    Status = "OK"
	StatusError Status = "ERROR"
)

// Reserved response keys. Verb fields with these names are shadowed by the envelope.
const (
	keyStatus  = "status"
	keyID      = "id"
	keyMessage = "message"
)

// NullID is sent back when the request id could not be recovered.
var NullID = json.RawMessage("null")

// ErrNotObject is returned when a verb result does not encode to a JSON object.
var ErrNotObject = errors.New("Response wasn't an object")

// Request carries one call from a client.
//
//   - Verb is case-sensitive and conventionally upper-case ("QUERY", "GET", ...).
//   - ID is arbitrary JSON, kept as raw bytes so the response echoes it unchanged.
//   - Params is verb specific and handed to the handler undecoded.
type Request struct {
	Verb   string          `json:"request"`
	ID     json.RawMessage `json:"id"`
	Params json.RawMessage `json:"params"`
}

// Validate reports a missing envelope field. json.RawMessage receives "null" for an explicit
// null, so a nil slice means the key was absent.
func (r *Request) Validate() error {
	switch {
	case r.Verb == "":
		return fmt.Errorf("missing field `request`")
	case r.ID == nil:
		return fmt.Errorf("missing field `id`")
	case r.Params == nil:
		return fmt.Errorf("missing field `params`")
	}
	return nil
}

// NewRequest builds a request, encoding id and params as JSON.
func NewRequest(verb string, id any, params any) (*Request, error) {
	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("encoding id: %w", err)
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	return &Request{Verb: verb, ID: rawID, Params: rawParams}, nil
}

// Response is the reply to exactly one Request.
type Response struct {
	Status  Status
	ID      json.RawMessage
	Message string                     // Set when Status is StatusError
	Fields  map[string]json.RawMessage // Verb fields, merged at top level when Status is StatusOK
}

// OK builds a success response.
func OK(id json.RawMessage, fields map[string]json.RawMessage) *Response {
	return &Response{Status: StatusOK, ID: id, Fields: fields}
}

// Error builds a failure response.
func Error(id json.RawMessage, message string) *Response {
	return &Response{Status: StatusError, ID: id, Message: message}
}

// FieldsOf encodes a verb result and splits it into top-level fields. A nil result yields no
// fields; anything that is not a JSON object yields ErrNotObject.
func FieldsOf(result any) (map[string]json.RawMessage, error) {
	if result == nil {
		return map[string]json.RawMessage{}, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, ErrNotObject
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// MarshalJSON flattens the envelope and the verb fields into one object.
func (r Response) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.Fields)+3)
	if r.Status == StatusOK {
		for k, v := range r.Fields {
			out[k] = v
		}
	}
	status, err := json.Marshal(r.Status)
	if err != nil {
		return nil, err
	}
	out[keyStatus] = status
	if len(r.ID) == 0 {
		out[keyID] = NullID
	} else {
		out[keyID] = r.ID
	}
	if r.Status != StatusOK {
		msg, err := json.Marshal(r.Message)
		if err != nil {
			return nil, err
		}
		out[keyMessage] = msg
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a flattened response back into envelope and fields.
func (r *Response) UnmarshalJSON(data []byte) error {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	rawStatus, ok := all[keyStatus]
	if !ok {
		return fmt.Errorf("missing field `status`")
	}
	var status Status
	if err := json.Unmarshal(rawStatus, &status); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}
	if status != StatusOK && status != StatusError {
		return fmt.Errorf("unknown status %q", status)
	}
	r.Status = status
	r.ID = all[keyID]
	r.Message = ""
	if status == StatusError {
		if rawMsg, ok := all[keyMessage]; ok {
			if err := json.Unmarshal(rawMsg, &r.Message); err != nil {
				return fmt.Errorf("decoding message: %w", err)
			}
		}
	}
	delete(all, keyStatus)
	delete(all, keyID)
	if status == StatusError {
		delete(all, keyMessage)
	}
	r.Fields = all
	return nil
}

// Err returns the remote failure as an error, or nil for an OK response.
func (r *Response) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return &RemoteError{Message: r.Message}
}

// Decode unmarshals the verb fields into v as if they were one JSON object.
func (r *Response) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	fields := r.Fields
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// RemoteError is an ERROR response surfaced on the client side.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}
