package message

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRequestValidate(t *testing.T) {
	cases := []struct {
		name string
		body string
		ok   bool
	}{
		{"complete", `{"request":"GET","id":0,"params":{}}`, true},
		{"null id", `{"request":"GET","id":null,"params":null}`, true},
		{"missing verb", `{"id":0,"params":{}}`, false},
		{"missing id", `{"request":"GET","params":{}}`, false},
		{"missing params", `{"request":"GET","id":0}`, false},
	}
	for _, tc := range cases {
		var req Request
		if err := json.Unmarshal([]byte(tc.body), &req); err != nil {
			t.Fatalf("%s: unmarshal: %v", tc.name, err)
		}
		err := req.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: expect valid, got %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expect error", tc.name)
		}
	}
}

func TestResponseMergesFields(t *testing.T) {
	fields, err := FieldsOf(map[string]any{"entity": 42, "status": "shadowed"})
	if err != nil {
		t.Fatal(err)
	}
	resp := OK(json.RawMessage(`{"seq":[1,"a"]}`), fields)

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}

	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatal(err)
	}
	if flat["status"] != "OK" {
		t.Fatalf("expect status OK, got %v", flat["status"])
	}
	if flat["entity"] != float64(42) {
		t.Fatalf("expect entity 42 at top level, got %v", flat["entity"])
	}
	if _, ok := flat["message"]; ok {
		t.Fatal("OK response must not carry message")
	}

	var back Response
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if string(back.ID) != `{"seq":[1,"a"]}` {
		t.Fatalf("id mismatch: %s", back.ID)
	}
	var out struct {
		Entity uint64 `json:"entity"`
	}
	if err := back.Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Entity != 42 {
		t.Fatalf("expect 42, got %d", out.Entity)
	}
}

func TestErrorResponse(t *testing.T) {
	data, err := json.Marshal(Error(nil, "Unknown verb: `FROB`"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{\"id\":null,\"message\":\"Unknown verb: `FROB`\",\"status\":\"ERROR\"}" {
		t.Fatalf("unexpected encoding: %s", data)
	}

	var back Response
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	var remote *RemoteError
	if !errors.As(back.Err(), &remote) {
		t.Fatalf("expect RemoteError, got %v", back.Err())
	}
	if remote.Message != "Unknown verb: `FROB`" {
		t.Fatalf("message mismatch: %q", remote.Message)
	}
}

func TestFieldsOfRejectsNonObject(t *testing.T) {
	if _, err := FieldsOf([]int{1, 2}); !errors.Is(err, ErrNotObject) {
		t.Fatalf("expect ErrNotObject, got %v", err)
	}
	fields, err := FieldsOf(nil)
	if err != nil || len(fields) != 0 {
		t.Fatalf("nil result should give empty fields, got %v %v", fields, err)
	}
}
