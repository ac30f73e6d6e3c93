package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"skyhack.ai/internal/protocol"
)

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// asDoc converts a Go value to the generic form the validator expects.
func asDoc(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return doc
}

func TestSchemas_ValidateSamples(t *testing.T) {
	cmd := compileSchema(t, "command_response.schema.json")
	errSchema := compileSchema(t, "error_response.schema.json")
	frameSchema := compileSchema(t, "frame.schema.json")

	ok := protocol.CommandResponse{
		Status:    protocol.StatusSuccess,
		Message:   "Received command: wait",
		Action:    "wait",
		Obsv:      map[string]any{"text_message": "Time passes."},
		Info:      map[string]any{"turn": 1},
		Screen:    "@..\n...",
		ImgBase64: "iVBORw0KGgo=",
		Turn:      1,
		Episode:   1,
	}
	if err := cmd.Validate(asDoc(t, ok)); err != nil {
		t.Fatalf("command response: %v", err)
	}

	bad := ok
	bad.Status = protocol.StatusError
	if err := cmd.Validate(asDoc(t, bad)); err == nil {
		t.Fatalf("expected status=error to be rejected by the success schema")
	}

	missing := protocol.ErrorResponse{Status: protocol.StatusError, Message: "Missing command parameter"}
	if err := errSchema.Validate(asDoc(t, missing)); err != nil {
		t.Fatalf("error response: %v", err)
	}
	coded := protocol.NewError(protocol.ErrUnrecognizedCommand, "Unrecognized command: xyzzy")
	if err := errSchema.Validate(asDoc(t, coded)); err != nil {
		t.Fatalf("coded error response: %v", err)
	}

	var frame any
	_ = json.Unmarshal([]byte(`{
	  "type":"FRAME",
	  "protocol_version":"1.0",
	  "turn":3,
	  "episode":1,
	  "command":"k",
	  "action":"north",
	  "reward":0,
	  "done":false,
	  "screen":"@"
	}`), &frame)
	if err := frameSchema.Validate(frame); err != nil {
		t.Fatalf("frame: %v", err)
	}
}
