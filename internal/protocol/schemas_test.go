package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/procmadatelzobak/iris-relay/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	envelopeSchema := compile("envelope.schema.json")
	chatSchema := compile("chat.schema.json")
	gamestateSchema := compile("gamestate.schema.json")

	var envelope any
	_ = json.Unmarshal([]byte(`{
	  "type":"task_pay",
	  "task_id":12,
	  "rating":85
	}`), &envelope)
	validate(envelopeSchema, envelope)

	chat, err := json.Marshal(protocol.ChatRelay{
		Type: protocol.TypeChat, Sender: "A-3", Role: protocol.RoleOperator,
		Content: "all nominal", SessionID: 3, ID: 17,
	})
	if err != nil {
		t.Fatal(err)
	}
	var chatDoc any
	_ = json.Unmarshal(chat, &chatDoc)
	validate(chatSchema, chatDoc)

	temp := 321.5
	shift := 3
	over := false
	gs, err := json.Marshal(protocol.GamestateUpdate{
		Type: protocol.TypeGamestateUpdate, Temperature: &temp, Shift: &shift,
		IsOverloaded: &over, HyperMode: "normal", ReactorMode: "normal",
	})
	if err != nil {
		t.Fatal(err)
	}
	var gsDoc any
	_ = json.Unmarshal(gs, &gsDoc)
	validate(gamestateSchema, gsDoc)
}

func TestDecodeEnvelopeBareText(t *testing.T) {
	e := protocol.DecodeEnvelope([]byte("plain words"))
	if e.Type != "" || e.Content != "plain words" {
		t.Fatalf("envelope = %+v", e)
	}
}

func TestDecodeEnvelopeObject(t *testing.T) {
	e := protocol.DecodeEnvelope([]byte(`{"type":"chat","content":"hi","confirm_opt":true}`))
	if e.Type != "chat" || e.Content != "hi" || !e.ConfirmOpt {
		t.Fatalf("envelope = %+v", e)
	}
}

func TestIsKnownCode(t *testing.T) {
	if !protocol.IsKnownCode(protocol.ErrNoPrompt) || !protocol.IsKnownCode("") {
		t.Fatal("known codes rejected")
	}
	if protocol.IsKnownCode("E_MADE_UP") {
		t.Fatal("unknown code accepted")
	}
}
