package jsoncodec

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/devghori1264/aerophoenix/instanced/internal/models"
)

func TestRecordRoundTrip(t *testing.T) {
	in := models.InstanceRecord{
		ID:         "acct1",
		Name:       "Acct One",
		WebhookURL: "http://x/hook",
		CreatedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out models.InstanceRecord
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}
}

func TestEncodeDecodeKeepsRawMessage(t *testing.T) {
	buf := &bytes.Buffer{}
	ev := models.ForwardEvent{Type: models.EventMessage, Message: json.RawMessage(`{"text":"hi"}`)}
	if err := Encode(buf, models.Delivery{InstanceID: "acct1", Event: ev}); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded models.Delivery
	if err := Decode(buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.InstanceID != "acct1" || string(decoded.Event.Message) != `{"text":"hi"}` {
		t.Fatalf("unexpected delivery %#v", decoded)
	}
}
