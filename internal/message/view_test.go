package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/zulandar/switchboard/internal/fanout"
	"github.com/zulandar/switchboard/internal/models"
)

func TestPayload_MessageTypeSurvivesFrame(t *testing.T) {
	for _, typ := range []models.MessageType{models.MessageText, models.MessageImage, models.MessageFile, models.MessageSystem} {
		m := &models.Message{ID: "m1", ConversationID: "c1", SenderID: "x", Type: typ, Status: models.StatusSent, CreatedAt: time.Now()}
		data, err := json.Marshal(fanout.Event{Type: fanout.EventNewMessage, ConversationID: "c1", Payload: Payload(m, "hi")})
		if err != nil {
			t.Fatalf("marshal %s: %v", typ, err)
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatal(err)
		}
		if frame["type"] != "new_message" {
			t.Errorf("event type = %v", frame["type"])
		}
		if frame["message_type"] != string(typ) {
			t.Errorf("message type %q lost from frame %s", typ, data)
		}
	}
}
