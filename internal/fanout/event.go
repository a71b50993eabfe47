package fanout

import (
	"encoding/json"
	"fmt"
)

// EventType names a realtime event.
type EventType string

const (
	EventNewMessage         EventType = "new_message"
	EventMessageRead        EventType = "message_read"
	EventMessageEdited      EventType = "message_edited"
	EventMessageDeleted     EventType = "message_deleted"
	EventParticipantAdded   EventType = "participant_added"
	EventParticipantRemoved EventType = "participant_removed"
	EventNewAttachment      EventType = "new_attachment"

	// EventError reports a rejected client frame to the session that sent
	// it. Like pong it never goes through the hub.
	EventError EventType = "error"

	// EventPong answers a client ping. It is a liveness frame, not a
	// business event, and is never routed through the hub.
	EventPong EventType = "pong"
)

// Event is a frame pushed to sessions. It is encoded as a flat JSON object:
// {"type": ..., "conversation_id": ..., <payload keys>...}.
type Event struct {
	Type           EventType
	ConversationID string
	Payload        map[string]any
}

// MarshalJSON implements json.Marshaler. Payload keys that collide with
// the envelope keys are rejected rather than overwritten.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		if k == "type" || k == "conversation_id" {
			return nil, fmt.Errorf("fanout: %s payload uses reserved key %q", e.Type, k)
		}
		m[k] = v
	}
	m["type"] = e.Type
	if e.ConversationID != "" {
		m["conversation_id"] = e.ConversationID
	}
	return json.Marshal(m)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	typ, ok := m["type"].(string)
	if !ok || typ == "" {
		return fmt.Errorf("fanout: event missing type")
	}
	e.Type = EventType(typ)
	delete(m, "type")
	if cid, ok := m["conversation_id"].(string); ok {
		e.ConversationID = cid
		delete(m, "conversation_id")
	}
	if len(m) > 0 {
		e.Payload = m
	} else {
		e.Payload = nil
	}
	return nil
}
