package models

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestConversation_Fields(t *testing.T) {
	typ := reflect.TypeOf(Conversation{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "size:36")
	assertGormTag(t, typ, "Type", "default:direct")
	assertGormTag(t, typ, "Status", "default:active")
	assertGormTag(t, typ, "Status", "index")
	assertGormTag(t, typ, "BookingRef", "index")
	assertGormTag(t, typ, "LastActivityAt", "index")
	assertGormTag(t, typ, "Participants", "foreignKey:ConversationID")

	assertFieldType(t, typ, "Type", "models.ConversationType")
	assertFieldType(t, typ, "AutoDeleteAfterDays", "*int")
	assertFieldType(t, typ, "LastActivityAt", "time.Time")
}

func TestConversationParticipant_CompositeKey(t *testing.T) {
	typ := reflect.TypeOf(ConversationParticipant{})

	assertGormTag(t, typ, "ConversationID", "primaryKey")
	assertGormTag(t, typ, "UserID", "primaryKey")
	assertFieldType(t, typ, "LastReadAt", "*time.Time")

	// Notification preferences must not carry a gorm default: an explicit
	// false would be replaced by the column default on insert.
	for _, f := range []string{"EmailNotify", "PushNotify"} {
		if tag := gormTag(t, typ, f); strings.Contains(tag, "default") {
			t.Errorf("%s gorm tag = %q, must not declare a default", f, tag)
		}
	}
}

func TestMessage_Fields(t *testing.T) {
	typ := reflect.TypeOf(Message{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ConversationID", "index:idx_messages_log,priority:1")
	assertGormTag(t, typ, "CreatedAt", "index:idx_messages_log,priority:2")
	assertGormTag(t, typ, "Body", "type:text")
	assertGormTag(t, typ, "Ciphertext", "type:text")
	assertGormTag(t, typ, "Status", "default:sent")
	assertGormTag(t, typ, "IsDeleted", "index")
	assertGormTag(t, typ, "Attachments", "foreignKey:MessageID")

	assertFieldType(t, typ, "ReplyToID", "*string")
	assertFieldType(t, typ, "DeliveredAt", "*time.Time")
	assertFieldType(t, typ, "Status", "models.MessageStatus")
}

func TestMessageReadStatus_CompositeKey(t *testing.T) {
	typ := reflect.TypeOf(MessageReadStatus{})
	assertGormTag(t, typ, "MessageID", "primaryKey")
	assertGormTag(t, typ, "UserID", "primaryKey")
}

func TestMessageFlag_CompositeKey(t *testing.T) {
	typ := reflect.TypeOf(MessageFlag{})
	assertGormTag(t, typ, "MessageID", "primaryKey")
	assertGormTag(t, typ, "FlaggerID", "primaryKey")
}

func TestMessageAttachment_Fields(t *testing.T) {
	typ := reflect.TypeOf(MessageAttachment{})
	assertGormTag(t, typ, "MessageID", "index")
	assertGormTag(t, typ, "ScanState", "default:pending")
	assertFieldType(t, typ, "Size", "int64")
	assertFieldType(t, typ, "ScannedAt", "*time.Time")
}

func TestMessageStatus_Rank(t *testing.T) {
	if !(StatusSent.Rank() < StatusDelivered.Rank() && StatusDelivered.Rank() < StatusRead.Rank()) {
		t.Error("status ranks must increase sent < delivered < read")
	}
	if StatusFailed.Rank() != 0 {
		t.Errorf("failed rank = %d, want 0", StatusFailed.Rank())
	}
}

func TestTypes_Valid(t *testing.T) {
	for _, ct := range []ConversationType{ConversationDirect, ConversationBooking, ConversationListing, ConversationSupport} {
		if !ct.Valid() {
			t.Errorf("%q should be valid", ct)
		}
	}
	if ConversationType("group").Valid() {
		t.Error("unknown conversation type accepted")
	}
	for _, mt := range []MessageType{MessageText, MessageImage, MessageFile, MessageSystem} {
		if !mt.Valid() {
			t.Errorf("%q should be valid", mt)
		}
	}
	if MessageType("video").Valid() {
		t.Error("unknown message type accepted")
	}
}

func TestMessage_Instantiation(t *testing.T) {
	now := time.Now()
	reply := "m-1"
	m := Message{
		ID:             "m-2",
		ConversationID: "c-1",
		SenderID:       "alice",
		Body:           "hello",
		Type:           MessageText,
		Status:         StatusSent,
		ReplyToID:      &reply,
		CreatedAt:      now,
	}
	if *m.ReplyToID != "m-1" {
		t.Errorf("ReplyToID = %q", *m.ReplyToID)
	}
	if m.IsDeleted || m.IsFlagged || m.IsHidden {
		t.Error("new message should not carry moderation flags")
	}
}
