package main

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/conversation"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/fanout"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/message"
	"github.com/zulandar/switchboard/internal/models"
)

func TestServeCmd_Help(t *testing.T) {
	out, err := runCmd(t, "serve", "--help")
	if err != nil {
		t.Fatalf("serve --help failed: %v", err)
	}
	for _, want := range []string{"websocket", "--port", "--config", "--migrate"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected help to mention %q, got: %s", want, out)
		}
	}
}

func TestServeCmd_MissingConfig(t *testing.T) {
	_, err := runCmd(t, "serve", "--config", "/nonexistent/switchboard.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q", err.Error())
	}
}

func newTestApp(t *testing.T, extra string) *app {
	t.Helper()
	cfg, err := config.Load(writeConfig(t, extra))
	if err != nil {
		t.Fatal(err)
	}
	gormDB, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatal(err)
	}
	a, err := buildApp(cfg, gormDB, logging.Discard(), io.Discard)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	return a
}

func TestBuildApp_MessageReachesLiveSession(t *testing.T) {
	a := newTestApp(t, "moderation:\n  keywords: [\"wire transfer\"]\nnotify:\n  command: \"true\"\n")
	if a.notifications == nil {
		t.Fatal("notify.command set but no notification hook")
	}
	ctx := context.Background()

	bob := fanout.NewMockSession("bob-1")
	a.hub.Register("bob", bob)

	conv, err := a.conversations.Create(ctx, conversation.CreateInput{Participants: []string{"alice", "bob"}})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := a.messages.Create(ctx, message.CreateInput{ConversationID: conv.ID, Sender: "alice", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	a.notifications.Wait()

	if got := bob.EventsOfType(fanout.EventNewMessage); len(got) != 1 {
		t.Fatalf("bob new_message events = %d, want 1", len(got))
	}
	view, err := a.messages.Get(ctx, msg.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != models.StatusDelivered {
		t.Errorf("status = %s, want delivered", view.Status)
	}

	flagged, err := a.messages.Create(ctx, message.CreateInput{ConversationID: conv.ID, Sender: "alice", Body: "pay by wire transfer"})
	if err != nil {
		t.Fatal(err)
	}
	a.notifications.Wait()
	if !flagged.IsFlagged {
		t.Error("keyword from config did not flag the message")
	}

	n, err := a.tracker.MarkRead(ctx, conv.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("marked read = %d, want 2", n)
	}
}

func TestApp_RelayedDeliveryMarksDelivered(t *testing.T) {
	a := newTestApp(t, "")
	ctx := context.Background()
	conv, err := a.conversations.Create(ctx, conversation.CreateInput{Participants: []string{"alice", "bob"}})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := a.messages.Create(ctx, message.CreateInput{ConversationID: conv.ID, Sender: "alice", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != models.StatusSent {
		t.Fatalf("status = %s, want sent with no live sessions", msg.Status)
	}

	// Other event types and payloads without an id are ignored.
	a.relayedDelivery(ctx, fanout.Event{Type: fanout.EventMessageRead, Payload: map[string]any{"id": msg.ID}}, fanout.Delivery{"bob": 1})
	a.relayedDelivery(ctx, fanout.Event{Type: fanout.EventNewMessage}, fanout.Delivery{"bob": 1})
	view, err := a.messages.Get(ctx, msg.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != models.StatusSent {
		t.Errorf("status = %s, want sent", view.Status)
	}

	a.relayedDelivery(ctx, fanout.Event{Type: fanout.EventNewMessage, ConversationID: conv.ID, Payload: map[string]any{"id": msg.ID}}, fanout.Delivery{"bob": 1})
	view, err = a.messages.Get(ctx, msg.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != models.StatusDelivered {
		t.Errorf("status = %s, want delivered", view.Status)
	}
}

func TestBuildApp_NoNotifyCommand(t *testing.T) {
	a := newTestApp(t, "")
	if a.notifications != nil {
		t.Error("notification hook built without notify.command")
	}
	if err := a.rescan(context.Background()); err != nil {
		t.Errorf("rescan: %v", err)
	}
	if res, err := a.sweeper.Sweep(context.Background()); err != nil || res.Expired != 0 || res.Purged != 0 {
		t.Errorf("sweep = %+v, %v", res, err)
	}
}
