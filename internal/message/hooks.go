package message

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/switchboard/internal/fanout"
	"github.com/zulandar/switchboard/internal/models"
)

// ChangeKind names a committed message mutation.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeEdited  ChangeKind = "edited"
	ChangeDeleted ChangeKind = "deleted"
)

// Change describes a committed mutation. Hooks run in order and may record
// results for later hooks, such as the fanout Delivery.
type Change struct {
	Kind         ChangeKind
	Conversation models.Conversation
	Message      models.Message
	Content      string   // displayable body
	Participants []string // participants at commit time, join order
	Delivery     fanout.Delivery
}

// Recipients returns every participant except the sender.
func (c *Change) Recipients() []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != c.Message.SenderID {
			out = append(out, p)
		}
	}
	return out
}

// Hook runs after a message mutation has been committed. Hooks cannot fail
// the originating call; they log their own errors.
type Hook interface {
	AfterCommit(ctx context.Context, c *Change)
}

// HookFunc adapts a function to the Hook interface.
type HookFunc func(ctx context.Context, c *Change)

// AfterCommit calls f(ctx, c).
func (f HookFunc) AfterCommit(ctx context.Context, c *Change) { f(ctx, c) }

// FanoutHook publishes new_message, message_edited and message_deleted
// events to the other participants and stores the Delivery on the Change.
type FanoutHook struct {
	Publisher fanout.Publisher
}

// AfterCommit implements Hook.
func (h FanoutHook) AfterCommit(ctx context.Context, c *Change) {
	var typ fanout.EventType
	switch c.Kind {
	case ChangeCreated:
		typ = fanout.EventNewMessage
	case ChangeEdited:
		typ = fanout.EventMessageEdited
	case ChangeDeleted:
		typ = fanout.EventMessageDeleted
	default:
		return
	}
	// Hidden messages are only visible to their sender, who is excluded.
	if c.Message.IsHidden {
		return
	}
	c.Delivery = h.Publisher.Publish(ctx, c.Participants, c.Message.SenderID, fanout.Event{
		Type:           typ,
		ConversationID: c.Message.ConversationID,
		Payload:        Payload(&c.Message, c.Content),
	})
}

// DeliveryMarker records delivery of messages to recipients.
type DeliveryMarker interface {
	MarkMessageDelivered(ctx context.Context, messageID string) error
	MarkDelivered(ctx context.Context, conversationID, recipient string) (int64, error)
}

// DeliveryHook marks a new message delivered when the preceding fanout
// reached at least one recipient session.
type DeliveryHook struct {
	Marker DeliveryMarker
	Log    logrus.FieldLogger
}

// AfterCommit implements Hook.
func (h DeliveryHook) AfterCommit(ctx context.Context, c *Change) {
	if c.Kind != ChangeCreated {
		return
	}
	reached := false
	for _, r := range c.Recipients() {
		if c.Delivery.Reached(r) {
			reached = true
			break
		}
	}
	if !reached {
		return
	}
	if err := h.Marker.MarkMessageDelivered(ctx, c.Message.ID); err != nil && h.Log != nil {
		h.Log.WithError(err).WithField("message_id", c.Message.ID).Warn("message: mark delivered failed")
	}
}
