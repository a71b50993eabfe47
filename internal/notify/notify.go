// Package notify tells offline participants about new messages through an
// external email/push dispatcher.
package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/switchboard/internal/message"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// Channel is an outbound notification medium.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// previewRunes bounds the message excerpt carried in a notification.
const previewRunes = 140

// Notification is the rendered context handed to the dispatcher.
type Notification struct {
	Recipient      string
	Sender         string
	ConversationID string
	MessageID      string
	Preview        string
	Channels       []Channel
}

// Notifier dispatches notifications. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f(ctx, n).
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// CommandNotifier runs a shell command template per notification, e.g.
// "mail-push --to {{.Recipient}} --via {{.Channels}} {{.Preview}}".
// Substituted values are shell-quoted.
type CommandNotifier struct {
	Command string
}

// Notify implements Notifier.
func (c CommandNotifier) Notify(ctx context.Context, n Notification) error {
	if c.Command == "" {
		return nil
	}
	cmdStr := templateNotification(c.Command, n)
	if out, err := exec.CommandContext(ctx, "sh", "-c", cmdStr).CombinedOutput(); err != nil {
		return fmt.Errorf("notify: command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// templateNotification replaces placeholders in the command template with
// quoted notification values.
func templateNotification(command string, n Notification) string {
	channels := make([]string, len(n.Channels))
	for i, ch := range n.Channels {
		channels[i] = string(ch)
	}
	r := strings.NewReplacer(
		"{{.Recipient}}", quote(n.Recipient),
		"{{.Sender}}", quote(n.Sender),
		"{{.Conversation}}", quote(n.ConversationID),
		"{{.Message}}", quote(n.MessageID),
		"{{.Preview}}", quote(n.Preview),
		"{{.Channels}}", quote(strings.Join(channels, ",")),
	)
	return r.Replace(command)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Presence reports live sessions per user on any node.
type Presence interface {
	OnlineAnywhere(user string) int
}

// Hook is a message.Hook that notifies recipients who were not reached by
// the realtime fanout, have no live session, have not muted the
// conversation, and have at least one channel enabled. Dispatch runs in the
// background; Wait blocks until it drains.
type Hook struct {
	db       *gorm.DB
	notifier Notifier
	presence Presence
	log      logrus.FieldLogger

	wg sync.WaitGroup
}

// HookOpts holds parameters for creating a Hook.
type HookOpts struct {
	DB       *gorm.DB
	Notifier Notifier
	Presence Presence // optional
	Log      logrus.FieldLogger
}

// NewHook creates a Hook.
func NewHook(opts HookOpts) (*Hook, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("notify: db is required")
	}
	if opts.Notifier == nil {
		return nil, fmt.Errorf("notify: notifier is required")
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hook{db: opts.DB, notifier: opts.Notifier, presence: opts.Presence, log: log}, nil
}

// AfterCommit implements message.Hook.
func (h *Hook) AfterCommit(ctx context.Context, c *message.Change) {
	if c.Kind != message.ChangeCreated || c.Message.Type == models.MessageSystem || c.Message.IsHidden {
		return
	}
	var offline []string
	for _, r := range c.Recipients() {
		if c.Delivery.Reached(r) {
			continue
		}
		if h.presence != nil && h.presence.OnlineAnywhere(r) > 0 {
			continue
		}
		offline = append(offline, r)
	}
	if len(offline) == 0 {
		return
	}

	var prefs []models.ConversationParticipant
	if err := h.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id IN ?", c.Message.ConversationID, offline).
		Find(&prefs).Error; err != nil {
		h.log.WithError(err).WithField("message_id", c.Message.ID).Warn("notify: load preferences failed")
		return
	}

	preview := truncate(c.Content, previewRunes)
	for _, p := range prefs {
		if p.IsMuted || p.IsBlocked {
			continue
		}
		var channels []Channel
		if p.EmailNotify {
			channels = append(channels, ChannelEmail)
		}
		if p.PushNotify {
			channels = append(channels, ChannelPush)
		}
		if len(channels) == 0 {
			continue
		}
		n := Notification{
			Recipient:      p.UserID,
			Sender:         c.Message.SenderID,
			ConversationID: c.Message.ConversationID,
			MessageID:      c.Message.ID,
			Preview:        preview,
			Channels:       channels,
		}
		h.wg.Add(1)
		go h.send(context.WithoutCancel(ctx), n)
	}
}

// Wait blocks until every dispatched notification has finished.
func (h *Hook) Wait() { h.wg.Wait() }

func (h *Hook) send(ctx context.Context, n Notification) {
	defer h.wg.Done()
	fields := logrus.Fields{"recipient": n.Recipient, "message_id": n.MessageID, "channels": n.Channels}
	if err := h.notifier.Notify(ctx, n); err != nil {
		h.log.WithFields(fields).WithError(err).Warn("notify: dispatch failed")
		return
	}
	h.log.WithFields(fields).Debug("notify: dispatched")
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "…"
}
