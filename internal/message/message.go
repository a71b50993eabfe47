// Package message is the append-only message log: creation, edits, soft
// deletes and reads of conversation messages.
package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/switchboard/internal/chaterr"
	"github.com/zulandar/switchboard/internal/conversation"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/moderation"
	"gorm.io/gorm"
)

const (
	// Tombstone replaces the body of a soft-deleted message.
	Tombstone = "This message has been deleted"

	// SystemSender is the sender id of synthetic system messages.
	SystemSender = models.SystemUserID

	DefaultMaxLength  = 5000
	DefaultEditWindow = 15 * time.Minute
	DefaultPageSize   = 50
	MaxPageSize       = 200
)

// Cipher seals and opens message bodies.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(stored string) string
}

// Moderator inspects bodies before they are stored.
type Moderator interface {
	Check(body string) moderation.Verdict
}

// AttachmentRemover deletes a message's attachments. Rows are removed
// within tx; the returned cleanup deletes stored content and runs only
// after the transaction commits.
type AttachmentRemover interface {
	RemoveForMessage(ctx context.Context, tx *gorm.DB, messageID string) (cleanup func(), err error)
}

// Store persists messages.
type Store struct {
	db         *gorm.DB
	cipher     Cipher
	moderator  Moderator
	remover    AttachmentRemover
	delivery   DeliveryMarker
	hooks      []Hook
	maxLength  int
	editWindow time.Duration
	log        logrus.FieldLogger
	now        func() time.Time
}

// Opts holds parameters for creating a Store.
type Opts struct {
	DB         *gorm.DB
	Cipher     Cipher
	Moderator  Moderator         // optional
	Remover    AttachmentRemover // optional
	Delivery   DeliveryMarker    // optional; promotes fetched messages to delivered
	Hooks      []Hook            // run in order after each committed change
	MaxLength  int               // code points; defaults to DefaultMaxLength
	EditWindow time.Duration     // defaults to DefaultEditWindow
	Log        logrus.FieldLogger
	Now        func() time.Time
}

// New creates a Store.
func New(opts Opts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("message: db is required")
	}
	if opts.Cipher == nil {
		return nil, fmt.Errorf("message: cipher is required")
	}
	s := &Store{
		db:         opts.DB,
		cipher:     opts.Cipher,
		moderator:  opts.Moderator,
		remover:    opts.Remover,
		delivery:   opts.Delivery,
		hooks:      opts.Hooks,
		maxLength:  opts.MaxLength,
		editWindow: opts.EditWindow,
		log:        opts.Log,
		now:        opts.Now,
	}
	if s.maxLength <= 0 {
		s.maxLength = DefaultMaxLength
	}
	if s.editWindow <= 0 {
		s.editWindow = DefaultEditWindow
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// AddHook appends a post-commit hook. Hooks must be added before the store
// is shared between goroutines.
func (s *Store) AddHook(h Hook) {
	s.hooks = append(s.hooks, h)
}

// CreateInput describes a new message.
type CreateInput struct {
	ConversationID string
	Sender         string
	Body           string
	Type           models.MessageType // defaults to text
	ReplyTo        *string
}

// Create appends a message to a conversation. The body is moderated,
// encrypted when the conversation is encrypted, and committed together with
// the conversation's activity marker before any hook runs.
func (s *Store) Create(ctx context.Context, in CreateInput) (*models.Message, error) {
	typ := in.Type
	if typ == "" {
		typ = models.MessageText
	}
	if !typ.Valid() {
		return nil, chaterr.Validation("message: unknown type %q", typ)
	}
	if typ == models.MessageSystem {
		return nil, chaterr.Validation("message: system messages cannot be sent by users")
	}
	if in.Sender == "" || in.Sender == SystemSender {
		return nil, chaterr.Validation("message: sender is required")
	}
	return s.create(ctx, in, typ)
}

// PostSystem appends a synthetic system message. It implements
// conversation.SystemPoster.
func (s *Store) PostSystem(ctx context.Context, conversationID, body string) (*models.Message, error) {
	return s.create(ctx, CreateInput{ConversationID: conversationID, Sender: SystemSender, Body: body}, models.MessageSystem)
}

func (s *Store) create(ctx context.Context, in CreateInput, typ models.MessageType) (*models.Message, error) {
	if err := s.validateBody(in.Body); err != nil {
		return nil, err
	}
	var verdict moderation.Verdict
	if s.moderator != nil && typ != models.MessageSystem {
		verdict = s.moderator.Check(in.Body)
	}

	var (
		msg          models.Message
		conv         *models.Conversation
		participants []string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		conv, err = conversation.LoadForUpdate(tx, in.ConversationID)
		if err != nil {
			return err
		}
		if typ != models.MessageSystem {
			if err := conversation.RequireParticipant(tx, conv.ID, in.Sender); err != nil {
				return err
			}
			if conv.Status == models.ConversationBlocked {
				return chaterr.PermissionDenied("message: conversation %s is blocked", conv.ID)
			}
		}
		if in.ReplyTo != nil {
			if err := requireSameConversation(tx, *in.ReplyTo, conv.ID); err != nil {
				return err
			}
		}

		// Creation times within a conversation never go backwards, so the
		// log and the activity marker stay ordered under clock skew.
		now := s.now()
		if now.Before(conv.LastActivityAt) {
			now = conv.LastActivityAt
		}
		msg = models.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			SenderID:       in.Sender,
			Type:           typ,
			Status:         models.StatusSent,
			ReplyToID:      in.ReplyTo,
			IsFlagged:      verdict.Flagged,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.seal(conv, &msg, in.Body); err != nil {
			return err
		}
		if err := tx.Create(&msg).Error; err != nil {
			return chaterr.Internal(err, "message: create")
		}

		updates := map[string]interface{}{"last_activity_at": now}
		if conv.Status == models.ConversationArchived {
			updates["status"] = models.ConversationActive
		}
		if err := tx.Model(&models.Conversation{}).Where("id = ?", conv.ID).Updates(updates).Error; err != nil {
			return chaterr.Internal(err, "message: touch conversation")
		}
		conv.LastActivityAt = now

		if typ != models.MessageSystem {
			if err := tx.Model(&models.ConversationParticipant{}).
				Where("conversation_id = ? AND user_id = ?", conv.ID, in.Sender).
				Update("last_read_at", now).Error; err != nil {
				return chaterr.Internal(err, "message: advance sender read marker")
			}
		}

		participants, err = conversation.ParticipantIDs(tx, conv.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if verdict.Flagged {
		s.log.WithFields(logrus.Fields{
			"message_id":      msg.ID,
			"conversation_id": msg.ConversationID,
			"sender":          msg.SenderID,
			"reasons":         strings.Join(verdict.Reasons, "; "),
		}).Warn("message: auto-flagged by moderation")
	}

	s.runHooks(ctx, &Change{
		Kind:         ChangeCreated,
		Conversation: *conv,
		Message:      msg,
		Content:      in.Body,
		Participants: participants,
	})
	return &msg, nil
}

// Edit replaces the body of a message. Only the sender may edit, and only
// within the edit window.
func (s *Store) Edit(ctx context.Context, id, editor, body string) (*models.Message, error) {
	if err := s.validateBody(body); err != nil {
		return nil, err
	}

	var (
		msg          models.Message
		conv         *models.Conversation
		participants []string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := loadMessage(tx, id, &msg); err != nil {
			return err
		}
		if msg.SenderID != editor || msg.Type == models.MessageSystem {
			return chaterr.PermissionDenied("message: only the sender can edit message %s", id)
		}
		if msg.IsDeleted {
			return chaterr.Validation("message: %s is deleted", id)
		}
		now := s.now()
		if now.Sub(msg.CreatedAt) > s.editWindow {
			return chaterr.EditWindowExpired("message: %s can only be edited within %s of sending", id, s.editWindow)
		}
		var err error
		conv, err = conversation.Load(tx, msg.ConversationID)
		if err != nil {
			return err
		}

		if s.moderator != nil {
			if v := s.moderator.Check(body); v.Flagged {
				msg.IsFlagged = true
				s.log.WithFields(logrus.Fields{
					"message_id": msg.ID,
					"sender":     msg.SenderID,
					"reasons":    strings.Join(v.Reasons, "; "),
				}).Warn("message: edit auto-flagged by moderation")
			}
		}
		if err := s.seal(conv, &msg, body); err != nil {
			return err
		}
		msg.IsEdited = true
		msg.UpdatedAt = now
		if err := tx.Model(&models.Message{}).Where("id = ?", msg.ID).Updates(map[string]interface{}{
			"body":       msg.Body,
			"ciphertext": msg.Ciphertext,
			"is_edited":  true,
			"is_flagged": msg.IsFlagged,
			"updated_at": now,
		}).Error; err != nil {
			return chaterr.Internal(err, "message: edit %s", id)
		}
		participants, err = conversation.ParticipantIDs(tx, conv.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.runHooks(ctx, &Change{Kind: ChangeEdited, Conversation: *conv, Message: msg, Content: body, Participants: participants})
	return &msg, nil
}

// SoftDelete replaces a message's body with the tombstone and removes its
// attachments. Only the sender may delete. Deleting twice is a no-op.
func (s *Store) SoftDelete(ctx context.Context, id, requester string) (*models.Message, error) {
	var (
		msg          models.Message
		participants []string
		cleanup      func()
		already      bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := loadMessage(tx, id, &msg); err != nil {
			return err
		}
		if msg.SenderID != requester || msg.Type == models.MessageSystem {
			return chaterr.PermissionDenied("message: only the sender can delete message %s", id)
		}
		if msg.IsDeleted {
			already = true
			return nil
		}
		if s.remover != nil {
			var err error
			cleanup, err = s.remover.RemoveForMessage(ctx, tx, id)
			if err != nil {
				return chaterr.Internal(err, "message: remove attachments of %s", id)
			}
		}
		now := s.now()
		if err := tx.Model(&models.Message{}).Where("id = ?", id).Updates(map[string]interface{}{
			"body":       Tombstone,
			"ciphertext": "",
			"is_deleted": true,
			"updated_at": now,
		}).Error; err != nil {
			return chaterr.Internal(err, "message: delete %s", id)
		}
		msg.Body, msg.Ciphertext, msg.IsDeleted, msg.UpdatedAt = Tombstone, "", true, now
		msg.Attachments = nil

		var err error
		participants, err = conversation.ParticipantIDs(tx, msg.ConversationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if already {
		return &msg, nil
	}
	if cleanup != nil {
		cleanup()
	}

	s.log.WithFields(logrus.Fields{"message_id": id, "requester": requester}).Info("message: soft-deleted")
	s.runHooks(ctx, &Change{
		Kind:         ChangeDeleted,
		Conversation: models.Conversation{ID: msg.ConversationID},
		Message:      msg,
		Content:      Tombstone,
		Participants: participants,
	})
	return &msg, nil
}

// Content returns the displayable body of a message: the tombstone once
// deleted, the decrypted body when sealed, the raw body otherwise.
func (s *Store) Content(m *models.Message) string {
	if m.IsDeleted {
		return Tombstone
	}
	if m.Ciphertext != "" {
		return s.cipher.Decrypt(m.Ciphertext)
	}
	return m.Body
}

// Get returns one message as seen by viewer.
func (s *Store) Get(ctx context.Context, id, viewer string) (*View, error) {
	tx := s.db.WithContext(ctx)
	var msg models.Message
	if err := loadMessage(tx.Preload("Attachments"), id, &msg); err != nil {
		return nil, err
	}
	if err := conversation.RequireParticipant(tx, msg.ConversationID, viewer); err != nil {
		return nil, chaterr.NotFound("message %s not found", id)
	}
	if msg.IsHidden && msg.SenderID != viewer {
		return nil, chaterr.NotFound("message %s not found", id)
	}
	return &View{Message: msg, Content: s.Content(&msg)}, nil
}

// ListOpts pages through a conversation log.
type ListOpts struct {
	Before *time.Time // only messages created strictly before
	Limit  int        // defaults to DefaultPageSize
}

// List returns up to Limit of the newest messages in ascending
// (created_at, id) order. Messages hidden by moderation are shown only to
// their sender. Fetching promotes the viewer's undelivered messages to
// delivered.
func (s *Store) List(ctx context.Context, conversationID, viewer string, opts ListOpts) ([]View, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	tx := s.db.WithContext(ctx)
	if _, err := conversation.Load(tx, conversationID); err != nil {
		return nil, err
	}
	if err := conversation.RequireParticipant(tx, conversationID, viewer); err != nil {
		return nil, err
	}

	if s.delivery != nil {
		if _, err := s.delivery.MarkDelivered(ctx, conversationID, viewer); err != nil {
			s.log.WithError(err).WithField("conversation_id", conversationID).Warn("message: mark delivered on fetch failed")
		}
	}

	q := tx.Preload("Attachments").
		Where("conversation_id = ?", conversationID).
		Where("is_hidden = ? OR sender_id = ?", false, viewer)
	if opts.Before != nil {
		q = q.Where("created_at < ?", *opts.Before)
	}
	var msgs []models.Message
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, chaterr.Internal(err, "message: list %s", conversationID)
	}

	views := make([]View, len(msgs))
	for i := range msgs {
		m := msgs[len(msgs)-1-i]
		views[i] = View{Message: m, Content: s.Content(&m)}
	}
	return views, nil
}

func (s *Store) validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return chaterr.Validation("message: body is required")
	}
	if !utf8.ValidString(body) {
		return chaterr.Validation("message: body is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(body); n > s.maxLength {
		return chaterr.Validation("message: body is %d characters, max %d", n, s.maxLength)
	}
	return nil
}

// seal stores body on msg, encrypted when the conversation requires it.
func (s *Store) seal(conv *models.Conversation, msg *models.Message, body string) error {
	if !conv.IsEncrypted {
		msg.Body, msg.Ciphertext = body, ""
		return nil
	}
	ct, err := s.cipher.Encrypt(body)
	if err != nil {
		return chaterr.Internal(err, "message: encrypt")
	}
	msg.Body, msg.Ciphertext = "", ct
	return nil
}

func (s *Store) runHooks(ctx context.Context, c *Change) {
	for _, h := range s.hooks {
		h.AfterCommit(ctx, c)
	}
}

func loadMessage(tx *gorm.DB, id string, msg *models.Message) error {
	err := tx.Where("id = ?", id).First(msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chaterr.NotFound("message %s not found", id)
	}
	if err != nil {
		return chaterr.Internal(err, "message: load %s", id)
	}
	return nil
}

// requireSameConversation checks that a reply target exists in the same
// conversation. Replies can only point at already stored messages and the
// reference is immutable, so reply chains cannot form cycles.
func requireSameConversation(tx *gorm.DB, replyTo, conversationID string) error {
	var n int64
	if err := tx.Model(&models.Message{}).
		Where("id = ? AND conversation_id = ?", replyTo, conversationID).
		Count(&n).Error; err != nil {
		return chaterr.Internal(err, "message: check reply target")
	}
	if n == 0 {
		return chaterr.Validation("message: reply target %s is not in conversation %s", replyTo, conversationID)
	}
	return nil
}
