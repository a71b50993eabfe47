// Package delivery records read receipts and derives unread counts from them.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/switchboard/internal/chaterr"
	"github.com/zulandar/switchboard/internal/conversation"
	"github.com/zulandar/switchboard/internal/fanout"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// insertBatch bounds the rows per read-status INSERT.
const insertBatch = 200

// promoteReadSQL moves messages to read once every current participant
// other than the sender has a read-status row.
const promoteReadSQL = `UPDATE messages SET status = ?, delivered_at = COALESCE(delivered_at, ?)
WHERE id IN ? AND status <> ? AND NOT EXISTS (
	SELECT 1 FROM conversation_participants p
	WHERE p.conversation_id = messages.conversation_id
	AND p.user_id <> messages.sender_id
	AND NOT EXISTS (
		SELECT 1 FROM message_read_statuses r
		WHERE r.message_id = messages.id AND r.user_id = p.user_id
	)
)`

// Tracker records delivery and read state.
type Tracker struct {
	db        *gorm.DB
	publisher fanout.Publisher
	log       logrus.FieldLogger
	now       func() time.Time
}

// Opts holds parameters for creating a Tracker.
type Opts struct {
	DB        *gorm.DB
	Publisher fanout.Publisher // optional
	Log       logrus.FieldLogger
	Now       func() time.Time
}

// New creates a Tracker.
func New(opts Opts) (*Tracker, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("delivery: db is required")
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{db: opts.DB, publisher: opts.Publisher, log: log, now: now}, nil
}

// MarkRead records reader as having read every message in the conversation
// sent by someone else. Rows already present are left alone, so concurrent
// or repeated calls are safe. Returns the number of rows inserted.
func (t *Tracker) MarkRead(ctx context.Context, conversationID, reader string) (int, error) {
	var (
		ids      []string
		inserted int64
		now      = t.now()
	)
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := conversation.Load(tx, conversationID); err != nil {
			return err
		}
		if err := conversation.RequireParticipant(tx, conversationID, reader); err != nil {
			return err
		}

		if err := tx.Model(&models.Message{}).
			Where("conversation_id = ? AND sender_id <> ?", conversationID, reader).
			Where("NOT EXISTS (?)", readBy(tx, reader)).
			Order("created_at ASC").
			Pluck("id", &ids).Error; err != nil {
			return chaterr.Internal(err, "delivery: unread ids")
		}

		if len(ids) > 0 {
			rows := make([]models.MessageReadStatus, len(ids))
			for i, id := range ids {
				rows[i] = models.MessageReadStatus{MessageID: id, UserID: reader, ReadAt: now}
			}
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&rows, insertBatch)
			if result.Error != nil {
				return chaterr.Internal(result.Error, "delivery: insert read status")
			}
			inserted = result.RowsAffected
			if err := promoteRead(tx, ids, now); err != nil {
				return err
			}
		}

		if err := tx.Model(&models.ConversationParticipant{}).
			Where("conversation_id = ? AND user_id = ?", conversationID, reader).
			Update("last_read_at", now).Error; err != nil {
			return chaterr.Internal(err, "delivery: advance read marker")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if inserted > 0 {
		t.publishRead(ctx, conversationID, reader, ids, now)
	}
	return int(inserted), nil
}

// MarkMessageRead records a single read receipt. The sender cannot read
// their own message. Reports whether a new row was inserted.
func (t *Tracker) MarkMessageRead(ctx context.Context, messageID, reader string) (bool, error) {
	var (
		msg      models.Message
		inserted bool
		now      = t.now()
	)
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", messageID).First(&msg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chaterr.NotFound("message %s not found", messageID)
		}
		if err != nil {
			return chaterr.Internal(err, "delivery: load message %s", messageID)
		}
		if err := conversation.RequireParticipant(tx, msg.ConversationID, reader); err != nil {
			return chaterr.NotFound("message %s not found", messageID)
		}
		if msg.SenderID == reader {
			return chaterr.Validation("delivery: sender cannot mark their own message read")
		}
		row := models.MessageReadStatus{MessageID: messageID, UserID: reader, ReadAt: now}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if result.Error != nil {
			return chaterr.Internal(result.Error, "delivery: insert read status")
		}
		inserted = result.RowsAffected > 0
		if inserted {
			return promoteRead(tx, []string{messageID}, now)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if inserted {
		t.publishRead(ctx, msg.ConversationID, reader, []string{messageID}, now)
	}
	return inserted, nil
}

// UnreadCount counts messages in the conversation not sent by user, not
// deleted, and without a read-status row for user. It is always computed
// from the read-status rows.
func (t *Tracker) UnreadCount(ctx context.Context, conversationID, user string) (int64, error) {
	tx := t.db.WithContext(ctx)
	if err := conversation.RequireParticipant(tx, conversationID, user); err != nil {
		return 0, err
	}
	var n int64
	if err := tx.Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND is_deleted = ?", conversationID, user, false).
		Where("NOT EXISTS (?)", readBy(tx, user)).
		Count(&n).Error; err != nil {
		return 0, chaterr.Internal(err, "delivery: unread count")
	}
	return n, nil
}

// TotalUnread sums UnreadCount over every live conversation of user.
func (t *Tracker) TotalUnread(ctx context.Context, user string) (int64, error) {
	tx := t.db.WithContext(ctx)
	mine := tx.Model(&models.ConversationParticipant{}).Select("conversation_id").Where("user_id = ?", user)
	live := tx.Model(&models.Conversation{}).Select("id").Where("status <> ?", models.ConversationDeleted)
	var n int64
	if err := tx.Model(&models.Message{}).
		Where("conversation_id IN (?) AND conversation_id IN (?)", mine, live).
		Where("sender_id <> ? AND is_deleted = ?", user, false).
		Where("NOT EXISTS (?)", readBy(tx, user)).
		Count(&n).Error; err != nil {
		return 0, chaterr.Internal(err, "delivery: total unread")
	}
	return n, nil
}

// MarkDelivered promotes every sent message addressed to recipient in the
// conversation to delivered.
func (t *Tracker) MarkDelivered(ctx context.Context, conversationID, recipient string) (int64, error) {
	result := t.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND status = ?", conversationID, recipient, models.StatusSent).
		Updates(map[string]interface{}{"status": models.StatusDelivered, "delivered_at": t.now()})
	if result.Error != nil {
		return 0, chaterr.Internal(result.Error, "delivery: mark delivered")
	}
	return result.RowsAffected, nil
}

// MarkMessageDelivered promotes a single sent message to delivered.
func (t *Tracker) MarkMessageDelivered(ctx context.Context, messageID string) error {
	if err := t.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND status = ?", messageID, models.StatusSent).
		Updates(map[string]interface{}{"status": models.StatusDelivered, "delivered_at": t.now()}).Error; err != nil {
		return chaterr.Internal(err, "delivery: mark %s delivered", messageID)
	}
	return nil
}

// Receipts returns who has read a message, in read order.
func (t *Tracker) Receipts(ctx context.Context, messageID string) ([]models.MessageReadStatus, error) {
	var rows []models.MessageReadStatus
	if err := t.db.WithContext(ctx).Where("message_id = ?", messageID).
		Order("read_at ASC").Find(&rows).Error; err != nil {
		return nil, chaterr.Internal(err, "delivery: receipts of %s", messageID)
	}
	return rows, nil
}

func (t *Tracker) publishRead(ctx context.Context, conversationID, reader string, ids []string, at time.Time) {
	if t.publisher == nil {
		return
	}
	participants, err := conversation.ParticipantIDs(t.db.WithContext(ctx), conversationID)
	if err != nil {
		t.log.WithError(err).WithField("conversation_id", conversationID).Warn("delivery: read fanout skipped")
		return
	}
	t.publisher.Publish(ctx, participants, reader, fanout.Event{
		Type:           fanout.EventMessageRead,
		ConversationID: conversationID,
		Payload: map[string]any{
			"reader":      reader,
			"message_ids": ids,
			"read_at":     at.UTC().Format(time.RFC3339Nano),
		},
	})
}

// readBy selects read-status rows of user for the outer messages row.
func readBy(tx *gorm.DB, user string) *gorm.DB {
	return tx.Model(&models.MessageReadStatus{}).Select("1").
		Where("message_read_statuses.message_id = messages.id AND message_read_statuses.user_id = ?", user)
}

func promoteRead(tx *gorm.DB, ids []string, now time.Time) error {
	if err := tx.Exec(promoteReadSQL, models.StatusRead, now, ids, models.StatusRead).Error; err != nil {
		return chaterr.Internal(err, "delivery: promote read status")
	}
	return nil
}
