// Package retention applies per-conversation auto-delete windows and purges
// abandoned conversations.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/switchboard/internal/message"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// batchSize bounds the messages expired per transaction.
const batchSize = 500

// Sweeper expires and purges old data.
type Sweeper struct {
	db      *gorm.DB
	remover message.AttachmentRemover
	log     logrus.FieldLogger
	now     func() time.Time
}

// Opts holds parameters for creating a Sweeper.
type Opts struct {
	DB      *gorm.DB
	Remover message.AttachmentRemover // optional
	Log     logrus.FieldLogger
	Now     func() time.Time
}

// New creates a Sweeper.
func New(opts Opts) (*Sweeper, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("retention: db is required")
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{db: opts.DB, remover: opts.Remover, log: log, now: now}, nil
}

// Result counts what a sweep changed.
type Result struct {
	Expired int // messages soft-deleted by auto-delete windows
	Purged  int // conversations removed
}

// Sweep runs Expire then Purge.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	var err error
	if res.Expired, err = s.Expire(ctx); err != nil {
		return res, err
	}
	if res.Purged, err = s.Purge(ctx); err != nil {
		return res, err
	}
	if res.Expired > 0 || res.Purged > 0 {
		s.log.WithFields(logrus.Fields{"expired": res.Expired, "purged": res.Purged}).Info("retention: sweep done")
	}
	return res, nil
}

// Run adapts Sweep to a scheduled job.
func (s *Sweeper) Run(ctx context.Context) error {
	_, err := s.Sweep(ctx)
	return err
}

// Expire soft-deletes messages older than their conversation's
// auto_delete_after_days window. Expired messages become tombstones and
// lose their attachments, exactly as a sender's delete would.
func (s *Sweeper) Expire(ctx context.Context) (int, error) {
	var convs []models.Conversation
	if err := s.db.WithContext(ctx).
		Where("auto_delete_after_days IS NOT NULL AND auto_delete_after_days > 0").
		Where("status <> ?", models.ConversationDeleted).
		Find(&convs).Error; err != nil {
		return 0, fmt.Errorf("retention: list policies: %w", err)
	}

	total := 0
	for _, conv := range convs {
		cutoff := s.now().AddDate(0, 0, -*conv.AutoDeleteAfterDays)
		for {
			n, err := s.expireBatch(ctx, conv.ID, cutoff)
			if err != nil {
				return total, err
			}
			total += n
			if n < batchSize {
				break
			}
		}
	}
	return total, nil
}

func (s *Sweeper) expireBatch(ctx context.Context, conversationID string, cutoff time.Time) (int, error) {
	var (
		ids      []string
		cleanups []func()
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Message{}).
			Where("conversation_id = ? AND is_deleted = ? AND created_at < ?", conversationID, false, cutoff).
			Order("created_at ASC").
			Limit(batchSize).
			Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("retention: list expired in %s: %w", conversationID, err)
		}
		if len(ids) == 0 {
			return nil
		}
		if s.remover != nil {
			for _, id := range ids {
				cleanup, err := s.remover.RemoveForMessage(ctx, tx, id)
				if err != nil {
					return err
				}
				cleanups = append(cleanups, cleanup)
			}
		}
		if err := tx.Model(&models.Message{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"body":       message.Tombstone,
			"ciphertext": "",
			"is_deleted": true,
			"updated_at": s.now(),
		}).Error; err != nil {
			return fmt.Errorf("retention: expire in %s: %w", conversationID, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, c := range cleanups {
		c()
	}
	if len(ids) > 0 {
		s.log.WithFields(logrus.Fields{"conversation_id": conversationID, "messages": len(ids)}).Info("retention: messages expired")
	}
	return len(ids), nil
}

// Purge removes conversations that are deleted, not tied to a booking, and
// have no participants left, together with their messages and receipts.
func (s *Sweeper) Purge(ctx context.Context) (int, error) {
	var ids []string
	db := s.db.WithContext(ctx)
	members := db.Model(&models.ConversationParticipant{}).Select("1").
		Where("conversation_participants.conversation_id = conversations.id")
	if err := db.Model(&models.Conversation{}).
		Where("status = ? AND (booking_ref = '' OR booking_ref IS NULL)", models.ConversationDeleted).
		Where("NOT EXISTS (?)", members).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("retention: list purgeable: %w", err)
	}

	purged := 0
	for _, id := range ids {
		if err := s.purgeOne(ctx, id); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func (s *Sweeper) purgeOne(ctx context.Context, conversationID string) error {
	var cleanups []func()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msgIDs []string
		if err := tx.Model(&models.Message{}).Where("conversation_id = ?", conversationID).
			Pluck("id", &msgIDs).Error; err != nil {
			return fmt.Errorf("retention: list messages of %s: %w", conversationID, err)
		}
		if len(msgIDs) > 0 {
			if s.remover != nil {
				for _, id := range msgIDs {
					cleanup, err := s.remover.RemoveForMessage(ctx, tx, id)
					if err != nil {
						return err
					}
					cleanups = append(cleanups, cleanup)
				}
			}
			for _, model := range []interface{}{&models.MessageReadStatus{}, &models.MessageFlag{}, &models.MessageAttachment{}} {
				if err := tx.Where("message_id IN ?", msgIDs).Delete(model).Error; err != nil {
					return fmt.Errorf("retention: purge %T of %s: %w", model, conversationID, err)
				}
			}
			if err := tx.Where("conversation_id = ?", conversationID).Delete(&models.Message{}).Error; err != nil {
				return fmt.Errorf("retention: purge messages of %s: %w", conversationID, err)
			}
		}
		if err := tx.Where("id = ?", conversationID).Delete(&models.Conversation{}).Error; err != nil {
			return fmt.Errorf("retention: purge %s: %w", conversationID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, c := range cleanups {
		c()
	}
	s.log.WithField("conversation_id", conversationID).Info("retention: conversation purged")
	return nil
}
