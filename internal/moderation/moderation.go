// Package moderation inspects message bodies on ingress and escalates
// user-submitted flags.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/switchboard/internal/chaterr"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultFlagThreshold is the number of distinct flags that hides a message.
const DefaultFlagThreshold = 5

// Filter runs the spam detector on writes and records flags.
type Filter struct {
	db        *gorm.DB
	detector  Detector
	threshold int
	log       logrus.FieldLogger
	now       func() time.Time
}

// Opts holds parameters for creating a Filter.
type Opts struct {
	DB            *gorm.DB
	Detector      Detector // nil disables ingress inspection
	FlagThreshold int      // defaults to DefaultFlagThreshold
	Log           logrus.FieldLogger
	Now           func() time.Time
}

// New creates a Filter.
func New(opts Opts) (*Filter, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("moderation: db is required")
	}
	threshold := opts.FlagThreshold
	if threshold <= 0 {
		threshold = DefaultFlagThreshold
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Filter{db: opts.DB, detector: opts.Detector, threshold: threshold, log: log, now: now}, nil
}

// Check inspects a body before it is persisted. A flagged verdict is a
// policy action, not an error: the message is still stored, marked flagged.
func (f *Filter) Check(body string) Verdict {
	if f.detector == nil {
		return Verdict{}
	}
	return f.detector.Inspect(body)
}

// FlagResult reports the state of a message after a flag was recorded.
type FlagResult struct {
	Count     int
	Hidden    bool
	Escalated bool // this flag crossed the threshold
}

// Flag records flaggerID's report against a message. Each user may flag a
// message once and never their own. Reaching the threshold hides the message.
func (f *Filter) Flag(ctx context.Context, messageID, flaggerID, reason string) (*FlagResult, error) {
	if flaggerID == "" {
		return nil, chaterr.Validation("moderation: flagger is required")
	}
	reason = strings.TrimSpace(reason)
	if len(reason) > 256 {
		return nil, chaterr.Validation("moderation: reason exceeds 256 bytes")
	}

	var res FlagResult
	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg models.Message
		if err := tx.Where("id = ?", messageID).First(&msg).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return chaterr.NotFound("moderation: message %s not found", messageID)
			}
			return chaterr.Internal(err, "moderation: load message %s", messageID)
		}
		// Hidden messages are visible to their sender only.
		if msg.IsDeleted || (msg.IsHidden && msg.SenderID != flaggerID) {
			return chaterr.NotFound("moderation: message %s not found", messageID)
		}

		var member int64
		if err := tx.Model(&models.ConversationParticipant{}).
			Where("conversation_id = ? AND user_id = ?", msg.ConversationID, flaggerID).
			Count(&member).Error; err != nil {
			return chaterr.Internal(err, "moderation: check membership")
		}
		if member == 0 {
			return chaterr.NotFound("moderation: message %s not found", messageID)
		}
		if msg.SenderID == flaggerID {
			return chaterr.PermissionDenied("moderation: cannot flag your own message")
		}

		flag := models.MessageFlag{
			MessageID: messageID,
			FlaggerID: flaggerID,
			Reason:    reason,
			CreatedAt: f.now(),
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&flag)
		if result.Error != nil {
			return chaterr.Internal(result.Error, "moderation: record flag")
		}
		if result.RowsAffected == 0 {
			return chaterr.Conflict("moderation: %s already flagged message %s", flaggerID, messageID)
		}

		if err := tx.Model(&models.Message{}).Where("id = ?", messageID).
			Update("flagged_count", gorm.Expr("flagged_count + ?", 1)).Error; err != nil {
			return chaterr.Internal(err, "moderation: increment flag count")
		}
		var count int
		if err := tx.Model(&models.Message{}).Select("flagged_count").
			Where("id = ?", messageID).Scan(&count).Error; err != nil {
			return chaterr.Internal(err, "moderation: read flag count")
		}
		res.Count = count
		res.Hidden = msg.IsHidden

		if res.Count >= f.threshold && !msg.IsHidden {
			if err := tx.Model(&models.Message{}).Where("id = ?", messageID).
				Updates(map[string]interface{}{"is_flagged": true, "is_hidden": true}).Error; err != nil {
				return chaterr.Internal(err, "moderation: hide message")
			}
			res.Hidden = true
			res.Escalated = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entry := f.log.WithFields(logrus.Fields{
		"message_id": messageID,
		"flagger":    flaggerID,
		"count":      res.Count,
	})
	if res.Escalated {
		entry.WithField("threshold", f.threshold).Warn("moderation: flag threshold reached, message hidden")
	} else {
		entry.Info("moderation: flag recorded")
	}
	return &res, nil
}

// Flags returns the flags recorded against a message, oldest first.
func (f *Filter) Flags(ctx context.Context, messageID string) ([]models.MessageFlag, error) {
	var flags []models.MessageFlag
	if err := f.db.WithContext(ctx).Where("message_id = ?", messageID).
		Order("created_at ASC").Find(&flags).Error; err != nil {
		return nil, fmt.Errorf("moderation: flags %s: %w", messageID, err)
	}
	return flags, nil
}
