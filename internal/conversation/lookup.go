package conversation

import (
	"errors"

	"github.com/zulandar/switchboard/internal/chaterr"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Load fetches a conversation that has not been deleted.
func Load(tx *gorm.DB, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := tx.Where("id = ? AND status <> ?", id, models.ConversationDeleted).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, chaterr.NotFound("conversation %s not found", id)
	}
	if err != nil {
		return nil, chaterr.Internal(err, "conversation: load %s", id)
	}
	return &conv, nil
}

// LoadForUpdate is Load with the row locked until tx ends. Writers that
// read-modify-write the activity marker, the group flag or the status
// serialize on it.
func LoadForUpdate(tx *gorm.DB, id string) (*models.Conversation, error) {
	return Load(tx.Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

// loadAnyForUpdate locks and fetches a conversation in any status, deleted
// included.
func loadAnyForUpdate(tx *gorm.DB, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, chaterr.NotFound("conversation %s not found", id)
	}
	if err != nil {
		return nil, chaterr.Internal(err, "conversation: load %s", id)
	}
	return &conv, nil
}

// ParticipantIDs returns the user ids of a conversation in join order.
func ParticipantIDs(tx *gorm.DB, id string) ([]string, error) {
	var ids []string
	if err := tx.Model(&models.ConversationParticipant{}).
		Where("conversation_id = ?", id).
		Order("position ASC").
		Pluck("user_id", &ids).Error; err != nil {
		return nil, chaterr.Internal(err, "conversation: participants of %s", id)
	}
	return ids, nil
}

// IsParticipant reports whether user belongs to the conversation.
func IsParticipant(tx *gorm.DB, id, user string) (bool, error) {
	var n int64
	if err := tx.Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", id, user).
		Count(&n).Error; err != nil {
		return false, chaterr.Internal(err, "conversation: membership %s/%s", id, user)
	}
	return n > 0, nil
}

// RequireParticipant fails with NotFound when user is not a participant, so
// outsiders cannot tell a hidden conversation from a missing one.
func RequireParticipant(tx *gorm.DB, id, user string) error {
	ok, err := IsParticipant(tx, id, user)
	if err != nil {
		return err
	}
	if !ok {
		return chaterr.NotFound("conversation %s not found", id)
	}
	return nil
}

// Without returns ids with user removed, preserving order.
func Without(ids []string, user string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != user {
			out = append(out, id)
		}
	}
	return out
}
