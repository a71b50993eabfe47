// Package conversation manages conversations, their participants and
// per-participant settings.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/switchboard/internal/chaterr"
	"github.com/zulandar/switchboard/internal/fanout"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// SystemPoster appends a synthetic system message to a conversation.
type SystemPoster interface {
	PostSystem(ctx context.Context, conversationID, body string) (*models.Message, error)
}

// Store manages conversation lifecycle.
type Store struct {
	db        *gorm.DB
	poster    SystemPoster
	publisher fanout.Publisher
	log       logrus.FieldLogger
	now       func() time.Time
}

// Opts holds parameters for creating a Store.
type Opts struct {
	DB        *gorm.DB
	Poster    SystemPoster     // required for participant changes
	Publisher fanout.Publisher // optional
	Log       logrus.FieldLogger
	Now       func() time.Time
}

// New creates a Store.
func New(opts Opts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("conversation: db is required")
	}
	if opts.Poster == nil {
		return nil, fmt.Errorf("conversation: system poster is required")
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{db: opts.DB, poster: opts.Poster, publisher: opts.Publisher, log: log, now: now}, nil
}

// CreateInput describes a new conversation.
type CreateInput struct {
	Participants        []string
	Type                models.ConversationType // defaults to direct
	BookingRef          string
	ListingRef          string
	Encrypted           bool
	AutoDeleteAfterDays *int
}

// Create starts a conversation. At least two distinct participants are
// required; is_group is set when there are more than two.
func (s *Store) Create(ctx context.Context, in CreateInput) (*models.Conversation, error) {
	return s.create(ctx, in, nil)
}

func (s *Store) create(ctx context.Context, in CreateInput, directKey *string) (*models.Conversation, error) {
	users := dedupe(in.Participants)
	if err := rejectReserved(users); err != nil {
		return nil, err
	}
	if len(users) < 2 {
		return nil, chaterr.Validation("conversation: at least 2 distinct participants are required, got %d", len(users))
	}
	typ := in.Type
	if typ == "" {
		typ = models.ConversationDirect
	}
	if !typ.Valid() {
		return nil, chaterr.Validation("conversation: unknown type %q", typ)
	}
	if in.AutoDeleteAfterDays != nil && *in.AutoDeleteAfterDays < 1 {
		return nil, chaterr.Validation("conversation: auto_delete_after_days must be at least 1")
	}

	now := s.now()
	conv := models.Conversation{
		ID:                  uuid.NewString(),
		Type:                typ,
		Status:              models.ConversationActive,
		BookingRef:          in.BookingRef,
		ListingRef:          in.ListingRef,
		IsGroup:             len(users) > 2,
		IsEncrypted:         in.Encrypted,
		AutoDeleteAfterDays: in.AutoDeleteAfterDays,
		DirectKey:           directKey,
		LastActivityAt:      now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return chaterr.Internal(err, "conversation: create")
		}
		for i, u := range users {
			p := newParticipant(conv.ID, u, i, now)
			if err := tx.Create(&p).Error; err != nil {
				return chaterr.Internal(err, "conversation: add participant %s", u)
			}
			conv.Participants = append(conv.Participants, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"type":            conv.Type,
		"participants":    len(users),
	}).Info("conversation: created")
	return &conv, nil
}

// FindOrCreateDirect returns the existing direct conversation between a and
// b, creating one if none exists. The bool reports whether it was created.
func (s *Store) FindOrCreateDirect(ctx context.Context, a, b string, encrypted bool) (*models.Conversation, bool, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" || a == b {
		return nil, false, chaterr.Validation("conversation: direct conversation needs two distinct users")
	}
	if err := rejectReserved([]string{a, b}); err != nil {
		return nil, false, err
	}
	if conv, err := s.findDirect(ctx, a, b); err != nil || conv != nil {
		return conv, false, err
	}

	key := DirectKey(a, b)
	if err := s.releaseDirectKey(ctx, key, a, b); err != nil {
		return nil, false, err
	}
	conv, err := s.create(ctx, CreateInput{Participants: []string{a, b}, Type: models.ConversationDirect, Encrypted: encrypted}, &key)
	if err != nil {
		// Another caller may have claimed the key first; use theirs.
		if existing, ferr := s.findDirect(ctx, a, b); ferr == nil && existing != nil {
			return existing, false, nil
		}
		return nil, false, err
	}
	return conv, true, nil
}

// DirectKey is the unique key of the direct conversation between a and b,
// independent of argument order.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%s:%s", len(a), a, b)
}

// findDirect returns the oldest live two-party direct conversation between
// a and b, or nil.
func (s *Store) findDirect(ctx context.Context, a, b string) (*models.Conversation, error) {
	tx := s.db.WithContext(ctx)
	var candidates []models.Conversation
	if err := tx.Where("type = ? AND status <> ? AND is_group = ?", models.ConversationDirect, models.ConversationDeleted, false).
		Where("id IN (?)", memberOf(tx, a)).
		Where("id IN (?)", memberOf(tx, b)).
		Order("created_at ASC").
		Find(&candidates).Error; err != nil {
		return nil, chaterr.Internal(err, "conversation: find direct")
	}
	for i := range candidates {
		ids, err := ParticipantIDs(tx, candidates[i].ID)
		if err != nil {
			return nil, err
		}
		if len(ids) == 2 {
			conv, _, err := s.withParticipants(tx, &candidates[i])
			return conv, err
		}
	}
	return nil, nil
}

// releaseDirectKey clears key from a conversation that no longer serves as
// the pair's direct conversation: deleted, or a participant has left.
func (s *Store) releaseDirectKey(ctx context.Context, key, a, b string) error {
	tx := s.db.WithContext(ctx)
	err := tx.Model(&models.Conversation{}).
		Where("direct_key = ?", key).
		Where(tx.Where("status = ?", models.ConversationDeleted).
			Or("is_group = ?", true).
			Or("id NOT IN (?)", memberOf(tx, a)).
			Or("id NOT IN (?)", memberOf(tx, b))).
		Update("direct_key", nil).Error
	if err != nil {
		return chaterr.Internal(err, "conversation: release direct key")
	}
	return nil
}

func memberOf(tx *gorm.DB, user string) *gorm.DB {
	return tx.Session(&gorm.Session{NewDB: true}).Model(&models.ConversationParticipant{}).Select("conversation_id").Where("user_id = ?", user)
}

func (s *Store) withParticipants(tx *gorm.DB, conv *models.Conversation) (*models.Conversation, bool, error) {
	if err := tx.Where("conversation_id = ?", conv.ID).Order("position ASC").Find(&conv.Participants).Error; err != nil {
		return nil, false, chaterr.Internal(err, "conversation: participants of %s", conv.ID)
	}
	return conv, false, nil
}

// Get returns a conversation with its participants. The viewer must be a
// participant.
func (s *Store) Get(ctx context.Context, id, viewer string) (*models.Conversation, error) {
	tx := s.db.WithContext(ctx)
	conv, err := Load(tx, id)
	if err != nil {
		return nil, err
	}
	if err := RequireParticipant(tx, id, viewer); err != nil {
		return nil, err
	}
	conv, _, err = s.withParticipants(tx, conv)
	return conv, err
}

// ListForUser returns the user's conversations, most recently active first.
func (s *Store) ListForUser(ctx context.Context, user string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.db.WithContext(ctx).
		Where("status <> ?", models.ConversationDeleted).
		Where("id IN (?)", s.db.Model(&models.ConversationParticipant{}).Select("conversation_id").Where("user_id = ?", user)).
		Order("last_activity_at DESC").
		Find(&convs).Error
	if err != nil {
		return nil, chaterr.Internal(err, "conversation: list for %s", user)
	}
	return convs, nil
}

// Participant returns user's membership row.
func (s *Store) Participant(ctx context.Context, id, user string) (*models.ConversationParticipant, error) {
	var p models.ConversationParticipant
	err := s.db.WithContext(ctx).Where("conversation_id = ? AND user_id = ?", id, user).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, chaterr.NotFound("conversation %s not found", id)
	}
	if err != nil {
		return nil, chaterr.Internal(err, "conversation: participant %s/%s", id, user)
	}
	return &p, nil
}

// AddParticipants adds users to a conversation on behalf of actor, who must
// already be a participant. Users already present are skipped. Each added
// user gets a system message. Returns the users actually added.
func (s *Store) AddParticipants(ctx context.Context, id, actor string, users []string) ([]string, error) {
	users = dedupe(users)
	if err := rejectReserved(users); err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, chaterr.Validation("conversation: no users to add")
	}

	var added []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, err := LoadForUpdate(tx, id)
		if err != nil {
			return err
		}
		if err := RequireParticipant(tx, id, actor); err != nil {
			return err
		}
		if conv.Status == models.ConversationBlocked {
			return chaterr.PermissionDenied("conversation: %s is blocked", id)
		}

		existing, err := ParticipantIDs(tx, id)
		if err != nil {
			return err
		}
		present := make(map[string]bool, len(existing))
		for _, u := range existing {
			present[u] = true
		}
		var maxPos int
		if err := tx.Model(&models.ConversationParticipant{}).
			Where("conversation_id = ?", id).
			Select("COALESCE(MAX(position), 0)").Scan(&maxPos).Error; err != nil {
			return chaterr.Internal(err, "conversation: max position")
		}

		now := s.now()
		for _, u := range users {
			if present[u] {
				continue
			}
			maxPos++
			p := newParticipant(id, u, maxPos, now)
			if err := tx.Create(&p).Error; err != nil {
				return chaterr.Internal(err, "conversation: add participant %s", u)
			}
			added = append(added, u)
		}
		total := len(existing) + len(added)
		if err := tx.Model(&models.Conversation{}).Where("id = ?", id).
			Update("is_group", total > 2).Error; err != nil {
			return chaterr.Internal(err, "conversation: update group flag")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, u := range added {
		if _, err := s.poster.PostSystem(ctx, id, fmt.Sprintf("%s was added by %s", u, actor)); err != nil {
			s.log.WithError(err).WithField("conversation_id", id).Warn("conversation: system message for added participant failed")
		}
	}
	if len(added) > 0 {
		s.publish(ctx, id, actor, nil, fanout.Event{
			Type:           fanout.EventParticipantAdded,
			ConversationID: id,
			Payload:        map[string]any{"users": added, "added_by": actor},
		})
		s.log.WithFields(logrus.Fields{"conversation_id": id, "actor": actor, "added": added}).Info("conversation: participants added")
	}
	return added, nil
}

// RemoveParticipant removes user from a conversation. A participant may
// always leave; removing someone else requires a group conversation. The
// conversation itself is kept even if a single participant remains.
// Participants may still leave a deleted conversation, silently, so that it
// becomes eligible for purging.
func (s *Store) RemoveParticipant(ctx context.Context, id, actor, user string) error {
	var deleted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, err := loadAnyForUpdate(tx, id)
		if err != nil {
			return err
		}
		deleted = conv.Status == models.ConversationDeleted
		if deleted && actor != user {
			return chaterr.NotFound("conversation %s not found", id)
		}
		if err := RequireParticipant(tx, id, actor); err != nil {
			return err
		}
		if actor != user && !conv.IsGroup {
			return chaterr.PermissionDenied("conversation: only group participants can remove others")
		}
		result := tx.Where("conversation_id = ? AND user_id = ?", id, user).Delete(&models.ConversationParticipant{})
		if result.Error != nil {
			return chaterr.Internal(result.Error, "conversation: remove participant %s", user)
		}
		if result.RowsAffected == 0 {
			return chaterr.NotFound("conversation: %s is not a participant of %s", user, id)
		}
		var remaining int64
		if err := tx.Model(&models.ConversationParticipant{}).Where("conversation_id = ?", id).Count(&remaining).Error; err != nil {
			return chaterr.Internal(err, "conversation: count participants")
		}
		if err := tx.Model(&models.Conversation{}).Where("id = ?", id).
			Update("is_group", remaining > 2).Error; err != nil {
			return chaterr.Internal(err, "conversation: update group flag")
		}
		// The departing user's block no longer applies.
		if !deleted && remaining <= 2 {
			return syncBlockedStatus(tx, conv)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if deleted {
		s.log.WithFields(logrus.Fields{"conversation_id": id, "user": user}).Info("conversation: participant left deleted conversation")
		return nil
	}

	body := fmt.Sprintf("%s left the conversation", user)
	if actor != user {
		body = fmt.Sprintf("%s was removed by %s", user, actor)
	}
	if _, err := s.poster.PostSystem(ctx, id, body); err != nil {
		s.log.WithError(err).WithField("conversation_id", id).Warn("conversation: system message for removed participant failed")
	}
	s.publish(ctx, id, actor, []string{user}, fanout.Event{
		Type:           fanout.EventParticipantRemoved,
		ConversationID: id,
		Payload:        map[string]any{"user": user, "removed_by": actor},
	})
	s.log.WithFields(logrus.Fields{"conversation_id": id, "actor": actor, "user": user}).Info("conversation: participant removed")
	return nil
}

// Settings is a partial update of a participant's preferences. Nil fields
// are left unchanged.
type Settings struct {
	IsMuted     *bool
	IsArchived  *bool
	IsBlocked   *bool
	EmailNotify *bool
	PushNotify  *bool
}

func (st Settings) updates() map[string]interface{} {
	u := make(map[string]interface{})
	if st.IsMuted != nil {
		u["is_muted"] = *st.IsMuted
	}
	if st.IsArchived != nil {
		u["is_archived"] = *st.IsArchived
	}
	if st.IsBlocked != nil {
		u["is_blocked"] = *st.IsBlocked
	}
	if st.EmailNotify != nil {
		u["email_notify"] = *st.EmailNotify
	}
	if st.PushNotify != nil {
		u["push_notify"] = *st.PushNotify
	}
	return u
}

// UpdateSettings changes user's preferences in a conversation. Blocking a
// two-party conversation blocks the conversation itself; it is reopened when
// no participant blocks it any more.
func (s *Store) UpdateSettings(ctx context.Context, id, user string, st Settings) (*models.ConversationParticipant, error) {
	updates := st.updates()
	if len(updates) == 0 {
		return nil, chaterr.Validation("conversation: no settings to update")
	}

	var p models.ConversationParticipant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, err := LoadForUpdate(tx, id)
		if err != nil {
			return err
		}
		if err := RequireParticipant(tx, id, user); err != nil {
			return err
		}
		if err := tx.Model(&models.ConversationParticipant{}).
			Where("conversation_id = ? AND user_id = ?", id, user).
			Updates(updates).Error; err != nil {
			return chaterr.Internal(err, "conversation: update settings")
		}
		if st.IsBlocked != nil && !conv.IsGroup {
			if err := syncBlockedStatus(tx, conv); err != nil {
				return err
			}
		}
		if err := tx.Where("conversation_id = ? AND user_id = ?", id, user).First(&p).Error; err != nil {
			return chaterr.Internal(err, "conversation: reload settings")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// syncBlockedStatus moves a two-party conversation between active and
// blocked according to its participants' block flags.
func syncBlockedStatus(tx *gorm.DB, conv *models.Conversation) error {
	var blockers int64
	if err := tx.Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND is_blocked = ?", conv.ID, true).
		Count(&blockers).Error; err != nil {
		return chaterr.Internal(err, "conversation: count blockers")
	}
	status := conv.Status
	switch {
	case blockers > 0:
		status = models.ConversationBlocked
	case conv.Status == models.ConversationBlocked:
		status = models.ConversationActive
	}
	if status == conv.Status {
		return nil
	}
	if err := tx.Model(&models.Conversation{}).Where("id = ?", conv.ID).Update("status", status).Error; err != nil {
		return chaterr.Internal(err, "conversation: set status")
	}
	return nil
}

// SetStatus moves a conversation to archived, active or deleted on behalf
// of a participant. Deletion is always a soft status change; blocked is
// managed through UpdateSettings.
func (s *Store) SetStatus(ctx context.Context, id, actor string, status models.ConversationStatus) error {
	switch status {
	case models.ConversationActive, models.ConversationArchived, models.ConversationDeleted:
	default:
		return chaterr.Validation("conversation: cannot set status %q", status)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, err := LoadForUpdate(tx, id)
		if err != nil {
			return err
		}
		if err := RequireParticipant(tx, id, actor); err != nil {
			return err
		}
		if conv.Status == models.ConversationBlocked && status != models.ConversationDeleted {
			return chaterr.PermissionDenied("conversation: %s is blocked", id)
		}
		if err := tx.Model(&models.Conversation{}).Where("id = ?", id).Update("status", status).Error; err != nil {
			return chaterr.Internal(err, "conversation: set status")
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"conversation_id": id, "actor": actor, "status": status}).Info("conversation: status changed")
	return nil
}

// Delete soft-deletes a conversation. Rows are kept; retention purges
// deleted conversations only once they have no booking and no participants.
func (s *Store) Delete(ctx context.Context, id, actor string) error {
	return s.SetStatus(ctx, id, actor, models.ConversationDeleted)
}

// Participants returns the membership rows of a conversation in join
// order. viewer must be a participant.
func (s *Store) Participants(ctx context.Context, id, viewer string) ([]models.ConversationParticipant, error) {
	tx := s.db.WithContext(ctx)
	if _, err := Load(tx, id); err != nil {
		return nil, err
	}
	if err := RequireParticipant(tx, id, viewer); err != nil {
		return nil, err
	}
	var parts []models.ConversationParticipant
	if err := tx.Where("conversation_id = ?", id).Order("position ASC").Find(&parts).Error; err != nil {
		return nil, chaterr.Internal(err, "conversation: participants of %s", id)
	}
	return parts, nil
}

// publish sends e to the current participants plus extra, except actor.
func (s *Store) publish(ctx context.Context, id, actor string, extra []string, e fanout.Event) {
	if s.publisher == nil {
		return
	}
	ids, err := ParticipantIDs(s.db.WithContext(ctx), id)
	if err != nil {
		s.log.WithError(err).WithField("conversation_id", id).Warn("conversation: fanout skipped")
		return
	}
	s.publisher.Publish(ctx, append(ids, extra...), actor, e)
}

func newParticipant(convID, user string, pos int, now time.Time) models.ConversationParticipant {
	return models.ConversationParticipant{
		ConversationID: convID,
		UserID:         user,
		Position:       pos,
		EmailNotify:    true,
		PushNotify:     true,
		JoinedAt:       now,
	}
}

// rejectReserved refuses the system sender id as a participant.
func rejectReserved(users []string) error {
	for _, u := range users {
		if u == models.SystemUserID {
			return chaterr.Validation("conversation: %q is a reserved user id", u)
		}
	}
	return nil
}

// dedupe trims ids and drops empties and duplicates, keeping first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
