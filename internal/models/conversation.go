package models

import "time"

// ConversationType distinguishes what a conversation is attached to.
type ConversationType string

const (
	ConversationDirect  ConversationType = "direct"
	ConversationBooking ConversationType = "booking"
	ConversationListing ConversationType = "listing_inquiry"
	ConversationSupport ConversationType = "support"
)

// Valid reports whether t is a known conversation type.
func (t ConversationType) Valid() bool {
	switch t {
	case ConversationDirect, ConversationBooking, ConversationListing, ConversationSupport:
		return true
	}
	return false
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
	ConversationBlocked  ConversationStatus = "blocked"
	ConversationDeleted  ConversationStatus = "deleted"
)

// Conversation is a participant set plus its ordered message log.
// BookingRef and ListingRef are foreign ids owned by other services.
type Conversation struct {
	ID                  string             `gorm:"primaryKey;size:36"`
	Type                ConversationType   `gorm:"size:24;not null;default:direct"`
	Status              ConversationStatus `gorm:"size:16;not null;default:active;index"`
	BookingRef          string             `gorm:"size:64;index"`
	ListingRef          string             `gorm:"size:64;index"`
	IsGroup             bool               `gorm:"default:false"`
	IsEncrypted         bool               `gorm:"default:false"`
	AutoDeleteAfterDays *int
	LastActivityAt      time.Time `gorm:"index"`
	CreatedAt           time.Time
	UpdatedAt           time.Time

	// DirectKey is set on the canonical direct conversation of a user pair.
	// It is unique, so concurrent first messages cannot create two.
	DirectKey *string `gorm:"size:191;uniqueIndex"`

	Participants []ConversationParticipant `gorm:"foreignKey:ConversationID"`
}

// SystemUserID is the sender id of synthetic system messages. It can never
// be a participant.
const SystemUserID = "system"

// ConversationParticipant holds one user's membership and preferences.
// Position preserves the order in which participants joined.
type ConversationParticipant struct {
	ConversationID string `gorm:"primaryKey;size:36"`
	UserID         string `gorm:"primaryKey;size:64;index"`
	Position       int
	IsMuted        bool `gorm:"default:false"`
	IsArchived     bool `gorm:"default:false"`
	IsBlocked      bool `gorm:"default:false"`
	EmailNotify    bool
	PushNotify     bool
	JoinedAt       time.Time
	LastReadAt     *time.Time
}
