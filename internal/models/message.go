package models

import "time"

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

// MessageStatus tracks delivery progress: sent -> delivered -> read, or failed.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Rank orders statuses so transitions only move forward.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Message is one entry in a conversation's append-only log. Body holds
// plaintext for unencrypted conversations; Ciphertext holds the sealed body
// otherwise and Body stays empty.
type Message struct {
	ID             string        `gorm:"primaryKey;size:36"`
	ConversationID string        `gorm:"size:36;not null;index:idx_messages_log,priority:1"`
	SenderID       string        `gorm:"size:64;not null;index"`
	Body           string        `gorm:"type:text"`
	Ciphertext     string        `gorm:"type:text"`
	Type           MessageType   `gorm:"size:8;not null;default:text"`
	Status         MessageStatus `gorm:"size:12;not null;default:sent;index"`
	ReplyToID      *string       `gorm:"size:36"`
	IsDeleted      bool          `gorm:"default:false;index"`
	IsEdited       bool          `gorm:"default:false"`
	IsFlagged      bool          `gorm:"default:false"`
	IsHidden       bool          `gorm:"default:false"`
	FlaggedCount   int           `gorm:"default:0"`
	CreatedAt      time.Time     `gorm:"index:idx_messages_log,priority:2"`
	UpdatedAt      time.Time
	DeliveredAt    *time.Time

	Attachments []MessageAttachment `gorm:"foreignKey:MessageID"`
}

// MessageReadStatus records that Reader has read a message. It is the only
// source for unread counts.
type MessageReadStatus struct {
	MessageID string `gorm:"primaryKey;size:36"`
	UserID    string `gorm:"primaryKey;size:64;index"`
	ReadAt    time.Time
}

// MessageFlag is one user's report against a message.
type MessageFlag struct {
	MessageID string `gorm:"primaryKey;size:36"`
	FlaggerID string `gorm:"primaryKey;size:64"`
	Reason    string `gorm:"size:256"`
	CreatedAt time.Time
}
