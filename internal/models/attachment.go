package models

import "time"

// ScanState is the safety classification of an attachment.
type ScanState string

const (
	ScanPending    ScanState = "pending"
	ScanClean      ScanState = "clean"
	ScanSuspicious ScanState = "suspicious"
	ScanInfected   ScanState = "infected"
)

// MessageAttachment is a file attached to a message. BlobRef addresses the
// stored bytes in the attachment blob store.
type MessageAttachment struct {
	ID          string    `gorm:"primaryKey;size:36"`
	MessageID   string    `gorm:"size:36;not null;index"`
	BlobRef     string    `gorm:"size:128;not null"`
	Filename    string    `gorm:"size:255;not null"`
	Size        int64     `gorm:"not null"`
	ContentType string    `gorm:"size:128"`
	IsImage     bool      `gorm:"default:false"`
	ScanState   ScanState `gorm:"size:12;not null;default:pending;index"`
	UploadedAt  time.Time
	ScannedAt   *time.Time
}
