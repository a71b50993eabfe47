package message

import (
	"time"

	"github.com/zulandar/switchboard/internal/models"
)

// View is a message as shown to a reader: the stored row plus its
// displayable content.
type View struct {
	models.Message
	Content string
}

// Payload renders the event payload for a message.
func Payload(m *models.Message, content string) map[string]any {
	p := map[string]any{
		"id":           m.ID,
		"sender_id":    m.SenderID,
		"message_type": string(m.Type),
		"status":       string(m.Status),
		"content":      content,
		"is_edited":    m.IsEdited,
		"is_deleted":   m.IsDeleted,
		"is_flagged":   m.IsFlagged,
		"created_at":   m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if m.ReplyToID != nil {
		p["reply_to"] = *m.ReplyToID
	}
	if len(m.Attachments) > 0 {
		atts := make([]map[string]any, 0, len(m.Attachments))
		for _, a := range m.Attachments {
			atts = append(atts, map[string]any{
				"id":           a.ID,
				"filename":     a.Filename,
				"size":         a.Size,
				"content_type": a.ContentType,
				"is_image":     a.IsImage,
				"scan_state":   string(a.ScanState),
			})
		}
		p["attachments"] = atts
	}
	return p
}
