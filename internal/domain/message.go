package domain

// Attachment describes an already-uploaded file referenced by a message.
// Upload itself happens outside this core.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ChatMessage is one decrypted entry of a room conversation.
// Immutable after creation except for translation backfill.
type ChatMessage struct {
	ID           string            `json:"id"`
	Text         string            `json:"text"`
	SenderID     UserID            `json:"senderId"`
	SenderName   string            `json:"senderName"`
	Lang         string            `json:"lang,omitempty"`
	Translations map[string]string `json:"translations,omitempty"`
	Timestamp    int64             `json:"timestamp"`
	IsMine       bool              `json:"isMine"`
	Attachment   *Attachment       `json:"attachment,omitempty"`
}
