package models

import "time"

// Sender tags who authored a chat message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// ChatMessage is one entry of a character conversation.
type ChatMessage struct {
	ID          string    `json:"id"`
	UserID      int64     `json:"user_id,omitempty"`
	CharacterID string    `json:"character_id"`
	Sender      Sender    `json:"sender"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
	ImageRef    string    `json:"image_ref,omitempty"`
	AudioRef    string    `json:"audio_ref,omitempty"`
}

// MediaKind distinguishes staged attachments.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaAudio MediaKind = "audio"
)

// StagedMedia is an attachment waiting to be sent with the next message.
type StagedMedia struct {
	URI          string    `json:"uri"`
	EncodedBytes string    `json:"encoded_bytes"`
	Kind         MediaKind `json:"kind"`
	MimeType     string    `json:"mime_type"`
}

// DataURI renders the media as a self-contained reference.
func (m *StagedMedia) DataURI() string {
	if m == nil || m.EncodedBytes == "" {
		return ""
	}
	return "data:" + m.MimeType + ";base64," + m.EncodedBytes
}

// GuestSessionRecord is one row of the guest chat list kept on the device.
type GuestSessionRecord struct {
	CharacterID        string    `json:"character_id"`
	Name               string    `json:"name"`
	LastMessageExcerpt string    `json:"last_message_excerpt"`
	LastInteractionAt  time.Time `json:"last_interaction_at"`
}
