package models

// ContentPart is one element of a multi-part turn.
type ContentPart struct {
	Type     string `json:"type"` // "text", "image_url" or "audio_url"
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ResponderMessage is a role-tagged turn sent to the AI responder. Parts
// replaces Content when the turn carries media.
type ResponderMessage struct {
	Role    string        `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// ResponderRequest is the payload the AI responder is invoked with.
type ResponderRequest struct {
	Model       string             `json:"model"`
	Messages    []ResponderMessage `json:"messages"`
	CharacterID string             `json:"character_id"`
	UserID      *int64             `json:"user_id"`
}

// ResponderChoice wraps a single generated reply.
type ResponderChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// ResponderResponse mirrors the chat-completions response shape.
type ResponderResponse struct {
	Choices []ResponderChoice `json:"choices"`
}
