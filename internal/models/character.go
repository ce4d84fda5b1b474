package models

// Character is a catalog entry a user can chat with.
type Character struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Greeting     string `json:"greeting,omitempty"`
	SystemPrompt string `json:"system_prompt"`
	Model        string `json:"model,omitempty"`
}
