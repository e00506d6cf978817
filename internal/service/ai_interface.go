package service

import "context"

// Conversation roles understood by the Gemini API.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Turn is one role-tagged utterance in a conversation transcript.
// A slice of Turns is ordered oldest first.
type Turn struct {
	Role string
	Text string
}

// AIService defines the interface for AI interaction services.
// This interface must be used for all business logic interacting with AI models.
type AIService interface {
	// Generate submits the conversation history plus the new user prompt
	// and returns the model's text response.
	Generate(ctx context.Context, history []Turn, prompt string) (string, error)

	// ProviderID returns the identifier of the backing AI provider.
	ProviderID() string
}
