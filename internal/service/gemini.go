package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

// SystemPromptSource supplies the current system instruction text.
// Implementations may refresh the text in the background.
type SystemPromptSource interface {
	Prompt() string
}

// GeminiService implements AIService using the Gemini generative-language API.
type GeminiService struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	prompts SystemPromptSource
	logger  *slog.Logger
}

// NewGeminiService creates a new Gemini API service instance.
func NewGeminiService(ctx context.Context, apiKey string, model string, logger *slog.Logger) (*GeminiService, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini API key cannot be empty")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("gemini model name cannot be empty")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiService{
		client:  client,
		model:   model,
		timeout: 60 * time.Second, // Default request timeout
		logger:  logger,
	}, nil
}

// SetTimeout allows customizing the per-request timeout.
func (g *GeminiService) SetTimeout(timeout time.Duration) {
	g.timeout = timeout
}

// SetSystemPromptSource configures an optional system instruction source.
func (g *GeminiService) SetSystemPromptSource(source SystemPromptSource) {
	g.prompts = source
}

// ProviderID returns the identifier of the backing AI provider.
func (g *GeminiService) ProviderID() string {
	return "gemini"
}

// Generate submits the conversation history plus the new user prompt and
// returns the model's text response.
func (g *GeminiService) Generate(ctx context.Context, history []Turn, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("prompt cannot be empty")
	}

	g.logger.Info("Sending query to Gemini API",
		"model", g.model,
		"history_turns", len(history),
		"prompt_length", len(prompt))

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	contents := buildContents(history, prompt)

	config := &genai.GenerateContentConfig{}
	if g.prompts != nil {
		if sys := strings.TrimSpace(g.prompts.Prompt()); sys != "" {
			config.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
		}
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		g.logger.Error("Gemini API request failed", "error", err)
		return "", fmt.Errorf("gemini generateContent: %w", err)
	}

	text := extractText(resp)
	if text == "" {
		g.logger.Warn("Gemini API returned empty response")
		return "", fmt.Errorf("gemini returned an empty response")
	}

	g.logger.Info("Gemini API response received", "response_length", len(text))
	return text, nil
}

// buildContents converts a transcript plus the new prompt into API contents.
func buildContents(history []Turn, prompt string) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, t := range history {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		contents = append(contents, genai.NewContentFromText(t.Text, genai.Role(t.Role)))
	}
	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))
	return contents
}

// extractText collects the text parts of the first candidate.
func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}
