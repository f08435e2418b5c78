package agent

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIProvider generates completions with the Gemini API.
type GenAIProvider struct {
	client    *genai.Client
	modelName string
}

// NewGenAIProvider creates a Gemini-backed provider.
func NewGenAIProvider(ctx context.Context, apiKey, modelName string) (*GenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating GenAI client: %w", err)
	}

	return &GenAIProvider{client: client, modelName: modelName}, nil
}

// Generate sends the flattened prompt as a single user turn and returns the
// text of the first candidate. An empty completion is not an error.
func (p *GenAIProvider) Generate(ctx context.Context, prompt string) (string, error) {
	temp := float32(0.7)
	topP := float32(0.9)
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temp,
		TopP:            &topP,
		MaxOutputTokens: 1024,
	}

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	res, err := p.client.Models.GenerateContent(ctx, p.modelName, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("genai generate content: %w", err)
	}
	return res.Text(), nil
}
