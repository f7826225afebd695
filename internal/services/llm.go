package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/generative-ai-go/genai"
)

// LanguageModel turns a prompt into generated text.
type LanguageModel interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ContentGenerator is the part of *genai.GenerativeModel used here.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

var errEmptyResponse = errors.New("model returned no content")

type GenAILanguageModel struct {
	generator ContentGenerator
	name      string
	retry     RetryPolicy
}

// NewGenAILanguageModel configures a Gemini model. systemPrompt may be empty.
func NewGenAILanguageModel(client *genai.Client, name string, temperature float32, systemPrompt string, retry RetryPolicy) *GenAILanguageModel {
	model := client.GenerativeModel(name)
	model.SetTemperature(temperature)
	if systemPrompt != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	}
	return NewLanguageModelFromGenerator(model, name, retry)
}

func NewLanguageModelFromGenerator(generator ContentGenerator, name string, retry RetryPolicy) *GenAILanguageModel {
	return &GenAILanguageModel{generator: generator, name: name, retry: retry}
}

func (m *GenAILanguageModel) Generate(ctx context.Context, prompt string) (string, error) {
	return withRetry(ctx, m.retry, "generate "+m.name, func() (string, error) {
		resp, err := m.generator.GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			return "", err
		}
		text, err := responseText(resp)
		if err != nil {
			// A blocked or empty answer will not change on retry.
			return "", backoff.Permanent(err)
		}
		return text, nil
	})
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
			return "", fmt.Errorf("prompt blocked: %v", resp.PromptFeedback.BlockReason)
		}
		return "", errEmptyResponse
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			b.WriteString(string(p))
		case *genai.Text:
			b.WriteString(string(*p))
		}
	}
	if b.Len() == 0 {
		return "", errEmptyResponse
	}
	return b.String(), nil
}
