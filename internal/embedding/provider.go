package embedding

import (
	"fmt"

	"github.com/scribelab/corrigenda/internal/domain"
)

// Provider constants
const (
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
)

// maxInputChars bounds embedding input length. Longer text fails with an
// EmbeddingError before any network call so callers can treat the segment
// as unmatched instead of waiting on a doomed request.
const maxInputChars = 8192

// NewClient creates an embedding client based on the provider name.
// Returns an error if the provider is unknown or the API key is empty (except for mock).
func NewClient(provider, apiKey string) (domain.EmbeddingClient, error) {
	switch provider {
	case ProviderOpenAI:
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for OpenAI embedding provider")
		}
		return NewOpenAIClient(apiKey), nil

	case ProviderMock:
		return NewMockClient(), nil

	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (valid options: openai, mock)", provider)
	}
}

func checkInput(text string) error {
	if text == "" {
		return &domain.EmbeddingError{Reason: "empty text"}
	}
	if len(text) > maxInputChars {
		return &domain.EmbeddingError{Reason: fmt.Sprintf("text too long (%d chars, max %d)", len(text), maxInputChars)}
	}
	return nil
}
