package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/scribelab/corrigenda/internal/domain"
)

const (
	openAIEmbeddingURL = "https://api.openai.com/v1/embeddings"
	model              = "text-embedding-3-small"
)

type OpenAIClient struct {
	apiKey     string
	httpClient *http.Client
}

func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds all texts in one API call, returning vectors in input
// order. Any failure fails the whole batch.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, &domain.EmbeddingError{Reason: "no input"}
	}
	for _, t := range texts {
		if err := checkInput(t); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(embeddingRequest{
		Model: model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openAIEmbeddingURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.EmbeddingError{Reason: "request failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.EmbeddingError{Reason: "read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.EmbeddingError{
			Reason: fmt.Sprintf("API status %d", resp.StatusCode),
			Err:    fmt.Errorf("%s", string(respBody)),
		}
	}

	var result embeddingResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &domain.EmbeddingError{Reason: "unmarshal response", Err: err}
	}

	if result.Error != nil {
		return nil, &domain.EmbeddingError{Reason: "API error", Err: fmt.Errorf("%s", result.Error.Message)}
	}

	if len(result.Data) != len(texts) {
		return nil, &domain.EmbeddingError{
			Reason: fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(result.Data)),
		}
	}

	// The API reports an index per entry; order by it rather than trusting
	// response order.
	vecs := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, &domain.EmbeddingError{Reason: fmt.Sprintf("embedding index %d out of range", d.Index)}
		}
		vecs[d.Index] = d.Embedding
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, &domain.EmbeddingError{Reason: fmt.Sprintf("missing embedding for input %d", i)}
		}
	}

	return vecs, nil
}
