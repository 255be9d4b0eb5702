package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/invoice-cli/internal/resilience"
)

const (
	mistralChatEndpoint = "https://api.mistral.ai/v1/chat/completions"
	defaultMistralModel = "pixtral-large-latest"
)

// Mistral calls Mistral's chat completions API with image_url parts.
type Mistral struct {
	apiKey    string
	model     string
	maxTokens int
	endpoint  string
	client    *http.Client
}

// NewMistral creates a Mistral adapter. If model is empty, the default is used.
func NewMistral(apiKey, model string, maxTokens int) *Mistral {
	if model == "" {
		model = defaultMistralModel
	}
	return &Mistral{
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		endpoint:  mistralChatEndpoint,
		client:    &http.Client{},
	}
}

// Name returns the model id.
func (m *Mistral) Name() string { return m.model }

type mistralChatRequest struct {
	Model          string               `json:"model"`
	Messages       []mistralChatMessage `json:"messages"`
	ResponseFormat *mistralFormat       `json:"response_format,omitempty"`
	MaxTokens      int                  `json:"max_tokens,omitempty"`
	Temperature    float64              `json:"temperature"`
}

type mistralFormat struct {
	Type string `json:"type"`
}

type mistralChatMessage struct {
	Role    string        `json:"role"`
	Content []mistralPart `json:"content"`
}

type mistralPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type mistralChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate posts one chat completion and returns the first choice's content.
// Retryable HTTP statuses come back as resilience.TransientError.
func (m *Mistral) Generate(ctx context.Context, req Request) (string, error) {
	parts := []mistralPart{{Type: "text", Text: req.Prompt}}
	for _, img := range req.Images {
		parts = append(parts,
			mistralPart{Type: "text", Text: img.Caption},
			mistralPart{
				Type:     "image_url",
				ImageURL: "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
			},
		)
	}

	bodyBytes, err := json.Marshal(mistralChatRequest{
		Model:          m.model,
		Messages:       []mistralChatMessage{{Role: "user", Content: parts}},
		ResponseFormat: &mistralFormat{Type: "json_object"},
		MaxTokens:      m.maxTokens,
	})
	if err != nil {
		return "", eris.Wrap(err, "vision: marshal mistral request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", eris.Wrap(err, "vision: create mistral request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return "", eris.Wrap(err, "vision: mistral API call")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "vision: read mistral response")
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := eris.Errorf("vision: mistral API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return "", resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return "", apiErr
	}

	var chat mistralChatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return "", eris.Wrap(err, "vision: unmarshal mistral response")
	}
	if len(chat.Choices) == 0 {
		return "", nil
	}
	return chat.Choices[0].Message.Content, nil
}
