package vision

import (
	"context"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rotisserie/eris"
	"google.golang.org/api/option"
)

const defaultGeminiModel = "gemini-2.5-flash"

// Gemini calls Google's Gemini models through the generative-ai-go SDK.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
	name   string
}

// NewGemini creates a Gemini adapter that asks for JSON output.
func NewGemini(ctx context.Context, apiKey, model string, maxTokens int) (*Gemini, error) {
	if model == "" {
		model = defaultGeminiModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, eris.Wrap(err, "vision: create gemini client")
	}
	gm := client.GenerativeModel(model)
	gm.ResponseMIMEType = "application/json"
	gm.SetTemperature(0)
	if maxTokens > 0 {
		gm.SetMaxOutputTokens(int32(maxTokens))
	}
	return &Gemini{client: client, model: gm, name: model}, nil
}

// Name returns the model id.
func (g *Gemini) Name() string { return g.name }

// Generate sends the prompt and images and returns the answer text.
func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := g.model.GenerateContent(ctx, geminiParts(req)...)
	if err != nil {
		return "", eris.Wrap(err, "vision: gemini generate content")
	}
	return geminiText(resp), nil
}

// Close releases the underlying client.
func (g *Gemini) Close() error {
	return g.client.Close()
}

func geminiParts(req Request) []genai.Part {
	parts := make([]genai.Part, 0, 1+2*len(req.Images))
	parts = append(parts, genai.Text(req.Prompt))
	for _, img := range req.Images {
		parts = append(parts,
			genai.Text(img.Caption),
			genai.Blob{MIMEType: img.MIMEType, Data: img.Data},
		)
	}
	return parts
}

// geminiText joins the text parts of the first candidate. An empty answer is
// not an error here; the caller treats it as a parse failure.
func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String()
}
