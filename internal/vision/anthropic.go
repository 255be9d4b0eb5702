package vision

import (
	"context"

	"github.com/sells-group/invoice-cli/pkg/anthropic"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-5-20250929"
	defaultAnthropicMaxTokens = 8192
)

// Anthropic calls Claude models with image content blocks.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates an Anthropic adapter.
func NewAnthropic(apiKey, model string, maxTokens int) *Anthropic {
	return newAnthropic(anthropic.NewClient(apiKey), model, maxTokens)
}

func newAnthropic(client anthropic.Client, model string, maxTokens int) *Anthropic {
	if model == "" {
		model = defaultAnthropicModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &Anthropic{client: client, model: model, maxTokens: int64(maxTokens)}
}

// Name returns the model id.
func (a *Anthropic) Name() string { return a.model }

// Generate sends the prompt as a cached system block and the images as one
// user message.
func (a *Anthropic) Generate(ctx context.Context, req Request) (string, error) {
	blocks := make([]anthropic.Block, 0, 2*len(req.Images))
	for _, img := range req.Images {
		blocks = append(blocks,
			anthropic.TextBlock(img.Caption),
			anthropic.ImageBlock(img.MIMEType, img.Data),
		)
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropic.TextBlock("No images."))
	}

	temp := 0.0
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System: []anthropic.SystemBlock{
			{Text: req.Prompt, CacheControl: &anthropic.CacheControl{TTL: "1h"}},
		},
		Messages:    []anthropic.Message{{Role: "user", Blocks: blocks}},
		Temperature: &temp,
	})
	if err != nil {
		return "", err
	}
	resp.Usage.LogCost(a.model, "extract")
	return resp.Text(), nil
}
