// Package vision adapts multimodal LLM providers to a single Model interface
// that takes a prompt plus captioned page images and returns the raw answer.
package vision

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/invoice-cli/internal/config"
)

// Image is one rendered view sent to the model, preceded by its caption.
type Image struct {
	Caption  string
	MIMEType string
	Data     []byte
}

// Request is a single model call.
type Request struct {
	Prompt string
	Images []Image
}

// Model answers a multimodal prompt with raw text.
type Model interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// NewModel creates the configured provider, rate limited when rate_limit_rps > 0.
func NewModel(ctx context.Context, cfg config.VisionConfig) (Model, error) {
	var (
		m   Model
		err error
	)
	switch cfg.Provider {
	case "gemini", "":
		if cfg.GeminiKey == "" {
			return nil, eris.New("vision: gemini provider requires gemini_api_key")
		}
		m, err = NewGemini(ctx, cfg.GeminiKey, cfg.Model, cfg.MaxTokens)
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, eris.New("vision: anthropic provider requires anthropic_api_key")
		}
		m = NewAnthropic(cfg.AnthropicKey, cfg.Model, cfg.MaxTokens)
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("vision: mistral provider requires mistral_api_key")
		}
		m = NewMistral(cfg.MistralKey, cfg.Model, cfg.MaxTokens)
	default:
		return nil, eris.Errorf("vision: unknown provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewRateLimited(m, cfg.RateLimitRPS), nil
}

// RateLimited throttles calls to the wrapped model.
type RateLimited struct {
	Model
	limiter *rate.Limiter
}

// NewRateLimited wraps m with a token bucket of rps. A non-positive rps
// returns m unchanged.
func NewRateLimited(m Model, rps float64) Model {
	if rps <= 0 {
		return m
	}
	return &RateLimited{Model: m, limiter: rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))}
}

// Generate blocks until the limiter admits the call, or ctx is cancelled.
func (r *RateLimited) Generate(ctx context.Context, req Request) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "vision: rate limit wait")
	}
	return r.Model.Generate(ctx, req)
}
