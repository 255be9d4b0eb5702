// Package extract drives page extraction: it renders pages, calls the vision
// model under the retry policy, splits batch answers and escalates weak pages
// to a higher-DPI render with zoomed quadrants.
package extract

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/invoice-cli/internal/invoice"
	"github.com/sells-group/invoice-cli/internal/metrics"
	"github.com/sells-group/invoice-cli/internal/render"
	"github.com/sells-group/invoice-cli/internal/resilience"
	"github.com/sells-group/invoice-cli/internal/vision"
)

// Model call kinds, used as metric and log labels.
const (
	KindSingle = "single"
	KindBatch  = "batch"
	KindRetry  = "retry_zoom"
)

// Renderer rasterizes PDF pages.
type Renderer interface {
	PageSize(ctx context.Context, path string, page int) (render.Size, error)
	Render(ctx context.Context, path string, page int, opts render.Options) ([]byte, error)
}

// Options tune extraction. Values are expected to be clamped by config.
type Options struct {
	DPI         int
	RetryDPI    int
	Format      render.Format
	Threshold   float64
	RenderRetry bool
	BatchSize   int
	Retry       resilience.RetryConfig
}

// DefaultOptions returns the defaults used when no configuration is loaded.
func DefaultOptions() Options {
	return Options{
		DPI:         200,
		RetryDPI:    300,
		Format:      render.FormatJPEG,
		Threshold:   invoice.DefaultConfidenceThreshold,
		RenderRetry: true,
		BatchSize:   3,
		Retry:       resilience.DefaultRetryConfig(),
	}
}

// Extractor turns rendered pages into audited PageExtractions.
type Extractor struct {
	model    vision.Model
	renderer Renderer
	opts     Options
	metrics  *metrics.Metrics
}

// New creates an Extractor. m may be nil.
func New(model vision.Model, renderer Renderer, opts Options, m *metrics.Metrics) *Extractor {
	if opts.Threshold <= 0 {
		opts.Threshold = invoice.DefaultConfidenceThreshold
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.RetryDPI < opts.DPI {
		opts.RetryDPI = opts.DPI
	}
	return &Extractor{model: model, renderer: renderer, opts: opts, metrics: m}
}

// BatchSize is the configured number of pages per model call.
func (e *Extractor) BatchSize() int { return e.opts.BatchSize }

// ExtractPages extracts one chunk of pages. A single page takes the
// single-page path; several pages go to the model in one batch call. Results
// are in the order of pages.
func (e *Extractor) ExtractPages(ctx context.Context, path string, pages []int) ([]invoice.PageExtraction, error) {
	switch len(pages) {
	case 0:
		return nil, nil
	case 1:
		p, err := e.extractSingle(ctx, path, pages[0])
		if err != nil {
			return nil, err
		}
		return []invoice.PageExtraction{p}, nil
	default:
		return e.extractBatch(ctx, path, pages)
	}
}

// ExtractAll extracts pages sequentially in chunks of the configured batch size.
func (e *Extractor) ExtractAll(ctx context.Context, path string, pages []int) ([]invoice.PageExtraction, error) {
	out := make([]invoice.PageExtraction, 0, len(pages))
	for start := 0; start < len(pages); start += e.opts.BatchSize {
		end := min(start+e.opts.BatchSize, len(pages))
		chunk, err := e.ExtractPages(ctx, path, pages[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (e *Extractor) extractSingle(ctx context.Context, path string, page int) (invoice.PageExtraction, error) {
	first, err := e.attempt(ctx, path, page, e.opts.DPI, false, invoice.TagBaseFull, KindSingle)
	if err != nil {
		return invoice.PageExtraction{}, err
	}
	return e.escalate(ctx, path, first)
}

func (e *Extractor) extractBatch(ctx context.Context, path string, pages []int) ([]invoice.PageExtraction, error) {
	images := make([]vision.Image, 0, len(pages))
	for i, page := range pages {
		data, err := e.render(ctx, path, page, e.opts.DPI, nil)
		if err != nil {
			return nil, err
		}
		images = append(images, vision.Image{
			Caption:  BatchCaption(i + 1),
			MIMEType: e.opts.Format.MIMEType(),
			Data:     data,
		})
	}

	raw, err := e.call(ctx, KindBatch, vision.Request{Prompt: BatchPrompt(len(pages)), Images: images})
	if err != nil {
		return nil, err
	}

	results := invoice.FinalizeBatch(pages, raw, e.opts.Threshold)
	for i := range results {
		best, err := e.escalate(ctx, path, results[i])
		if err != nil {
			return nil, err
		}
		results[i] = best
	}
	return results, nil
}

func (e *Extractor) escalate(ctx context.Context, path string, first invoice.PageExtraction) (invoice.PageExtraction, error) {
	if !e.opts.RenderRetry || !invoice.ShouldEscalate(first) {
		return first, nil
	}
	best, err := invoice.Escalate(ctx, first, func(ctx context.Context) (invoice.PageExtraction, error) {
		return e.attempt(ctx, path, first.PageNo, e.opts.RetryDPI, true, invoice.TagRetryZoom, KindRetry)
	})
	if err != nil {
		return invoice.PageExtraction{}, err
	}
	won := best.HasReason(invoice.ReasonRenderRetryUsed)
	e.metrics.IncEscalation(won)
	zap.L().Debug("extract: render retry",
		zap.Int("page", first.PageNo),
		zap.Float64("first_confidence", first.SystemConfidence),
		zap.Float64("best_confidence", best.SystemConfidence),
		zap.Bool("retry_won", won),
	)
	return best, nil
}

// attempt renders one page (plus quadrants when zoom is set) and finalizes
// the model's answer under tag.
func (e *Extractor) attempt(ctx context.Context, path string, page, dpi int, zoom bool, tag, kind string) (invoice.PageExtraction, error) {
	full, err := e.render(ctx, path, page, dpi, nil)
	if err != nil {
		return invoice.PageExtraction{}, err
	}
	images := []vision.Image{{Caption: FullPageCaption(dpi), MIMEType: e.opts.Format.MIMEType(), Data: full}}

	if zoom {
		size, err := e.renderer.PageSize(ctx, path, page)
		if err != nil {
			return invoice.PageExtraction{}, eris.Wrapf(err, "extract: size page %d", page)
		}
		for _, clip := range render.Quadrants(size) {
			data, err := e.render(ctx, path, page, dpi, &clip.Rect)
			if err != nil {
				return invoice.PageExtraction{}, err
			}
			images = append(images, vision.Image{
				Caption:  ZoomCaption(clip.Label, dpi),
				MIMEType: e.opts.Format.MIMEType(),
				Data:     data,
			})
		}
	}

	raw, err := e.call(ctx, kind, vision.Request{Prompt: SinglePrompt(), Images: images})
	if err != nil {
		return invoice.PageExtraction{}, err
	}
	return invoice.FromText(page, raw, tag, e.opts.Threshold), nil
}

func (e *Extractor) render(ctx context.Context, path string, page, dpi int, clip *render.Rect) ([]byte, error) {
	data, err := e.renderer.Render(ctx, path, page, render.Options{DPI: dpi, Format: e.opts.Format, Clip: clip})
	if err != nil {
		return nil, eris.Wrapf(err, "extract: render page %d", page)
	}
	return data, nil
}

// call runs one model request under the retry policy.
func (e *Extractor) call(ctx context.Context, kind string, req vision.Request) (string, error) {
	cfg := e.opts.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger(e.model.Name(), kind)
	}

	start := time.Now()
	raw, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (string, error) {
		return e.model.Generate(ctx, req)
	})
	e.metrics.ObserveModelCall(e.model.Name(), kind, err, time.Since(start))
	if err != nil {
		return "", eris.Wrapf(err, "extract: %s model call", kind)
	}
	return raw, nil
}

// SelectPages resolves a requested page list against a document of total
// pages: order is kept, out-of-range and repeated pages are dropped. An empty
// request selects every page.
func SelectPages(requested []int, total int) []int {
	if len(requested) == 0 {
		all := make([]int, total)
		for i := range all {
			all[i] = i + 1
		}
		return all
	}
	seen := make(map[int]bool, len(requested))
	out := make([]int, 0, len(requested))
	for _, p := range requested {
		if p < 1 || p > total || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
