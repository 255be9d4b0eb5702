package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/invoice-cli/internal/extract"
	"github.com/sells-group/invoice-cli/internal/jobs"
	"github.com/sells-group/invoice-cli/internal/metrics"
	"github.com/sells-group/invoice-cli/internal/party"
	"github.com/sells-group/invoice-cli/internal/render"
	"github.com/sells-group/invoice-cli/internal/resilience"
	"github.com/sells-group/invoice-cli/internal/store"
	"github.com/sells-group/invoice-cli/internal/vision"
)

// initStore opens the configured store and applies its schema.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

func newRenderer() *render.Poppler {
	return render.NewPoppler(cfg.Render.PdfInfoPath, cfg.Render.PdfToPPMPath)
}

func extractOptions() extract.Options {
	e := cfg.Extraction
	return extract.Options{
		DPI:         e.ExtractDPI,
		RetryDPI:    e.RetryDPI,
		Format:      render.ParseFormat(e.ImageFormat),
		Threshold:   e.ConfidenceThreshold,
		RenderRetry: e.RenderRetry,
		BatchSize:   e.BatchSize,
		Retry:       resilience.FromPageTimeout(e.PageTimeoutSecs),
	}
}

// initExtractor wires the vision model and renderer into an Extractor.
func initExtractor(ctx context.Context, m *metrics.Metrics) (*extract.Extractor, *render.Poppler, error) {
	model, err := vision.NewModel(ctx, cfg.Vision)
	if err != nil {
		return nil, nil, err
	}
	r := newRenderer()
	return extract.New(model, r, extractOptions(), m), r, nil
}

// initRunner builds the job runner over st.
func initRunner(ctx context.Context, st store.Store, m *metrics.Metrics) (*jobs.Runner, error) {
	ex, r, err := initExtractor(ctx, m)
	if err != nil {
		return nil, err
	}
	e := cfg.Extraction
	return jobs.NewRunner(st, ex, r, party.NewResolver(st), jobs.Config{
		Concurrency: e.PageConcurrency,
		BatchSize:   e.BatchSize,
		BigPages:    e.BigPDFPages,
		BigBytes:    e.BigPDFBytes,
	}, m), nil
}
