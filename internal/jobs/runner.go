// Package jobs runs document extraction jobs: preflight of page 1, an
// optional downgrade to sequential processing, bounded concurrent batches
// and a single writer for invoices and job progress.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/invoice-cli/internal/invoice"
	"github.com/sells-group/invoice-cli/internal/metrics"
	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/party"
)

// Job progress messages.
const (
	MsgReading   = "Reading PDF..."
	MsgCompleted = "Completed"
	MsgFailed    = "Failed"
)

// ProgressMessage reports k of n pages done.
func ProgressMessage(k, n int) string {
	return fmt.Sprintf("Extracting pages... (%d/%d)", k, n)
}

// DowngradeMessage announces the switch to sequential processing.
func DowngradeMessage(n int) string {
	return fmt.Sprintf("Low-readability big PDF detected; switching to sequential processing (1/%d)", n)
}

// Store is the persistence the runner needs.
type Store interface {
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	CreateJob(ctx context.Context, documentID string) (*model.Job, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	StartJob(ctx context.Context, id, message string) error
	SetJobTotalPages(ctx context.Context, id string, total int, message string) error
	UpdateJobProgress(ctx context.Context, id string, p model.JobProgress) error
	CompleteJob(ctx context.Context, id string, p model.JobProgress) error
	FailJob(ctx context.Context, id, message, errText string) error
	SaveBatch(ctx context.Context, jobID string, invoices []*model.Invoice, p model.JobProgress) error
	GetInvoice(ctx context.Context, id string) (*model.Invoice, error)
	UpdateInvoice(ctx context.Context, inv *model.Invoice) error
}

// PageExtractor extracts one chunk of pages of the PDF at path.
type PageExtractor interface {
	ExtractPages(ctx context.Context, path string, pages []int) ([]invoice.PageExtraction, error)
}

// PageCounter counts the pages of the PDF at path.
type PageCounter interface {
	PageCount(ctx context.Context, path string) (int, error)
}

// PartyResolver maps an extracted identity to a party id.
type PartyResolver interface {
	Resolve(ctx context.Context, t model.PartyType, id party.Identity) (*string, error)
}

// Config bounds job execution. Values are expected to be clamped by config.
type Config struct {
	Concurrency int
	BatchSize   int
	BigPages    int
	BigBytes    int64
}

// Runner executes jobs. It is safe for concurrent use.
type Runner struct {
	store     Store
	extractor PageExtractor
	counter   PageCounter
	parties   PartyResolver
	cfg       Config
	metrics   *metrics.Metrics

	wg sync.WaitGroup
}

// NewRunner creates a Runner. m may be nil.
func NewRunner(store Store, extractor PageExtractor, counter PageCounter, parties PartyResolver, cfg Config, m *metrics.Metrics) *Runner {
	cfg.Concurrency = max(cfg.Concurrency, 1)
	cfg.BatchSize = max(cfg.BatchSize, 1)
	return &Runner{
		store:     store,
		extractor: extractor,
		counter:   counter,
		parties:   parties,
		cfg:       cfg,
		metrics:   m,
	}
}

// Submit creates a queued job for doc and runs it in the background. The job
// outlives ctx's cancellation; use Wait to drain running jobs.
func (r *Runner) Submit(ctx context.Context, doc *model.Document) (*model.Job, error) {
	job, err := r.store.CreateJob(ctx, doc.ID)
	if err != nil {
		return nil, eris.Wrap(err, "jobs: create job")
	}

	bg := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Run(bg, job.ID); err != nil {
			zap.L().Warn("job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()
	return job, nil
}

// Wait blocks until every submitted job has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Run drives one queued job to completed or failed. A failure is recorded on
// the job with the error text and also returned. A job that is no longer
// queued is left untouched.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return eris.Wrapf(err, "jobs: load job %s", jobID)
	}
	if job.Status != model.JobStatusQueued {
		return eris.Errorf("jobs: job %s is %s, not queued", jobID, job.Status)
	}

	log := zap.L().With(zap.String("job_id", jobID), zap.String("document_id", job.DocumentID))
	start := time.Now()

	if err := r.execute(ctx, log, job); err != nil {
		if ferr := r.store.FailJob(context.WithoutCancel(ctx), jobID, MsgFailed, err.Error()); ferr != nil {
			log.Error("record job failure", zap.Error(ferr))
		}
		r.metrics.IncJob(string(model.JobStatusFailed), time.Since(start))
		log.Error("job failed", zap.Error(err))
		return err
	}

	r.metrics.IncJob(string(model.JobStatusCompleted), time.Since(start))
	log.Info("job completed", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (r *Runner) execute(ctx context.Context, log *zap.Logger, job *model.Job) error {
	doc, err := r.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return eris.Wrapf(err, "jobs: load document %s", job.DocumentID)
	}
	if err := r.store.StartJob(ctx, job.ID, MsgReading); err != nil {
		return eris.Wrapf(err, "jobs: start job %s", job.ID)
	}
	return r.run(ctx, log, job.ID, doc)
}

func (r *Runner) run(ctx context.Context, log *zap.Logger, jobID string, doc *model.Document) error {
	total, err := r.counter.PageCount(ctx, doc.StoredPath)
	if err != nil {
		return err
	}
	if total < 1 {
		return eris.Errorf("jobs: %s has no pages", doc.Filename)
	}
	if err := r.store.SetJobTotalPages(ctx, jobID, total, ProgressMessage(0, total)); err != nil {
		return err
	}

	agg := &aggregator{runner: r, jobID: jobID, docID: doc.ID, total: total}

	first, err := r.extractor.ExtractPages(ctx, doc.StoredPath, []int{1})
	if err != nil {
		return err
	}
	if len(first) == 0 {
		return eris.New("jobs: extraction returned no pages for page 1")
	}
	if err := agg.persist(ctx, first); err != nil {
		return err
	}

	concurrency := r.cfg.Concurrency
	big := total >= r.cfg.BigPages || doc.SizeBytes >= r.cfg.BigBytes
	if big && agg.lowReadability {
		concurrency = 1
		if err := r.store.UpdateJobProgress(ctx, jobID, agg.progress(DowngradeMessage(total))); err != nil {
			return err
		}
		log.Info("downgraded to sequential processing", zap.Int("pages", total), zap.Int64("bytes", doc.SizeBytes))
	}

	if err := r.runBatches(ctx, doc.StoredPath, chunks(2, total, r.cfg.BatchSize), concurrency, agg); err != nil {
		return err
	}

	p := agg.progress(MsgCompleted)
	p.ProcessedPages = total
	return r.store.CompleteJob(ctx, jobID, p)
}

type batchResult struct {
	pages []invoice.PageExtraction
}

// runBatches extracts the chunks under a concurrency limit. Extracted batches
// go over a channel to the aggregator, the only goroutine that writes.
func (r *Runner) runBatches(ctx context.Context, path string, batches [][]int, concurrency int, agg *aggregator) error {
	if len(batches) == 0 {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(concurrency)

	results := make(chan batchResult)
	aggDone := make(chan error, 1)
	go func() {
		err := agg.consume(gctx, results)
		if err != nil {
			cancel()
		}
		aggDone <- err
	}()

	for _, pages := range batches {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out, err := r.extractor.ExtractPages(gctx, path, pages)
			if err != nil {
				return err
			}
			if len(out) == 0 {
				return eris.Errorf("jobs: extraction returned no pages for batch %v", pages)
			}
			select {
			case results <- batchResult{pages: out}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	gErr := g.Wait()
	close(results)
	aggErr := <-aggDone
	// A write cut short by a failing batch reports the batch's error.
	if aggErr != nil && (gErr == nil || !errors.Is(aggErr, context.Canceled)) {
		return aggErr
	}
	return gErr
}

// chunks splits pages from..to into groups of size n.
func chunks(from, to, n int) [][]int {
	var out [][]int
	for start := from; start <= to; start += n {
		end := min(start+n-1, to)
		chunk := make([]int, 0, end-start+1)
		for p := start; p <= end; p++ {
			chunk = append(chunk, p)
		}
		out = append(out, chunk)
	}
	return out
}

// aggregator owns the job counters. Only one goroutine touches it at a time:
// the runner during preflight, then the consume loop.
type aggregator struct {
	runner *Runner
	jobID  string
	docID  string
	total  int

	processed      int
	invoiceIDs     []string
	lowReadability bool
}

func (a *aggregator) consume(ctx context.Context, results <-chan batchResult) error {
	for res := range results {
		if ctx.Err() != nil {
			// The job is failing; drop late results without writing them.
			continue
		}
		if err := a.persist(ctx, res.pages); err != nil {
			return err
		}
	}
	return nil
}

// persist resolves parties, then stores the batch's invoices and the job
// counters in one transaction. The in-memory counters advance only after it
// commits.
func (a *aggregator) persist(ctx context.Context, pages []invoice.PageExtraction) error {
	r := a.runner
	invs := make([]*model.Invoice, 0, len(pages))
	low := false
	for _, p := range pages {
		inv := model.NewInvoice(a.docID, p)
		if err := r.resolveParties(ctx, inv); err != nil {
			return err
		}
		invs = append(invs, inv)
		if invoice.IsLowReadability(p) {
			low = true
		}
	}

	ids := make([]string, 0, len(a.invoiceIDs)+len(invs))
	ids = append(ids, a.invoiceIDs...)
	for _, inv := range invs {
		if inv.ID == "" {
			inv.ID = uuid.New().String()
		}
		ids = append(ids, inv.ID)
	}
	processed := a.processed + len(invs)
	p := model.JobProgress{
		ProcessedPages:    processed,
		InvoiceIDs:        ids,
		HasLowReadability: a.lowReadability || low,
		Message:           ProgressMessage(processed, a.total),
	}
	if err := r.store.SaveBatch(ctx, a.jobID, invs, p); err != nil {
		return err
	}

	a.invoiceIDs = ids
	a.processed = processed
	a.lowReadability = p.HasLowReadability
	for _, pg := range pages {
		r.metrics.IncPage(pageOutcome(pg))
	}
	return nil
}

func (a *aggregator) progress(msg string) model.JobProgress {
	return model.JobProgress{
		ProcessedPages:    a.processed,
		InvoiceIDs:        append([]string(nil), a.invoiceIDs...),
		HasLowReadability: a.lowReadability,
		Message:           msg,
	}
}

func pageOutcome(p invoice.PageExtraction) string {
	switch {
	case invoice.IsLowReadability(p):
		return "low_readability"
	case p.NeedsRescan:
		return "needs_rescan"
	default:
		return "ok"
	}
}

func (r *Runner) resolveParties(ctx context.Context, inv *model.Invoice) error {
	fields := inv.Extracted
	var err error
	if inv.SupplierPartyID, err = r.resolve(ctx, model.PartyTypeSupplier, party.SupplierIdentity(fields)); err != nil {
		return err
	}
	inv.BuyerPartyID, err = r.resolve(ctx, model.PartyTypeBuyer, party.BuyerIdentity(fields))
	return err
}

func (r *Runner) resolve(ctx context.Context, t model.PartyType, id party.Identity) (*string, error) {
	if r.parties == nil {
		return nil, nil
	}
	pid, err := r.parties.Resolve(ctx, t, id)
	switch {
	case err != nil:
		r.metrics.IncPartyResolution(string(t), "error")
		return nil, eris.Wrapf(err, "jobs: resolve %s", t)
	case pid == nil:
		r.metrics.IncPartyResolution(string(t), "skipped")
	default:
		r.metrics.IncPartyResolution(string(t), "resolved")
	}
	return pid, nil
}

// Reextract replaces an invoice's source with page 1 of doc, which must
// already be stored. Edits are dropped and the extraction is overwritten.
func (r *Runner) Reextract(ctx context.Context, invoiceID string, doc *model.Document) (*model.Invoice, error) {
	inv, err := r.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	pages, err := r.extractor.ExtractPages(ctx, doc.StoredPath, []int{1})
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, eris.Errorf("jobs: %s has no pages", doc.Filename)
	}

	inv.Reprocess(doc.ID, pages[0])
	if err := r.resolveParties(ctx, inv); err != nil {
		return nil, err
	}
	if err := r.store.UpdateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	zap.L().Info("invoice re-extracted",
		zap.String("invoice_id", invoiceID),
		zap.String("document_id", doc.ID),
		zap.Bool("needs_rescan", inv.NeedsRescan),
	)
	return inv, nil
}
