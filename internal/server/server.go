// Package server exposes documents, jobs, invoices and parties over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/resilience"
	"github.com/sells-group/invoice-cli/internal/storage"
	"github.com/sells-group/invoice-cli/internal/store"
)

// maxUploadBytes bounds a multipart upload held in memory before spilling
// to temp files.
const maxUploadBytes = 32 << 20

// Store is the persistence the API reads and writes.
type Store interface {
	CreateDocument(ctx context.Context, doc *model.Document) error
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit int) ([]model.Job, error)
	GetInvoice(ctx context.Context, id string) (*model.Invoice, error)
	UpdateInvoice(ctx context.Context, inv *model.Invoice) error
	ListInvoices(ctx context.Context, filter store.InvoiceFilter) ([]model.Invoice, error)
	GetParty(ctx context.Context, id string) (*model.Party, error)
	ListParties(ctx context.Context, t model.PartyType) ([]model.Party, error)
}

// Runner starts extraction jobs and re-extracts single invoices.
type Runner interface {
	Submit(ctx context.Context, doc *model.Document) (*model.Job, error)
	Reextract(ctx context.Context, invoiceID string, doc *model.Document) (*model.Invoice, error)
}

// Files stores uploaded PDFs.
type Files interface {
	Save(filename string, r io.Reader) (*model.Document, error)
	Remove(doc *model.Document) error
}

// Options configures the HTTP surface.
type Options struct {
	CORSOrigins []string
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server holds the API dependencies.
type Server struct {
	store  Store
	runner Runner
	files  Files
	opts   Options
}

// New creates a Server.
func New(st Store, runner Runner, files Files, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{store: st, runner: runner, files: files, opts: opts}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/documents", s.handleUpload)
		r.Get("/documents/{id}/file", s.handleDocumentFile)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)

		r.Get("/invoices", s.handleListInvoices)
		r.Get("/invoices/export.xlsx", s.handleExport)
		r.Get("/ai-review", s.handleReview)
		r.Get("/invoices/{id}", s.handleGetInvoice)
		r.Put("/invoices/{id}", s.handleUpdateInvoice)
		r.Post("/invoices/{id}/request-rescan", s.handleRequestRescan)
		r.Post("/invoices/{id}/reupload", s.handleReupload)

		r.Get("/parties", s.handleListParties)
		r.Get("/parties/{id}", s.handleGetParty)
	})
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

// badRequest marks an error as the client's fault.
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func invalid(msg string) error { return &badRequest{msg: msg} }

// statusOf maps an error to its HTTP status.
func statusOf(err error) int {
	var br *badRequest
	switch {
	case errors.As(err, &br), errors.Is(err, storage.ErrNotPDF):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case resilience.IsUpstreamUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		zap.L().Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	var br *badRequest
	if errors.As(err, &br) {
		msg = br.msg
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
