package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/invoice-cli/internal/export"
	"github.com/sells-group/invoice-cli/internal/invoice"
	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/store"
)

// invoiceView is the API shape of an invoice.
type invoiceView struct {
	*model.Invoice
	Current     invoice.Fields `json:"current"`
	DocumentURL string         `json:"document_url"`
}

func viewOf(inv *model.Invoice) invoiceView {
	return invoiceView{Invoice: inv, Current: inv.Current(), DocumentURL: inv.DocumentURL()}
}

func viewsOf(invs []model.Invoice) []invoiceView {
	out := make([]invoiceView, len(invs))
	for i := range invs {
		out[i] = viewOf(&invs[i])
	}
	return out
}

// saveUpload stores the multipart "file" part and records its document.
func (s *Server) saveUpload(r *http.Request) (*model.Document, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, invalid("expected multipart form with a file field")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, invalid("missing file field")
	}
	defer file.Close() //nolint:errcheck

	doc, err := s.files.Save(header.Filename, file)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateDocument(r.Context(), doc); err != nil {
		_ = s.files.Remove(doc)
		return nil, err
	}
	return doc, nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	doc, err := s.saveUpload(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	job, err := s.runner.Submit(r.Context(), doc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	job.Filename = doc.Filename
	zap.L().Info("document uploaded",
		zap.String("document_id", doc.ID),
		zap.String("job_id", job.ID),
		zap.Int64("bytes", doc.SizeBytes),
	)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleDocumentFile(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", doc.Filename))
	http.ServeFile(w, r, doc.StoredPath)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, invalid("limit must be an integer"))
			return
		}
		limit = min(max(n, 1), 200)
	}
	jobs, err := s.store.ListJobs(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func includeHistory(r *http.Request) (bool, error) {
	v := r.URL.Query().Get("include_history")
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, invalid("include_history must be a boolean")
	}
	return b, nil
}

func (s *Server) listInvoices(r *http.Request, review bool) ([]model.Invoice, error) {
	history, err := includeHistory(r)
	if err != nil {
		return nil, err
	}
	return s.store.ListInvoices(r.Context(), store.InvoiceFilter{IncludeHistory: history, Review: review})
}

func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	invs, err := s.listInvoices(r, false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewsOf(invs))
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	invs, err := s.listInvoices(r, true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewsOf(invs))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	invs, err := s.listInvoices(r, false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	names, err := export.DocumentNames(r.Context(), s.store, invs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	f, err := export.Build(invs, names)
	if err != nil {
		writeError(w, r, err)
		return
	}

	name := fmt.Sprintf("invoices_%s.xlsx", time.Now().UTC().Format("20060102_150405"))
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := f.Write(w); err != nil {
		zap.L().Error("write export", zap.Error(err))
	}
}

func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := s.store.GetInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(inv))
}

type updateInvoiceRequest struct {
	Edited map[string]any `json:"edited"`
	Status *string        `json:"status"`
}

func (s *Server) handleUpdateInvoice(w http.ResponseWriter, r *http.Request) {
	var req updateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, invalid("invalid request body"))
		return
	}
	var status model.InvoiceStatus
	if req.Status != nil {
		status = model.InvoiceStatus(*req.Status)
		if !status.Valid() {
			writeError(w, r, invalid(fmt.Sprintf("unknown status %q", *req.Status)))
			return
		}
	}

	inv, err := s.store.GetInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.Edited != nil {
		inv.Edit(req.Edited)
	}
	if req.Status != nil {
		inv.SetStatus(status)
	}
	if err := s.store.UpdateInvoice(r.Context(), inv); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(inv))
}

type rescanRequest struct {
	UnreadableFields []string `json:"unreadable_fields"`
	Reasons          []string `json:"reasons"`
}

func (s *Server) handleRequestRescan(w http.ResponseWriter, r *http.Request) {
	var req rescanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, invalid("invalid request body"))
		return
	}

	inv, err := s.store.GetInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	inv.RequestRescan(req.UnreadableFields, req.Reasons)
	if err := s.store.UpdateInvoice(r.Context(), inv); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(inv))
}

func (s *Server) handleReupload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetInvoice(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	doc, err := s.saveUpload(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	inv, err := s.runner.Reextract(r.Context(), id, doc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(inv))
}

func (s *Server) handleListParties(w http.ResponseWriter, r *http.Request) {
	t := model.PartyType(r.URL.Query().Get("party_type"))
	if t != "" && !t.Valid() {
		writeError(w, r, invalid(fmt.Sprintf("unknown party_type %q", t)))
		return
	}
	parties, err := s.store.ListParties(r.Context(), t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, parties)
}

func (s *Server) handleGetParty(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetParty(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
