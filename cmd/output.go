package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/invoice-cli/internal/invoice"
	"github.com/sells-group/invoice-cli/internal/model"
)

// writeFormatted encodes v as indented JSON or YAML.
func writeFormatted(out io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case "", "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		// Round-trip through JSON so YAML keys follow the json tags.
		data, err := json.Marshal(v)
		if err != nil {
			return eris.Wrap(err, "encode output")
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return eris.Wrap(err, "encode output")
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return enc.Close()
	default:
		return eris.Errorf("unknown format %q (want json or yaml)", format)
	}
}

// parsePages parses "1,3,5" into page numbers.
func parsePages(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var pages []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 1 {
			return nil, eris.Errorf("invalid page %q", part)
		}
		pages = append(pages, n)
	}
	return pages, nil
}

// formatJobsList writes a tabular list of jobs to out.
func formatJobsList(out io.Writer, jobs []model.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFILE\tSTATUS\tPAGES\tLOW_READ\tCREATED\tMESSAGE")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-----\t--------\t-------\t-------")

	for _, j := range jobs {
		pages := fmt.Sprintf("%d/?", j.ProcessedPages)
		if j.TotalPages != nil {
			pages = fmt.Sprintf("%d/%d", j.ProcessedPages, *j.TotalPages)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			truncateID(j.ID),
			truncate(j.Filename, 30),
			j.Status,
			pages,
			j.HasLowReadability,
			j.CreatedAt.Format("2006-01-02 15:04"),
			truncate(j.Message, 40),
		)
	}
	_ = w.Flush()
}

// formatInvoicesList writes a tabular list of invoices to out.
func formatInvoicesList(out io.Writer, invoices []model.Invoice) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDOC\tPAGE\tSTATUS\tRESCAN\tCONF\tINVOICE_NO\tNET_AMOUNT")
	_, _ = fmt.Fprintln(w, "--\t---\t----\t------\t------\t----\t----------\t----------")

	for _, inv := range invoices {
		cur := inv.Current()
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%t\t%.2f\t%s\t%s\n",
			truncateID(inv.ID),
			truncateID(inv.DocumentID),
			inv.PageNo,
			inv.Status,
			inv.NeedsRescan,
			inv.SystemConfidence,
			cell(cur[invoice.InvoiceNo]),
			cell(cur[invoice.NetAmount]),
		)
	}
	_ = w.Flush()
}

// formatPartiesList writes a tabular list of parties to out.
func formatPartiesList(out io.Writer, parties []model.Party) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tNAME\tNTN\tGST\tREGISTRATION")
	_, _ = fmt.Fprintln(w, "--\t----\t----\t---\t---\t------------")

	for _, p := range parties {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(p.ID),
			p.Type,
			truncate(deref(p.NameRaw), 30),
			deref(p.NTNRaw),
			deref(p.GSTRaw),
			deref(p.RegistrationRaw),
		)
	}
	_ = w.Flush()
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
