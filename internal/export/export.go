// Package export writes invoices to an Excel workbook.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/invoice-cli/internal/invoice"
	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/store"
)

// SheetName is the single sheet of the workbook.
const SheetName = "Invoices"

// ContentType is the MIME type of the workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var (
	leadingHeaders  = []string{"Document", "Page", "Status", "Needs Rescan", "System Confidence"}
	trailingHeaders = []string{"Unreadable Fields", "Reasons"}
)

// Headers returns the header row in column order.
func Headers() []string {
	out := make([]string, 0, len(leadingHeaders)+len(invoice.FieldNames)+len(trailingHeaders))
	out = append(out, leadingHeaders...)
	out = append(out, invoice.FieldNames...)
	return append(out, trailingHeaders...)
}

// Build lays the invoices out on one sheet. Field values come from the
// current map. filenames maps document id to its upload name; a missing
// entry falls back to the id.
func Build(invoices []model.Invoice, filenames map[string]string) (*xlsx.File, error) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return nil, eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range Headers() {
		header.AddCell().SetString(h)
	}

	for _, inv := range invoices {
		row := sheet.AddRow()

		name, ok := filenames[inv.DocumentID]
		if !ok {
			name = inv.DocumentID
		}
		row.AddCell().SetString(name)
		row.AddCell().SetInt(inv.PageNo)
		row.AddCell().SetString(string(inv.Status))
		row.AddCell().SetBool(inv.NeedsRescan)
		row.AddCell().SetFloat(inv.SystemConfidence)

		current := inv.Current()
		for _, name := range invoice.FieldNames {
			setValue(row.AddCell(), current[name])
		}

		row.AddCell().SetString(strings.Join(inv.UnreadableFields, ", "))
		row.AddCell().SetString(strings.Join(inv.Reasons, ", "))
	}
	return f, nil
}

// Write builds the workbook and writes it to w.
func Write(w io.Writer, invoices []model.Invoice, filenames map[string]string) error {
	f, err := Build(invoices, filenames)
	if err != nil {
		return err
	}
	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: write workbook")
	}
	return nil
}

// setValue writes numbers as numeric cells and leaves nulls empty.
func setValue(c *xlsx.Cell, v any) {
	switch x := v.(type) {
	case nil:
	case float64:
		c.SetFloat(x)
	case int:
		c.SetInt(x)
	case int64:
		c.SetInt64(x)
	case string:
		c.SetString(x)
	case bool:
		c.SetBool(x)
	default:
		c.SetString(fmt.Sprint(x))
	}
}

// DocumentGetter loads a document by id.
type DocumentGetter interface {
	GetDocument(ctx context.Context, id string) (*model.Document, error)
}

// DocumentNames resolves the upload filename of every document the invoices
// reference. Documents that no longer exist are skipped.
func DocumentNames(ctx context.Context, docs DocumentGetter, invoices []model.Invoice) (map[string]string, error) {
	names := make(map[string]string)
	for _, inv := range invoices {
		if _, ok := names[inv.DocumentID]; ok {
			continue
		}
		doc, err := docs.GetDocument(ctx, inv.DocumentID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		names[doc.ID] = doc.Filename
	}
	return names, nil
}
