package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/invoice-cli/internal/invoice"
	"github.com/sells-group/invoice-cli/internal/model"
)

// invoiceDocs holds the JSON-encoded columns of an invoice row. Edited is
// nil when the invoice has no human edits.
type invoiceDocs struct {
	Extracted   []byte
	Edited      []byte
	Unreadable  []byte
	Reasons     []byte
	SysReasons  []byte
	Diagnostics []byte
}

func encodeInvoice(inv *model.Invoice) (invoiceDocs, error) {
	var d invoiceDocs
	var err error
	if d.Extracted, err = json.Marshal(nonNilFields(inv.Extracted)); err != nil {
		return d, eris.Wrap(err, "marshal extracted")
	}
	if len(inv.Edited) > 0 {
		if d.Edited, err = json.Marshal(inv.Edited); err != nil {
			return d, eris.Wrap(err, "marshal edited")
		}
	}
	if d.Unreadable, err = json.Marshal(nonNil(inv.UnreadableFields)); err != nil {
		return d, eris.Wrap(err, "marshal unreadable fields")
	}
	if d.Reasons, err = json.Marshal(nonNil(inv.Reasons)); err != nil {
		return d, eris.Wrap(err, "marshal reasons")
	}
	if d.SysReasons, err = json.Marshal(nonNil(inv.SystemReasons)); err != nil {
		return d, eris.Wrap(err, "marshal system reasons")
	}
	diags := inv.Diagnostics
	if diags == nil {
		diags = map[string]invoice.FieldDiagnostic{}
	}
	if d.Diagnostics, err = json.Marshal(diags); err != nil {
		return d, eris.Wrap(err, "marshal field diagnostics")
	}
	return d, nil
}

func (d invoiceDocs) decode(inv *model.Invoice) error {
	inv.Extracted = invoice.Fields{}
	if err := json.Unmarshal(d.Extracted, &inv.Extracted); err != nil {
		return eris.Wrap(err, "unmarshal extracted")
	}
	inv.Edited = nil
	if len(d.Edited) > 0 {
		if err := json.Unmarshal(d.Edited, &inv.Edited); err != nil {
			return eris.Wrap(err, "unmarshal edited")
		}
	}
	for _, col := range []struct {
		raw  []byte
		dst  *[]string
		name string
	}{
		{d.Unreadable, &inv.UnreadableFields, "unreadable fields"},
		{d.Reasons, &inv.Reasons, "reasons"},
		{d.SysReasons, &inv.SystemReasons, "system reasons"},
	} {
		*col.dst = []string{}
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return eris.Wrapf(err, "unmarshal %s", col.name)
		}
	}
	inv.Diagnostics = map[string]invoice.FieldDiagnostic{}
	if len(d.Diagnostics) > 0 {
		if err := json.Unmarshal(d.Diagnostics, &inv.Diagnostics); err != nil {
			return eris.Wrap(err, "unmarshal field diagnostics")
		}
	}
	return nil
}

func encodeIDs(ids []string) ([]byte, error) {
	b, err := json.Marshal(nonNil(ids))
	return b, eris.Wrap(err, "marshal invoice ids")
}

func decodeIDs(raw []byte) ([]string, error) {
	ids := []string{}
	if len(raw) == 0 {
		return ids, nil
	}
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, eris.Wrap(err, "unmarshal invoice ids")
	}
	return ids, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilFields(f invoice.Fields) invoice.Fields {
	if f == nil {
		return invoice.NewFields()
	}
	return f
}
