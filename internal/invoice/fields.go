// Package invoice turns a vision model's raw answer for one invoice page into
// a validated, diagnosable record. Every function here is pure: no I/O, no
// clocks, no randomness.
package invoice

import (
	"slices"
	"strings"
)

// Field names. The set is closed: no component may add or rename fields.
const (
	InvoiceDate            = "Invoice_Date"
	InvoiceNo              = "Invoice_No"
	SupplierName           = "Supplier_Name"
	SupplierNTN            = "Supplier_NTN"
	SupplierGSTNo          = "Supplier_GST_No"
	SupplierRegistrationNo = "Supplier_Registration_No"
	BuyerName              = "Buyer_Name"
	BuyerNTN               = "Buyer_NTN"
	BuyerGSTNo             = "Buyer_GST_No"
	BuyerRegistrationNo    = "Buyer_Registration_No"
	ExclusiveValue         = "Exclusive_Value"
	GSTSalesTax            = "GST_Sales_Tax"
	InclusiveValue         = "Inclusive_Value"
	AdvanceTax             = "Advance_Tax"
	NetAmount              = "Net_Amount"
	Return                 = "Return"
	Discount               = "Discount"
	Incentive              = "Incentive"
	Location               = "Location"
	GRN                    = "GRN"
)

// FieldNames is the ordered Field Set.
var FieldNames = []string{
	InvoiceDate,
	InvoiceNo,
	SupplierName,
	SupplierNTN,
	SupplierGSTNo,
	SupplierRegistrationNo,
	BuyerName,
	BuyerNTN,
	BuyerGSTNo,
	BuyerRegistrationNo,
	ExclusiveValue,
	GSTSalesTax,
	InclusiveValue,
	AdvanceTax,
	NetAmount,
	Return,
	Discount,
	Incentive,
	Location,
	GRN,
}

var (
	numericFields = set(ExclusiveValue, GSTSalesTax, InclusiveValue, AdvanceTax, NetAmount, Return, Discount, Incentive)

	// KeyFinancialFields are individually mandatory.
	KeyFinancialFields = []string{NetAmount, InclusiveValue, Discount, Return, Incentive}

	// SupplierIDFields are mandatory as a group: at least one must be present.
	SupplierIDFields = []string{SupplierNTN, SupplierGSTNo, SupplierRegistrationNo}

	// CriticalFields decide whether a page counts as low readability.
	CriticalFields = []string{InvoiceNo, InvoiceDate, NetAmount}

	knownFields     = set(FieldNames...)
	keyFinancialSet = set(KeyFinancialFields...)
	supplierIDSet   = set(SupplierIDFields...)
	gatedSet        = set(append(slices.Clone(KeyFinancialFields), SupplierIDFields...)...)
)

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// IsField reports whether name belongs to the Field Set.
func IsField(name string) bool { return knownFields[name] }

// IsNumeric reports whether the field carries a number.
func IsNumeric(name string) bool { return numericFields[name] }

// IsGated reports whether low self-reported confidence nulls the field.
func IsGated(name string) bool { return gatedSet[name] }

// Fields is the cleaned field map. Every Field Set name is present as a key;
// values are nil, string, or float64.
type Fields map[string]any

// NewFields returns a map with every field set to nil.
func NewFields() Fields {
	f := make(Fields, len(FieldNames))
	for _, name := range FieldNames {
		f[name] = nil
	}
	return f
}

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// HasValue reports whether the field holds a non-blank value.
func (f Fields) HasValue(name string) bool {
	switch v := f[name].(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	default:
		return true
	}
}

// Number returns the numeric value of a field, if any.
func (f Fields) Number(name string) (float64, bool) {
	v, ok := f[name].(float64)
	return v, ok
}

// String returns the text value of a field, or "".
func (f Fields) String(name string) string {
	s, _ := f[name].(string)
	return s
}

// HasSupplierID reports whether any supplier identifier is present.
func (f Fields) HasSupplierID() bool {
	for _, name := range SupplierIDFields {
		if f.HasValue(name) {
			return true
		}
	}
	return false
}

// IsMissingRequired reports whether a field should be flagged missing.
// Financial fields are checked individually; supplier identifiers only when
// the whole group is empty. Optional fields are never missing.
func (f Fields) IsMissingRequired(name string) bool {
	switch {
	case keyFinancialSet[name]:
		return !f.HasValue(name)
	case supplierIDSet[name]:
		return !f.HasSupplierID()
	default:
		return false
	}
}
