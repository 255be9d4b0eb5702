package invoice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		wantOK bool
		key    string
	}{
		{name: "bare object", text: `{"data": {}}`, wantOK: true, key: "data"},
		{name: "markdown fence", text: "```json\n{\"data\": {}}\n```", wantOK: true, key: "data"},
		{name: "surrounding prose", text: "Here you go: {\"quality\": {}} hope it helps", wantOK: true, key: "quality"},
		{name: "trailing braces in prose", text: `{"data": {"GRN": "7"}} note: {not json}`, wantOK: true, key: "data"},
		{name: "truncated", text: `{"data": {"Invoice_No": "INV-1", "Net_Amount": 12`, wantOK: false},
		{name: "no object", text: "I cannot read this invoice.", wantOK: false},
		{name: "array only", text: `[1, 2, 3]`, wantOK: false},
		{name: "empty", text: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, ok := ExtractJSON(tt.text)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Contains(t, obj, tt.key)
			}
		})
	}
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in   any
		want *float64
	}{
		{in: 1500.0, want: ptr(1500)},
		{in: 42, want: ptr(42)},
		{in: "1,234.50", want: ptr(1234.5)},
		{in: " PKR 1,200 ", want: ptr(1200)},
		{in: "-350", want: ptr(-350)},
		{in: "", want: nil},
		{in: "-", want: nil},
		{in: ".", want: nil},
		{in: "-.", want: nil},
		{in: "n/a", want: nil},
		{in: "12-3", want: nil},
		{in: "1.2.3", want: nil},
		{in: nil, want: nil},
		{in: true, want: nil},
		{in: map[string]any{"v": 1}, want: nil},
	}

	for _, tt := range tests {
		got := ParseNumber(tt.in)
		if tt.want == nil {
			assert.Nil(t, got, "input %#v", tt.in)
			continue
		}
		require.NotNil(t, got, "input %#v", tt.in)
		assert.InDelta(t, *tt.want, *got, 1e-9, "input %#v", tt.in)
	}
}

func TestCleanFields_ClosedSet(t *testing.T) {
	raw := map[string]any{
		"Invoice_No":    "  INV-77 ",
		"Net_Amount":    "12,500",
		"Discount":      "none",
		"Supplier_NTN":  1234567.0,
		"Location":      "",
		"Vendor_Slogan": "best prices",
		"GRN":           []any{"a"},
	}

	f := CleanFields(raw)

	assert.Len(t, f, len(FieldNames))
	for _, name := range FieldNames {
		assert.Contains(t, f, name)
	}
	assert.NotContains(t, f, "Vendor_Slogan")
	assert.Equal(t, "INV-77", f[InvoiceNo])
	assert.Equal(t, 12500.0, f[NetAmount])
	assert.Nil(t, f[Discount])
	assert.Equal(t, "1234567", f[SupplierNTN])
	assert.Nil(t, f[Location])
	assert.Nil(t, f[GRN])
	assert.Nil(t, f[BuyerName])
}

func TestDataSection(t *testing.T) {
	wrapped := map[string]any{"data": map[string]any{"GRN": "1"}, "quality": map[string]any{}}
	assert.Equal(t, map[string]any{"GRN": "1"}, DataSection(wrapped))

	flat := map[string]any{"GRN": "1"}
	assert.Equal(t, flat, DataSection(flat))

	// A non-object "data" member falls back to the payload.
	odd := map[string]any{"data": "nope", "GRN": "2"}
	assert.Equal(t, odd, DataSection(odd))
}

func TestFieldsMissingRequired(t *testing.T) {
	f := NewFields()
	assert.True(t, f.IsMissingRequired(NetAmount))
	assert.True(t, f.IsMissingRequired(SupplierNTN))
	assert.False(t, f.IsMissingRequired(Location))

	f[SupplierGSTNo] = "GST-1"
	assert.False(t, f.IsMissingRequired(SupplierNTN), "group satisfied by GST number")
	assert.False(t, f.IsMissingRequired(SupplierRegistrationNo))

	f[NetAmount] = 0.0
	assert.False(t, f.IsMissingRequired(NetAmount), "zero is a value")
}
