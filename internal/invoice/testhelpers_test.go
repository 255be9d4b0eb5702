package invoice

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// cleanInvoiceData returns a fully populated, internally consistent invoice.
func cleanInvoiceData() map[string]any {
	return map[string]any{
		InvoiceDate:            "10/10/24",
		InvoiceNo:              "INV-1001",
		SupplierName:           "Acme Traders",
		SupplierNTN:            "1234567-8",
		SupplierGSTNo:          "GST-99",
		SupplierRegistrationNo: "REG-5",
		BuyerName:              "Blue Mart",
		BuyerNTN:               "7654321",
		BuyerGSTNo:             nil,
		BuyerRegistrationNo:    nil,
		ExclusiveValue:         1000.0,
		GSTSalesTax:            170.0,
		InclusiveValue:         1170.0,
		AdvanceTax:             nil,
		NetAmount:              1100.0,
		Return:                 20.0,
		Discount:               30.0,
		Incentive:              20.0,
		Location:               "Lahore",
		GRN:                    "GRN-8",
	}
}

// confidentQuality returns a quality block where every field is read at 0.95.
func confidentQuality() map[string]any {
	conf := map[string]any{}
	for _, name := range FieldNames {
		conf[name] = 0.95
	}
	return map[string]any{
		"needs_rescan":      false,
		"reasons":           []any{},
		"unreadable_fields": []any{},
		"field_confidence":  conf,
		"field_diagnostics": map[string]any{},
	}
}

func diagnostic(status, reason string, conf float64) map[string]any {
	return map[string]any{"status": status, "reason": reason, "confidence": conf}
}

func payloadText(t *testing.T, data, quality map[string]any) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{"data": data, "quality": quality})
	require.NoError(t, err)
	return string(b)
}

func setDiagnostic(quality map[string]any, field string, d map[string]any) {
	quality["field_diagnostics"].(map[string]any)[field] = d
}
