package extract

import (
	"fmt"
	"strings"

	"github.com/sells-group/invoice-cli/internal/invoice"
)

const extractionGuidance = `Important:
- Handwriting: a handwritten value that is clearly readable is OK. Extract it and do not flag it just for being handwritten.
  Only mark a field unreadable, blurry, faded or cut_off when you truly cannot read its text or digits.
- Return may appear as Return / RET / RT / RTN / Returned / Sales Return / SR / "Less Return" / "Less RT".
  Put that amount in Return. If it is unclear which amount is the return, set Return=null and mark it ambiguous.
- Total / Grand Total / Total Amount / Amount Payable is Inclusive_Value. If truly absent, set Inclusive_Value=null.
- Discount / Disc / Less Discount is Discount. If absent, set Discount=null.
- Incentive / Scheme / Trade Offer is Incentive. If absent, set Incentive=null.
- Net_Amount: if a final payable amount is clearly written (even by hand), extract it as a number.
  Do NOT null Net_Amount because intermediate arithmetic does not add up; keep it and explain the mismatch in the diagnostic reason.
- Invoice_Date: copy the date text exactly as printed (e.g. "10/10/24", "40,12,25", "2025-01-22"). Do not validate or reformat it.
  Only set it to null when the date digits cannot be read.`

const diagnosticsShape = `"quality": {
    "needs_rescan": <true|false>,
    "reasons": [<string>],
    "unreadable_fields": [<field name>],
    "field_confidence": { "<field name>": <number 0..1> },
    "field_diagnostics": {
      "<field name>": {
        "status": "<ok|missing|unreadable|blurry|faded|cut_off|handwritten|ambiguous>",
        "reason": "<short reason>",
        "confidence": <number 0..1>
      }
    }
  }`

// SinglePrompt is the instruction for one page, possibly shown as a full
// render plus zoomed quadrants.
func SinglePrompt() string {
	return fmt.Sprintf(`Extract invoice data and return ONLY valid JSON.

You may receive several images of the SAME invoice page: the full page and zoomed crops.
Read each field from the clearest view. If views disagree, set the field to null and list it as unreadable. Do not guess.

%s
- Set quality.needs_rescan=true ONLY when blur, fading or cropping makes mandatory fields unreadable.
  Formatting oddities are not a reason to rescan.

Required JSON shape:
{
  "data": {
%s
  },
  %s
}

Rules:
- If you are not sure about a field, set it to null, add it to unreadable_fields and lower its field_confidence.
- Never guess or reconstruct missing digits.
- Numeric values must be JSON numbers, not strings. Missing fields must be null.
- Output ONLY the JSON object: no markdown, no commentary.`,
		extractionGuidance, fieldsBlock("    "), diagnosticsShape)
}

// BatchPrompt is the instruction for n different pages sent in one call.
// The answer addresses pages by 1-based page_index in image order.
func BatchPrompt(n int) string {
	return fmt.Sprintf(`You will receive %d invoice page images. Each image is a DIFFERENT invoice page.
Return ONLY valid JSON.

%s

Required JSON shape:
{
  "pages": [
    {
      "page_index": <1..%d>,
      "data": {
%s
      },
      %s
    }
  ]
}

Rules:
- Return one entry per image.
- Never guess or reconstruct missing digits.
- If you are not sure about a field, set it to null, add it to unreadable_fields and lower its confidence.
- Output ONLY the JSON object: no markdown, no commentary.`,
		n, extractionGuidance, n, fieldsBlock("        "), diagnosticsShape)
}

func fieldsBlock(indent string) string {
	lines := make([]string, len(invoice.FieldNames))
	for i, name := range invoice.FieldNames {
		lines[i] = fmt.Sprintf(`%s"%s": <value-or-null>`, indent, name)
	}
	return strings.Join(lines, ",\n")
}

// FullPageCaption labels the un-cropped render of a page.
func FullPageCaption(dpi int) string {
	return fmt.Sprintf("Image: full_page (dpi=%d)", dpi)
}

// ZoomCaption labels a quadrant crop.
func ZoomCaption(label string, dpi int) string {
	return fmt.Sprintf("Image: zoom_%s (dpi=%d)", label, dpi)
}

// BatchCaption labels the i-th (1-based) page of a batch.
func BatchCaption(i int) string {
	return fmt.Sprintf("Image page_index=%d", i)
}
