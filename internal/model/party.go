package model

import "time"

// PartyType distinguishes the two sides of an invoice.
type PartyType string

const (
	PartyTypeSupplier PartyType = "supplier"
	PartyTypeBuyer    PartyType = "buyer"
)

// Valid reports whether t is a known party type.
func (t PartyType) Valid() bool {
	return t == PartyTypeSupplier || t == PartyTypeBuyer
}

// Party is a deduplicated supplier or buyer. Raw values are as extracted;
// the *Norm columns carry the match keys.
type Party struct {
	ID               string    `json:"id"`
	Type             PartyType `json:"type"`
	NameRaw          *string   `json:"name"`
	NameNorm         *string   `json:"-"`
	NTNRaw           *string   `json:"ntn"`
	NTNNorm          *string   `json:"-"`
	GSTRaw           *string   `json:"gst_no"`
	GSTNorm          *string   `json:"-"`
	RegistrationRaw  *string   `json:"registration_no"`
	RegistrationNorm *string   `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
