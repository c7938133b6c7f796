// Package invoice normalizes e-invoice XML documents into a common summary.
package invoice

import (
	"bytes"
	"time"

	"github.com/shopspring/decimal"
)

// Format tags which schema family a document was read as.
type Format string

const (
	FormatUBL     Format = "ubl"
	FormatCII     Format = "cii"
	FormatGeneric Format = "generic"
)

type Status string

const (
	StatusParsed        Status = "parsed"
	StatusGenericFormat Status = "generic_format"
	StatusParsingError  Status = "parsing_error"
)

const (
	DefaultCurrency = "RON"
	unknown         = "Unknown"
)

const (
	ublNamespace = "urn:oasis:names:specification:ubl:schema:xsd:Invoice-2"
	ciiNamespace = "urn:un:unece:uncefact:data:standard:CrossIndustryInvoice:100"
	en16931Mark  = "urn:cen.eu:en16931"
)

type Party struct {
	Name  string
	TaxID string
}

// Document is the normalized summary of one invoice XML. Format says which
// reader produced it; Err is set only when Status is StatusParsingError.
type Document struct {
	Format    Format
	Status    Status
	Number    string
	IssueDate *time.Time
	Supplier  Party
	Customer  Party
	Total     decimal.Decimal
	Currency  string
	Err       error
}

func failed(err error) Document {
	return Document{
		Format:   FormatGeneric,
		Status:   StatusParsingError,
		Number:   unknown,
		Supplier: Party{Name: unknown},
		Customer: Party{Name: unknown},
		Total:    decimal.Zero,
		Currency: DefaultCurrency,
		Err:      err,
	}
}

// PDF rendering standards accepted by the transformation endpoint.
const (
	StandardFACT1 = "FACT1"
	StandardFCN   = "FCN"
)

// PDFStandard picks the rendering standard for raw: FCN for EN 16931
// customizations, FACT1 otherwise.
func PDFStandard(raw []byte) string {
	if bytes.Contains(raw, []byte(en16931Mark)) {
		return StandardFCN
	}
	return StandardFACT1
}
