package invoice

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/shopspring/decimal"
)

// parseGeneric takes the first element named ID as the document number and
// checks that the rest of the document is well formed.
func parseGeneric(raw []byte) (Document, error) {
	d := newDecoder(raw)
	number := ""
	found := false
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Document{}, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok || found || se.Name.Local != "ID" {
			continue
		}
		var text string
		if err := d.DecodeElement(&text, &se); err != nil {
			return Document{}, err
		}
		number = strings.TrimSpace(text)
		found = true
	}

	if number == "" {
		number = "Generic"
	}
	return Document{
		Format:   FormatGeneric,
		Status:   StatusGenericFormat,
		Number:   number,
		Supplier: Party{Name: unknown},
		Customer: Party{Name: unknown},
		Total:    decimal.Zero,
		Currency: DefaultCurrency,
	}, nil
}
