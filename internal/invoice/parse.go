package invoice

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

var errEmptyDocument = errors.New("empty document")

// Parse reads raw as UBL, CII or, failing both, a generic XML document.
// It never returns an error: malformed input yields StatusParsingError.
func Parse(raw []byte) Document {
	if len(bytes.TrimSpace(raw)) == 0 {
		return failed(errEmptyDocument)
	}

	root, err := rootElement(raw)
	if err != nil {
		return failed(err)
	}

	var doc Document
	switch {
	case root.Local == "Invoice" || root.Space == ublNamespace:
		doc, err = parseUBL(raw)
	case root.Local == "CrossIndustryInvoice" || root.Space == ciiNamespace:
		doc, err = parseCII(raw)
	default:
		doc, err = parseGeneric(raw)
	}
	if err != nil {
		return failed(err)
	}
	return doc
}

func newDecoder(raw []byte) *xml.Decoder {
	d := xml.NewDecoder(bytes.NewReader(raw))
	d.CharsetReader = charsetReader
	return d
}

// charsetReader decodes the legacy code pages Romanian issuers still emit.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "utf-8", "utf8", "us-ascii":
		return input, nil
	case "iso-8859-2", "latin2":
		return charmap.ISO8859_2.NewDecoder().Reader(input), nil
	case "iso-8859-16":
		return charmap.ISO8859_16.NewDecoder().Reader(input), nil
	case "windows-1250", "cp1250":
		return charmap.Windows1250.NewDecoder().Reader(input), nil
	case "windows-1252", "cp1252", "iso-8859-1", "latin1":
		return charmap.Windows1252.NewDecoder().Reader(input), nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q", label)
	}
	return enc.NewDecoder().Reader(input), nil
}

func rootElement(raw []byte) (xml.Name, error) {
	d := newDecoder(raw)
	for {
		tok, err := d.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return xml.Name{}, errors.New("no root element")
			}
			return xml.Name{}, fmt.Errorf("failed to read root element: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name, nil
		}
	}
}

// amount is a monetary element with its optional currencyID attribute.
type amount struct {
	Value      string `xml:",chardata"`
	CurrencyID string `xml:"currencyID,attr"`
}

// positive returns the amount when it parses to a value above zero.
func (a *amount) positive() (decimal.Decimal, bool) {
	if a == nil {
		return decimal.Zero, false
	}
	clean := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' {
			return r
		}
		return -1
	}, a.Value)
	if clean == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(clean)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

// firstTotal walks candidates in order and keeps the first positive amount.
func firstTotal(candidates ...*amount) (decimal.Decimal, string) {
	for _, c := range candidates {
		if v, ok := c.positive(); ok {
			currency := strings.TrimSpace(c.CurrencyID)
			if currency == "" {
				currency = DefaultCurrency
			}
			return v, currency
		}
	}
	return decimal.Zero, DefaultCurrency
}

func first(values ...[]string) string {
	for _, vs := range values {
		if len(vs) == 0 {
			continue
		}
		if v := strings.TrimSpace(vs[0]); v != "" {
			return v
		}
	}
	return ""
}

func firstAmount(as []amount) *amount {
	if len(as) == 0 {
		return nil
	}
	return &as[0]
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}

func parseDate(s string, layouts ...string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
