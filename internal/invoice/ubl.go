package invoice

import "strings"

type ublParty struct {
	Names             []string `xml:"Party>PartyName>Name"`
	RegistrationNames []string `xml:"Party>PartyLegalEntity>RegistrationName"`
	SchemeCompanyIDs  []string `xml:"Party>PartyTaxScheme>CompanyID"`
	LegalCompanyIDs   []string `xml:"Party>PartyLegalEntity>CompanyID"`
}

func (p ublParty) party() Party {
	return Party{
		Name:  orUnknown(first(p.Names, p.RegistrationNames)),
		TaxID: first(p.SchemeCompanyIDs, p.LegalCompanyIDs),
	}
}

type ublInvoice struct {
	ID        string   `xml:"ID"`
	IssueDate string   `xml:"IssueDate"`
	Supplier  ublParty `xml:"AccountingSupplierParty"`
	Customer  ublParty `xml:"AccountingCustomerParty"`

	LegalMonetaryTotal struct {
		PayableAmount       []amount `xml:"PayableAmount"`
		TaxInclusiveAmount  []amount `xml:"TaxInclusiveAmount"`
		LineExtensionAmount []amount `xml:"LineExtensionAmount"`
	} `xml:"LegalMonetaryTotal"`

	AnticipatedMonetaryTotal struct {
		PayableAmount []amount `xml:"PayableAmount"`
	} `xml:"AnticipatedMonetaryTotal"`
}

func parseUBL(raw []byte) (Document, error) {
	var inv ublInvoice
	if err := newDecoder(raw).Decode(&inv); err != nil {
		return Document{}, err
	}

	lmt := inv.LegalMonetaryTotal
	total, currency := firstTotal(
		firstAmount(lmt.PayableAmount),
		firstAmount(lmt.TaxInclusiveAmount),
		firstAmount(lmt.LineExtensionAmount),
		firstAmount(inv.AnticipatedMonetaryTotal.PayableAmount),
	)

	return Document{
		Format:    FormatUBL,
		Status:    StatusParsed,
		Number:    orUnknown(strings.TrimSpace(inv.ID)),
		IssueDate: parseDate(inv.IssueDate, "2006-01-02", "20060102"),
		Supplier:  inv.Supplier.party(),
		Customer:  inv.Customer.party(),
		Total:     total,
		Currency:  currency,
	}, nil
}
