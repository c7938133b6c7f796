package invoice

import (
	"strings"
	"time"
)

type ciiParty struct {
	Names  []string `xml:"Name"`
	TaxIDs []string `xml:"SpecifiedTaxRegistration>ID"`
}

func (p ciiParty) party() Party {
	return Party{Name: orUnknown(first(p.Names)), TaxID: first(p.TaxIDs)}
}

type ciiInvoice struct {
	ID        string `xml:"ExchangedDocument>ID"`
	IssueDate string `xml:"ExchangedDocument>IssueDateTime>DateTimeString"`

	Agreement struct {
		Seller ciiParty `xml:"SellerTradeParty"`
		Buyer  ciiParty `xml:"BuyerTradeParty"`
	} `xml:"SupplyChainTradeTransaction>ApplicableHeaderTradeAgreement"`

	Summation struct {
		GrandTotal    []amount `xml:"GrandTotalAmount"`
		DuePayable    []amount `xml:"DuePayableAmount"`
		TaxBasisTotal []amount `xml:"TaxBasisTotalAmount"`
	} `xml:"SupplyChainTradeTransaction>ApplicableHeaderTradeSettlement>SpecifiedTradeSettlementHeaderMonetarySummation"`
}

func parseCII(raw []byte) (Document, error) {
	var inv ciiInvoice
	if err := newDecoder(raw).Decode(&inv); err != nil {
		return Document{}, err
	}

	s := inv.Summation
	total, currency := firstTotal(
		firstAmount(s.GrandTotal),
		firstAmount(s.DuePayable),
		firstAmount(s.TaxBasisTotal),
	)

	return Document{
		Format:    FormatCII,
		Status:    StatusParsed,
		Number:    orUnknown(strings.TrimSpace(inv.ID)),
		IssueDate: parseDate(inv.IssueDate, "20060102", "2006-01-02", time.RFC3339),
		Supplier:  inv.Agreement.Seller.party(),
		Customer:  inv.Agreement.Buyer.party(),
		Total:     total,
		Currency:  currency,
	}, nil
}
