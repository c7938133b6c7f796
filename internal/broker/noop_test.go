package broker

import (
	"context"
	"testing"
)

func TestNoopPublisher(t *testing.T) {
	var p NoopPublisher
	if err := p.Publish(context.Background(), RoutingInvoiceSynced, InvoiceSynced{InvoiceID: "x"}); err != nil {
		t.Fatalf("expected noop publish to succeed, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("expected noop close to succeed, got %v", err)
	}
}
