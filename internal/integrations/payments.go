package integrations

import (
	"context"
	"fmt"
	"net/http"
)

// RefundRequest asks the payment provider to refund a payment.
type RefundRequest struct {
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reason    string `json:"reason,omitempty"`
	// IdempotencyKey makes repeated requests return the original refund.
	IdempotencyKey string `json:"-"`
}

// Refund is the provider-side refund.
type Refund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// PaymentsClient talks to the payment provider.
type PaymentsClient struct {
	c *client
}

// NewPaymentsClient creates a payment provider client.
func NewPaymentsClient(config Config) *PaymentsClient {
	return &PaymentsClient{c: newClient("payments", config)}
}

// Refund issues a refund.
func (p *PaymentsClient) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	var refund Refund
	if err := p.c.do(ctx, http.MethodPost, "/v1/refunds", req, req.IdempotencyKey, &refund); err != nil {
		return nil, fmt.Errorf("refund payment %s: %w", req.PaymentID, err)
	}
	return &refund, nil
}
