package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// PaymentSucceeded is the only provider status that lets a saga proceed.
const PaymentSucceeded = "succeeded"

// PaymentIntent is the provider's view of a captured payment.
type PaymentIntent struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Refund is the provider's record of an issued refund.
type Refund struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

// PaymentProcessor talks to the external payment provider.
type PaymentProcessor interface {
	RetrievePayment(ctx context.Context, paymentID string) (PaymentIntent, error)
	RefundPayment(ctx context.Context, paymentID, reason string) (Refund, error)
}

// HTTPPaymentProcessor calls the provider's REST API through a resilient
// client, so provider outages trip the provider's own breaker rather than
// hanging saga runs.
type HTTPPaymentProcessor struct {
	client *ResilientClient
}

// NewHTTPPaymentProcessor constructs a processor authenticated with the
// provider API key.
func NewHTTPPaymentProcessor(client *ResilientClient, apiKey string) *HTTPPaymentProcessor {
	client.SetHeader("Authorization", "Bearer "+apiKey)
	return &HTTPPaymentProcessor{client: client}
}

func (p *HTTPPaymentProcessor) RetrievePayment(ctx context.Context, paymentID string) (PaymentIntent, error) {
	resp, err := p.client.Get(ctx, "/v1/payment_intents/"+paymentID, nil)
	if err != nil {
		return PaymentIntent{}, err
	}
	var intent PaymentIntent
	if err := json.Unmarshal(resp.Body, &intent); err != nil {
		return PaymentIntent{}, fmt.Errorf("decode payment intent: %w", err)
	}
	return intent, nil
}

func (p *HTTPPaymentProcessor) RefundPayment(ctx context.Context, paymentID, reason string) (Refund, error) {
	body := map[string]any{
		"payment_intent": paymentID,
		"metadata":       map[string]string{"reason": reason},
	}
	resp, err := p.client.Post(ctx, "/v1/refunds", body, nil)
	if err != nil {
		return Refund{}, err
	}
	var refund Refund
	if err := json.Unmarshal(resp.Body, &refund); err != nil {
		return Refund{}, fmt.Errorf("decode refund: %w", err)
	}
	return refund, nil
}

// NewInMemoryProcessor constructs an in-memory payment processor.
func NewInMemoryProcessor() *InMemoryProcessor {
	return &InMemoryProcessor{
		payments: make(map[string]PaymentIntent),
		refunds:  make(map[string]Refund),
	}
}

// InMemoryProcessor tracks payments and refunds in memory. It backs local
// runs without provider credentials and the saga tests.
type InMemoryProcessor struct {
	mu       sync.Mutex
	payments map[string]PaymentIntent
	refunds  map[string]Refund
}

// AddPayment seeds a payment the processor will report.
func (p *InMemoryProcessor) AddPayment(intent PaymentIntent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments[intent.ID] = intent
}

func (p *InMemoryProcessor) RetrievePayment(ctx context.Context, paymentID string) (PaymentIntent, error) {
	if err := ctx.Err(); err != nil {
		return PaymentIntent{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	intent, ok := p.payments[paymentID]
	if !ok {
		return PaymentIntent{}, fmt.Errorf("no such payment: %s", paymentID)
	}
	return intent, nil
}

func (p *InMemoryProcessor) RefundPayment(ctx context.Context, paymentID, reason string) (Refund, error) {
	if err := ctx.Err(); err != nil {
		return Refund{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	intent, ok := p.payments[paymentID]
	if !ok {
		return Refund{}, fmt.Errorf("refund without payment: %s", paymentID)
	}
	if existing, ok := p.refunds[paymentID]; ok {
		return existing, nil
	}
	refund := Refund{ID: "re_" + uuid.NewString(), Amount: intent.Amount, Status: PaymentSucceeded}
	p.refunds[paymentID] = refund
	return refund, nil
}

// WasRefunded reports whether a payment was refunded (for testing/inspection).
func (p *InMemoryProcessor) WasRefunded(paymentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.refunds[paymentID]
	return ok
}
