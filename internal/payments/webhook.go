package payments

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventCheckoutCompleted is the provider event that triggers a saga run.
const EventCheckoutCompleted = "checkout.session.completed"

// ErrUnsupportedEvent indicates a webhook event type the saga does not handle.
var ErrUnsupportedEvent = errors.New("unsupported webhook event")

// CheckoutEvent is the provider webhook envelope for a completed checkout.
type CheckoutEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string            `json:"id"`
			PaymentIntent string            `json:"payment_intent"`
			Metadata      map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// ParseCheckoutEvent decodes a webhook payload and rejects event types other
// than checkout completion.
func ParseCheckoutEvent(body []byte) (CheckoutEvent, error) {
	var event CheckoutEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return CheckoutEvent{}, fmt.Errorf("decode webhook event: %w", err)
	}
	if event.Type != EventCheckoutCompleted {
		return event, fmt.Errorf("%w: %q", ErrUnsupportedEvent, event.Type)
	}
	return event, nil
}

// SagaInput extracts the saga trigger from the event's metadata. A missing
// field aborts saga execution; the delivery is not retried.
func (e CheckoutEvent) SagaInput() (SagaInput, error) {
	in := SagaInput{
		TransactionID:     e.Data.Object.Metadata["transactionId"],
		UserID:            e.Data.Object.Metadata["userId"],
		CourseID:          e.Data.Object.Metadata["courseId"],
		ProviderPaymentID: e.Data.Object.PaymentIntent,
		ProviderSessionID: e.Data.Object.ID,
	}
	switch {
	case in.TransactionID == "":
		return SagaInput{}, errors.New("webhook event missing transactionId metadata")
	case in.UserID == "":
		return SagaInput{}, errors.New("webhook event missing userId metadata")
	case in.CourseID == "":
		return SagaInput{}, errors.New("webhook event missing courseId metadata")
	case in.ProviderPaymentID == "":
		return SagaInput{}, errors.New("webhook event missing payment intent")
	}
	return in, nil
}
