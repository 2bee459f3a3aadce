package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"coursepay/internal/events"
	"coursepay/internal/payments"
)

const maxWebhookBody = 1 << 20

type sagaRunner interface {
	Execute(ctx context.Context, in payments.SagaInput) payments.Result
}

type server struct {
	saga    sagaRunner
	deduper events.Deduper
	logf    func(format string, args ...any)
}

func newServer(saga sagaRunner, deduper events.Deduper) *server {
	return &server{saga: saga, deduper: deduper, logf: log.Printf}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/payments", s.handleWebhook)
	mux.HandleFunc("POST /checkout/verify", s.handleVerify)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

type sagaResponse struct {
	Status                     string `json:"status"`
	TransactionID              string `json:"transactionId,omitempty"`
	EnrollmentID               string `json:"enrollmentId,omitempty"`
	RefundID                   string `json:"refundId,omitempty"`
	RequiresManualIntervention bool   `json:"requiresManualIntervention,omitempty"`
	Error                      string `json:"error,omitempty"`
}

// handleWebhook accepts provider webhook deliveries. It always answers 200
// for payloads the provider should not redeliver: unsupported event types,
// duplicates, and saga runs that failed for business reasons. The provider
// only retries on non-2xx, and redelivering a failed saga would not fix it.
func (s *server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	event, err := payments.ParseCheckoutEvent(body)
	if err != nil {
		if errors.Is(err, payments.ErrUnsupportedEvent) {
			writeJSON(w, http.StatusOK, sagaResponse{Status: "ignored"})
			return
		}
		s.logf("webhook: %v", err)
		writeJSON(w, http.StatusBadRequest, sagaResponse{Status: "invalid", Error: err.Error()})
		return
	}

	in, err := event.SagaInput()
	if err != nil {
		s.logf("webhook %s: %v", event.ID, err)
		writeJSON(w, http.StatusBadRequest, sagaResponse{Status: "invalid", Error: err.Error()})
		return
	}

	if event.ID != "" {
		seen, err := s.deduper.Seen(r.Context(), event.ID)
		if err != nil {
			// Dedup store trouble must not drop payments; the saga's own
			// state guard catches the duplicate.
			s.logf("webhook %s: dedup check: %v", event.ID, err)
		} else if seen {
			writeJSON(w, http.StatusOK, sagaResponse{Status: "duplicate", TransactionID: in.TransactionID})
			return
		}
	}

	// The saga must finish even if the provider closes the connection; it
	// moves money and grants access.
	result := s.saga.Execute(context.WithoutCancel(r.Context()), in)
	writeJSON(w, http.StatusOK, sagaResult(in, result))
}

// handleVerify runs the saga synchronously for a checkout the frontend
// reports as completed. It covers the window where the webhook is delayed or
// lost; the saga's idempotency makes running it from both paths safe.
func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionID     string `json:"transactionId"`
		UserID            string `json:"userId"`
		CourseID          string `json:"courseId"`
		ProviderPaymentID string `json:"paymentIntentId"`
		ProviderSessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, sagaResponse{Status: "invalid", Error: "decode request: " + err.Error()})
		return
	}
	if req.TransactionID == "" || req.UserID == "" || req.CourseID == "" || req.ProviderPaymentID == "" {
		writeJSON(w, http.StatusBadRequest, sagaResponse{Status: "invalid", Error: "transactionId, userId, courseId and paymentIntentId are required"})
		return
	}

	in := payments.SagaInput{
		TransactionID:     req.TransactionID,
		UserID:            req.UserID,
		CourseID:          req.CourseID,
		ProviderPaymentID: req.ProviderPaymentID,
		ProviderSessionID: req.ProviderSessionID,
	}
	result := s.saga.Execute(context.WithoutCancel(r.Context()), in)

	status := http.StatusOK
	if !result.Success && !errors.Is(result.Err, payments.ErrDuplicateRun) {
		status = http.StatusConflict
	}
	writeJSON(w, status, sagaResult(in, result))
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func sagaResult(in payments.SagaInput, result payments.Result) sagaResponse {
	resp := sagaResponse{TransactionID: in.TransactionID}
	switch {
	case result.Success:
		resp.Status = "completed"
		if result.Enrollment != nil {
			resp.EnrollmentID = result.Enrollment.ID
		}
	case errors.Is(result.Err, payments.ErrDuplicateRun):
		resp.Status = "duplicate"
	case result.RequiresManualIntervention:
		resp.Status = "manual_intervention_required"
		resp.RequiresManualIntervention = true
		resp.Error = result.Err.Error()
	case result.Compensated:
		resp.Status = "compensated"
		if result.Refund != nil {
			resp.RefundID = result.Refund.ID
		}
		resp.Error = result.Err.Error()
	default:
		resp.Status = "failed"
		if result.Err != nil {
			resp.Error = result.Err.Error()
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("write response: %v", err)
	}
}
