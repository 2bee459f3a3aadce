package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"coursepay/internal/events"
	"coursepay/internal/payments"
)

type stubSaga struct {
	result payments.Result
	calls  []payments.SagaInput
}

func (s *stubSaga) Execute(_ context.Context, in payments.SagaInput) payments.Result {
	s.calls = append(s.calls, in)
	return s.result
}

type stubDeduper struct {
	seen bool
	err  error
	ids  []string
}

func (d *stubDeduper) Seen(_ context.Context, eventID string) (bool, error) {
	d.ids = append(d.ids, eventID)
	return d.seen, d.err
}

func webhookBody(eventID, eventType string) string {
	return `{
		"id": "` + eventID + `",
		"type": "` + eventType + `",
		"data": {"object": {
			"id": "cs_1",
			"payment_intent": "pi_1",
			"metadata": {"transactionId": "txn_1", "userId": "user_1", "courseId": "course_1"}
		}}
	}`
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) sagaResponse {
	t.Helper()
	var resp sagaResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return resp
}

func TestWebhook_CompletedCheckoutRunsSaga(t *testing.T) {
	saga := &stubSaga{result: payments.Result{Success: true, Enrollment: &payments.Enrollment{ID: "enr_1"}}}
	srv := newServer(saga, &stubDeduper{})
	srv.logf = func(string, ...any) {}

	rec := postJSON(t, srv.routes(), "/webhooks/payments", webhookBody("evt_1", payments.EventCheckoutCompleted))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Status != "completed" || resp.EnrollmentID != "enr_1" {
		t.Fatalf("response = %+v", resp)
	}

	if len(saga.calls) != 1 {
		t.Fatalf("saga runs = %d, want 1", len(saga.calls))
	}
	in := saga.calls[0]
	if in.TransactionID != "txn_1" || in.UserID != "user_1" || in.CourseID != "course_1" || in.ProviderPaymentID != "pi_1" || in.ProviderSessionID != "cs_1" {
		t.Fatalf("saga input = %+v", in)
	}
}

func TestWebhook_UnsupportedEventIgnored(t *testing.T) {
	saga := &stubSaga{}
	srv := newServer(saga, &stubDeduper{})

	rec := postJSON(t, srv.routes(), "/webhooks/payments", webhookBody("evt_1", "invoice.paid"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp := decodeResponse(t, rec); resp.Status != "ignored" {
		t.Fatalf("status = %q, want ignored", resp.Status)
	}
	if len(saga.calls) != 0 {
		t.Fatalf("saga must not run for unsupported events")
	}
}

func TestWebhook_MissingMetadataRejected(t *testing.T) {
	saga := &stubSaga{}
	srv := newServer(saga, &stubDeduper{})
	srv.logf = func(string, ...any) {}

	body := `{"id":"evt_1","type":"` + payments.EventCheckoutCompleted + `","data":{"object":{"id":"cs_1","payment_intent":"pi_1","metadata":{"userId":"user_1"}}}}`
	rec := postJSON(t, srv.routes(), "/webhooks/payments", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(saga.calls) != 0 {
		t.Fatalf("saga must not run without a transaction id")
	}
}

func TestWebhook_DuplicateDeliveryShortCircuits(t *testing.T) {
	saga := &stubSaga{}
	deduper := &stubDeduper{seen: true}
	srv := newServer(saga, deduper)

	rec := postJSON(t, srv.routes(), "/webhooks/payments", webhookBody("evt_9", payments.EventCheckoutCompleted))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp := decodeResponse(t, rec); resp.Status != "duplicate" {
		t.Fatalf("status = %q, want duplicate", resp.Status)
	}
	if len(saga.calls) != 0 {
		t.Fatalf("saga must not run for a duplicate delivery")
	}
	if len(deduper.ids) != 1 || deduper.ids[0] != "evt_9" {
		t.Fatalf("dedup ids = %v", deduper.ids)
	}
}

func TestWebhook_DedupErrorStillRunsSaga(t *testing.T) {
	saga := &stubSaga{result: payments.Result{Success: true}}
	srv := newServer(saga, &stubDeduper{err: errors.New("redis down")})
	srv.logf = func(string, ...any) {}

	rec := postJSON(t, srv.routes(), "/webhooks/payments", webhookBody("evt_1", payments.EventCheckoutCompleted))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(saga.calls) != 1 {
		t.Fatalf("saga runs = %d, want 1: dedup trouble must not drop payments", len(saga.calls))
	}
}

func TestWebhook_FailedSagaStillAnswers200(t *testing.T) {
	saga := &stubSaga{result: payments.Result{
		Compensated: true,
		Refund:      &payments.Refund{ID: "re_1"},
		Err:         payments.ErrEnrollmentFailed,
	}}
	srv := newServer(saga, &stubDeduper{})

	rec := postJSON(t, srv.routes(), "/webhooks/payments", webhookBody("evt_1", payments.EventCheckoutCompleted))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: provider must not redeliver a failed saga", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Status != "compensated" || resp.RefundID != "re_1" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestWebhook_ManualInterventionSurfaced(t *testing.T) {
	saga := &stubSaga{result: payments.Result{
		RequiresManualIntervention: true,
		Err:                        payments.ErrEnrollmentFailed,
	}}
	srv := newServer(saga, &stubDeduper{})

	rec := postJSON(t, srv.routes(), "/webhooks/payments", webhookBody("evt_1", payments.EventCheckoutCompleted))
	resp := decodeResponse(t, rec)
	if resp.Status != "manual_intervention_required" || !resp.RequiresManualIntervention {
		t.Fatalf("response = %+v", resp)
	}
}

func TestVerify_RunsSagaSynchronously(t *testing.T) {
	saga := &stubSaga{result: payments.Result{Success: true, Enrollment: &payments.Enrollment{ID: "enr_2"}}}
	srv := newServer(saga, &stubDeduper{})

	body := `{"transactionId":"txn_2","userId":"user_2","courseId":"course_2","paymentIntentId":"pi_2","sessionId":"cs_2"}`
	rec := postJSON(t, srv.routes(), "/checkout/verify", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Status != "completed" || resp.EnrollmentID != "enr_2" {
		t.Fatalf("response = %+v", resp)
	}
	if len(saga.calls) != 1 || saga.calls[0].ProviderSessionID != "cs_2" {
		t.Fatalf("saga calls = %+v", saga.calls)
	}
}

func TestVerify_MissingFieldsRejected(t *testing.T) {
	saga := &stubSaga{}
	srv := newServer(saga, &stubDeduper{})

	rec := postJSON(t, srv.routes(), "/checkout/verify", `{"transactionId":"txn_2"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(saga.calls) != 0 {
		t.Fatalf("saga must not run for an incomplete request")
	}
}

func TestVerify_FailureIsConflict(t *testing.T) {
	saga := &stubSaga{result: payments.Result{Err: payments.ErrVerificationFailed}}
	srv := newServer(saga, &stubDeduper{})

	body := `{"transactionId":"txn_2","userId":"user_2","courseId":"course_2","paymentIntentId":"pi_2"}`
	rec := postJSON(t, srv.routes(), "/checkout/verify", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if resp := decodeResponse(t, rec); resp.Status != "failed" {
		t.Fatalf("status = %q, want failed", resp.Status)
	}
}

func TestVerify_DuplicateIs200(t *testing.T) {
	saga := &stubSaga{result: payments.Result{Err: payments.ErrDuplicateRun}}
	srv := newServer(saga, &stubDeduper{})

	body := `{"transactionId":"txn_2","userId":"user_2","courseId":"course_2","paymentIntentId":"pi_2"}`
	rec := postJSON(t, srv.routes(), "/checkout/verify", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp := decodeResponse(t, rec); resp.Status != "duplicate" {
		t.Fatalf("status = %q, want duplicate", resp.Status)
	}
}

func TestHealthz(t *testing.T) {
	srv := newServer(&stubSaga{}, &stubDeduper{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestBuildDeduper_MemoryFallback(t *testing.T) {
	t.Setenv("REDIS_URL", "")

	deduper, cleanup, err := buildDeduper(context.Background())
	if err != nil {
		t.Fatalf("buildDeduper: %v", err)
	}
	defer cleanup()

	if _, ok := deduper.(*events.MemoryDeduper); !ok {
		t.Fatalf("deduper = %T, want *events.MemoryDeduper", deduper)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if seen, err := deduper.Seen(ctx, "evt_1"); err != nil || seen {
		t.Fatalf("first Seen = (%v, %v), want (false, nil)", seen, err)
	}
	if seen, _ := deduper.Seen(ctx, "evt_1"); !seen {
		t.Fatalf("second Seen = false, want true")
	}
}
