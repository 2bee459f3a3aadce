package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"coursepay/internal/observability"
	"coursepay/internal/payments/saga"
)

// Step names recorded in the saga log.
const (
	stepSaga       = "saga"
	stepVerify     = "verify_payment"
	stepEnrollment = "create_enrollment"
	stepRefund     = "refund_payment"
)

// Terminal saga outcomes, also used as metric labels.
const (
	outcomeCompleted          = "completed"
	outcomeCompensated        = "compensated"
	outcomeVerificationFailed = "verification_failed"
	outcomeManualIntervention = "manual_intervention"
	outcomeDuplicate          = "duplicate"
)

var (
	// ErrEnrollmentFailed is the normalized enrollment failure; callers never
	// see the raw downstream error.
	ErrEnrollmentFailed = errors.New("enrollment failed")
	// ErrVerificationFailed indicates the provider did not confirm the payment.
	ErrVerificationFailed = errors.New("payment verification failed")
	// ErrDuplicateRun indicates another saga run already claimed the transaction.
	ErrDuplicateRun = errors.New("saga already running or finished for transaction")
)

// SagaInput identifies the purchase a saga run settles.
type SagaInput struct {
	TransactionID     string
	UserID            string
	CourseID          string
	ProviderPaymentID string
	ProviderSessionID string
}

// Result is the structured outcome of one saga run. Execute resolves every
// path, including panics, into a Result; no error escapes it.
type Result struct {
	Success                    bool
	Compensated                bool
	RequiresManualIntervention bool
	Enrollment                 *Enrollment
	Refund                     *Refund
	Err                        error
}

// Orchestrator coordinates payment verification, downstream enrollment, and
// the compensating refund. It persists state and a log entry after every step
// so a crash mid-saga leaves a durable trail of how far execution got.
type Orchestrator struct {
	store       saga.TransactionStore
	processor   PaymentProcessor
	enrollments EnrollmentClient
	metrics     *observability.Metrics
	logf        func(format string, args ...any)
	now         func() time.Time
}

// NewOrchestrator constructs an Orchestrator. metrics may be nil.
func NewOrchestrator(store saga.TransactionStore, processor PaymentProcessor, enrollments EnrollmentClient, metrics *observability.Metrics, logf func(format string, args ...any)) *Orchestrator {
	if logf == nil {
		logf = log.Printf
	}
	return &Orchestrator{
		store:       store,
		processor:   processor,
		enrollments: enrollments,
		metrics:     metrics,
		logf:        logf,
		now:         time.Now,
	}
}

// Execute runs the full saga: verify payment, enroll, and refund if
// enrollment fails. Downstream calls carry their own timeouts but there is no
// saga-wide deadline; the steps have financial side effects and run to
// completion even if the original caller has gone away.
func (o *Orchestrator) Execute(ctx context.Context, in SagaInput) (result Result) {
	span := o.metrics.Start("saga.execute")
	defer func() {
		if r := recover(); r != nil {
			o.logf("saga %s: recovered panic: %v", in.TransactionID, r)
			err := fmt.Errorf("saga aborted: %v", r)
			o.appendLog(ctx, in.TransactionID, stepSaga, "failed", err.Error(), saga.StateFailed)
			o.setState(ctx, in.TransactionID, saga.StateFailed)
			result = Result{Err: err}
		}
		span.End(result.Err)
	}()

	if _, err := o.store.Create(ctx, saga.Transaction{
		ID:                in.TransactionID,
		UserID:            in.UserID,
		CourseID:          in.CourseID,
		ProviderPaymentID: in.ProviderPaymentID,
		ProviderSessionID: in.ProviderSessionID,
	}); err != nil {
		return Result{Err: fmt.Errorf("create transaction: %w", err)}
	}
	o.appendLog(ctx, in.TransactionID, stepSaga, "started", "", saga.StateStarted)

	if _, err := o.verifyPayment(ctx, in); err != nil {
		if errors.Is(err, ErrDuplicateRun) {
			o.metrics.IncSagaOutcome(outcomeDuplicate)
		} else {
			o.metrics.IncSagaOutcome(outcomeVerificationFailed)
		}
		return Result{Err: err}
	}

	enrollment, err := o.createEnrollment(ctx, in)
	if err == nil {
		o.setState(ctx, in.TransactionID, saga.StateCompleted)
		o.appendLog(ctx, in.TransactionID, stepSaga, "completed", "", saga.StateCompleted)
		o.metrics.IncSagaOutcome(outcomeCompleted)
		return Result{Success: true, Enrollment: &enrollment}
	}
	if errors.Is(err, ErrDuplicateRun) {
		o.metrics.IncSagaOutcome(outcomeDuplicate)
		return Result{Err: err}
	}

	refund, refundErr := o.compensateWithRefund(ctx, in, "enrollment_failed")
	if refundErr != nil {
		o.metrics.IncSagaOutcome(outcomeManualIntervention)
		return Result{RequiresManualIntervention: true, Err: ErrEnrollmentFailed}
	}
	o.metrics.IncSagaOutcome(outcomeCompensated)
	return Result{Compensated: true, Refund: &refund, Err: ErrEnrollmentFailed}
}

// verifyPayment confirms with the provider that the payment completed, then
// marks the transaction succeeded and the saga PAYMENT_VERIFIED. A provider
// error or a non-succeeded status ends the saga with no compensation: no
// product was granted and capture state is whatever the provider recorded.
func (o *Orchestrator) verifyPayment(ctx context.Context, in SagaInput) (PaymentIntent, error) {
	span := o.metrics.Start("saga.verify_payment")
	intent, err := o.processor.RetrievePayment(ctx, in.ProviderPaymentID)
	span.End(err)
	if err != nil {
		o.appendLog(ctx, in.TransactionID, stepVerify, "failed", err.Error(), saga.StateFailed)
		o.setState(ctx, in.TransactionID, saga.StateFailed)
		return PaymentIntent{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if intent.Status != PaymentSucceeded {
		detail := fmt.Sprintf("provider status %q for payment %s", intent.Status, in.ProviderPaymentID)
		o.appendLog(ctx, in.TransactionID, stepVerify, "failed", detail, saga.StateFailed)
		o.setState(ctx, in.TransactionID, saga.StateFailed)
		return PaymentIntent{}, fmt.Errorf("%w: %s", ErrVerificationFailed, detail)
	}

	if err := o.store.MarkSucceeded(ctx, in.TransactionID, in.ProviderPaymentID, intent.Amount, intent.Currency); err != nil {
		return PaymentIntent{}, fmt.Errorf("mark transaction succeeded: %w", err)
	}
	if err := o.store.TransitionState(ctx, in.TransactionID, saga.StateStarted, saga.StatePaymentVerified); err != nil {
		if errors.Is(err, saga.ErrStateConflict) {
			o.logf("saga %s: duplicate run detected at verification", in.TransactionID)
			return PaymentIntent{}, ErrDuplicateRun
		}
		return PaymentIntent{}, err
	}
	detail := fmt.Sprintf("amount=%d currency=%s", intent.Amount, intent.Currency)
	o.appendLog(ctx, in.TransactionID, stepVerify, "succeeded", detail, saga.StatePaymentVerified)
	return intent, nil
}

// createEnrollment grants course access through the downstream service. The
// ENROLLMENT_PENDING transition is compare-and-swap guarded so a duplicated
// webhook delivery cannot run enrollment twice.
func (o *Orchestrator) createEnrollment(ctx context.Context, in SagaInput) (Enrollment, error) {
	if err := o.store.TransitionState(ctx, in.TransactionID, saga.StatePaymentVerified, saga.StateEnrollmentPending); err != nil {
		if errors.Is(err, saga.ErrStateConflict) {
			o.logf("saga %s: duplicate run detected at enrollment", in.TransactionID)
			return Enrollment{}, ErrDuplicateRun
		}
		return Enrollment{}, err
	}
	o.appendLog(ctx, in.TransactionID, stepEnrollment, "started", "", saga.StateEnrollmentPending)

	span := o.metrics.Start("saga.create_enrollment")
	enrollment, err := o.enrollments.CreateEnrollment(ctx, in.UserID, in.CourseID, in.TransactionID)
	span.End(err)
	if err != nil {
		// Any failure shape triggers compensation; circuit-open stays
		// distinguishable so operators can tell "downstream is down" from
		// "downstream rejected the request".
		detail := err.Error()
		if kind, ok := CallKindOf(err); ok {
			detail = fmt.Sprintf("kind=%s: %v", kind, err)
		}
		o.appendLog(ctx, in.TransactionID, stepEnrollment, "failed", detail, saga.StateEnrollmentPending)
		o.logf("saga %s: enrollment failed: %s", in.TransactionID, detail)
		return Enrollment{}, fmt.Errorf("%w: %v", ErrEnrollmentFailed, err)
	}

	if err := o.store.TransitionState(ctx, in.TransactionID, saga.StateEnrollmentPending, saga.StateEnrollmentCompleted); err != nil {
		return Enrollment{}, err
	}
	o.appendLog(ctx, in.TransactionID, stepEnrollment, "succeeded", "enrollmentId="+enrollment.ID, saga.StateEnrollmentCompleted)
	return enrollment, nil
}

// compensateWithRefund undoes a captured payment after enrollment failed. A
// refund failure is terminal and alert-worthy: money was taken, the product
// was not delivered, and the refund could not be issued automatically.
func (o *Orchestrator) compensateWithRefund(ctx context.Context, in SagaInput, reason string) (Refund, error) {
	o.setState(ctx, in.TransactionID, saga.StateCompensationStarted)
	o.appendLog(ctx, in.TransactionID, stepRefund, "started", "reason="+reason, saga.StateCompensationStarted)

	span := o.metrics.Start("saga.refund_payment")
	refund, err := o.processor.RefundPayment(ctx, in.ProviderPaymentID, reason)
	span.End(err)
	if err == nil && refund.Status != "" && refund.Status != PaymentSucceeded && refund.Status != "pending" {
		err = fmt.Errorf("provider refund status %q", refund.Status)
	}
	if err != nil {
		o.appendLog(ctx, in.TransactionID, stepRefund, "failed", err.Error(), saga.StateFailed)
		o.setState(ctx, in.TransactionID, saga.StateFailed)
		o.logf("ALERT saga %s: refund failed for payment %s, manual intervention required: %v", in.TransactionID, in.ProviderPaymentID, err)
		return Refund{}, err
	}

	if err := o.store.MarkRefunded(ctx, in.TransactionID, refund.ID); err != nil {
		o.logf("ALERT saga %s: refund %s issued but not recorded: %v", in.TransactionID, refund.ID, err)
		return Refund{}, err
	}
	o.setState(ctx, in.TransactionID, saga.StateRefundCompleted)
	o.appendLog(ctx, in.TransactionID, stepRefund, "succeeded", "refundId="+refund.ID, saga.StateRefundCompleted)
	o.setState(ctx, in.TransactionID, saga.StateFailed)
	o.appendLog(ctx, in.TransactionID, stepSaga, "compensated", "refundId="+refund.ID, saga.StateFailed)
	return refund, nil
}

// appendLog writes a saga log entry; the trail is best-effort and must not
// fail the step it describes.
func (o *Orchestrator) appendLog(ctx context.Context, id, step, outcome, detail string, state saga.State) {
	entry := saga.LogEntry{Step: step, Outcome: outcome, Detail: detail, State: state, At: o.now()}
	if err := o.store.AppendLog(ctx, id, entry); err != nil {
		o.logf("saga %s: append log %s/%s: %v", id, step, outcome, err)
	}
}

func (o *Orchestrator) setState(ctx context.Context, id string, state saga.State) {
	if err := o.store.SetState(ctx, id, state); err != nil {
		o.logf("saga %s: set state %s: %v", id, state, err)
	}
}
