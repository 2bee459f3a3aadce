package saga

import (
	"context"
	"errors"
	"time"
)

// TransactionStatus is the financial status of a purchase.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusSucceeded TransactionStatus = "succeeded"
	StatusFailed    TransactionStatus = "failed"
	StatusRefunded  TransactionStatus = "refunded"
	StatusCancelled TransactionStatus = "cancelled"
)

// State identifies how far a saga run has progressed.
type State string

const (
	StateStarted             State = "STARTED"
	StatePaymentVerified     State = "PAYMENT_VERIFIED"
	StateEnrollmentPending   State = "ENROLLMENT_PENDING"
	StateEnrollmentCompleted State = "ENROLLMENT_COMPLETED"
	StateCompleted           State = "SAGA_COMPLETED"
	StateCompensationStarted State = "COMPENSATION_STARTED"
	StateRefundCompleted     State = "REFUND_COMPLETED"
	StateFailed              State = "SAGA_FAILED"
)

// Terminal reports whether a saga state is final. A transaction parked in a
// non-terminal state belongs to a run that is either still executing or died
// mid-flight.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Transaction is the unit of financial truth. Rows are never hard-deleted.
type Transaction struct {
	ID                string
	UserID            string
	CourseID          string
	Amount            int64 // minor currency units
	Currency          string
	Status            TransactionStatus
	ProviderPaymentID string
	ProviderSessionID string
	RefundID          string
	SagaState         State
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// LogEntry is one append-only saga log record.
type LogEntry struct {
	Step    string
	Outcome string
	Detail  string
	State   State
	At      time.Time
}

// TransactionStore persists transactions and their saga trail.
//
// MarkSucceeded is monotonic: it moves a transaction from pending to
// succeeded and tolerates a repeat call, but never reverts a refunded row.
// TransitionState is a compare-and-swap guard so two concurrent saga runs for
// the same transaction cannot both pass the same transition.
type TransactionStore interface {
	Create(ctx context.Context, txn Transaction) (created bool, err error)
	Get(ctx context.Context, id string) (Transaction, error)
	MarkSucceeded(ctx context.Context, id, providerPaymentID string, amount int64, currency string) error
	MarkRefunded(ctx context.Context, id, refundID string) error
	TransitionState(ctx context.Context, id string, from, to State) error
	SetState(ctx context.Context, id string, to State) error
	AppendLog(ctx context.Context, id string, entry LogEntry) error
	// ListStalled returns transactions whose saga state is non-terminal and
	// whose last update is older than the cutoff.
	ListStalled(ctx context.Context, updatedBefore time.Time) ([]Transaction, error)
}

var (
	// ErrNotFound indicates no transaction exists for the id.
	ErrNotFound = errors.New("transaction not found")
	// ErrStateConflict indicates a guarded saga-state transition lost the race.
	ErrStateConflict = errors.New("saga state conflict")
	// ErrStatusConflict indicates a transaction status change would break monotonicity.
	ErrStatusConflict = errors.New("transaction status conflict")
)
