package paymentsdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"coursepay/internal/payments/saga"
)

// TransactionStore persists transactions and their saga trail in Postgres.
// The saga log lives in its own append-only table with a foreign key to the
// transaction, so the trail stays queryable for forensic recovery.
type TransactionStore struct {
	db *sql.DB
}

// NewTransactionStore constructs a TransactionStore backed by Postgres.
func NewTransactionStore(db *sql.DB) *TransactionStore {
	return &TransactionStore{db: db}
}

// NewTransactionStoreWithSchema initializes the schema then returns the store.
func NewTransactionStoreWithSchema(ctx context.Context, db *sql.DB) (*TransactionStore, error) {
	store := NewTransactionStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the transaction tables if they do not exist.
func (s *TransactionStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			course_id TEXT NOT NULL,
			amount BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			provider_payment_id TEXT NOT NULL DEFAULT '',
			provider_session_id TEXT NOT NULL DEFAULT '',
			refund_id TEXT NOT NULL DEFAULT '',
			saga_state TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS transaction_saga_log (
			id BIGSERIAL PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			step TEXT NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT,
			saga_state TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			FOREIGN KEY (transaction_id) REFERENCES transactions(id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// Create inserts a pending transaction; a repeat insert for the same id is a
// no-op so checkout starts are idempotent.
func (s *TransactionStore) Create(ctx context.Context, txn saga.Transaction) (bool, error) {
	status := txn.Status
	if status == "" {
		status = saga.StatusPending
	}
	state := txn.SagaState
	if state == "" {
		state = saga.StateStarted
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, course_id, amount, currency, status, provider_payment_id, provider_session_id, saga_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		txn.ID, txn.UserID, txn.CourseID, txn.Amount, txn.Currency, status, txn.ProviderPaymentID, txn.ProviderSessionID, state,
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Get loads a transaction by id.
func (s *TransactionStore) Get(ctx context.Context, id string) (saga.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, course_id, amount, currency, status, provider_payment_id, provider_session_id, refund_id, saga_state, created_at, updated_at
		FROM transactions
		WHERE id = $1`,
		id,
	)

	var txn saga.Transaction
	var status, state string
	err := row.Scan(&txn.ID, &txn.UserID, &txn.CourseID, &txn.Amount, &txn.Currency, &status,
		&txn.ProviderPaymentID, &txn.ProviderSessionID, &txn.RefundID, &state, &txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.Transaction{}, saga.ErrNotFound
		}
		return saga.Transaction{}, err
	}
	txn.Status = saga.TransactionStatus(status)
	txn.SagaState = saga.State(state)
	return txn, nil
}

// MarkSucceeded records the captured payment. The guard keeps the status
// monotonic: pending moves forward, a repeat confirmation is tolerated, and a
// refunded row never reverts.
func (s *TransactionStore) MarkSucceeded(ctx context.Context, id, providerPaymentID string, amount int64, currency string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, provider_payment_id = $3, amount = $4, currency = $5, updated_at = NOW()
		WHERE id = $1 AND status IN ($6, $2)`,
		id, saga.StatusSucceeded, providerPaymentID, amount, currency, saga.StatusPending,
	)
	if err != nil {
		return err
	}
	return s.checkGuarded(ctx, res, id, saga.ErrStatusConflict)
}

// MarkRefunded moves a succeeded transaction to refunded and records the
// provider refund id.
func (s *TransactionStore) MarkRefunded(ctx context.Context, id, refundID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, refund_id = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, saga.StatusRefunded, refundID, saga.StatusSucceeded,
	)
	if err != nil {
		return err
	}
	return s.checkGuarded(ctx, res, id, saga.ErrStatusConflict)
}

// TransitionState is a compare-and-swap saga-state update; it fails with
// ErrStateConflict when another run already moved the saga past `from`.
func (s *TransactionStore) TransitionState(ctx context.Context, id string, from, to saga.State) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET saga_state = $3, updated_at = NOW()
		WHERE id = $1 AND saga_state = $2`,
		id, from, to,
	)
	if err != nil {
		return err
	}
	return s.checkGuarded(ctx, res, id, saga.ErrStateConflict)
}

// SetState writes the saga state unconditionally (terminal bookkeeping).
func (s *TransactionStore) SetState(ctx context.Context, id string, to saga.State) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET saga_state = $2, updated_at = NOW()
		WHERE id = $1`,
		id, to,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return saga.ErrNotFound
	}
	return nil
}

// ListStalled returns transactions stuck in a non-terminal saga state since
// before the cutoff, oldest first. The reconciliation sweep feeds on it.
func (s *TransactionStore) ListStalled(ctx context.Context, updatedBefore time.Time) ([]saga.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, course_id, amount, currency, status, provider_payment_id, provider_session_id, refund_id, saga_state, created_at, updated_at
		FROM transactions
		WHERE saga_state NOT IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at`,
		saga.StateCompleted, saga.StateFailed, updatedBefore,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stalled []saga.Transaction
	for rows.Next() {
		var txn saga.Transaction
		var status, state string
		if err := rows.Scan(&txn.ID, &txn.UserID, &txn.CourseID, &txn.Amount, &txn.Currency, &status,
			&txn.ProviderPaymentID, &txn.ProviderSessionID, &txn.RefundID, &state, &txn.CreatedAt, &txn.UpdatedAt); err != nil {
			return nil, err
		}
		txn.Status = saga.TransactionStatus(status)
		txn.SagaState = saga.State(state)
		stalled = append(stalled, txn)
	}
	return stalled, rows.Err()
}

// AppendLog appends one saga log row. Entries are never updated or deleted.
func (s *TransactionStore) AppendLog(ctx context.Context, id string, entry saga.LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transaction_saga_log (transaction_id, step, outcome, detail, saga_state)
		VALUES ($1, $2, $3, $4, $5)`,
		id, entry.Step, entry.Outcome, entry.Detail, entry.State,
	)
	return err
}

// checkGuarded distinguishes "row missing" from "guard lost" after a guarded
// update affected zero rows.
func (s *TransactionStore) checkGuarded(ctx context.Context, res sql.Result, id string, conflict error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	row := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, id)
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return saga.ErrNotFound
	}
	return conflict
}
