package saga

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory TransactionStore used when no database is
// configured and throughout the saga tests.
type MemoryStore struct {
	mu   sync.Mutex
	txns map[string]Transaction
	logs map[string][]LogEntry
	now  func() time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns: make(map[string]Transaction),
		logs: make(map[string][]LogEntry),
		now:  time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, txn Transaction) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txns[txn.ID]; ok {
		return false, nil
	}
	if txn.Status == "" {
		txn.Status = StatusPending
	}
	if txn.SagaState == "" {
		txn.SagaState = StateStarted
	}
	now := m.now()
	txn.CreatedAt = now
	txn.UpdatedAt = now
	m.txns[txn.ID] = txn
	return true, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Transaction, error) {
	if err := ctx.Err(); err != nil {
		return Transaction{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return txn, nil
}

func (m *MemoryStore) MarkSucceeded(ctx context.Context, id, providerPaymentID string, amount int64, currency string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[id]
	if !ok {
		return ErrNotFound
	}
	if txn.Status != StatusPending && txn.Status != StatusSucceeded {
		return ErrStatusConflict
	}
	txn.Status = StatusSucceeded
	txn.ProviderPaymentID = providerPaymentID
	txn.Amount = amount
	txn.Currency = currency
	txn.UpdatedAt = m.now()
	m.txns[id] = txn
	return nil
}

func (m *MemoryStore) MarkRefunded(ctx context.Context, id, refundID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[id]
	if !ok {
		return ErrNotFound
	}
	if txn.Status != StatusSucceeded {
		return ErrStatusConflict
	}
	txn.Status = StatusRefunded
	txn.RefundID = refundID
	txn.UpdatedAt = m.now()
	m.txns[id] = txn
	return nil
}

func (m *MemoryStore) TransitionState(ctx context.Context, id string, from, to State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[id]
	if !ok {
		return ErrNotFound
	}
	if txn.SagaState != from {
		return ErrStateConflict
	}
	txn.SagaState = to
	txn.UpdatedAt = m.now()
	m.txns[id] = txn
	return nil
}

func (m *MemoryStore) SetState(ctx context.Context, id string, to State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[id]
	if !ok {
		return ErrNotFound
	}
	txn.SagaState = to
	txn.UpdatedAt = m.now()
	m.txns[id] = txn
	return nil
}

func (m *MemoryStore) AppendLog(ctx context.Context, id string, entry LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.At.IsZero() {
		entry.At = m.now()
	}
	m.logs[id] = append(m.logs[id], entry)
	return nil
}

func (m *MemoryStore) ListStalled(ctx context.Context, updatedBefore time.Time) ([]Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var stalled []Transaction
	for _, txn := range m.txns {
		if !txn.SagaState.Terminal() && txn.UpdatedAt.Before(updatedBefore) {
			stalled = append(stalled, txn)
		}
	}
	return stalled, nil
}

// Log returns a copy of the saga trail for a transaction (for inspection).
func (m *MemoryStore) Log(id string) []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogEntry, len(m.logs[id]))
	copy(out, m.logs[id])
	return out
}
