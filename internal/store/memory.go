package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process ledger with the same idempotency guarantees as
// Store. It backs tests and local runs without Postgres.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[int64]*domain.Account
	events   map[string]*memoryEvent
	order    []string
}

type memoryEvent struct {
	domain.CreditEvent
	notifiedAt  *time.Time
	notifyError string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[int64]*domain.Account),
		events:   make(map[string]*memoryEvent),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) IncrementBalance(ctx context.Context, u domain.LedgerUpdate) (domain.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("increment aborted: %w: %w", domain.ErrStore, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[u.IdempotencyKey]; ok {
		return domain.AlreadyApplied, nil
	}

	now := time.Now()
	m.events[u.IdempotencyKey] = &memoryEvent{CreditEvent: domain.CreditEvent{
		IdempotencyKey: u.IdempotencyKey,
		UserID:         u.UserID,
		Kind:           u.Kind.String(),
		Delta:          u.Delta,
		Payload:        u.Payload,
		CreatedAt:      now,
	}}
	m.order = append(m.order, u.IdempotencyKey)

	acc, ok := m.accounts[u.UserID]
	if !ok {
		acc = &domain.Account{UserID: u.UserID, Balance: decimal.Zero, CreatedAt: now}
		m.accounts[u.UserID] = acc
	}
	acc.Balance = acc.Balance.Add(u.Delta)
	acc.UpdatedAt = now
	return domain.Applied, nil
}

func (m *MemoryStore) MarkNotified(ctx context.Context, key string, notifyErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[key]
	if !ok {
		return nil
	}
	if notifyErr != nil {
		ev.notifyError = notifyErr.Error()
		return nil
	}
	now := time.Now()
	ev.notifiedAt = &now
	ev.notifyError = ""
	return nil
}

// Notified reports whether a successful notification was recorded for key.
func (m *MemoryStore) Notified(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[key]
	return ok && ev.notifiedAt != nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, userID int64) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[userID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context, limit, offset int) ([]domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]domain.Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		all = append(all, *acc)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].UpdatedAt.After(all[j].UpdatedAt)
		}
		return all[i].UserID < all[j].UserID
	})

	if offset >= len(all) {
		return []domain.Account{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *MemoryStore) GetCreditEvents(ctx context.Context, userID int64) ([]domain.CreditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[userID]; !ok {
		return nil, domain.ErrAccountNotFound
	}
	events := []domain.CreditEvent{}
	for i := len(m.order) - 1; i >= 0; i-- {
		ev := m.events[m.order[i]]
		if ev.UserID == userID {
			events = append(events, ev.CreditEvent)
		}
	}
	return events, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (*domain.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &domain.Stats{
		TotalAccounts: int64(len(m.accounts)),
		TotalCredited: decimal.Zero,
	}
	for _, ev := range m.events {
		st.TotalCredits++
		switch ev.Kind {
		case domain.KindCryptoInvoice.String():
			st.CryptoCredits++
		case domain.KindStarsPayment.String():
			st.StarsCredits++
		}
		st.TotalCredited = st.TotalCredited.Add(ev.Delta)
	}
	return st, nil
}
