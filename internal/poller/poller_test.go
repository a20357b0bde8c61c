package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/creditops/internal/cryptopay"
	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/punchamoorthee/creditops/internal/reconcile"
	"github.com/punchamoorthee/creditops/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	mu       sync.Mutex
	invoices map[int64]*cryptopay.Invoice
	err      error
}

func (f *fakeSource) GetInvoice(ctx context.Context, id int64) (*cryptopay.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	inv, ok := f.invoices[id]
	if !ok {
		return nil, fmt.Errorf("invoice %d: %w", id, domain.ErrProviderUnavailable)
	}
	return inv, nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(ctx context.Context, chatID int64, text string) error { return nil }

type failingLedger struct {
	*store.MemoryStore
	fail bool
}

func (l *failingLedger) IncrementBalance(ctx context.Context, u domain.LedgerUpdate) (domain.ApplyResult, error) {
	if l.fail {
		return 0, fmt.Errorf("increment: %w", domain.ErrStore)
	}
	return l.MemoryStore.IncrementBalance(ctx, u)
}

func paidInvoice(id, userID int64, amount int64) *cryptopay.Invoice {
	amt := decimal.NewFromInt(amount)
	return &cryptopay.Invoice{
		ID:      id,
		Status:  cryptopay.StatusPaid,
		Amount:  &amt,
		Payload: fmt.Sprintf("topup:%d:%d", userID, amount),
	}
}

type harness struct {
	poller  *Poller
	tracker *MemoryTracker
	source  *fakeSource
	ledger  *failingLedger
	clock   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		tracker: NewMemoryTracker(),
		source:  &fakeSource{invoices: map[int64]*cryptopay.Invoice{}},
		ledger:  &failingLedger{MemoryStore: store.NewMemoryStore()},
		clock:   time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	opts := reconcile.DefaultOptions()
	opts.NotifyBackoff = 0
	engine := reconcile.NewEngine(h.ledger, nopNotifier{}, zap.NewNop(), opts)

	h.poller = New(h.tracker, h.source, engine, zap.NewNop(), Options{
		Interval:  time.Second,
		Grace:     time.Minute,
		MaxAge:    time.Hour,
		BatchSize: 10,
	})
	h.poller.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) balance(t *testing.T, userID int64) decimal.Decimal {
	t.Helper()
	acc, err := h.ledger.GetAccount(context.Background(), userID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return decimal.Zero
	}
	require.NoError(t, err)
	return acc.Balance
}

func TestPollCreditsPaidInvoice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.poller.Track(ctx, &cryptopay.Invoice{ID: 1001}))
	h.source.invoices[1001] = paidInvoice(1001, 42, 500)

	// Still inside the grace period: left to the webhook.
	n, err := h.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, h.balance(t, 42).IsZero())

	h.clock = h.clock.Add(2 * time.Minute)
	n, err = h.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, h.balance(t, 42).Equal(decimal.NewFromInt(500)))
	assert.Zero(t, h.tracker.Len())
}

func TestPollAfterWebhookDoesNotDoubleCredit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inv := paidInvoice(1002, 42, 500)
	h.source.invoices[1002] = inv
	require.NoError(t, h.poller.Track(ctx, inv))

	// The webhook already applied the same invoice.
	_, err := h.ledger.MemoryStore.IncrementBalance(ctx, domain.LedgerUpdate{
		UserID:         42,
		Delta:          decimal.NewFromInt(500),
		IdempotencyKey: cryptopay.IdempotencyKey(1002),
		Kind:           domain.KindCryptoInvoice,
		Payload:        inv.Payload,
	})
	require.NoError(t, err)

	h.clock = h.clock.Add(2 * time.Minute)
	_, err = h.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.True(t, h.balance(t, 42).Equal(decimal.NewFromInt(500)))
	assert.Zero(t, h.tracker.Len())
}

func TestPollKeepsActiveAndForgetsExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.poller.Track(ctx, &cryptopay.Invoice{ID: 1}))
	require.NoError(t, h.poller.Track(ctx, &cryptopay.Invoice{ID: 2}))
	h.source.invoices[1] = &cryptopay.Invoice{ID: 1, Status: cryptopay.StatusActive}
	h.source.invoices[2] = &cryptopay.Invoice{ID: 2, Status: cryptopay.StatusExpired}

	h.clock = h.clock.Add(2 * time.Minute)
	n, err := h.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.tracker.Len())

	// Past MaxAge the active one is dropped too.
	h.clock = h.clock.Add(2 * time.Hour)
	_, err = h.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, h.tracker.Len())
}

func TestPollRetriesAfterStoreFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.source.invoices[1003] = paidInvoice(1003, 7, 250)
	require.NoError(t, h.poller.Track(ctx, h.source.invoices[1003]))
	h.clock = h.clock.Add(2 * time.Minute)

	h.ledger.fail = true
	n, err := h.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, h.tracker.Len())

	h.ledger.fail = false
	h.clock = h.clock.Add(2 * time.Minute)
	n, err = h.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, h.balance(t, 7).Equal(decimal.NewFromInt(250)))
}

func TestPollRotatesPastUnpaidBacklog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A full batch of invoices nobody pays.
	for id := int64(1); id <= 10; id++ {
		h.source.invoices[id] = &cryptopay.Invoice{ID: id, Status: cryptopay.StatusActive}
		require.NoError(t, h.poller.Track(ctx, h.source.invoices[id]))
	}
	h.clock = h.clock.Add(time.Second)
	h.source.invoices[11] = paidInvoice(11, 42, 300)
	require.NoError(t, h.poller.Track(ctx, h.source.invoices[11]))

	for pass := 0; pass < 3 && h.balance(t, 42).IsZero(); pass++ {
		h.clock = h.clock.Add(2 * time.Minute)
		_, err := h.poller.PollOnce(ctx)
		require.NoError(t, err)
	}
	assert.True(t, h.balance(t, 42).Equal(decimal.NewFromInt(300)))
	assert.Equal(t, 10, h.tracker.Len())
}

func TestPollProviderErrorKeepsInvoice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.poller.Track(ctx, &cryptopay.Invoice{ID: 5}))
	h.source.err = errors.New("timeout")
	h.clock = h.clock.Add(2 * time.Minute)

	n, err := h.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, h.tracker.Len())
}

func TestSettledUntracks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.poller.Track(ctx, &cryptopay.Invoice{ID: 9}))
	h.poller.Settled(ctx, 9)
	assert.Zero(t, h.tracker.Len())
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.poller.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestMemoryTrackerDueOrdering(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracker()
	base := time.Unix(1000, 0)
	require.NoError(t, tr.Track(ctx, 3, base.Add(2*time.Second)))
	require.NoError(t, tr.Track(ctx, 1, base))
	require.NoError(t, tr.Track(ctx, 2, base.Add(time.Second)))
	require.NoError(t, tr.Track(ctx, 4, base.Add(time.Hour)))

	ids, err := tr.Due(ctx, base.Add(10*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	ids, err = tr.Due(ctx, base.Add(10*time.Second), 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)
}

func TestMemoryTrackerDeferAndExpired(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracker()
	base := time.Unix(1000, 0)
	require.NoError(t, tr.Track(ctx, 1, base))
	require.NoError(t, tr.Track(ctx, 2, base.Add(time.Second)))

	require.NoError(t, tr.Defer(ctx, 1, base.Add(time.Minute)))
	ids, err := tr.Due(ctx, base.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, ids)

	ids, err = tr.Due(ctx, base.Add(10*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)

	// Deferring does not change the age used for expiry.
	ids, err = tr.Expired(ctx, base, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)

	// Untracked ids are not resurrected.
	require.NoError(t, tr.Forget(ctx, 2))
	require.NoError(t, tr.Defer(ctx, 2, base))
	assert.Equal(t, 1, tr.Len())
}

type fakeIssuer struct {
	next int64
	err  error
}

func (f *fakeIssuer) CreateInvoice(ctx context.Context, userID int64, amount decimal.Decimal) (*cryptopay.Invoice, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.next++
	return &cryptopay.Invoice{ID: f.next, Status: cryptopay.StatusActive}, nil
}

func TestTrackingIssuer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	issuer := &fakeIssuer{}
	ti := NewTrackingIssuer(issuer, h.poller)

	inv, err := ti.CreateInvoice(ctx, 42, decimal.NewFromInt(500))
	require.NoError(t, err)
	assert.EqualValues(t, 1, inv.ID)
	assert.Equal(t, 1, h.tracker.Len())

	issuer.err = domain.ErrProviderUnavailable
	_, err = ti.CreateInvoice(ctx, 42, decimal.NewFromInt(500))
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Equal(t, 1, h.tracker.Len())
}
