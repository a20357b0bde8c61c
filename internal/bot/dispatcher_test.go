package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/punchamoorthee/creditops/internal/cryptopay"
	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/punchamoorthee/creditops/internal/reconcile"
	"github.com/punchamoorthee/creditops/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type link struct {
	chatID int64
	text   string
	url    string
}

type fakeMessenger struct {
	texts     []string
	links     []link
	approved  []string
	linkErr   error
	starsAsks []int64
}

func (f *fakeMessenger) CreateInvoiceLink(ctx context.Context, userID int64, stars int64) (string, error) {
	f.starsAsks = append(f.starsAsks, stars)
	if f.linkErr != nil {
		return "", f.linkErr
	}
	return fmt.Sprintf("https://t.me/$stars-%d-%d", userID, stars), nil
}

func (f *fakeMessenger) AnswerPreCheckout(ctx context.Context, queryID string) error {
	f.approved = append(f.approved, queryID)
	return nil
}

func (f *fakeMessenger) Notify(ctx context.Context, chatID int64, text string) error {
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeMessenger) SendLink(ctx context.Context, chatID int64, text, label, url string) error {
	f.links = append(f.links, link{chatID: chatID, text: text, url: url})
	return nil
}

func (f *fakeMessenger) last() string {
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

type fakeIssuer struct {
	amounts []decimal.Decimal
	err     error
}

func (f *fakeIssuer) CreateInvoice(ctx context.Context, userID int64, amount decimal.Decimal) (*cryptopay.Invoice, error) {
	f.amounts = append(f.amounts, amount)
	if f.err != nil {
		return nil, f.err
	}
	return &cryptopay.Invoice{ID: 1, Status: cryptopay.StatusActive, PayURL: "https://pay.example/1"}, nil
}

type brokenLedger struct{ *store.MemoryStore }

func (brokenLedger) IncrementBalance(ctx context.Context, u domain.LedgerUpdate) (domain.ApplyResult, error) {
	return 0, fmt.Errorf("begin tx: %w", domain.ErrStore)
}

type fixture struct {
	d         *Dispatcher
	messenger *fakeMessenger
	issuer    *fakeIssuer
	ledger    *store.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		messenger: &fakeMessenger{},
		issuer:    &fakeIssuer{},
		ledger:    store.NewMemoryStore(),
	}
	opts := reconcile.DefaultOptions()
	opts.NotifyBackoff = 0
	engine := reconcile.NewEngine(f.ledger, f.messenger, zap.NewNop(), opts)
	f.d = NewDispatcher(f.messenger, f.issuer, engine, f.ledger, zap.NewNop())
	return f
}

func command(userID int64, text string) tgbotapi.Update {
	cmdLen := len(text)
	if i := strings.IndexByte(text, ' '); i >= 0 {
		cmdLen = i
	}
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From:     &tgbotapi.User{ID: userID, FirstName: "Ann"},
		Chat:     &tgbotapi.Chat{ID: userID},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: cmdLen}},
	}}
}

func starsPaid(userID int64, chargeID, payload string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID},
		Chat: &tgbotapi.Chat{ID: userID},
		SuccessfulPayment: &tgbotapi.SuccessfulPayment{
			Currency:                domain.StarsCurrency,
			TotalAmount:             50,
			InvoicePayload:          payload,
			TelegramPaymentChargeID: chargeID,
		},
	}}
}

func TestPreCheckoutIsApproved(t *testing.T) {
	f := newFixture(t)
	err := f.d.HandleUpdate(context.Background(), tgbotapi.Update{PreCheckoutQuery: &tgbotapi.PreCheckoutQuery{
		ID:             "q-1",
		From:           &tgbotapi.User{ID: 7},
		Currency:       domain.StarsCurrency,
		TotalAmount:    50,
		InvoicePayload: "stars:7:50",
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"q-1"}, f.messenger.approved)
}

func TestSuccessfulPaymentCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.d.HandleUpdate(ctx, starsPaid(7, "charge-1", "stars:7:50")))
	require.NoError(t, f.d.HandleUpdate(ctx, starsPaid(7, "charge-1", "stars:7:50")))

	acc, err := f.ledger.GetAccount(ctx, 7)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(decimal.NewFromInt(100)))
	assert.Len(t, f.messenger.texts, 1)
	assert.Contains(t, f.messenger.last(), "100")
}

func TestSuccessfulPaymentWithBadPayloadIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.HandleUpdate(context.Background(), starsPaid(7, "charge-2", "nonsense")))

	_, err := f.ledger.GetAccount(context.Background(), 7)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestSuccessfulPaymentStoreFailureIsReturned(t *testing.T) {
	f := newFixture(t)
	opts := reconcile.DefaultOptions()
	engine := reconcile.NewEngine(brokenLedger{f.ledger}, f.messenger, zap.NewNop(), opts)
	d := NewDispatcher(f.messenger, f.issuer, engine, f.ledger, zap.NewNop())

	err := d.HandleUpdate(context.Background(), starsPaid(7, "charge-3", "stars:7:50"))
	assert.ErrorIs(t, err, domain.ErrStore)
	assert.Empty(t, f.messenger.texts)
}

func TestBalanceCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.d.HandleUpdate(ctx, command(42, "/balance")))
	assert.Contains(t, f.messenger.last(), "0.00 ₽")

	_, err := f.ledger.IncrementBalance(ctx, domain.LedgerUpdate{
		UserID: 42, Delta: decimal.NewFromInt(500), IdempotencyKey: "cryptopay:1",
		Kind: domain.KindCryptoInvoice, Payload: "topup:42:500",
	})
	require.NoError(t, err)
	require.NoError(t, f.d.HandleUpdate(ctx, command(42, "/balance")))
	assert.Contains(t, f.messenger.last(), "500.00 ₽")
}

func TestTopUpCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.d.HandleUpdate(ctx, command(42, "/topup 500")))
	require.Len(t, f.issuer.amounts, 1)
	assert.True(t, f.issuer.amounts[0].Equal(decimal.NewFromInt(500)))
	require.Len(t, f.messenger.links, 1)
	assert.Equal(t, "https://pay.example/1", f.messenger.links[0].url)

	for _, bad := range []string{"/topup", "/topup abc", "/topup -5", "/topup 1.001"} {
		require.NoError(t, f.d.HandleUpdate(ctx, command(42, bad)))
		assert.Contains(t, f.messenger.last(), "Usage", bad)
	}
	assert.Len(t, f.issuer.amounts, 1)
}

func TestTopUpProviderFailureHidesError(t *testing.T) {
	f := newFixture(t)
	f.issuer.err = fmt.Errorf("createInvoice: status=500 body=secret: %w", domain.ErrProviderUnavailable)

	require.NoError(t, f.d.HandleUpdate(context.Background(), command(42, "/topup 500")))
	assert.Equal(t, invoiceFailedText, f.messenger.last())
	assert.Empty(t, f.messenger.links)
}

func TestStarsCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.d.HandleUpdate(ctx, command(7, "/stars 50")))
	assert.Equal(t, []int64{50}, f.messenger.starsAsks)
	require.Len(t, f.messenger.links, 1)
	assert.Contains(t, f.messenger.links[0].text, "100 ₽")

	f.messenger.linkErr = errors.New("Bad Request")
	require.NoError(t, f.d.HandleUpdate(ctx, command(7, "/stars 10")))
	assert.Equal(t, invoiceFailedText, f.messenger.last())

	require.NoError(t, f.d.HandleUpdate(ctx, command(7, "/stars 1.5")))
	assert.Contains(t, f.messenger.last(), "Usage")
}

func TestStartAndUnknownInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.d.HandleUpdate(ctx, command(7, "/start")))
	assert.Contains(t, f.messenger.last(), "Welcome, Ann")

	require.NoError(t, f.d.HandleUpdate(ctx, command(7, "/whatever")))
	assert.Equal(t, helpText, f.messenger.last())

	require.NoError(t, f.d.HandleUpdate(ctx, tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: 7},
		Chat: &tgbotapi.Chat{ID: 7},
		Text: "hello",
	}}))
	assert.Equal(t, helpText, f.messenger.last())

	require.NoError(t, f.d.HandleUpdate(ctx, tgbotapi.Update{}))
}
