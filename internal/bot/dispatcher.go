// Package bot routes Telegram updates: chat commands, Stars pre-checkout
// queries and completed payments.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/punchamoorthee/creditops/internal/cryptopay"
	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/punchamoorthee/creditops/internal/reconcile"
	"github.com/punchamoorthee/creditops/internal/telegram"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const invoiceFailedText = "Could not create an invoice right now. Please try again later."

// Messenger is the Telegram side of the dispatcher.
type Messenger interface {
	CreateInvoiceLink(ctx context.Context, userID int64, stars int64) (string, error)
	AnswerPreCheckout(ctx context.Context, queryID string) error
	Notify(ctx context.Context, chatID int64, text string) error
	SendLink(ctx context.Context, chatID int64, text, label, url string) error
}

type InvoiceIssuer interface {
	CreateInvoice(ctx context.Context, userID int64, amount decimal.Decimal) (*cryptopay.Invoice, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, c domain.PaymentConfirmation) (reconcile.Outcome, error)
}

type AccountReader interface {
	GetAccount(ctx context.Context, userID int64) (*domain.Account, error)
}

type Dispatcher struct {
	messenger Messenger
	invoices  InvoiceIssuer
	engine    Reconciler
	accounts  AccountReader
	logger    *zap.Logger
}

func NewDispatcher(m Messenger, invoices InvoiceIssuer, engine Reconciler, accounts AccountReader, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		messenger: m,
		invoices:  invoices,
		engine:    engine,
		accounts:  accounts,
		logger:    logger,
	}
}

// HandleUpdate processes one update. Only a failure that Telegram should
// redeliver the update for is returned, which today means a completed payment
// the ledger could not record.
func (d *Dispatcher) HandleUpdate(ctx context.Context, u tgbotapi.Update) error {
	switch {
	case u.PreCheckoutQuery != nil:
		d.handlePreCheckout(ctx, u.PreCheckoutQuery)
		return nil
	case u.Message != nil && u.Message.SuccessfulPayment != nil:
		return d.handleSuccessfulPayment(ctx, u.Message)
	case u.Message != nil && u.Message.IsCommand():
		d.handleCommand(ctx, u.Message)
		return nil
	case u.Message != nil && u.Message.Chat != nil:
		d.reply(ctx, u.Message.Chat.ID, helpText)
		return nil
	}
	return nil
}

func (d *Dispatcher) handlePreCheckout(ctx context.Context, q *tgbotapi.PreCheckoutQuery) {
	if err := d.messenger.AnswerPreCheckout(ctx, q.ID); err != nil {
		d.logger.Error("pre-checkout answer failed", zap.String("query_id", q.ID), zap.Error(err))
		return
	}
	d.logger.Info("pre-checkout approved",
		zap.String("query_id", q.ID),
		zap.String("payload", q.InvoicePayload),
		zap.Int("total_amount", q.TotalAmount),
	)
}

func (d *Dispatcher) handleSuccessfulPayment(ctx context.Context, m *tgbotapi.Message) error {
	sp := m.SuccessfulPayment
	if sp.Currency != domain.StarsCurrency {
		d.logger.Warn("successful payment in unexpected currency",
			zap.String("currency", sp.Currency),
			zap.String("charge_id", sp.TelegramPaymentChargeID),
		)
	}

	var chatID int64
	if m.Chat != nil {
		chatID = m.Chat.ID
	}
	out, err := d.engine.Reconcile(ctx, domain.PaymentConfirmation{
		Kind:           domain.KindStarsPayment,
		Status:         domain.StatusPaid,
		Payload:        sp.InvoicePayload,
		IdempotencyKey: telegram.IdempotencyKey(sp.TelegramPaymentChargeID),
		ChatID:         chatID,
	})
	if err != nil {
		return fmt.Errorf("reconcile stars payment: %w", err)
	}
	d.logger.Info("stars payment reconciled",
		zap.String("charge_id", sp.TelegramPaymentChargeID),
		zap.String("state", out.State.String()),
		zap.String("reason", out.Reason.String()),
		zap.Bool("replayed", out.Replayed),
	)
	return nil
}

const helpText = "Commands:\n" +
	"/balance - show your balance\n" +
	"/topup <amount> - top up in roubles with crypto\n" +
	"/stars <count> - top up with Telegram Stars"

func (d *Dispatcher) handleCommand(ctx context.Context, m *tgbotapi.Message) {
	if m.From == nil || m.Chat == nil {
		return
	}
	chatID, userID := m.Chat.ID, m.From.ID
	args := strings.TrimSpace(m.CommandArguments())

	switch m.Command() {
	case "start":
		d.reply(ctx, chatID, fmt.Sprintf("Welcome, %s!\n\n%s", displayName(m.From), helpText))
	case "balance":
		d.showBalance(ctx, chatID, userID)
	case "topup":
		d.topUpCrypto(ctx, chatID, userID, args)
	case "stars":
		d.topUpStars(ctx, chatID, userID, args)
	default:
		d.reply(ctx, chatID, helpText)
	}
}

func (d *Dispatcher) showBalance(ctx context.Context, chatID, userID int64) {
	balance := decimal.Zero
	acc, err := d.accounts.GetAccount(ctx, userID)
	switch {
	case err == nil:
		balance = acc.Balance
	case errors.Is(err, domain.ErrAccountNotFound):
	default:
		d.logger.Error("balance lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		d.reply(ctx, chatID, "Could not load your balance. Please try again later.")
		return
	}
	d.reply(ctx, chatID, fmt.Sprintf("💰 Your balance: %s ₽\n🆔 ID: %d", balance.StringFixed(2), userID))
}

func (d *Dispatcher) topUpCrypto(ctx context.Context, chatID, userID int64, args string) {
	amount, err := decimal.NewFromString(args)
	if err != nil || !amount.IsPositive() || amount.Exponent() < -2 {
		d.reply(ctx, chatID, "Usage: /topup <amount in roubles>, for example /topup 500")
		return
	}

	inv, err := d.invoices.CreateInvoice(ctx, userID, amount)
	if err != nil {
		d.logger.Error("crypto invoice creation failed", zap.Int64("user_id", userID), zap.Error(err))
		d.reply(ctx, chatID, invoiceFailedText)
		return
	}
	d.link(ctx, chatID, fmt.Sprintf("Invoice for %s ₽ is ready.", amount), "Pay with crypto", inv.PayURL)
}

func (d *Dispatcher) topUpStars(ctx context.Context, chatID, userID int64, args string) {
	stars, err := strconv.ParseInt(args, 10, 64)
	if err != nil || stars <= 0 {
		d.reply(ctx, chatID, "Usage: /stars <count>, for example /stars 50")
		return
	}

	link, err := d.messenger.CreateInvoiceLink(ctx, userID, stars)
	if err != nil {
		d.logger.Error("stars invoice creation failed", zap.Int64("user_id", userID), zap.Error(err))
		d.reply(ctx, chatID, invoiceFailedText)
		return
	}
	d.link(ctx, chatID,
		fmt.Sprintf("%d ⭐ will add %d ₽ to your balance.", stars, stars*domain.StarsRate),
		fmt.Sprintf("Pay %d ⭐", stars), link)
}

func (d *Dispatcher) reply(ctx context.Context, chatID int64, text string) {
	if err := d.messenger.Notify(ctx, chatID, text); err != nil {
		d.logger.Warn("reply failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (d *Dispatcher) link(ctx context.Context, chatID int64, text, label, url string) {
	if err := d.messenger.SendLink(ctx, chatID, text, label, url); err != nil {
		d.logger.Warn("sending payment link failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func displayName(u *tgbotapi.User) string {
	if u.FirstName != "" {
		return u.FirstName
	}
	if u.UserName != "" {
		return "@" + u.UserName
	}
	return strconv.FormatInt(u.ID, 10)
}
