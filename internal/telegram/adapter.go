// Package telegram wraps the Bot API calls used for Stars payments and user
// notifications.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/punchamoorthee/creditops/internal/payload"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BotAPI is the subset of *tgbotapi.BotAPI the adapter calls.
type BotAPI interface {
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// IdempotencyKey is the ledger key for a completed Stars payment.
func IdempotencyKey(chargeID string) string {
	if chargeID == "" {
		return ""
	}
	return "stars:" + chargeID
}

type Config struct {
	Token   string
	Timeout time.Duration
}

// NewBotAPI connects to the Bot API with a bounded HTTP client.
func NewBotAPI(cfg Config) (*tgbotapi.BotAPI, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, tgbotapi.APIEndpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("connect bot api: %w", err)
	}
	return bot, nil
}

type Adapter struct {
	bot    BotAPI
	logger *zap.Logger
}

func NewAdapter(bot BotAPI, logger *zap.Logger) *Adapter {
	return &Adapter{bot: bot, logger: logger}
}

// CreateInvoiceLink returns a Stars invoice link for the given number of stars.
// The title shows the balance the user will receive, computed with the same
// rate the ledger credits with.
func (a *Adapter) CreateInvoiceLink(ctx context.Context, userID int64, stars int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := payload.Encode(domain.KindStarsPayment, userID, decimal.NewFromInt(stars))
	if err != nil {
		return "", err
	}
	credit := stars * domain.StarsRate

	params := tgbotapi.Params{}
	params["title"] = fmt.Sprintf("Top up %d ₽", credit)
	params["description"] = fmt.Sprintf("%d ⭐ → %d ₽ on your balance", stars, credit)
	params["payload"] = raw
	params["provider_token"] = ""
	params["currency"] = domain.StarsCurrency
	if err := params.AddInterface("prices", []tgbotapi.LabeledPrice{
		{Label: fmt.Sprintf("%d ₽ balance", credit), Amount: int(stars)},
	}); err != nil {
		return "", err
	}

	resp, err := a.bot.MakeRequest("createInvoiceLink", params)
	if err != nil {
		return "", fmt.Errorf("create invoice link: %w: %w", domain.ErrProviderUnavailable, err)
	}
	var link string
	if err := json.Unmarshal(resp.Result, &link); err != nil {
		return "", fmt.Errorf("decode invoice link: %w: %w", domain.ErrProviderUnavailable, err)
	}
	a.logger.Info("stars invoice link created", zap.Int64("user_id", userID), zap.Int64("stars", stars))
	return link, nil
}

// AnswerPreCheckout approves a pre-checkout query. Telegram cancels the
// payment if no answer arrives within ten seconds.
func (a *Adapter) AnswerPreCheckout(ctx context.Context, queryID string) error {
	_, err := a.bot.Request(tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: queryID,
		OK:                 true,
	})
	if err != nil {
		return fmt.Errorf("answer pre-checkout %s: %w", queryID, err)
	}
	return nil
}

// Notify sends a plain text message.
func (a *Adapter) Notify(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := a.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("send message to %d: %w", chatID, err)
	}
	return nil
}

// SendLink sends text with a single URL button under it.
func (a *Adapter) SendLink(ctx context.Context, chatID int64, text, label, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL(label, url),
		),
	)
	if _, err := a.bot.Send(msg); err != nil {
		return fmt.Errorf("send link to %d: %w", chatID, err)
	}
	return nil
}
