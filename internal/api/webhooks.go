package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/mux"
	"github.com/punchamoorthee/creditops/internal/cryptopay"
	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/punchamoorthee/creditops/internal/reconcile"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// cryptoPayWebhook is the body posted by the invoice provider.
type cryptoPayWebhook struct {
	InvoiceID int64            `json:"invoice_id"`
	Status    string           `json:"status"`
	Payload   string           `json:"payload"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Currency  string           `json:"currency,omitempty"`
}

func (b cryptoPayWebhook) invoice() *cryptopay.Invoice {
	return &cryptopay.Invoice{
		ID:      b.InvoiceID,
		Status:  b.Status,
		Amount:  b.Amount,
		Fiat:    b.Currency,
		Payload: b.Payload,
	}
}

// CryptoPayWebhookHandler acknowledges every event that reached a terminal
// state, including rejected ones, and answers 503 to anything that should be
// redelivered.
func (h *Handler) CryptoPayWebhookHandler(w http.ResponseWriter, r *http.Request) {
	log := h.logger.With(zap.String("request_id", RequestIDFrom(r.Context())))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Stream read error")
		return
	}

	if !h.opts.InsecureSkipSignature && !h.invoices.VerifySignature(body, r.Header.Get(cryptopay.SignatureHeader)) {
		log.Warn("crypto webhook signature rejected")
		respondWithError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var hook cryptoPayWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	inv := hook.invoice()

	switch {
	case h.opts.InsecureSkipSignature:
		// Nothing in an unsigned body is trusted beyond the invoice id.
		if inv.ID <= 0 {
			log.Warn("unsigned crypto webhook without invoice id ignored")
			respondOK(w)
			return
		}
		fetched, err := h.invoices.GetInvoice(r.Context(), inv.ID)
		if err != nil {
			log.Warn("could not fetch invoice", zap.Int64("invoice_id", inv.ID), zap.Error(err))
			respondWithError(w, http.StatusServiceUnavailable, "Invoice provider unavailable")
			return
		}
		inv = &cryptopay.Invoice{
			ID:      inv.ID,
			Status:  fetched.Status,
			Amount:  fetched.Amount,
			Fiat:    fetched.Fiat,
			Payload: fetched.Payload,
		}
	case inv.Paid() && inv.Amount == nil && inv.ID > 0:
		// Some deliveries omit the amount; the provider's own record is the
		// independent figure the payload is checked against.
		fetched, err := h.invoices.GetInvoice(r.Context(), inv.ID)
		if err != nil {
			log.Warn("could not fetch invoice amount", zap.Int64("invoice_id", inv.ID), zap.Error(err))
			respondWithError(w, http.StatusServiceUnavailable, "Invoice provider unavailable")
			return
		}
		inv.Amount = fetched.Amount
	}

	out, err := h.engine.Reconcile(r.Context(), inv.Confirmation())
	if err != nil {
		log.Error("crypto webhook not processed", zap.Int64("invoice_id", inv.ID), zap.Error(err))
		respondWithError(w, http.StatusServiceUnavailable, "Temporarily unavailable")
		return
	}

	if out.State == reconcile.StateCredited || out.State == reconcile.StateNotified {
		h.settled.Settled(r.Context(), inv.ID)
	}
	log.Info("crypto webhook processed",
		zap.Int64("invoice_id", inv.ID),
		zap.String("state", out.State.String()),
		zap.String("reason", out.Reason.String()),
		zap.Bool("replayed", out.Replayed),
	)
	respondOK(w)
}

func (h *Handler) TelegramWebhookHandler(w http.ResponseWriter, r *http.Request) {
	secret := mux.Vars(r)["secret"]
	if h.opts.TelegramSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(h.opts.TelegramSecret)) != 1 {
		respondWithError(w, http.StatusForbidden, "Invalid webhook secret")
		return
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&update); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	if err := h.updates.HandleUpdate(r.Context(), update); err != nil {
		h.logger.Error("telegram update not processed",
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.Int("update_id", update.UpdateID),
			zap.Bool("store_error", errors.Is(err, domain.ErrStore)),
			zap.Error(err),
		)
		respondWithError(w, http.StatusServiceUnavailable, "Temporarily unavailable")
		return
	}
	respondOK(w)
}
