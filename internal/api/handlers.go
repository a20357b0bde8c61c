package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("health check: store unreachable", zap.Error(err))
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondOK(w)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid account id")
		return
	}

	account, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			respondWithError(w, http.StatusNotFound, "Account not found")
			return
		}
		h.logger.Error("get account failed", zap.Int64("user_id", id), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	respondWithJSON(w, http.StatusOK, account)
}

func (h *Handler) GetAccountCreditsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid account id")
		return
	}

	events, err := h.store.GetCreditEvents(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			respondWithError(w, http.StatusNotFound, "Account not found")
			return
		}
		h.logger.Error("get credit events failed", zap.Int64("user_id", id), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	respondWithJSON(w, http.StatusOK, events)
}

func (h *Handler) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil || limit <= 0 || limit > maxPageSize {
		respondWithError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	accounts, err := h.store.ListAccounts(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list accounts failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
		"limit":    limit,
		"offset":   offset,
	})
}

func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.logger.Error("stats failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

type createInvoiceRequest struct {
	UserID int64           `json:"user_id" validate:"required,gt=0"`
	Amount decimal.Decimal `json:"amount"`
}

type createInvoiceResponse struct {
	InvoiceID int64  `json:"invoice_id"`
	PayURL    string `json:"pay_url"`
	Payload   string `json:"payload"`
}

func (h *Handler) CreateInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "Positive user_id required")
		return
	}
	if !req.Amount.IsPositive() {
		respondWithError(w, http.StatusUnprocessableEntity, "Positive amount required")
		return
	}

	inv, err := h.invoices.CreateInvoice(r.Context(), req.UserID, req.Amount)
	if err != nil {
		if errors.Is(err, domain.ErrProviderUnavailable) {
			h.logger.Warn("invoice provider unavailable", zap.Error(err))
			respondWithError(w, http.StatusServiceUnavailable, "Invoice provider unavailable")
			return
		}
		respondWithError(w, http.StatusUnprocessableEntity, "Invalid invoice request")
		return
	}
	respondWithJSON(w, http.StatusCreated, createInvoiceResponse{
		InvoiceID: inv.ID,
		PayURL:    inv.PayURL,
		Payload:   inv.Payload,
	})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
