package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/creditops/internal/cryptopay"
	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/punchamoorthee/creditops/internal/reconcile"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditops_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "creditops_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Reconciler interface {
	Reconcile(ctx context.Context, c domain.PaymentConfirmation) (reconcile.Outcome, error)
}

type AccountStore interface {
	Ping(ctx context.Context) error
	GetAccount(ctx context.Context, userID int64) (*domain.Account, error)
	ListAccounts(ctx context.Context, limit, offset int) ([]domain.Account, error)
	GetCreditEvents(ctx context.Context, userID int64) ([]domain.CreditEvent, error)
	Stats(ctx context.Context) (*domain.Stats, error)
}

// InvoiceProvider is the crypto invoice API as the HTTP layer uses it.
type InvoiceProvider interface {
	CreateInvoice(ctx context.Context, userID int64, amount decimal.Decimal) (*cryptopay.Invoice, error)
	GetInvoice(ctx context.Context, invoiceID int64) (*cryptopay.Invoice, error)
	VerifySignature(body []byte, header string) bool
}

type UpdateDispatcher interface {
	HandleUpdate(ctx context.Context, u tgbotapi.Update) error
}

// SettlementListener is told when an invoice no longer needs polling.
type SettlementListener interface {
	Settled(ctx context.Context, invoiceID int64)
}

type Options struct {
	// InsecureSkipSignature accepts unsigned crypto webhooks. The body then
	// only names the invoice; status, amount and payload come from the
	// provider.
	InsecureSkipSignature bool
	TelegramSecret        string
	// AdminToken is the bearer token for /api/v1. Empty rejects every call.
	AdminToken string
}

type Handler struct {
	engine   Reconciler
	store    AccountStore
	invoices InvoiceProvider
	updates  UpdateDispatcher
	settled  SettlementListener
	validate *validator.Validate
	logger   *zap.Logger
	opts     Options
}

func NewHandler(engine Reconciler, s AccountStore, invoices InvoiceProvider, updates UpdateDispatcher, settled SettlementListener, logger *zap.Logger, opts Options) *Handler {
	return &Handler{
		engine:   engine,
		store:    s,
		invoices: invoices,
		updates:  updates,
		settled:  settled,
		validate: validator.New(),
		logger:   logger,
		opts:     opts,
	}
}

// Routes builds the router for every HTTP endpoint the service exposes.
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(h.requestID, h.instrument)

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	r.HandleFunc("/webhooks/cryptopay", h.CryptoPayWebhookHandler).Methods("POST")
	r.HandleFunc("/webhooks/telegram/{secret}", h.TelegramWebhookHandler).Methods("POST")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(h.adminAuth)
	apiV1.HandleFunc("/accounts", h.ListAccountsHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/credits", h.GetAccountCreditsHandler).Methods("GET")
	apiV1.HandleFunc("/stats", h.StatsHandler).Methods("GET")
	apiV1.HandleFunc("/invoices", h.CreateInvoiceHandler).Methods("POST")

	return r
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func respondOK(w http.ResponseWriter) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
