// Package cryptopay is a client for a Crypto Pay style invoice API: invoices
// are created over REST and settled through a signed webhook.
package cryptopay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/punchamoorthee/creditops/internal/payload"
	"github.com/shopspring/decimal"
)

const (
	DefaultBaseURL  = "https://pay.crypt.bot/api"
	TokenHeader     = "Crypto-Pay-API-Token"
	SignatureHeader = "Crypto-Pay-API-Signature"

	StatusActive  = "active"
	StatusPaid    = "paid"
	StatusExpired = "expired"
)

type Config struct {
	Token   string
	BaseURL string
	// Fiat is the settlement currency invoices are priced in, e.g. RUB.
	Fiat    string
	Timeout time.Duration
}

type Client struct {
	token      string
	baseURL    string
	fiat       string
	HTTPClient *http.Client
}

func NewClient(cfg Config) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	fiat := cfg.Fiat
	if fiat == "" {
		fiat = "RUB"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		token:      strings.TrimSpace(cfg.Token),
		baseURL:    base,
		fiat:       fiat,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Invoice is the provider's view of an invoice.
type Invoice struct {
	ID      int64            `json:"invoice_id"`
	Status  string           `json:"status"`
	Amount  *decimal.Decimal `json:"amount,omitempty"`
	Fiat    string           `json:"fiat,omitempty"`
	Payload string           `json:"payload"`
	PayURL  string           `json:"bot_invoice_url"`
}

func (i *Invoice) Paid() bool {
	return i.Status == StatusPaid
}

// IdempotencyKey is the ledger key for a paid invoice. Webhook deliveries and
// status polls of the same invoice share it.
func IdempotencyKey(invoiceID int64) string {
	return "cryptopay:" + strconv.FormatInt(invoiceID, 10)
}

// Confirmation converts the provider's view of an invoice into an engine event.
func (i *Invoice) Confirmation() domain.PaymentConfirmation {
	status := domain.StatusOther
	if i.Paid() {
		status = domain.StatusPaid
	}
	c := domain.PaymentConfirmation{
		Kind:           domain.KindCryptoInvoice,
		Status:         status,
		Payload:        i.Payload,
		ProviderAmount: i.Amount,
	}
	if i.ID > 0 {
		c.IdempotencyKey = IdempotencyKey(i.ID)
	}
	return c
}

type apiResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Name string `json:"name"`
	} `json:"error,omitempty"`
}

// CreateInvoice registers a fiat-priced invoice whose payload carries the
// user and amount to credit once it is paid.
func (c *Client) CreateInvoice(ctx context.Context, userID int64, amount decimal.Decimal) (*Invoice, error) {
	raw, err := payload.Encode(domain.KindCryptoInvoice, userID, amount)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("currency_type", "fiat")
	params.Set("fiat", c.fiat)
	params.Set("amount", amount.String())
	params.Set("description", fmt.Sprintf("Balance top-up: %s %s", amount, c.fiat))
	params.Set("payload", raw)

	var inv Invoice
	if err := c.call(ctx, "createInvoice", params, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetInvoice fetches a single invoice by id.
func (c *Client) GetInvoice(ctx context.Context, invoiceID int64) (*Invoice, error) {
	params := url.Values{}
	params.Set("invoice_ids", strconv.FormatInt(invoiceID, 10))

	var result struct {
		Items []Invoice `json:"items"`
	}
	if err := c.call(ctx, "getInvoices", params, &result); err != nil {
		return nil, err
	}
	for i := range result.Items {
		if result.Items[i].ID == invoiceID {
			return &result.Items[i], nil
		}
	}
	return nil, fmt.Errorf("invoice %d not returned by provider: %w", invoiceID, domain.ErrProviderUnavailable)
}

// CheckStatus reports whether the invoice has been paid.
func (c *Client) CheckStatus(ctx context.Context, invoiceID int64) (bool, error) {
	inv, err := c.GetInvoice(ctx, invoiceID)
	if err != nil {
		return false, err
	}
	return inv.Paid(), nil
}

func (c *Client) call(ctx context.Context, method string, params url.Values, out any) error {
	if c.token == "" {
		return fmt.Errorf("%s: api token is not configured: %w", method, domain.ErrProviderUnavailable)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set(TokenHeader, c.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", method, domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s failed: status=%d body=%s: %w", method, resp.StatusCode, string(body), domain.ErrProviderUnavailable)
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("%s: decode response: %w: %w", method, domain.ErrProviderUnavailable, err)
	}
	if !envelope.OK {
		name := "unknown"
		if envelope.Error != nil {
			name = envelope.Error.Name
		}
		return fmt.Errorf("%s rejected: %s: %w", method, name, domain.ErrProviderUnavailable)
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w: %w", method, domain.ErrProviderUnavailable, err)
	}
	return nil
}

// VerifySignature checks a webhook body against the signature header. The
// HMAC-SHA256 key is the SHA-256 digest of the API token.
func (c *Client) VerifySignature(body []byte, header string) bool {
	return VerifySignature(body, header, c.token)
}

func VerifySignature(body []byte, header, token string) bool {
	sig := strings.TrimSpace(header)
	if sig == "" || token == "" {
		return false
	}
	decoded, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}
	return hmac.Equal(Sign(body, token), decoded)
}

// Sign computes the raw webhook signature for body.
func Sign(body []byte, token string) []byte {
	secret := sha256.Sum256([]byte(token))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(body)
	return mac.Sum(nil)
}
