package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StarsRate is the number of rouble-equivalent balance units credited per star.
// Invoice descriptions and the reconciliation engine both read this constant.
const StarsRate = 2

// StarsCurrency is the Telegram currency code for Stars.
const StarsCurrency = "XTR"

// PaymentKind identifies which backend a payment belongs to.
type PaymentKind int

const (
	KindUnknown PaymentKind = iota
	KindCryptoInvoice
	KindStarsPayment
)

func (k PaymentKind) String() string {
	switch k {
	case KindCryptoInvoice:
		return "crypto_invoice"
	case KindStarsPayment:
		return "stars_payment"
	default:
		return "unknown"
	}
}

// PaymentIntent is a pending request to credit a user. It is never stored on
// its own: RawPayload travels through the external invoice and comes back in
// the confirmation.
type PaymentIntent struct {
	Kind           PaymentKind     `json:"kind"`
	UserID         int64           `json:"user_id"`
	DeclaredAmount decimal.Decimal `json:"declared_amount"`
	RawPayload     string          `json:"raw_payload"`
}

// CreditAmount is the balance delta this intent is worth.
// Star amounts are converted with StarsRate; crypto amounts are already in
// the settlement currency.
func (p PaymentIntent) CreditAmount() decimal.Decimal {
	if p.Kind == KindStarsPayment {
		return p.DeclaredAmount.Mul(decimal.NewFromInt(StarsRate))
	}
	return p.DeclaredAmount
}

// ConfirmationStatus is the status reported by the payment backend.
type ConfirmationStatus int

const (
	StatusOther ConfirmationStatus = iota
	StatusPaid
)

func (s ConfirmationStatus) String() string {
	if s == StatusPaid {
		return "paid"
	}
	return "other"
}

// PaymentConfirmation is an inbound event from either backend.
type PaymentConfirmation struct {
	Kind    PaymentKind
	Status  ConfirmationStatus
	Payload string
	// ProviderAmount is set on the crypto path only.
	ProviderAmount *decimal.Decimal
	// IdempotencyKey is derived from the provider-assigned invoice or
	// transaction id, never from the payload.
	IdempotencyKey string
	// ChatID, when known, is where the notification goes. Zero means the
	// user id from the payload.
	ChatID int64
}

// LedgerUpdate is the effect applied to a user record.
type LedgerUpdate struct {
	UserID         int64
	Delta          decimal.Decimal
	IdempotencyKey string
	Kind           PaymentKind
	Payload        string
}

// ApplyResult reports whether a ledger update took effect.
type ApplyResult int

const (
	Applied ApplyResult = iota + 1
	AlreadyApplied
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case AlreadyApplied:
		return "already_applied"
	default:
		return "unknown"
	}
}

// Account represents a user's balance.
type Account struct {
	UserID    int64           `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CreditEvent is the immutable record of one applied idempotency key.
type CreditEvent struct {
	IdempotencyKey string          `json:"idempotency_key"`
	UserID         int64           `json:"user_id"`
	Kind           string          `json:"kind"`
	Delta          decimal.Decimal `json:"delta"`
	Payload        string          `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Stats is the aggregate view served to the admin API.
type Stats struct {
	TotalAccounts int64           `json:"total_accounts"`
	TotalCredits  int64           `json:"total_credits"`
	CryptoCredits int64           `json:"crypto_credits"`
	StarsCredits  int64           `json:"stars_credits"`
	TotalCredited decimal.Decimal `json:"total_credited"`
}
