// Package payload encodes payment intents into the opaque string that is
// echoed back by the payment backends, and decodes it again.
//
// The format is "<prefix>:<user_id>:<amount>". Fields come only from numeric
// sources, so they can never contain the delimiter and no escaping is done.
package payload

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	Delimiter    = ":"
	CryptoPrefix = "topup"
	StarsPrefix  = "stars"

	fieldCount = 3
)

func prefixFor(kind domain.PaymentKind) (string, bool) {
	switch kind {
	case domain.KindCryptoInvoice:
		return CryptoPrefix, true
	case domain.KindStarsPayment:
		return StarsPrefix, true
	default:
		return "", false
	}
}

func kindFor(prefix string) (domain.PaymentKind, bool) {
	switch prefix {
	case CryptoPrefix:
		return domain.KindCryptoInvoice, true
	case StarsPrefix:
		return domain.KindStarsPayment, true
	default:
		return domain.KindUnknown, false
	}
}

// Encode builds the payload for (kind, userID, amount).
func Encode(kind domain.PaymentKind, userID int64, amount decimal.Decimal) (string, error) {
	prefix, ok := prefixFor(kind)
	if !ok {
		return "", fmt.Errorf("encode %s: %w", kind, domain.ErrUnknownKind)
	}
	if userID <= 0 {
		return "", fmt.Errorf("encode: user id must be positive, got %d: %w", userID, domain.ErrMalformedPayload)
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("encode: amount must be positive, got %s: %w", amount, domain.ErrMalformedPayload)
	}
	if kind == domain.KindStarsPayment && !amount.IsInteger() {
		return "", fmt.Errorf("encode: star amount must be whole, got %s: %w", amount, domain.ErrMalformedPayload)
	}

	return strings.Join([]string{
		prefix,
		strconv.FormatInt(userID, 10),
		amount.String(),
	}, Delimiter), nil
}

// Decode parses a payload produced by Encode.
func Decode(raw string) (domain.PaymentIntent, error) {
	parts := strings.Split(raw, Delimiter)

	kind, ok := kindFor(parts[0])
	if !ok {
		return domain.PaymentIntent{}, fmt.Errorf("decode %q: %w", raw, domain.ErrUnknownKind)
	}
	if len(parts) != fieldCount {
		return domain.PaymentIntent{}, fmt.Errorf("decode %q: want %d fields, got %d: %w",
			raw, fieldCount, len(parts), domain.ErrMalformedPayload)
	}

	userID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || userID <= 0 {
		return domain.PaymentIntent{}, fmt.Errorf("decode %q: bad user id: %w", raw, domain.ErrMalformedPayload)
	}

	amount, err := parseAmount(kind, parts[2])
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("decode %q: %v: %w", raw, err, domain.ErrMalformedPayload)
	}

	return domain.PaymentIntent{
		Kind:           kind,
		UserID:         userID,
		DeclaredAmount: amount,
		RawPayload:     raw,
	}, nil
}

func parseAmount(kind domain.PaymentKind, s string) (decimal.Decimal, error) {
	if kind == domain.KindStarsPayment {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return decimal.Zero, fmt.Errorf("bad star amount %q", s)
		}
		if n <= 0 {
			return decimal.Zero, fmt.Errorf("star amount must be positive")
		}
		return decimal.NewFromInt(n), nil
	}

	// decimal.NewFromString also accepts exponents; the codec never emits them.
	if strings.ContainsAny(s, "eE") {
		return decimal.Zero, fmt.Errorf("bad amount %q", s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad amount %q", s)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("amount must be positive")
	}
	return d, nil
}
