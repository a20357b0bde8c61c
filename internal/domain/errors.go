package domain

import "errors"

var (
	ErrMalformedPayload    = errors.New("malformed payload")
	ErrUnknownKind         = errors.New("unknown payment kind")
	ErrAmountMismatch      = errors.New("amount mismatch")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrStore               = errors.New("ledger store error")
	ErrNotificationFailed  = errors.New("notification failed")
	ErrAccountNotFound     = errors.New("account not found")
)
