// Package utils provides validation helpers for market symbols.
//
// Symbols use the unified exchange notation "BASE/QUOTE" with an optional
// settlement namespace suffix, e.g. "BTC/USDT" for spot and
// "BTC/USDT:USDT" for a USDT-settled contract. Validation happens before
// any network activity: a malformed symbol must never be dialed or
// queried.
package utils

import (
	"errors"
	"fmt"
	"strings"
)

// Error definitions for validation functions
var (
	// ErrInvalidSymbol is wrapped by all symbol validation failures so
	// callers can distinguish validation errors from transport errors.
	ErrInvalidSymbol = errors.New("invalid symbol")
)

// ValidateSymbol validates a trading symbol of the form "BASE/QUOTE" or
// "BASE/QUOTE:SETTLE".
//
// Rejected inputs:
//   - empty string
//   - missing "/" pair separator (e.g. "AB", "USDT:USDT")
//   - empty base or quote asset
//   - base equal to quote (e.g. "USDT/USDT")
//   - a full base/quote pair duplicated after the ":" namespace
//     separator (e.g. "BTC/USDT:BTC/USDT")
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("%w: symbol cannot be empty", ErrInvalidSymbol)
	}

	pair, settle, hasNamespace := strings.Cut(symbol, ":")

	if hasNamespace {
		if settle == "" {
			return fmt.Errorf("%w: empty settlement namespace in %q", ErrInvalidSymbol, symbol)
		}
		if strings.Contains(settle, "/") {
			return fmt.Errorf("%w: pair duplicated after namespace separator in %q", ErrInvalidSymbol, symbol)
		}
	}

	base, quote, ok := strings.Cut(pair, "/")
	if !ok {
		return fmt.Errorf("%w: expected BASE/QUOTE, got %q", ErrInvalidSymbol, symbol)
	}
	if base == "" {
		return fmt.Errorf("%w: base asset cannot be empty in %q", ErrInvalidSymbol, symbol)
	}
	if quote == "" {
		return fmt.Errorf("%w: quote asset cannot be empty in %q", ErrInvalidSymbol, symbol)
	}
	if strings.EqualFold(base, quote) {
		return fmt.Errorf("%w: base equals quote in %q", ErrInvalidSymbol, symbol)
	}

	return nil
}
