package utils

import (
	"errors"
	"strings"
)

// QuoteAsset - все торгуемые контракты маржируются в USDT
const QuoteAsset = "USDT"

const maxSymbolLength = 20

var (
	ErrEmptySymbol       = errors.New("symbol is empty")
	ErrSymbolTooLong     = errors.New("symbol is too long")
	ErrSymbolCharacters  = errors.New("symbol must contain only A-Z and 0-9")
	ErrSymbolQuoteAsset  = errors.New("symbol must be a USDT perpetual")
	ErrSymbolMissingBase = errors.New("symbol has no base asset")
)

// NormalizeSymbol приводит тикер к виду биржи: BTC-USDT, btc/usdt → BTCUSDT
func NormalizeSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	return strings.NewReplacer("-", "", "_", "", "/", "").Replace(symbol)
}

// ValidateSymbol проверяет нормализованный тикер USDT-перпетуала
func ValidateSymbol(symbol string) error {
	switch {
	case symbol == "":
		return ErrEmptySymbol
	case len(symbol) > maxSymbolLength:
		return ErrSymbolTooLong
	}
	for _, c := range symbol {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return ErrSymbolCharacters
		}
	}
	if !strings.HasSuffix(symbol, QuoteAsset) {
		return ErrSymbolQuoteAsset
	}
	if len(symbol) == len(QuoteAsset) {
		return ErrSymbolMissingBase
	}
	return nil
}

// BaseAsset возвращает базовый актив тикера (BTCUSDT → BTC)
func BaseAsset(symbol string) string {
	return strings.TrimSuffix(NormalizeSymbol(symbol), QuoteAsset)
}
