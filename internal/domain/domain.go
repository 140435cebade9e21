// Package domain provides core domain models shared across the platform.
package domain

import (
	"errors"
	"fmt"
)

// Market identifies the listing venue.
type Market string

const (
	MarketKOSPI  Market = "KOSPI"
	MarketKOSDAQ Market = "KOSDAQ"
)

// Side is an order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ErrInvalidStockCode is returned for any code that is not a listed-share code.
var ErrInvalidStockCode = errors.New("invalid stock code")

// Stock is a listed share on one of the two venues.
type Stock struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Market Market `json:"market"`
	Sector string `json:"sector"`
}

// ValidateCode checks a short code: exactly six characters, the first five
// numeric, the last either numeric (common shares) or one of the recognized
// preferred/SPAC series letters (K, L, M). Anything else is rejected.
func ValidateCode(code string) error {
	if len(code) != 6 {
		return fmt.Errorf("%w: %q (want 6 characters)", ErrInvalidStockCode, code)
	}
	for i := 0; i < 5; i++ {
		if code[i] < '0' || code[i] > '9' {
			return fmt.Errorf("%w: %q", ErrInvalidStockCode, code)
		}
	}
	switch c := code[5]; {
	case c >= '0' && c <= '9':
	case c == 'K' || c == 'L' || c == 'M':
	default:
		return fmt.Errorf("%w: %q (unrecognized class suffix %q)", ErrInvalidStockCode, code, string(c))
	}
	return nil
}

// Validate checks the stock's invariants.
func (s Stock) Validate() error {
	if err := ValidateCode(s.Code); err != nil {
		return err
	}
	if s.Market != MarketKOSPI && s.Market != MarketKOSDAQ {
		return fmt.Errorf("unknown market %q for %s", s.Market, s.Code)
	}
	return nil
}

// Candle is one daily OHLCV bar.
type Candle struct {
	Date   string  `json:"date"` // YYYY-MM-DD
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}
